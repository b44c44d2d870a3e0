package intake

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/taxintake/internal/answers"
	"github.com/pitabwire/taxintake/internal/checklist"
	"github.com/pitabwire/taxintake/internal/observability"
	"github.com/pitabwire/taxintake/model"
)

// UpdateResult describes an applied answer update.
type UpdateResult struct {
	CaseID    string                    `json:"case_id"`
	ClientID  string                    `json:"client_id"`
	Answers   model.AnswerMap           `json:"answers"`
	Changes   []model.FieldDiff         `json:"changes"`
	Cascades  []checklist.CascadeResult `json:"cascades"`
	Refreshed bool                      `json:"checklist_refreshed"`
	Replayed  bool                      `json:"replayed"`
}

// maxWriteAttempts bounds the read-merge-write cycles of one update.
const maxWriteAttempts = 3

func (r UpdateResult) clone() UpdateResult {
	out := r
	out.Answers = r.Answers.Clone()
	out.Changes = append([]model.FieldDiff(nil), r.Changes...)
	out.Cascades = append([]checklist.CascadeResult(nil), r.Cascades...)
	return out
}

// UpdateAnswers applies a patch to the AnswerMap of the case's client.
//
// A nil value in the patch removes the key. The merged map is validated
// before anything is written. Every bool answer that resolved true before
// the update and resolves false after it triggers a cascade; cascades run
// concurrently. The checklist is then refreshed unless the case is filed.
// With a non-empty idempotencyKey the result is stored and replayed for a
// repeat of the same patch; a different patch under the same key fails with
// CONFLICT.
func (s *Service) UpdateAnswers(ctx context.Context, caseID string, patch answers.Patch, idempotencyKey string) (result UpdateResult, err error) {
	ctx, span := observability.StartSpan(ctx, "intake.UpdateAnswers", observability.AttrCaseID.String(caseID))
	defer func() {
		observability.EndSpanWithError(span, err)
		s.metrics.RecordAnswerUpdate(updateStatus(result, err))
	}()

	var idemKey, inputHash string
	if idempotencyKey != "" && s.idempotency != nil {
		idemKey = FormatIdempotencyKey(caseID, idempotencyKey)
		inputHash, err = HashPatch(patch)
		if err != nil {
			return UpdateResult{}, model.NewBadRequestError("answer patch cannot be encoded")
		}
		cached, found, err := s.idempotency.Check(ctx, idemKey, inputHash)
		if err != nil {
			return UpdateResult{}, err
		}
		if found {
			s.metrics.RecordIdempotencyReplay()
			replay := *cached
			replay.Replayed = true
			return replay, nil
		}
	}

	set, removed, ferrs := answers.ValidatePatch(patch, s.limits)
	if len(ferrs) > 0 {
		return UpdateResult{}, model.NewValidationError(ferrs)
	}
	if len(set) == 0 && len(removed) == 0 {
		return UpdateResult{}, model.NewBadRequestError("answer patch is empty")
	}

	cp, before, after, changes, err := s.writeAnswers(ctx, caseID, set, removed)
	if err != nil {
		return UpdateResult{}, err
	}
	clientID := cp.Case.ClientID
	span.SetAttributes(observability.AttrClientID.String(clientID))

	result = UpdateResult{
		CaseID:   caseID,
		ClientID: clientID,
		Changes:  changes,
		Cascades: []checklist.CascadeResult{},
	}
	if len(result.Changes) == 0 {
		result.Answers = after.Answers
		s.remember(ctx, idemKey, inputHash, result)
		return result, nil
	}

	flipped := falseTransitions(before, after, result.Changes)
	cascades, err := s.runCascades(ctx, clientID, caseID, flipped)
	if err != nil {
		return UpdateResult{}, err
	}
	result.Cascades = cascades
	audit := append([]model.FieldDiff(nil), result.Changes...)
	for _, c := range cascades {
		for _, k := range c.DeletedAnswerKeys {
			audit = recordRemoval(audit, k, after.Answers[k])
			delete(after.Answers, k)
		}
	}
	result.Answers = after.Answers

	if !cp.Case.Status.Terminal() {
		if err := s.refresher.Refresh(ctx, caseID); err != nil {
			return UpdateResult{}, fmt.Errorf("refresh checklist of case %s: %w", caseID, err)
		}
		result.Refreshed = true
	}

	s.audit.Record(ctx, clientID, audit)
	observability.RequestLogger(ctx, s.logger).Info("answers updated",
		zap.String("case_id", caseID),
		zap.String("client_id", clientID),
		zap.Int("changed", len(result.Changes)),
		zap.Strings("cascaded_keys", flipped),
		zap.Bool("refreshed", result.Refreshed),
	)
	s.remember(ctx, idemKey, inputHash, result)
	return result, nil
}

// writeAnswers merges the patch into the client's current AnswerMap and
// persists it against the profile version it was read at. When another
// writer moved the version first, the case is re-read and the merge redone,
// up to maxWriteAttempts times. Nothing is written when the merge changes
// nothing.
func (s *Service) writeAnswers(ctx context.Context, caseID string, set model.AnswerMap, removed []string) (cp model.CaseProfile, before, after model.Profile, changes []model.FieldDiff, err error) {
	for attempt := 1; ; attempt++ {
		cp, err = s.loadCase(ctx, caseID)
		if err != nil {
			return cp, before, after, nil, err
		}

		before = cp.Profile
		after = cp.Profile
		after.Answers = before.Answers.Clone()
		for k, v := range set {
			after.Answers[k] = v
		}
		for _, k := range removed {
			delete(after.Answers, k)
		}
		if ferrs := answers.ValidateMap(after.Answers, s.limits); len(ferrs) > 0 {
			return cp, before, after, nil, model.NewValidationError(ferrs)
		}

		changes = diffAnswers(before.Answers, after.Answers)
		if len(changes) == 0 {
			return cp, before, after, changes, nil
		}

		clientID := cp.Case.ClientID
		err = s.store.SwapAnswers(ctx, clientID, before.Version, after.Answers)
		if err == nil {
			after.Version = before.Version + 1
			return cp, before, after, changes, nil
		}
		if !model.IsConflict(err) || attempt == maxWriteAttempts {
			return cp, before, after, nil, fmt.Errorf("replace answers of client %s: %w", clientID, err)
		}
		observability.RequestLogger(ctx, s.logger).Debug("answer write raced, retrying",
			zap.String("client_id", clientID),
			zap.Int64("version", before.Version),
			zap.Int("attempt", attempt),
		)
	}
}

// remember stores the result under the idempotency key, if any. A failure
// is logged: the update itself has already been applied.
func (s *Service) remember(ctx context.Context, key, inputHash string, result UpdateResult) {
	if key == "" {
		return
	}
	if err := s.idempotency.Store(ctx, key, inputHash, result, s.idempotencyTTL); err != nil {
		observability.RequestLogger(ctx, s.logger).Warn("idempotency store failed",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

func (s *Service) runCascades(ctx context.Context, clientID, caseID string, keys []string) ([]checklist.CascadeResult, error) {
	results := make([]checklist.CascadeResult, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			r, err := s.cascader.Cascade(gctx, clientID, key, caseID)
			if err != nil {
				return fmt.Errorf("cascade %s: %w", key, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// diffAnswers returns the changed keys in key order. Absent values are nil.
func diffAnswers(before, after model.AnswerMap) []model.FieldDiff {
	keys := make(map[string]bool, len(before)+len(after))
	for k := range before {
		keys[k] = true
	}
	for k := range after {
		keys[k] = true
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	diffs := []model.FieldDiff{}
	for _, k := range sorted {
		old, hadOld := before[k]
		cur, hasCur := after[k]
		if hadOld && hasCur && old.Equal(cur) {
			continue
		}
		d := model.FieldDiff{Field: k}
		if hadOld {
			d.OldValue = old.Any()
		}
		if hasCur {
			d.NewValue = cur.Any()
		}
		diffs = append(diffs, d)
	}
	return diffs
}

// falseTransitions returns the changed keys whose resolved value went from
// true to false. A removed key counts only when its legacy column resolves
// false; a key that becomes absent does not.
func falseTransitions(before, after model.Profile, changes []model.FieldDiff) []string {
	oldResolver := answers.NewResolver(before)
	newResolver := answers.NewResolver(after)

	var keys []string
	for _, d := range changes {
		was, ok := oldResolver.Bool(d.Field)
		if !ok || !was {
			continue
		}
		now, ok := newResolver.Bool(d.Field)
		if ok && !now {
			keys = append(keys, d.Field)
		}
	}
	return keys
}

// recordRemoval notes that a cascade removed key. A key the patch itself
// changed keeps its diff with the new value cleared.
func recordRemoval(diffs []model.FieldDiff, key string, old model.Scalar) []model.FieldDiff {
	for i := range diffs {
		if diffs[i].Field == key {
			diffs[i].NewValue = nil
			return diffs
		}
	}
	d := model.FieldDiff{Field: key}
	if old.Valid() {
		d.OldValue = old.Any()
	}
	return append(diffs, d)
}

func updateStatus(r UpdateResult, err error) string {
	var env *model.ErrorEnvelope
	switch {
	case err == nil && r.Replayed:
		return "replayed"
	case err == nil:
		return "ok"
	case model.IsNotFound(err):
		return "not_found"
	case errors.As(err, &env) && env.Code == model.ErrValidationError:
		return "invalid"
	case errors.As(err, &env) && env.Code == model.ErrConflict:
		return "conflict"
	case errors.As(err, &env) && env.Code == model.ErrBadRequest:
		return "invalid"
	default:
		return "error"
	}
}
