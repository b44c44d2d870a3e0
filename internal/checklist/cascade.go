package checklist

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/pitabwire/taxintake/internal/answers"
	"github.com/pitabwire/taxintake/internal/condition"
	"github.com/pitabwire/taxintake/internal/observability"
	"github.com/pitabwire/taxintake/model"
)

// dependentAnswers lists, per controlling yes/no question, the follow-up
// answers that only make sense while the controlling answer is true.
var dependentAnswers = map[string][]string{
	"hasW2":              {"w2Count"},
	"hasRentalProperty":  {"rentalPropertyCount"},
	"hasKidsUnder17":     {"numKidsUnder17"},
	"hasK1Income":        {"k1Count"},
	"has1099NEC":         {"num1099NECReceived"},
	"hasForeignAccounts": {"foreignAccountCount"},
	"hasDependents":      {"numDependents"},
}

// Dependents returns the answer keys controlled by key.
func Dependents(key string) []string {
	deps := dependentAnswers[key]
	out := make([]string, len(deps))
	copy(out, deps)
	return out
}

// CascadeResult reports what a cascade removed, for the audit trail.
type CascadeResult struct {
	ChangedKey        string   `json:"changed_key"`
	DeletedAnswerKeys []string `json:"deleted_answer_keys"`
	DeletedItemCount  int      `json:"deleted_item_count"`
}

// Cascader invalidates answers and checklist items that depended on a
// yes/no answer which has just turned false.
type Cascader struct {
	answers   AnswerStore
	profiles  ProfileStore
	templates TemplateLibrary
	items     ChecklistStore
	settings
}

// NewCascader creates a Cascader.
func NewCascader(answerStore AnswerStore, profiles ProfileStore, templates TemplateLibrary, items ChecklistStore, opts ...Option) *Cascader {
	return &Cascader{
		answers:   answerStore,
		profiles:  profiles,
		templates: templates,
		items:     items,
		settings:  newSettings(opts),
	}
}

// Cascade handles a true→false transition of changedKey for a client. The
// caller must already have persisted the new value.
//
// The dependent answers of changedKey are removed from the client's
// AnswerMap. When caseID is non-empty, MISSING items of that case whose
// template condition mentions changedKey and no longer holds are deleted as
// well. Cascade is idempotent and safe to run concurrently for different
// keys of the same client.
func (c *Cascader) Cascade(ctx context.Context, clientID, changedKey, caseID string) (result CascadeResult, err error) {
	ctx, span := observability.StartSpan(ctx, "checklist.Cascade",
		observability.AttrClientID.String(clientID),
		observability.AttrAnswerKey.String(changedKey),
		observability.AttrCaseID.String(caseID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	result = CascadeResult{ChangedKey: changedKey, DeletedAnswerKeys: []string{}}

	var cp model.CaseProfile
	if caseID != "" {
		cp, err = c.profiles.GetCaseProfile(ctx, caseID)
		if err != nil {
			return result, err
		}
		if cp.Case.ClientID != clientID {
			return result, model.NewCaseNotFoundError(caseID)
		}
	}

	deps := Dependents(changedKey)
	if len(deps) > 0 {
		deleted, err := c.answers.DeleteAnswerKeys(ctx, clientID, deps)
		if err != nil {
			return result, fmt.Errorf("delete dependent answers of %s: %w", changedKey, err)
		}
		sort.Strings(deleted)
		result.DeletedAnswerKeys = deleted
	}

	if caseID != "" {
		profile := cp.Profile
		profile.Answers = profile.Answers.Clone()
		for _, k := range deps {
			delete(profile.Answers, k)
		}
		n, err := c.invalidateItems(ctx, cp.Case, profile, changedKey)
		if err != nil {
			return result, err
		}
		result.DeletedItemCount = n
	}

	c.metrics.RecordCascade(len(result.DeletedAnswerKeys), result.DeletedItemCount)
	c.logger.Info("answer cascade applied",
		zap.String("client_id", clientID),
		zap.String("changed_key", changedKey),
		zap.String("case_id", caseID),
		zap.Strings("deleted_answer_keys", result.DeletedAnswerKeys),
		zap.Int("deleted_items", result.DeletedItemCount),
	)
	return result, nil
}

// invalidateItems deletes the MISSING items governed by changedKey whose
// condition is no longer satisfied by profile.
func (c *Cascader) invalidateItems(ctx context.Context, cs model.Case, profile model.Profile, changedKey string) (int, error) {
	items, err := c.items.ListItems(ctx, cs.ID)
	if err != nil {
		return 0, fmt.Errorf("list items for case %s: %w", cs.ID, err)
	}
	templates, err := c.templates.ListTemplates(ctx, cs.TaxType)
	if err != nil {
		return 0, fmt.Errorf("list templates for %s: %w", cs.TaxType, err)
	}
	byID := make(map[string]model.Template, len(templates))
	for _, t := range templates {
		byID[t.ID] = t
	}

	resolver := answers.NewResolver(profile)
	var stale []string
	for _, item := range items {
		if item.Status != model.ItemStatusMissing {
			continue
		}
		t, ok := byID[item.TemplateID]
		if !ok || !t.HasCondition() {
			continue
		}
		expr, err := condition.Parse(t.Condition, c.maxConditionBytes)
		if err != nil || expr == nil {
			continue
		}
		if condition.References(expr, changedKey) && !condition.Evaluate(expr, resolver.Lookup) {
			stale = append(stale, t.ID)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	n, err := c.items.DeleteMissingByTemplate(ctx, cs.ID, stale)
	if err != nil {
		return 0, fmt.Errorf("delete stale items for case %s: %w", cs.ID, err)
	}
	return n, nil
}
