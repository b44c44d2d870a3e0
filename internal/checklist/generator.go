package checklist

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/taxintake/internal/answers"
	"github.com/pitabwire/taxintake/internal/condition"
	"github.com/pitabwire/taxintake/internal/observability"
	"github.com/pitabwire/taxintake/model"
)

// Generator turns a template set and a profile into checklist items.
type Generator struct {
	items ChecklistStore
	settings
}

// NewGenerator creates a Generator writing to items.
func NewGenerator(items ChecklistStore, opts ...Option) *Generator {
	return &Generator{items: items, settings: newSettings(opts)}
}

// Plan returns the items a case should have, without writing anything.
// Templates outside taxType are ignored; template order is preserved.
func (g *Generator) Plan(caseID string, taxType model.TaxType, profile model.Profile, templates []model.Template) []model.ChecklistItem {
	resolver := answers.NewResolver(profile)
	now := g.now()

	var items []model.ChecklistItem
	for _, t := range templates {
		if t.TaxType != taxType {
			continue
		}
		if !g.applies(caseID, t, resolver) {
			continue
		}
		items = append(items, model.ChecklistItem{
			ID:            uuid.NewString(),
			CaseID:        caseID,
			TemplateID:    t.ID,
			Status:        model.ItemStatusMissing,
			ExpectedCount: ExpectedCount(t.DocumentType, resolver.Lookup, t.DefaultExpectedCount),
			ReceivedCount: 0,
			CreatedAt:     now,
		})
	}
	return items
}

// Generate plans the checklist of a case and inserts it in one batch.
// Existing (case, template) rows are skipped, never overwritten, so
// Generate is safe to repeat. Only storage failures are returned.
func (g *Generator) Generate(ctx context.Context, caseID string, taxType model.TaxType, profile model.Profile, templates []model.Template) (_ []model.ChecklistItem, err error) {
	ctx, span := observability.StartSpan(ctx, "checklist.Generate",
		observability.AttrCaseID.String(caseID),
		observability.AttrTaxType.String(string(taxType)),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	items := g.Plan(caseID, taxType, profile, templates)
	if len(items) == 0 {
		g.metrics.RecordGeneration("empty", 0)
		return items, nil
	}

	inserted, err := g.items.BulkInsertSkipDuplicates(ctx, items)
	if err != nil {
		g.metrics.RecordGeneration("error", 0)
		return nil, fmt.Errorf("insert checklist items for case %s: %w", caseID, err)
	}
	g.metrics.RecordGeneration("ok", inserted)

	g.logger.Info("checklist generated",
		zap.String("case_id", caseID),
		zap.String("tax_type", string(taxType)),
		zap.Int("applicable", len(items)),
		zap.Int("inserted", inserted),
	)
	return items, nil
}

// applies decides whether template t belongs on the checklist.
//
// Without a condition only required templates apply. A condition that
// cannot be parsed falls back to the required flag; a parsed condition
// applies iff it evaluates true.
func (g *Generator) applies(caseID string, t model.Template, resolver *answers.Resolver) bool {
	if !t.HasCondition() {
		return t.Required
	}

	expr, err := condition.Parse(t.Condition, g.maxConditionBytes)
	if err != nil {
		reason := condition.RejectionReason(err)
		g.metrics.RecordTemplateSkipped(reason)
		g.logger.Debug("template condition rejected",
			zap.String("case_id", caseID),
			zap.String("template_id", t.ID),
			zap.String("reason", reason),
			zap.Bool("required", t.Required),
			zap.Error(err),
		)
		return t.Required
	}
	if expr == nil {
		return t.Required
	}
	return condition.Evaluate(expr, resolver.Lookup)
}
