package checklist

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/taxintake/internal/observability"
	"github.com/pitabwire/taxintake/model"
)

// Refresher regenerates the checklist of an existing case.
type Refresher struct {
	profiles  ProfileStore
	templates TemplateLibrary
	items     ChecklistStore
	generator *Generator
	settings
}

// NewRefresher creates a Refresher.
func NewRefresher(profiles ProfileStore, templates TemplateLibrary, items ChecklistStore, generator *Generator, opts ...Option) *Refresher {
	return &Refresher{
		profiles:  profiles,
		templates: templates,
		items:     items,
		generator: generator,
		settings:  newSettings(opts),
	}
}

// Seed generates the initial checklist of a newly created case.
func (r *Refresher) Seed(ctx context.Context, caseID string) ([]model.ChecklistItem, error) {
	cp, err := r.profiles.GetCaseProfile(ctx, caseID)
	if err != nil {
		return nil, err
	}
	templates, err := r.templates.ListTemplates(ctx, cp.Case.TaxType)
	if err != nil {
		return nil, fmt.Errorf("list templates for %s: %w", cp.Case.TaxType, err)
	}
	return r.generator.Generate(ctx, caseID, cp.Case.TaxType, cp.Profile, templates)
}

// Refresh drops the case's MISSING items and regenerates the checklist from
// the current profile. Items that already carry evidence survive because
// they are never deleted and the regeneration skips existing rows.
//
// It returns a not-found ErrorEnvelope when the case or its profile is
// missing.
func (r *Refresher) Refresh(ctx context.Context, caseID string) (err error) {
	ctx, span := observability.StartSpan(ctx, "checklist.Refresh", observability.AttrCaseID.String(caseID))
	defer func() {
		observability.EndSpanWithError(span, err)
		r.metrics.RecordRefresh(refreshStatus(err))
	}()

	cp, err := r.profiles.GetCaseProfile(ctx, caseID)
	if err != nil {
		return err
	}
	templates, err := r.templates.ListTemplates(ctx, cp.Case.TaxType)
	if err != nil {
		return fmt.Errorf("list templates for %s: %w", cp.Case.TaxType, err)
	}

	removed, err := r.items.DeleteMissing(ctx, caseID)
	if err != nil {
		return fmt.Errorf("delete missing items for case %s: %w", caseID, err)
	}

	items, err := r.generator.Generate(ctx, caseID, cp.Case.TaxType, cp.Profile, templates)
	if err != nil {
		return err
	}

	r.logger.Info("checklist refreshed",
		zap.String("case_id", caseID),
		zap.Int("removed_missing", removed),
		zap.Int("applicable", len(items)),
	)
	return nil
}

func refreshStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case model.IsNotFound(err):
		return "not_found"
	default:
		return "error"
	}
}
