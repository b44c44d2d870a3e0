package checklist

import (
	"context"

	"github.com/pitabwire/taxintake/model"
)

// TemplateLibrary provides the document requirement templates.
type TemplateLibrary interface {
	// ListTemplates returns the templates of a tax type ordered by SortOrder.
	ListTemplates(ctx context.Context, taxType model.TaxType) ([]model.Template, error)
}

// ProfileStore loads the case and the profile of its client.
type ProfileStore interface {
	// GetCaseProfile returns CASE_NOT_FOUND if the case does not exist and
	// PROFILE_NOT_FOUND if its client has no tax profile.
	GetCaseProfile(ctx context.Context, caseID string) (model.CaseProfile, error)
}

// ChecklistStore persists checklist items.
type ChecklistStore interface {
	// BulkInsertSkipDuplicates inserts all items in one transaction, silently
	// skipping any (case, template) pair that already exists. It returns the
	// number of rows actually inserted.
	BulkInsertSkipDuplicates(ctx context.Context, items []model.ChecklistItem) (int, error)

	// DeleteMissing removes every MISSING item of a case and returns how many
	// were removed. Items with any other status are left untouched.
	DeleteMissing(ctx context.Context, caseID string) (int, error)

	// DeleteMissingByTemplate removes the MISSING items of a case whose
	// template is listed.
	DeleteMissingByTemplate(ctx context.Context, caseID string, templateIDs []string) (int, error)

	// ListItems returns the items of a case.
	ListItems(ctx context.Context, caseID string) ([]model.ChecklistItem, error)
}

// AnswerStore removes answers from a client's AnswerMap.
type AnswerStore interface {
	// DeleteAnswerKeys removes the given keys and returns the ones that were
	// present. Deleting an absent key is a no-op.
	DeleteAnswerKeys(ctx context.Context, clientID string, keys []string) ([]string, error)
}
