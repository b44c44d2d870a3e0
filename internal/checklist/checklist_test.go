package checklist_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/taxintake/internal/casestore"
	"github.com/pitabwire/taxintake/internal/checklist"
	"github.com/pitabwire/taxintake/model"
)

// staticLibrary serves a fixed template set.
type staticLibrary []model.Template

func (l staticLibrary) ListTemplates(_ context.Context, taxType model.TaxType) ([]model.Template, error) {
	var out []model.Template
	for _, t := range l {
		if t.TaxType == taxType {
			out = append(out, t)
		}
	}
	return out, nil
}

// failingItems is a ChecklistStore whose writes always fail.
type failingItems struct{ err error }

func (f failingItems) BulkInsertSkipDuplicates(context.Context, []model.ChecklistItem) (int, error) {
	return 0, f.err
}
func (f failingItems) DeleteMissing(context.Context, string) (int, error) { return 0, f.err }
func (f failingItems) DeleteMissingByTemplate(context.Context, string, []string) (int, error) {
	return 0, f.err
}
func (f failingItems) ListItems(context.Context, string) ([]model.ChecklistItem, error) {
	return nil, f.err
}

func tmpl(id, docType string, required bool, condition string) model.Template {
	return model.Template{
		ID:           id,
		DocumentType: docType,
		TaxType:      model.TaxTypeIndividual,
		Label:        id,
		Condition:    condition,
		Required:     required,
	}
}

// deepCondition nests four junction levels, one more than allowed.
const deepCondition = `{"type":"AND","conditions":[{"type":"OR","conditions":[{"type":"AND","conditions":[{"type":"OR","conditions":[{"key":"hasW2","value":true}]}]}]}]}`

var library = staticLibrary{
	tmpl("t-id", "PHOTO_ID", true, ""),
	tmpl("t-prior", "PRIOR_RETURN", false, ""),
	tmpl("t-w2", model.DocW2, false, `{"hasW2": true}`),
	tmpl("t-bank", model.DocBankStatement, false, `{"hasBankAccounts": true}`),
	tmpl("t-kids", "CHILD_SSN_CARD", false, `{"hasKidsUnder17": true}`),
	tmpl("t-rent", model.DocRentalStatement, false,
		`{"type":"OR","conditions":[{"key":"hasRentalProperty","value":true},{"key":"rentalPropertyCount","value":1,"operator":"gte"}]}`),
	{ID: "t-ein", DocumentType: "EIN_LETTER", TaxType: model.TaxTypeBusiness, Required: true},
}

type fixture struct {
	store     *casestore.MemoryStore
	generator *checklist.Generator
	refresher *checklist.Refresher
	cascader  *checklist.Cascader
}

func newFixture(t *testing.T, profile model.Profile, lib staticLibrary) *fixture {
	t.Helper()
	ctx := context.Background()
	store := casestore.NewMemoryStore()
	profile.ClientID = "client-1"
	require.NoError(t, store.PutProfile(ctx, profile))
	require.NoError(t, store.PutCase(ctx, model.Case{
		ID:       "case-1",
		ClientID: "client-1",
		TaxType:  model.TaxTypeIndividual,
		TaxYear:  2025,
		Status:   model.CaseStatusIntake,
	}))

	clock := checklist.WithClock(func() time.Time { return time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC) })
	gen := checklist.NewGenerator(store, clock)
	return &fixture{
		store:     store,
		generator: gen,
		refresher: checklist.NewRefresher(store, lib, store, gen),
		cascader:  checklist.NewCascader(store, store, lib, store),
	}
}

func templateIDs(items []model.ChecklistItem) []string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.TemplateID
	}
	return ids
}

func itemFor(items []model.ChecklistItem, templateID string) (model.ChecklistItem, bool) {
	for _, item := range items {
		if item.TemplateID == templateID {
			return item, true
		}
	}
	return model.ChecklistItem{}, false
}

func TestGenerate_unconditionalTemplates(t *testing.T) {
	f := newFixture(t, model.Profile{}, library)
	ctx := context.Background()

	items, err := f.refresher.Seed(ctx, "case-1")
	require.NoError(t, err)

	ids := templateIDs(items)
	assert.Contains(t, ids, "t-id", "required template without condition is always included")
	assert.NotContains(t, ids, "t-prior", "optional template without condition is never included")
	assert.NotContains(t, ids, "t-ein", "other tax types are out of scope")
}

func TestGenerate_itemShape(t *testing.T) {
	f := newFixture(t, model.Profile{}, library)

	items, err := f.refresher.Seed(context.Background(), "case-1")
	require.NoError(t, err)
	require.NotEmpty(t, items)

	for _, item := range items {
		assert.NotEmpty(t, item.ID)
		assert.Equal(t, "case-1", item.CaseID)
		assert.Equal(t, model.ItemStatusMissing, item.Status)
		assert.Zero(t, item.ReceivedCount)
		assert.GreaterOrEqual(t, item.ExpectedCount, uint32(1))
		assert.Equal(t, 2026, item.CreatedAt.Year())
	}
}

func TestGenerate_answerMapOverridesLegacy(t *testing.T) {
	profile := model.Profile{
		Legacy: model.LegacyFields{HasW2: false, W2Count: 1},
		Answers: model.AnswerMap{
			"hasW2":   model.Bool(true),
			"w2Count": model.Number(3),
		},
	}
	f := newFixture(t, profile, library)

	items, err := f.refresher.Seed(context.Background(), "case-1")
	require.NoError(t, err)

	w2, ok := itemFor(items, "t-w2")
	require.True(t, ok, "W2 applies through the AnswerMap")
	assert.Equal(t, uint32(3), w2.ExpectedCount)
}

func TestGenerate_legacyFallback(t *testing.T) {
	profile := model.Profile{
		Legacy: model.LegacyFields{HasW2: true, W2Count: 2},
	}
	f := newFixture(t, profile, library)

	items, err := f.refresher.Seed(context.Background(), "case-1")
	require.NoError(t, err)

	w2, ok := itemFor(items, "t-w2")
	require.True(t, ok)
	assert.Equal(t, uint32(2), w2.ExpectedCount)
}

func TestGenerate_bankStatementsDefaultToTwelve(t *testing.T) {
	profile := model.Profile{Answers: model.AnswerMap{"hasBankAccounts": model.Bool(true)}}
	f := newFixture(t, profile, library)

	items, err := f.refresher.Seed(context.Background(), "case-1")
	require.NoError(t, err)

	bank, ok := itemFor(items, "t-bank")
	require.True(t, ok)
	assert.Equal(t, uint32(checklist.BankStatementsPerYear), bank.ExpectedCount)
}

func TestGenerate_orCondition(t *testing.T) {
	profile := model.Profile{Answers: model.AnswerMap{"rentalPropertyCount": model.Number(2)}}
	f := newFixture(t, profile, library)

	items, err := f.refresher.Seed(context.Background(), "case-1")
	require.NoError(t, err)

	rent, ok := itemFor(items, "t-rent")
	require.True(t, ok, "second OR branch satisfies the condition")
	assert.Equal(t, uint32(2), rent.ExpectedCount)
}

func TestGenerate_isIdempotent(t *testing.T) {
	profile := model.Profile{Answers: model.AnswerMap{"hasW2": model.Bool(true)}}
	f := newFixture(t, profile, library)
	ctx := context.Background()

	first, err := f.refresher.Seed(ctx, "case-1")
	require.NoError(t, err)
	n := f.store.Len()
	assert.Equal(t, len(first), n)

	_, err = f.refresher.Seed(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, n, f.store.Len(), "second run inserts nothing")

	stored, err := f.store.ListItems(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, templateIDs(first), templateIDs(stored))
	assert.Equal(t, first[0].ID, stored[0].ID, "existing rows are never overwritten")
}

func TestGenerate_rejectedConditionFallsBackToRequired(t *testing.T) {
	lib := staticLibrary{
		tmpl("t-deep-required", "DEEP_A", true, deepCondition),
		tmpl("t-deep-optional", "DEEP_B", false, deepCondition),
		tmpl("t-big-required", "BIG", true, `{"k":"`+strings.Repeat("x", 11000)+`"}`),
	}
	f := newFixture(t, model.Profile{Answers: model.AnswerMap{"hasW2": model.Bool(true)}}, lib)

	items, err := f.refresher.Seed(context.Background(), "case-1")
	require.NoError(t, err)

	ids := templateIDs(items)
	assert.Contains(t, ids, "t-deep-required")
	assert.NotContains(t, ids, "t-deep-optional")
	assert.Contains(t, ids, "t-big-required")
}

func TestGenerate_emptyPlanWritesNothing(t *testing.T) {
	f := newFixture(t, model.Profile{}, staticLibrary{tmpl("t-prior", "PRIOR_RETURN", false, "")})

	items, err := f.refresher.Seed(context.Background(), "case-1")
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Zero(t, f.store.Len())
}

func TestGenerate_storageFailurePropagates(t *testing.T) {
	boom := errors.New("disk full")
	gen := checklist.NewGenerator(failingItems{err: boom})

	_, err := gen.Generate(context.Background(), "case-1", model.TaxTypeIndividual, model.Profile{}, library)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestPlan_preservesTemplateOrder(t *testing.T) {
	gen := checklist.NewGenerator(casestore.NewMemoryStore())
	profile := model.Profile{Answers: model.AnswerMap{
		"hasW2":           model.Bool(true),
		"hasBankAccounts": model.Bool(true),
	}}

	items := gen.Plan("case-1", model.TaxTypeIndividual, profile, library)
	assert.Equal(t, []string{"t-id", "t-w2", "t-bank"}, templateIDs(items))
}

func TestRefresh_preservesEvidence(t *testing.T) {
	profile := model.Profile{Answers: model.AnswerMap{
		"hasW2":           model.Bool(true),
		"hasBankAccounts": model.Bool(true),
	}}
	f := newFixture(t, profile, library)
	ctx := context.Background()

	_, err := f.refresher.Seed(ctx, "case-1")
	require.NoError(t, err)
	require.NoError(t, f.store.SetItemStatus(ctx, "case-1", "t-w2", model.ItemStatusVerified, 1))

	// Neither W2 nor bank statements apply any more.
	require.NoError(t, f.store.ReplaceAnswers(ctx, "client-1", model.AnswerMap{
		"hasW2":           model.Bool(false),
		"hasBankAccounts": model.Bool(false),
		"hasKidsUnder17":  model.Bool(true),
	}))
	require.NoError(t, f.refresher.Refresh(ctx, "case-1"))

	items, err := f.store.ListItems(ctx, "case-1")
	require.NoError(t, err)
	ids := templateIDs(items)
	assert.Contains(t, ids, "t-w2", "VERIFIED item survives refresh")
	assert.NotContains(t, ids, "t-bank", "MISSING item no longer applicable is dropped")
	assert.Contains(t, ids, "t-kids", "newly applicable item is added")
	assert.Contains(t, ids, "t-id")

	w2, _ := itemFor(items, "t-w2")
	assert.Equal(t, model.ItemStatusVerified, w2.Status)
}

func TestRefresh_caseNotFound(t *testing.T) {
	f := newFixture(t, model.Profile{}, library)

	err := f.refresher.Refresh(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, model.IsNotFound(err))
	assert.Equal(t, model.ErrCaseNotFound, model.ErrorCode(err))
}

func TestRefresh_storageFailurePropagates(t *testing.T) {
	boom := errors.New("connection reset")
	store := casestore.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.PutProfile(ctx, model.Profile{ClientID: "client-1"}))
	require.NoError(t, store.PutCase(ctx, model.Case{ID: "case-1", ClientID: "client-1", TaxType: model.TaxTypeIndividual}))

	items := failingItems{err: boom}
	refresher := checklist.NewRefresher(store, library, items, checklist.NewGenerator(items))

	err := refresher.Refresh(ctx, "case-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.False(t, model.IsNotFound(err))
}

func TestCascade_kidsUnder17(t *testing.T) {
	profile := model.Profile{Answers: model.AnswerMap{
		"hasKidsUnder17": model.Bool(true),
		"numKidsUnder17": model.Number(2),
	}}
	f := newFixture(t, profile, library)
	ctx := context.Background()

	_, err := f.refresher.Seed(ctx, "case-1")
	require.NoError(t, err)
	items, _ := f.store.ListItems(ctx, "case-1")
	require.Contains(t, templateIDs(items), "t-kids")

	// The caller persists the new value before cascading.
	require.NoError(t, f.store.ReplaceAnswers(ctx, "client-1", model.AnswerMap{
		"hasKidsUnder17": model.Bool(false),
		"numKidsUnder17": model.Number(2),
	}))

	result, err := f.cascader.Cascade(ctx, "client-1", "hasKidsUnder17", "case-1")
	require.NoError(t, err)
	assert.Equal(t, "hasKidsUnder17", result.ChangedKey)
	assert.Equal(t, []string{"numKidsUnder17"}, result.DeletedAnswerKeys)
	assert.Equal(t, 1, result.DeletedItemCount)

	cp, err := f.store.GetCaseProfile(ctx, "case-1")
	require.NoError(t, err)
	assert.NotContains(t, cp.Profile.Answers, "numKidsUnder17")
	assert.Contains(t, cp.Profile.Answers, "hasKidsUnder17")

	items, _ = f.store.ListItems(ctx, "case-1")
	assert.NotContains(t, templateIDs(items), "t-kids")
	assert.Contains(t, templateIDs(items), "t-id", "unrelated items untouched")

	again, err := f.cascader.Cascade(ctx, "client-1", "hasKidsUnder17", "case-1")
	require.NoError(t, err)
	assert.Empty(t, again.DeletedAnswerKeys, "cascade is idempotent")
	assert.Zero(t, again.DeletedItemCount)
}

func TestCascade_keepsItemsWithEvidence(t *testing.T) {
	profile := model.Profile{Answers: model.AnswerMap{"hasKidsUnder17": model.Bool(true)}}
	f := newFixture(t, profile, library)
	ctx := context.Background()

	_, err := f.refresher.Seed(ctx, "case-1")
	require.NoError(t, err)
	require.NoError(t, f.store.SetItemStatus(ctx, "case-1", "t-kids", model.ItemStatusHasRaw, 1))
	require.NoError(t, f.store.ReplaceAnswers(ctx, "client-1", model.AnswerMap{"hasKidsUnder17": model.Bool(false)}))

	result, err := f.cascader.Cascade(ctx, "client-1", "hasKidsUnder17", "case-1")
	require.NoError(t, err)
	assert.Zero(t, result.DeletedItemCount)

	items, _ := f.store.ListItems(ctx, "case-1")
	assert.Contains(t, templateIDs(items), "t-kids")
}

func TestCascade_withoutCase(t *testing.T) {
	profile := model.Profile{Answers: model.AnswerMap{
		"hasW2":   model.Bool(false),
		"w2Count": model.Number(4),
	}}
	f := newFixture(t, profile, library)

	result, err := f.cascader.Cascade(context.Background(), "client-1", "hasW2", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"w2Count"}, result.DeletedAnswerKeys)
	assert.Zero(t, result.DeletedItemCount)
}

func TestCascade_keyWithoutDependents(t *testing.T) {
	f := newFixture(t, model.Profile{Answers: model.AnswerMap{"hasMortgage": model.Bool(false)}}, library)

	result, err := f.cascader.Cascade(context.Background(), "client-1", "hasMortgage", "case-1")
	require.NoError(t, err)
	assert.Empty(t, result.DeletedAnswerKeys)
}

func TestCascade_caseOfAnotherClient(t *testing.T) {
	f := newFixture(t, model.Profile{}, library)

	_, err := f.cascader.Cascade(context.Background(), "client-2", "hasW2", "case-1")
	require.Error(t, err)
	assert.Equal(t, model.ErrCaseNotFound, model.ErrorCode(err))
}

func TestDependents(t *testing.T) {
	assert.Equal(t, []string{"numKidsUnder17"}, checklist.Dependents("hasKidsUnder17"))
	assert.Equal(t, []string{"rentalPropertyCount"}, checklist.Dependents("hasRentalProperty"))
	assert.Empty(t, checklist.Dependents("filingStatus"))

	deps := checklist.Dependents("hasW2")
	deps[0] = "mutated"
	assert.Equal(t, []string{"w2Count"}, checklist.Dependents("hasW2"), "callers get a copy")
}
