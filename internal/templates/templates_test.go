package templates_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/taxintake/internal/condition"
	"github.com/pitabwire/taxintake/internal/observability"
	"github.com/pitabwire/taxintake/internal/templates"
	"github.com/pitabwire/taxintake/model"
)

func TestLoader_LoadAll(t *testing.T) {
	files, err := templates.NewLoader().LoadAll([]string{"testdata/valid"})
	require.NoError(t, err)
	require.Len(t, files, 2, "README.txt must be ignored")

	total := 0
	for _, f := range files {
		assert.Len(t, f.Checksum, 64)
		assert.NotEmpty(t, f.SourceFile)
		total += len(f.Templates)
	}
	assert.Equal(t, 5, total)
}

func TestLoader_LoadFile_ConditionShapes(t *testing.T) {
	f, err := templates.NewLoader().LoadFile("testdata/valid/individual.yaml")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", f.Version)

	byID := make(map[string]model.Template)
	for _, tmpl := range f.Templates {
		byID[tmpl.ID] = tmpl
		assert.Equal(t, model.TaxTypeIndividual, tmpl.TaxType, "file tax_type is inherited")
	}

	assert.False(t, byID["ind-photo-id"].HasCondition())
	assert.JSONEq(t, `{"hasW2": true}`, byID["ind-w2"].Condition)
	assert.JSONEq(t, `{"key": "has1099NEC", "value": true}`, byID["ind-1099-nec"].Condition)

	rental := byID["ind-rental"]
	expr, err := condition.Parse(rental.Condition, condition.AuthoringMaxBytes)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"hasRentalProperty", "rentalPropertyCount"}, condition.Keys(expr))
}

func TestLoader_LoadFile_Checksum(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.yaml")
	require.NoError(t, os.WriteFile(path, []byte("templates: []\n"), 0o600))

	first, err := templates.NewLoader().LoadFile(path)
	require.NoError(t, err)
	again, err := templates.NewLoader().LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, first.Checksum, again.Checksum)

	require.NoError(t, os.WriteFile(path, []byte("templates: []\nversion: \"2\"\n"), 0o600))
	changed, err := templates.NewLoader().LoadFile(path)
	require.NoError(t, err)
	assert.NotEqual(t, first.Checksum, changed.Checksum)
}

func TestLoader_Errors(t *testing.T) {
	_, err := templates.NewLoader().LoadAll([]string{"testdata/does-not-exist"})
	assert.Error(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("templates: [\n"), 0o600))
	_, err = templates.NewLoader().LoadAll([]string{dir})
	assert.ErrorContains(t, err, "parsing YAML")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("templates:\n  - id: x\n    condition: [1, 2]\n"), 0o600))
	_, err = templates.NewLoader().LoadAll([]string{dir})
	assert.ErrorContains(t, err, "condition must be a mapping")
}

func TestValidator_Valid(t *testing.T) {
	files, err := templates.NewLoader().LoadAll([]string{"testdata/valid"})
	require.NoError(t, err)
	assert.Empty(t, templates.NewValidator(0).Validate(files))
}

func TestValidator_Invalid(t *testing.T) {
	files, err := templates.NewLoader().LoadAll([]string{"testdata/invalid"})
	require.NoError(t, err)

	errs := templates.NewValidator(0).Validate(files)
	codes := make(map[string]int)
	for _, e := range errs {
		codes[e.Code]++
		assert.True(t, strings.HasPrefix(e.Path, "testdata/invalid/broken.yaml.templates["), e.Path)
	}
	assert.Equal(t, 1, codes["DUPLICATE_ID"])
	assert.Equal(t, 2, codes["REQUIRED"], "missing id and document_type")
	assert.Equal(t, 1, codes["INVALID_TAX_TYPE"])
	assert.Equal(t, 1, codes["INVALID_CONDITION"])
}

func TestValidator_ConditionCeiling(t *testing.T) {
	var b strings.Builder
	b.WriteString(`{"type":"OR","conditions":[`)
	for i := 0; i < 100; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `{"key":"answer%d","value":true}`, i)
	}
	b.WriteString("]}")
	cond := b.String()
	require.Greater(t, len(cond), condition.AuthoringMaxBytes)
	require.Less(t, len(cond), condition.EvaluationMaxBytes)

	files := []templates.File{{Templates: []model.Template{{
		ID: "big", DocumentType: "W2", TaxType: model.TaxTypeIndividual, Condition: cond,
	}}}}

	errs := templates.NewValidator(0).Validate(files)
	require.Len(t, errs, 1)
	assert.Equal(t, "INVALID_CONDITION", errs[0].Code)
	assert.Equal(t, "files[0].templates[0].condition", errs[0].Path)

	assert.Empty(t, templates.NewValidator(condition.EvaluationMaxBytes).Validate(files))
}

func TestValidator_ExpectedCount(t *testing.T) {
	files := []templates.File{{Templates: []model.Template{
		{ID: "zero", DocumentType: "W2", TaxType: model.TaxTypeIndividual},
		{ID: "cap", DocumentType: "RECEIPT", TaxType: model.TaxTypeIndividual, DefaultExpectedCount: templates.MaxExpectedCount},
		{ID: "over", DocumentType: "RECEIPT", TaxType: model.TaxTypeIndividual, DefaultExpectedCount: templates.MaxExpectedCount + 1},
	}}}

	errs := templates.NewValidator(0).Validate(files)
	require.Len(t, errs, 1)
	assert.Equal(t, "INVALID_EXPECTED_COUNT", errs[0].Code)
	assert.Equal(t, "files[0].templates[2].default_expected_count", errs[0].Path)
}

func TestValidator_InvalidConditionKey(t *testing.T) {
	files := []templates.File{{Templates: []model.Template{{
		ID: "k", DocumentType: "W2", TaxType: model.TaxTypeIndividual, Condition: `{"9lives": true}`,
	}}}}
	errs := templates.NewValidator(0).Validate(files)
	require.Len(t, errs, 1)
	assert.Equal(t, "INVALID_KEY", errs[0].Code)
}

func TestLoad(t *testing.T) {
	files, err := templates.Load([]string{"testdata/valid"}, templates.NewValidator(0))
	require.NoError(t, err)
	assert.Len(t, files, 2)

	_, err = templates.Load([]string{"testdata/invalid"}, templates.NewValidator(0))
	require.Error(t, err)
	assert.ErrorContains(t, err, "already defined")
}

func TestRegistry_ListTemplates(t *testing.T) {
	files, err := templates.Load([]string{"testdata/valid"}, templates.NewValidator(0))
	require.NoError(t, err)
	reg := templates.NewRegistry(files)

	assert.True(t, reg.Loaded())
	assert.Equal(t, 5, reg.Count())
	assert.Len(t, reg.Checksum(), 64)

	list, err := reg.ListTemplates(context.Background(), model.TaxTypeIndividual)
	require.NoError(t, err)
	ids := make([]string, len(list))
	for i, tmpl := range list {
		ids[i] = tmpl.ID
	}
	assert.Equal(t, []string{"ind-photo-id", "ind-1099-nec", "ind-w2", "ind-rental"}, ids,
		"ordered by sort_order, then id")

	list[0].ID = "mutated"
	again, _ := reg.ListTemplates(context.Background(), model.TaxTypeIndividual)
	assert.Equal(t, "ind-photo-id", again[0].ID)

	none, err := reg.ListTemplates(context.Background(), model.TaxTypePartnership)
	require.NoError(t, err)
	assert.Empty(t, none)

	tmpl, ok := reg.Get("biz-ein-letter")
	require.True(t, ok)
	assert.Equal(t, model.TaxTypeBusiness, tmpl.TaxType)
	_, ok = reg.Get("nope")
	assert.False(t, ok)
}

func TestRegistry_Empty(t *testing.T) {
	reg := templates.NewRegistry(nil)
	assert.False(t, reg.Loaded())
	assert.Zero(t, reg.Count())

	reg.Replace([]templates.File{})
	assert.True(t, reg.Loaded())
}

func TestRegistry_ChecksumIndependentOfOrder(t *testing.T) {
	a := templates.File{Checksum: "aaa"}
	b := templates.File{Checksum: "bbb"}
	assert.Equal(t,
		templates.NewRegistry([]templates.File{a, b}).Checksum(),
		templates.NewRegistry([]templates.File{b, a}).Checksum(),
	)
}

func TestRegistry_ConcurrentReplace(t *testing.T) {
	files, err := templates.Load([]string{"testdata/valid"}, templates.NewValidator(0))
	require.NoError(t, err)
	reg := templates.NewRegistry(files)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			reg.Replace(files)
		}()
		go func() {
			defer wg.Done()
			list, err := reg.ListTemplates(context.Background(), model.TaxTypeIndividual)
			assert.NoError(t, err)
			assert.Len(t, list, 4)
		}()
	}
	wg.Wait()
}

func TestReloader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
templates:
  - id: one
    document_type: W2
    tax_type: INDIVIDUAL
`), 0o600))

	reg := templates.NewRegistry(nil)
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	r := templates.NewReloader(reg, []string{dir}, templates.NewValidator(0), nil, metrics)

	require.NoError(t, r.Reload())
	assert.Equal(t, 1, reg.Count())
	checksum := reg.Checksum()
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TemplateReloadTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TemplatesLoaded))

	require.NoError(t, os.WriteFile(path, []byte(`
templates:
  - id: one
    document_type: W2
    tax_type: NOWHERE
`), 0o600))
	require.Error(t, r.Reload())
	assert.Equal(t, checksum, reg.Checksum(), "failed reload keeps previous set")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TemplateReloadTotal.WithLabelValues("error")))
}
