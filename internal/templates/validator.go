package templates

import (
	"errors"
	"fmt"

	"github.com/pitabwire/taxintake/internal/answers"
	"github.com/pitabwire/taxintake/internal/condition"
	"github.com/pitabwire/taxintake/model"
)

// MaxExpectedCount caps a template's default_expected_count.
const MaxExpectedCount = 100

// VError describes a single validation error in a template file.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks template files before they are served.
type Validator struct {
	maxConditionBytes int
}

// NewValidator creates a Validator. A non-positive maxConditionBytes selects
// condition.AuthoringMaxBytes.
func NewValidator(maxConditionBytes int) *Validator {
	if maxConditionBytes <= 0 {
		maxConditionBytes = condition.AuthoringMaxBytes
	}
	return &Validator{maxConditionBytes: maxConditionBytes}
}

// Validate checks every template of every file. Template IDs must be unique
// across all files.
func (v *Validator) Validate(files []File) []VError {
	var errs []VError
	seen := make(map[string]string)
	for i, f := range files {
		prefix := fmt.Sprintf("files[%d]", i)
		if f.SourceFile != "" {
			prefix = f.SourceFile
		}
		for j, t := range f.Templates {
			tp := fmt.Sprintf("%s.templates[%d]", prefix, j)
			errs = append(errs, v.validateTemplate(tp, t)...)
			if t.ID == "" {
				continue
			}
			if first, dup := seen[t.ID]; dup {
				errs = append(errs, VError{
					Path:    tp + ".id",
					Code:    "DUPLICATE_ID",
					Message: fmt.Sprintf("template %q is already defined at %s", t.ID, first),
				})
				continue
			}
			seen[t.ID] = tp
		}
	}
	return errs
}

func (v *Validator) validateTemplate(prefix string, t model.Template) []VError {
	var errs []VError

	if t.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if t.DocumentType == "" {
		errs = append(errs, VError{Path: prefix + ".document_type", Code: "REQUIRED", Message: "document_type is required"})
	}
	switch {
	case t.TaxType == "":
		errs = append(errs, VError{Path: prefix + ".tax_type", Code: "REQUIRED", Message: "tax_type is required"})
	case !model.KnownTaxTypes[t.TaxType]:
		errs = append(errs, VError{
			Path:    prefix + ".tax_type",
			Code:    "INVALID_TAX_TYPE",
			Message: fmt.Sprintf("unknown tax type %q", t.TaxType),
		})
	}
	if t.DefaultExpectedCount > MaxExpectedCount {
		errs = append(errs, VError{
			Path:    prefix + ".default_expected_count",
			Code:    "INVALID_EXPECTED_COUNT",
			Message: fmt.Sprintf("default_expected_count %d exceeds %d", t.DefaultExpectedCount, MaxExpectedCount),
		})
	}
	if !t.HasCondition() {
		return errs
	}

	expr, err := condition.Parse(t.Condition, v.maxConditionBytes)
	if err != nil {
		errs = append(errs, VError{Path: prefix + ".condition", Code: "INVALID_CONDITION", Message: err.Error()})
		return errs
	}
	for _, key := range condition.Keys(expr) {
		if !answers.ValidKey(key) {
			errs = append(errs, VError{
				Path:    prefix + ".condition",
				Code:    "INVALID_KEY",
				Message: fmt.Sprintf("condition references invalid answer key %q", key),
			})
		}
	}
	return errs
}

// Load reads and validates every template file under dirs. Validation
// errors are joined into the returned error.
func Load(dirs []string, v *Validator) ([]File, error) {
	files, err := NewLoader().LoadAll(dirs)
	if err != nil {
		return nil, err
	}
	if verrs := v.Validate(files); len(verrs) > 0 {
		joined := make([]error, len(verrs))
		for i, e := range verrs {
			joined[i] = e
		}
		return nil, fmt.Errorf("template validation failed: %w", errors.Join(joined...))
	}
	return files, nil
}
