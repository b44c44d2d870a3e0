package answers

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/pitabwire/taxintake/model"
)

// Default AnswerMap limits.
const (
	DefaultMaxKeys         = 200
	DefaultMaxStringLength = 500
)

// Validation error codes.
const (
	CodeInvalidKey     = "INVALID_KEY"
	CodeReservedKey    = "RESERVED_KEY"
	CodeInvalidValue   = "INVALID_VALUE"
	CodeValueTooLong   = "VALUE_TOO_LONG"
	CodeTooManyAnswers = "TOO_MANY_ANSWERS"
)

var keyPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,63}$`)

// reservedKeys may never be used as answer keys; downstream consumers treat
// answer maps as plain objects and these names would shadow built-ins.
var reservedKeys = map[string]bool{
	"__proto__":            true,
	"constructor":          true,
	"prototype":            true,
	"toString":             true,
	"valueOf":              true,
	"hasOwnProperty":       true,
	"isPrototypeOf":        true,
	"propertyIsEnumerable": true,
	"toLocaleString":       true,
	"__defineGetter__":     true,
	"__defineSetter__":     true,
	"__lookupGetter__":     true,
	"__lookupSetter__":     true,
}

// Limits bounds the size of an AnswerMap.
type Limits struct {
	MaxKeys         int
	MaxStringLength int
}

// DefaultLimits returns the standard AnswerMap limits.
func DefaultLimits() Limits {
	return Limits{MaxKeys: DefaultMaxKeys, MaxStringLength: DefaultMaxStringLength}
}

func (l Limits) withDefaults() Limits {
	if l.MaxKeys <= 0 {
		l.MaxKeys = DefaultMaxKeys
	}
	if l.MaxStringLength <= 0 {
		l.MaxStringLength = DefaultMaxStringLength
	}
	return l
}

// ValidKey reports whether key may be stored in an AnswerMap.
func ValidKey(key string) bool {
	return keyPattern.MatchString(key) && !reservedKeys[key]
}

// Patch is a partial answer update: a nil value removes the key.
type Patch map[string]any

// ValidatePatch checks an incoming patch and converts it to typed values.
// Keys mapped to nil are returned in removed.
func ValidatePatch(p Patch, limits Limits) (set model.AnswerMap, removed []string, errs []model.FieldError) {
	limits = limits.withDefaults()
	set = model.AnswerMap{}

	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if fe, ok := checkKey(k); !ok {
			errs = append(errs, fe)
			continue
		}
		v := p[k]
		if v == nil {
			removed = append(removed, k)
			continue
		}
		sc, ok := model.ScalarFromAny(v)
		if !ok {
			errs = append(errs, model.FieldError{
				Field:   k,
				Code:    CodeInvalidValue,
				Message: "answer must be a bool, number or string",
			})
			continue
		}
		if fe, ok := checkValue(k, sc, limits); !ok {
			errs = append(errs, fe)
			continue
		}
		set[k] = sc
	}
	return set, removed, errs
}

// ValidateMap checks a complete AnswerMap against limits.
func ValidateMap(m model.AnswerMap, limits Limits) []model.FieldError {
	limits = limits.withDefaults()
	var errs []model.FieldError
	if len(m) > limits.MaxKeys {
		errs = append(errs, model.FieldError{
			Field:   "answers",
			Code:    CodeTooManyAnswers,
			Message: fmt.Sprintf("at most %d answers are allowed, got %d", limits.MaxKeys, len(m)),
		})
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if fe, ok := checkKey(k); !ok {
			errs = append(errs, fe)
			continue
		}
		if fe, ok := checkValue(k, m[k], limits); !ok {
			errs = append(errs, fe)
		}
	}
	return errs
}

func checkKey(k string) (model.FieldError, bool) {
	if reservedKeys[k] {
		return model.FieldError{Field: k, Code: CodeReservedKey, Message: "answer key is reserved"}, false
	}
	if !keyPattern.MatchString(k) {
		return model.FieldError{
			Field:   k,
			Code:    CodeInvalidKey,
			Message: "answer key must start with a letter and contain only letters, digits and underscores (max 64)",
		}, false
	}
	return model.FieldError{}, true
}

func checkValue(k string, v model.Scalar, limits Limits) (model.FieldError, bool) {
	if !v.Valid() {
		return model.FieldError{Field: k, Code: CodeInvalidValue, Message: "answer has no value"}, false
	}
	if s, ok := v.AsString(); ok && len(s) > limits.MaxStringLength {
		return model.FieldError{
			Field:   k,
			Code:    CodeValueTooLong,
			Message: fmt.Sprintf("answer exceeds %d characters", limits.MaxStringLength),
		}, false
	}
	return model.FieldError{}, true
}
