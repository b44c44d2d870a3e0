package answers

import "github.com/pitabwire/taxintake/model"

// legacyField reads one fixed profile column. The second result is false
// when the column holds no meaningful value.
type legacyField func(l model.LegacyFields) (model.Scalar, bool)

func legacyBool(get func(model.LegacyFields) bool) legacyField {
	return func(l model.LegacyFields) (model.Scalar, bool) {
		return model.Bool(get(l)), true
	}
}

func legacyInt(get func(model.LegacyFields) int) legacyField {
	return func(l model.LegacyFields) (model.Scalar, bool) {
		return model.Number(float64(get(l))), true
	}
}

func legacyString(get func(model.LegacyFields) string) legacyField {
	return func(l model.LegacyFields) (model.Scalar, bool) {
		v := get(l)
		if v == "" {
			return model.Scalar{}, false
		}
		return model.String(v), true
	}
}

// legacyFields maps answer keys to the fixed profile columns they shadow.
// Only keys listed here fall back to LegacyFields.
var legacyFields = map[string]legacyField{
	"filingStatus":        legacyString(func(l model.LegacyFields) string { return l.FilingStatus }),
	"hasW2":               legacyBool(func(l model.LegacyFields) bool { return l.HasW2 }),
	"w2Count":             legacyInt(func(l model.LegacyFields) int { return l.W2Count }),
	"has1099NEC":          legacyBool(func(l model.LegacyFields) bool { return l.Has1099NEC }),
	"hasK1Income":         legacyBool(func(l model.LegacyFields) bool { return l.HasK1Income }),
	"hasRentalProperty":   legacyBool(func(l model.LegacyFields) bool { return l.HasRentalProperty }),
	"rentalPropertyCount": legacyInt(func(l model.LegacyFields) int { return l.RentalPropertyCount }),
	"hasSelfEmployment":   legacyBool(func(l model.LegacyFields) bool { return l.HasSelfEmployment }),
	"hasInvestments":      legacyBool(func(l model.LegacyFields) bool { return l.HasInvestments }),
	"hasForeignIncome":    legacyBool(func(l model.LegacyFields) bool { return l.HasForeignIncome }),
	"hasForeignAccounts":  legacyBool(func(l model.LegacyFields) bool { return l.HasForeignAccounts }),
	"hasKidsUnder17":      legacyBool(func(l model.LegacyFields) bool { return l.HasKidsUnder17 }),
	"numKidsUnder17":      legacyInt(func(l model.LegacyFields) int { return l.NumKidsUnder17 }),
	"hasMortgage":         legacyBool(func(l model.LegacyFields) bool { return l.HasMortgage }),
	"hasBankAccounts":     legacyBool(func(l model.LegacyFields) bool { return l.HasBankAccounts }),
}

// IsLegacyKey reports whether key has a legacy column fallback.
func IsLegacyKey(key string) bool {
	_, ok := legacyFields[key]
	return ok
}
