package checklist

import (
	"math"

	"github.com/pitabwire/taxintake/internal/condition"
	"github.com/pitabwire/taxintake/model"
)

// BankStatementsPerYear is the default expected count for bank statements:
// one per month.
const BankStatementsPerYear = 12

// countOverrides maps document types to the answer key holding the number
// of copies the client expects to provide.
var countOverrides = map[string]string{
	model.DocW2:              "w2Count",
	model.DocRentalStatement: "rentalPropertyCount",
	model.DocLeaseAgreement:  "rentalPropertyCount",
	model.DocScheduleK1:      "k1Count",
	model.DocForm1099NEC:     "num1099NECReceived",
}

// CountOverrideKey returns the answer key that overrides the expected count
// of documentType, if any.
func CountOverrideKey(documentType string) (string, bool) {
	key, ok := countOverrides[documentType]
	return key, ok
}

// ExpectedCount returns how many copies of documentType a case should
// collect. A positive numeric override answer wins; fractional answers are
// truncated. Otherwise bank statements default to one per month and every
// other type to defaultCount (at least 1).
func ExpectedCount(documentType string, lookup condition.Lookup, defaultCount uint32) uint32 {
	if key, ok := countOverrides[documentType]; ok {
		if v, found := lookup(key); found {
			if n, isNum := v.AsNumber(); isNum && n >= 1 && !math.IsInf(n, 0) {
				if n > math.MaxUint32 {
					return math.MaxUint32
				}
				return uint32(n)
			}
		}
	}
	if documentType == model.DocBankStatement {
		return BankStatementsPerYear
	}
	if defaultCount == 0 {
		return 1
	}
	return defaultCount
}
