package model

import "time"

// AnswerMap is the dynamic intake answer set of a client, keyed by answer key.
// It is the authoritative answer source; LegacyFields is consulted only for
// keys it does not contain.
type AnswerMap map[string]Scalar

// Clone returns a shallow copy of m. A nil map clones to an empty map.
func (m AnswerMap) Clone() AnswerMap {
	out := make(AnswerMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// LegacyFields are the fixed profile columns that predate the AnswerMap.
// They remain readable for backward compatibility.
type LegacyFields struct {
	FilingStatus        string `json:"filing_status" yaml:"filing_status"`
	HasW2               bool   `json:"has_w2" yaml:"has_w2"`
	W2Count             int    `json:"w2_count" yaml:"w2_count"`
	Has1099NEC          bool   `json:"has_1099_nec" yaml:"has_1099_nec"`
	HasK1Income         bool   `json:"has_k1_income" yaml:"has_k1_income"`
	HasRentalProperty   bool   `json:"has_rental_property" yaml:"has_rental_property"`
	RentalPropertyCount int    `json:"rental_property_count" yaml:"rental_property_count"`
	HasSelfEmployment   bool   `json:"has_self_employment" yaml:"has_self_employment"`
	HasInvestments      bool   `json:"has_investments" yaml:"has_investments"`
	HasForeignIncome    bool   `json:"has_foreign_income" yaml:"has_foreign_income"`
	HasForeignAccounts  bool   `json:"has_foreign_accounts" yaml:"has_foreign_accounts"`
	HasKidsUnder17      bool   `json:"has_kids_under_17" yaml:"has_kids_under_17"`
	NumKidsUnder17      int    `json:"num_kids_under_17" yaml:"num_kids_under_17"`
	HasMortgage         bool   `json:"has_mortgage" yaml:"has_mortgage"`
	HasBankAccounts     bool   `json:"has_bank_accounts" yaml:"has_bank_accounts"`
}

// Profile is the tax profile of one client.
type Profile struct {
	ClientID  string       `json:"client_id"`
	Legacy    LegacyFields `json:"legacy"`
	Answers   AnswerMap    `json:"intake_answers"`
	Version   int64        `json:"version"` // bumped on every answer write
	UpdatedAt time.Time    `json:"updated_at"`
}

// FieldDiff records one changed answer for the audit trail.
type FieldDiff struct {
	Field    string `json:"field"`
	OldValue any    `json:"old_value"`
	NewValue any    `json:"new_value"`
}
