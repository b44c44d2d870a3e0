package model

import "time"

// TaxType scopes templates and cases.
type TaxType string

const (
	TaxTypeIndividual  TaxType = "INDIVIDUAL"
	TaxTypeBusiness    TaxType = "BUSINESS"
	TaxTypePartnership TaxType = "PARTNERSHIP"
)

// KnownTaxTypes lists every accepted TaxType.
var KnownTaxTypes = map[TaxType]bool{
	TaxTypeIndividual:  true,
	TaxTypeBusiness:    true,
	TaxTypePartnership: true,
}

// Document types with special expected-count handling.
const (
	DocW2              = "W2"
	DocForm1099NEC     = "FORM_1099_NEC"
	DocScheduleK1      = "SCHEDULE_K1"
	DocRentalStatement = "RENTAL_STATEMENT"
	DocLeaseAgreement  = "LEASE_AGREEMENT"
	DocBankStatement   = "BANK_STATEMENT"
)

// Template is a static document requirement definition.
type Template struct {
	ID                   string  `json:"id" yaml:"id"`
	DocumentType         string  `json:"document_type" yaml:"document_type"`
	TaxType              TaxType `json:"tax_type" yaml:"tax_type"`
	Label                string  `json:"label,omitempty" yaml:"label,omitempty"`
	Description          string  `json:"description,omitempty" yaml:"description,omitempty"`
	Condition            string  `json:"condition,omitempty" yaml:"condition,omitempty"`
	Required             bool    `json:"required" yaml:"required"`
	DefaultExpectedCount uint32  `json:"default_expected_count" yaml:"default_expected_count"`
	SortOrder            int     `json:"sort_order" yaml:"sort_order"`
}

// HasCondition reports whether the template carries a serialized condition.
func (t Template) HasCondition() bool {
	return t.Condition != ""
}

// ItemStatus is the evidence state of a checklist item.
type ItemStatus string

const (
	ItemStatusMissing    ItemStatus = "MISSING"
	ItemStatusHasRaw     ItemStatus = "HAS_RAW"
	ItemStatusHasDigital ItemStatus = "HAS_DIGITAL"
	ItemStatusVerified   ItemStatus = "VERIFIED"
)

// ChecklistItem is the per-case materialization of an applicable template.
type ChecklistItem struct {
	ID            string     `json:"id"`
	CaseID        string     `json:"case_id"`
	TemplateID    string     `json:"template_id"`
	Status        ItemStatus `json:"status"`
	ExpectedCount uint32     `json:"expected_count"`
	ReceivedCount uint32     `json:"received_count"`
	CreatedAt     time.Time  `json:"created_at"`
}

// CaseStatus is the lifecycle state of a tax case.
type CaseStatus string

const (
	CaseStatusIntake     CaseStatus = "INTAKE"
	CaseStatusInProgress CaseStatus = "IN_PROGRESS"
	CaseStatusReview     CaseStatus = "REVIEW"
	CaseStatusFiled      CaseStatus = "FILED"
)

// Terminal reports whether the case no longer accepts checklist changes.
func (s CaseStatus) Terminal() bool {
	return s == CaseStatusFiled
}

// Case is one tax engagement for a client.
type Case struct {
	ID       string     `json:"id"`
	ClientID string     `json:"client_id"`
	TaxType  TaxType    `json:"tax_type"`
	TaxYear  int        `json:"tax_year"`
	Status   CaseStatus `json:"status"`
}

// CaseProfile pairs a case with its client's profile.
type CaseProfile struct {
	Case    Case
	Profile Profile
}
