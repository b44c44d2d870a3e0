// Package intake implements the case-facing operations: reading and
// refreshing a case checklist and applying answer updates with their
// cascades.
package intake

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/taxintake/internal/answers"
	"github.com/pitabwire/taxintake/internal/checklist"
	"github.com/pitabwire/taxintake/internal/observability"
	"github.com/pitabwire/taxintake/model"
)

// DefaultIdempotencyTTL is how long an answer update result is replayable.
const DefaultIdempotencyTTL = 24 * time.Hour

// Store is the persistence the Service needs.
type Store interface {
	checklist.ProfileStore
	// SwapAnswers replaces the AnswerMap only while the profile is still at
	// version; otherwise it returns CONFLICT.
	SwapAnswers(ctx context.Context, clientID string, version int64, answers model.AnswerMap) error
	ListItems(ctx context.Context, caseID string) ([]model.ChecklistItem, error)
}

// TemplateLookup resolves a template by ID.
type TemplateLookup interface {
	Get(id string) (model.Template, bool)
}

// Cascader invalidates dependents of an answer that turned false.
type Cascader interface {
	Cascade(ctx context.Context, clientID, changedKey, caseID string) (checklist.CascadeResult, error)
}

// Refresher regenerates a case checklist.
type Refresher interface {
	Refresh(ctx context.Context, caseID string) error
}

// Service serves checklists and applies answer updates.
type Service struct {
	store          Store
	templates      TemplateLookup
	cascader       Cascader
	refresher      Refresher
	audit          AuditLogger
	idempotency    IdempotencyStore
	idempotencyTTL time.Duration
	limits         answers.Limits
	logger         *zap.Logger
	metrics        *observability.Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithAuditLogger sets the audit sink. The default discards records.
func WithAuditLogger(a AuditLogger) Option {
	return func(s *Service) {
		if a != nil {
			s.audit = a
		}
	}
}

// WithIdempotency enables replay protection for answer updates.
func WithIdempotency(store IdempotencyStore, ttl time.Duration) Option {
	return func(s *Service) {
		s.idempotency = store
		if ttl > 0 {
			s.idempotencyTTL = ttl
		}
	}
}

// WithLimits overrides the AnswerMap limits.
func WithLimits(l answers.Limits) Option {
	return func(s *Service) { s.limits = l }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics records answer update metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

type nopAudit struct{}

func (nopAudit) Record(context.Context, string, []model.FieldDiff) {}

// NewService creates a Service.
func NewService(store Store, templates TemplateLookup, cascader Cascader, refresher Refresher, opts ...Option) *Service {
	s := &Service{
		store:          store,
		templates:      templates,
		cascader:       cascader,
		refresher:      refresher,
		audit:          nopAudit{},
		idempotencyTTL: DefaultIdempotencyTTL,
		limits:         answers.DefaultLimits(),
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ItemView is a checklist item with its template's display fields.
type ItemView struct {
	model.ChecklistItem
	DocumentType string `json:"document_type,omitempty"`
	Label        string `json:"label,omitempty"`
	Required     bool   `json:"required"`
}

// ChecklistView is the checklist of one case.
type ChecklistView struct {
	CaseID   string           `json:"case_id"`
	TaxType  model.TaxType    `json:"tax_type"`
	Status   model.CaseStatus `json:"case_status"`
	Items    []ItemView       `json:"items"`
	Total    int              `json:"total"`
	Missing  int              `json:"missing"`
	Complete bool             `json:"complete"`
}

// GetChecklist returns the checklist of a case.
func (s *Service) GetChecklist(ctx context.Context, caseID string) (ChecklistView, error) {
	cp, err := s.loadCase(ctx, caseID)
	if err != nil {
		return ChecklistView{}, err
	}
	return s.view(ctx, cp.Case)
}

// RefreshChecklist regenerates the checklist of a case and returns it. Filed
// cases are frozen and refuse with CONFLICT.
func (s *Service) RefreshChecklist(ctx context.Context, caseID string) (ChecklistView, error) {
	cp, err := s.loadCase(ctx, caseID)
	if err != nil {
		return ChecklistView{}, err
	}
	if cp.Case.Status.Terminal() {
		return ChecklistView{}, model.NewConflictError(
			fmt.Sprintf("case %q is %s and its checklist can no longer change", caseID, cp.Case.Status),
		)
	}
	if err := s.refresher.Refresh(ctx, caseID); err != nil {
		return ChecklistView{}, err
	}
	return s.view(ctx, cp.Case)
}

func (s *Service) loadCase(ctx context.Context, caseID string) (model.CaseProfile, error) {
	cp, err := s.store.GetCaseProfile(ctx, caseID)
	if err != nil {
		return model.CaseProfile{}, err
	}
	if err := authorizeCase(ctx, cp.Case); err != nil {
		return model.CaseProfile{}, err
	}
	return cp, nil
}

func (s *Service) view(ctx context.Context, c model.Case) (ChecklistView, error) {
	items, err := s.store.ListItems(ctx, c.ID)
	if err != nil {
		return ChecklistView{}, fmt.Errorf("list items for case %s: %w", c.ID, err)
	}

	v := ChecklistView{
		CaseID:  c.ID,
		TaxType: c.TaxType,
		Status:  c.Status,
		Items:   make([]ItemView, 0, len(items)),
		Total:   len(items),
	}
	for _, item := range items {
		iv := ItemView{ChecklistItem: item}
		if t, ok := s.templates.Get(item.TemplateID); ok {
			iv.DocumentType = t.DocumentType
			iv.Label = t.Label
			iv.Required = t.Required
		}
		if item.Status == model.ItemStatusMissing {
			v.Missing++
		}
		v.Items = append(v.Items, iv)
	}
	v.Complete = v.Missing == 0
	return v, nil
}
