// Package casestore persists tax cases, client profiles and checklist items.
package casestore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pitabwire/taxintake/model"
)

// MemoryStore is an in-memory store for tests and single-instance use.
// It implements checklist.ProfileStore, checklist.ChecklistStore,
// checklist.AnswerStore and intake.Store.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]model.Profile                  // key: client ID
	cases    map[string]model.Case                     // key: case ID
	items    map[string]map[string]model.ChecklistItem // key: case ID, template ID
	order    map[string][]string                       // key: case ID; template IDs in insert order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]model.Profile),
		cases:    make(map[string]model.Case),
		items:    make(map[string]map[string]model.ChecklistItem),
		order:    make(map[string][]string),
	}
}

// PutProfile creates or replaces a client profile.
func (s *MemoryStore) PutProfile(_ context.Context, p model.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.Answers = p.Answers.Clone()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	if existing, ok := s.profiles[p.ClientID]; ok {
		p.Version = existing.Version + 1
	}
	s.profiles[p.ClientID] = p
	return nil
}

// PutCase creates or replaces a case.
func (s *MemoryStore) PutCase(_ context.Context, c model.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cases[c.ID] = c
	return nil
}

// GetCaseProfile returns a case with its client's profile.
func (s *MemoryStore) GetCaseProfile(_ context.Context, caseID string) (model.CaseProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cases[caseID]
	if !ok {
		return model.CaseProfile{}, model.NewCaseNotFoundError(caseID)
	}
	p, ok := s.profiles[c.ClientID]
	if !ok {
		return model.CaseProfile{}, model.NewProfileNotFoundError(c.ClientID)
	}
	p.Answers = p.Answers.Clone()
	return model.CaseProfile{Case: c, Profile: p}, nil
}

// ReplaceAnswers overwrites a client's AnswerMap.
func (s *MemoryStore) ReplaceAnswers(_ context.Context, clientID string, answers model.AnswerMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[clientID]
	if !ok {
		return model.NewProfileNotFoundError(clientID)
	}
	p.Answers = answers.Clone()
	p.Version++
	p.UpdatedAt = time.Now().UTC()
	s.profiles[clientID] = p
	return nil
}

// SwapAnswers overwrites a client's AnswerMap if the profile is still at
// version.
func (s *MemoryStore) SwapAnswers(_ context.Context, clientID string, version int64, answers model.AnswerMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[clientID]
	if !ok {
		return model.NewProfileNotFoundError(clientID)
	}
	if p.Version != version {
		return model.NewConflictError(
			fmt.Sprintf("tax profile %q version conflict (expected %d, got %d)", clientID, version, p.Version),
		)
	}
	p.Answers = answers.Clone()
	p.Version++
	p.UpdatedAt = time.Now().UTC()
	s.profiles[clientID] = p
	return nil
}

// DeleteAnswerKeys removes keys from a client's AnswerMap and returns those
// that were present. A missing profile deletes nothing.
func (s *MemoryStore) DeleteAnswerKeys(_ context.Context, clientID string, keys []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := []string{}
	p, ok := s.profiles[clientID]
	if !ok {
		return deleted, nil
	}
	answers := p.Answers.Clone()
	for _, k := range keys {
		if _, present := answers[k]; present {
			delete(answers, k)
			deleted = append(deleted, k)
		}
	}
	if len(deleted) > 0 {
		p.Answers = answers
		p.Version++
		p.UpdatedAt = time.Now().UTC()
		s.profiles[clientID] = p
	}
	return deleted, nil
}

// BulkInsertSkipDuplicates inserts items whose (case, template) pair is new.
// The whole batch is applied under one lock, so readers see all or none.
func (s *MemoryStore) BulkInsertSkipDuplicates(_ context.Context, items []model.ChecklistItem) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, item := range items {
		if item.CaseID == "" || item.TemplateID == "" {
			return 0, fmt.Errorf("checklist item requires case and template IDs")
		}
	}
	for _, item := range items {
		byTemplate, ok := s.items[item.CaseID]
		if !ok {
			byTemplate = make(map[string]model.ChecklistItem)
			s.items[item.CaseID] = byTemplate
		}
		if _, exists := byTemplate[item.TemplateID]; exists {
			continue
		}
		byTemplate[item.TemplateID] = item
		s.order[item.CaseID] = append(s.order[item.CaseID], item.TemplateID)
		inserted++
	}
	return inserted, nil
}

// DeleteMissing removes all MISSING items of a case.
func (s *MemoryStore) DeleteMissing(_ context.Context, caseID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.deleteMissingLocked(caseID, func(string) bool { return true }), nil
}

// DeleteMissingByTemplate removes the MISSING items of a case for the given
// templates.
func (s *MemoryStore) DeleteMissingByTemplate(_ context.Context, caseID string, templateIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]bool, len(templateIDs))
	for _, id := range templateIDs {
		wanted[id] = true
	}
	return s.deleteMissingLocked(caseID, func(id string) bool { return wanted[id] }), nil
}

func (s *MemoryStore) deleteMissingLocked(caseID string, match func(templateID string) bool) int {
	byTemplate := s.items[caseID]
	if len(byTemplate) == 0 {
		return 0
	}
	removed := 0
	kept := s.order[caseID][:0]
	for _, templateID := range s.order[caseID] {
		item := byTemplate[templateID]
		if item.Status == model.ItemStatusMissing && match(templateID) {
			delete(byTemplate, templateID)
			removed++
			continue
		}
		kept = append(kept, templateID)
	}
	s.order[caseID] = kept
	return removed
}

// ListItems returns the items of a case in insertion order.
func (s *MemoryStore) ListItems(_ context.Context, caseID string) ([]model.ChecklistItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byTemplate := s.items[caseID]
	result := make([]model.ChecklistItem, 0, len(byTemplate))
	for _, templateID := range s.order[caseID] {
		result = append(result, byTemplate[templateID])
	}
	return result, nil
}

// SetItemStatus updates the status and received count of an item, as the
// document-processing collaborators do.
func (s *MemoryStore) SetItemStatus(_ context.Context, caseID, templateID string, status model.ItemStatus, received uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[caseID][templateID]
	if !ok {
		return model.NewNotFoundError(
			fmt.Sprintf("checklist item for case %q and template %q not found", caseID, templateID),
		)
	}
	item.Status = status
	item.ReceivedCount = received
	s.items[caseID][templateID] = item
	return nil
}

// HealthCheck implements observability.HealthChecker.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the total number of checklist items. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, byTemplate := range s.items {
		n += len(byTemplate)
	}
	return n
}
