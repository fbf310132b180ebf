// Package memory provides in-memory persistence implementations for
// development and testing. Semantics mirror the Postgres stores, including
// the conditional status and phase writes.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nine-one-six-systems/prospector/internal/intel"
)

// CompanyStore is an in-memory intel.CompanyStore.
type CompanyStore struct {
	mu        sync.RWMutex
	companies map[string]intel.Company
}

// NewCompanyStore constructs a CompanyStore.
func NewCompanyStore() *CompanyStore {
	return &CompanyStore{companies: make(map[string]intel.Company)}
}

// Create stores a new company record.
func (s *CompanyStore) Create(_ context.Context, c intel.Company) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.companies[c.ID]; exists {
		return intel.Conflictf("company %s already exists", c.ID)
	}
	s.companies[c.ID] = c
	return nil
}

// Get fetches a company by ID.
func (s *CompanyStore) Get(_ context.Context, id string) (intel.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.companies[id]
	if !ok {
		return intel.Company{}, fmt.Errorf("company %s: %w", id, intel.ErrNotFound)
	}
	return c, nil
}

// Save overwrites an existing company record.
func (s *CompanyStore) Save(_ context.Context, c intel.Company) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.companies[c.ID]; !ok {
		return fmt.Errorf("company %s: %w", c.ID, intel.ErrNotFound)
	}
	s.companies[c.ID] = c
	return nil
}

// Delete removes a company record.
func (s *CompanyStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.companies[id]; !ok {
		return fmt.Errorf("company %s: %w", id, intel.ErrNotFound)
	}
	delete(s.companies, id)
	return nil
}

// ListByBatch returns all companies belonging to a batch, oldest first.
func (s *CompanyStore) ListByBatch(_ context.Context, batchID string) ([]intel.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []intel.Company
	for _, c := range s.companies {
		if c.BatchID == batchID {
			out = append(out, c)
		}
	}
	sortByCreated(out)
	return out, nil
}

// PendingByBatch returns a batch's pending companies, oldest first.
func (s *CompanyStore) PendingByBatch(_ context.Context, batchID string) ([]intel.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []intel.Company
	for _, c := range s.companies {
		if c.BatchID == batchID && c.Status == intel.StatusPending {
			out = append(out, c)
		}
	}
	sortByCreated(out)
	return out, nil
}

// InProgress returns every company currently being processed.
func (s *CompanyStore) InProgress(_ context.Context) ([]intel.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []intel.Company
	for _, c := range s.companies {
		if c.Status == intel.StatusInProgress {
			out = append(out, c)
		}
	}
	sortByCreated(out)
	return out, nil
}

// SetStatus moves the company from one status to another atomically. It
// returns false when the stored status no longer matches.
func (s *CompanyStore) SetStatus(_ context.Context, id string, from, to intel.CompanyStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.companies[id]
	if !ok {
		return false, fmt.Errorf("company %s: %w", id, intel.ErrNotFound)
	}
	if c.Status != from {
		return false, nil
	}
	c.Status = to
	s.companies[id] = c
	return true, nil
}

// SetPhase moves the company's phase atomically. The write succeeds only
// while the company is in progress and still in the expected phase.
func (s *CompanyStore) SetPhase(_ context.Context, id string, from, to intel.Phase) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.companies[id]
	if !ok {
		return false, fmt.Errorf("company %s: %w", id, intel.ErrNotFound)
	}
	if c.Phase != from || c.Status != intel.StatusInProgress {
		return false, nil
	}
	c.Phase = to
	s.companies[id] = c
	return true, nil
}

// AddUsage accumulates token and cost counters.
func (s *CompanyStore) AddUsage(_ context.Context, id string, tokens, costCents int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.companies[id]
	if !ok {
		return fmt.Errorf("company %s: %w", id, intel.ErrNotFound)
	}
	c.TokensUsed += tokens
	c.CostCents += costCents
	s.companies[id] = c
	return nil
}

func sortByCreated(companies []intel.Company) {
	sort.SliceStable(companies, func(i, j int) bool {
		return companies[i].CreatedAt.Before(companies[j].CreatedAt)
	})
}
