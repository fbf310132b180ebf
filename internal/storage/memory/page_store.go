package memory

import (
	"context"
	"sync"

	"github.com/nine-one-six-systems/prospector/internal/intel"
)

// PageStore is an in-memory intel.PageStore.
type PageStore struct {
	mu    sync.RWMutex
	pages map[string][]intel.PageSnapshot
}

// NewPageStore constructs a PageStore.
func NewPageStore() *PageStore {
	return &PageStore{pages: make(map[string][]intel.PageSnapshot)}
}

// RecordPage appends a page snapshot for a company.
func (s *PageStore) RecordPage(_ context.Context, p intel.PageSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[p.CompanyID] = append(s.pages[p.CompanyID], p)
	return nil
}

// PagesForCompany returns a company's snapshots in recorded order.
func (s *PageStore) PagesForCompany(_ context.Context, companyID string) ([]intel.PageSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.pages[companyID]
	out := make([]intel.PageSnapshot, len(stored))
	copy(out, stored)
	return out, nil
}

// DeleteForCompany removes all of a company's snapshots.
func (s *PageStore) DeleteForCompany(_ context.Context, companyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pages, companyID)
	return nil
}
