package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nine-one-six-systems/prospector/internal/intel"
)

// AnalysisStore is an in-memory intel.AnalysisStore.
type AnalysisStore struct {
	mu       sync.RWMutex
	versions map[string][]intel.AnalysisVersion
}

// NewAnalysisStore constructs an AnalysisStore.
func NewAnalysisStore() *AnalysisStore {
	return &AnalysisStore{versions: make(map[string][]intel.AnalysisVersion)}
}

// ListVersions returns a company's analysis versions in ascending order.
func (s *AnalysisStore) ListVersions(_ context.Context, companyID string) ([]intel.AnalysisVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.versions[companyID]
	out := make([]intel.AnalysisVersion, len(stored))
	copy(out, stored)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Put inserts or replaces one analysis version.
func (s *AnalysisStore) Put(_ context.Context, v intel.AnalysisVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.versions[v.CompanyID]
	for i, existing := range stored {
		if existing.Version == v.Version {
			stored[i] = v
			return nil
		}
	}
	s.versions[v.CompanyID] = append(stored, v)
	return nil
}

// DeleteVersion removes one analysis version.
func (s *AnalysisStore) DeleteVersion(_ context.Context, companyID string, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.versions[companyID]
	for i, existing := range stored {
		if existing.Version == version {
			s.versions[companyID] = append(stored[:i], stored[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("analysis v%d for company %s: %w", version, companyID, intel.ErrNotFound)
}

// DeleteForCompany removes all of a company's analysis versions.
func (s *AnalysisStore) DeleteForCompany(_ context.Context, companyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.versions, companyID)
	return nil
}
