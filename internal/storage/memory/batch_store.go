package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nine-one-six-systems/prospector/internal/intel"
)

// BatchStore is an in-memory intel.BatchStore.
type BatchStore struct {
	mu      sync.RWMutex
	batches map[string]intel.BatchJob
}

// NewBatchStore constructs a BatchStore.
func NewBatchStore() *BatchStore {
	return &BatchStore{batches: make(map[string]intel.BatchJob)}
}

// Create stores a new batch.
func (s *BatchStore) Create(_ context.Context, b intel.BatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.batches[b.ID]; exists {
		return intel.Conflictf("batch %s already exists", b.ID)
	}
	s.batches[b.ID] = b
	return nil
}

// Get fetches a batch by ID.
func (s *BatchStore) Get(_ context.Context, id string) (intel.BatchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return intel.BatchJob{}, fmt.Errorf("batch %s: %w", id, intel.ErrNotFound)
	}
	return b, nil
}

// Save overwrites an existing batch.
func (s *BatchStore) Save(_ context.Context, b intel.BatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[b.ID]; !ok {
		return fmt.Errorf("batch %s: %w", b.ID, intel.ErrNotFound)
	}
	s.batches[b.ID] = b
	return nil
}

// ActiveBatches returns pending and processing batches ordered by priority
// then creation time.
func (s *BatchStore) ActiveBatches(_ context.Context) ([]intel.BatchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []intel.BatchJob
	for _, b := range s.batches {
		if b.Status == intel.BatchPending || b.Status == intel.BatchProcessing {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// SetStatus moves the batch to next when its current status is one of from.
func (s *BatchStore) SetStatus(_ context.Context, id string, from []intel.BatchStatus, to intel.BatchStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return false, fmt.Errorf("batch %s: %w", id, intel.ErrNotFound)
	}
	matched := false
	for _, status := range from {
		if b.Status == status {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	b.Status = to
	s.batches[id] = b
	return true, nil
}
