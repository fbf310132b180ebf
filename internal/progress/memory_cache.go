package progress

import (
	"context"
	"sync"

	"github.com/nine-one-six-systems/prospector/internal/intel"
)

// MemoryCache is an in-memory progress cache for development and tests.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]intel.Progress
}

// NewMemoryCache constructs a MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]intel.Progress)}
}

// Set writes the progress record.
func (c *MemoryCache) Set(_ context.Context, p intel.Progress) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[p.CompanyID] = p
	return nil
}

// Get reads the progress record.
func (c *MemoryCache) Get(_ context.Context, companyID string) (intel.Progress, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.entries[companyID]
	return p, ok, nil
}
