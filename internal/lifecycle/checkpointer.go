package lifecycle

import (
	"sync"

	"github.com/nine-one-six-systems/prospector/internal/intel"
)

// checkpointerRegistry tracks live in-process crawls that can produce a
// fresh checkpoint on demand. Keyed by company id; one crawl per company.
type checkpointerRegistry struct {
	mu  sync.Mutex
	fns map[string]func() intel.Checkpoint
}

func (r *checkpointerRegistry) register(companyID string, fn func() intel.Checkpoint) func() {
	r.mu.Lock()
	if r.fns == nil {
		r.fns = make(map[string]func() intel.Checkpoint)
	}
	r.fns[companyID] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.fns, companyID)
		r.mu.Unlock()
	}
}

func (r *checkpointerRegistry) snapshot(companyID string) (intel.Checkpoint, bool) {
	r.mu.Lock()
	fn, ok := r.fns[companyID]
	r.mu.Unlock()
	if !ok {
		return intel.Checkpoint{}, false
	}
	return fn(), true
}
