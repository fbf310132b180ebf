package lifecycle

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/nine-one-six-systems/prospector/internal/intel"
)

// Recovery re-admits companies stuck in_progress after a process restart by
// re-dispatching each one's current phase from its most recent checkpoint.
// It runs once per process: repeated Run calls while a recovery is pending
// (or after one completed) do not double-dispatch.
type Recovery struct {
	companies  intel.CompanyStore
	dispatcher PhaseDispatcher
	logger     *zap.Logger
	once       sync.Once
}

// NewRecovery constructs a Recovery.
func NewRecovery(companies intel.CompanyStore, dispatcher PhaseDispatcher, logger *zap.Logger) *Recovery {
	return &Recovery{companies: companies, dispatcher: dispatcher, logger: logger}
}

// Run starts recovery in the background and returns immediately so startup
// never blocks the first incoming request. Only the first call has effect.
func (r *Recovery) Run(ctx context.Context) {
	r.once.Do(func() {
		go r.recover(ctx)
	})
}

// RunSync performs recovery inline. Used by tests and by Run's goroutine.
func (r *Recovery) RunSync(ctx context.Context) {
	r.once.Do(func() {
		r.recover(ctx)
	})
}

func (r *Recovery) recover(ctx context.Context) {
	companies, err := r.companies.InProgress(ctx)
	if err != nil {
		r.logger.Error("recovery scan failed", zap.Error(err))
		return
	}
	if len(companies) == 0 {
		r.logger.Info("recovery found no in-progress companies")
		return
	}

	recovered := 0
	for _, company := range companies {
		// One company's failure must not block recovery of the rest.
		if err := r.dispatcher.DispatchPhase(ctx, company.ID, company.Phase); err != nil {
			r.logger.Error("recovery dispatch failed",
				zap.String("company_id", company.ID),
				zap.String("phase", string(company.Phase)),
				zap.Error(err))
			continue
		}
		recovered++
	}
	r.logger.Info("startup recovery complete",
		zap.Int("found", len(companies)), zap.Int("redispatched", recovered))
}
