// Package scheduler admits pending companies into processing across
// competing batches without letting any batch starve the others.
package scheduler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nine-one-six-systems/prospector/internal/intel"
	"github.com/nine-one-six-systems/prospector/internal/lifecycle"
	"github.com/nine-one-six-systems/prospector/internal/telemetry"
)

// Config controls scheduler behavior.
type Config struct {
	// MaxAdmissionsPerTick caps how many companies one scheduling call may
	// admit. Zero means the default of 50.
	MaxAdmissionsPerTick int
}

// Scheduler implements weighted round-robin admission over priority-ordered
// batches: one company per batch per pass, repeated until capacity or
// pending work runs out.
type Scheduler struct {
	batches    intel.BatchStore
	companies  intel.CompanyStore
	machine    *lifecycle.Machine
	dispatcher lifecycle.PhaseDispatcher
	clock      intel.Clock
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Scheduler.
func New(
	batches intel.BatchStore,
	companies intel.CompanyStore,
	machine *lifecycle.Machine,
	dispatcher lifecycle.PhaseDispatcher,
	clock intel.Clock,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if cfg.MaxAdmissionsPerTick <= 0 {
		cfg.MaxAdmissionsPerTick = 50
	}
	return &Scheduler{
		batches:    batches,
		companies:  companies,
		machine:    machine,
		dispatcher: dispatcher,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}
}

// batchCursor tracks one batch's remaining capacity and pending companies
// for the duration of a single scheduling call.
type batchCursor struct {
	id        string
	available int
	pending   []intel.Company
}

// ScheduleNextFromAllBatches runs one scheduling tick and returns how many
// companies it admitted. Safe to call concurrently with itself: admission is
// a conditional status write, so two ticks racing on the same company admit
// it exactly once. A batch that leaves pending/processing mid-pass is
// skipped on its next turn.
func (s *Scheduler) ScheduleNextFromAllBatches(ctx context.Context) (int, error) {
	active, err := s.batches.ActiveBatches(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active batches: %w", err)
	}

	cursors := make([]*batchCursor, 0, len(active))
	for _, b := range active {
		members, listErr := s.companies.ListByBatch(ctx, b.ID)
		if listErr != nil {
			return 0, fmt.Errorf("list companies of batch %s: %w", b.ID, listErr)
		}
		processing := 0
		for _, c := range members {
			if c.Status == intel.StatusInProgress {
				processing++
			}
		}
		pending, pendErr := s.companies.PendingByBatch(ctx, b.ID)
		if pendErr != nil {
			return 0, fmt.Errorf("list pending of batch %s: %w", b.ID, pendErr)
		}
		cursors = append(cursors, &batchCursor{
			id:        b.ID,
			available: b.MaxConcurrent - processing,
			pending:   pending,
		})
	}

	admitted := 0
	for admitted < s.cfg.MaxAdmissionsPerTick {
		progressed := false
		for _, cur := range cursors {
			if admitted >= s.cfg.MaxAdmissionsPerTick {
				break
			}
			if cur.available <= 0 || len(cur.pending) == 0 {
				continue
			}
			batch, getErr := s.batches.Get(ctx, cur.id)
			if getErr != nil || (batch.Status != intel.BatchPending && batch.Status != intel.BatchProcessing) {
				cur.pending = nil
				continue
			}

			// One admission per batch per pass is the fairness mechanism:
			// a large batch just gets picked again next pass.
			candidate := cur.pending[0]
			cur.pending = cur.pending[1:]
			ok, admitErr := s.admit(ctx, candidate)
			if admitErr != nil {
				s.logger.Error("admission failed",
					zap.String("company_id", candidate.ID), zap.Error(admitErr))
				continue
			}
			if !ok {
				// Another tick got this company first; its slot was not spent.
				continue
			}
			cur.available--
			admitted++
			progressed = true

			if batch.Status == intel.BatchPending {
				if _, err := s.batches.SetStatus(ctx, batch.ID,
					[]intel.BatchStatus{intel.BatchPending}, intel.BatchProcessing); err != nil {
					s.logger.Warn("batch start failed", zap.String("batch_id", batch.ID), zap.Error(err))
				}
			}
		}
		if !progressed {
			break
		}
	}

	if admitted > 0 {
		telemetry.ObserveAdmissions(admitted)
		s.logger.Info("scheduling tick admitted companies", zap.Int("admitted", admitted))
	}
	return admitted, nil
}

// AdmitNow starts a company outside batch scheduling. Standalone
// submissions and rescans of standalone companies use it; batch members go
// through ScheduleNextFromAllBatches instead.
func (s *Scheduler) AdmitNow(ctx context.Context, companyID string) error {
	company, err := s.companies.Get(ctx, companyID)
	if err != nil {
		return err
	}
	admitted, err := s.admit(ctx, company)
	if err != nil {
		return err
	}
	if !admitted {
		return intel.Conflictf("company %s is not pending", companyID)
	}
	telemetry.ObserveAdmissions(1)
	return nil
}

// admit moves one company pending -> in_progress and dispatches its first
// phase task. Returns false when another scheduler invocation won the race.
func (s *Scheduler) admit(ctx context.Context, company intel.Company) (bool, error) {
	moved, err := s.companies.SetStatus(ctx, company.ID, intel.StatusPending, intel.StatusInProgress)
	if err != nil {
		return false, fmt.Errorf("claim company: %w", err)
	}
	if !moved {
		return false, nil
	}

	if _, err := s.companies.SetPhase(ctx, company.ID, intel.PhaseQueued, intel.PhaseCrawling); err != nil {
		return false, fmt.Errorf("enter crawl phase: %w", err)
	}
	fresh, err := s.companies.Get(ctx, company.ID)
	if err != nil {
		return false, fmt.Errorf("load admitted company: %w", err)
	}
	now := s.clock.Now()
	fresh.StartedAt = &now
	if err := s.companies.Save(ctx, fresh); err != nil {
		return false, fmt.Errorf("save admitted company: %w", err)
	}

	if err := s.dispatcher.DispatchPhase(ctx, company.ID, intel.PhaseCrawling); err != nil {
		return false, fmt.Errorf("dispatch crawl task: %w", err)
	}
	return true, nil
}
