package scheduler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nine-one-six-systems/prospector/internal/intel"
)

// StartBatch moves a batch pending -> processing. Starting an already
// active batch is a no-op; starting a terminal batch is a conflict.
func (s *Scheduler) StartBatch(ctx context.Context, batchID string) error {
	batch, err := s.batches.Get(ctx, batchID)
	if err != nil {
		return fmt.Errorf("start batch: %w", err)
	}
	switch batch.Status {
	case intel.BatchProcessing:
		return nil
	case intel.BatchPending:
		if _, err := s.batches.SetStatus(ctx, batchID,
			[]intel.BatchStatus{intel.BatchPending}, intel.BatchProcessing); err != nil {
			return fmt.Errorf("start batch: %w", err)
		}
		return nil
	default:
		return intel.Conflictf("cannot start batch %s in status %s", batchID, batch.Status)
	}
}

// PauseBatch pauses every in-progress member company and marks the batch
// paused. Member companies between phases simply stop receiving dispatches.
func (s *Scheduler) PauseBatch(ctx context.Context, batchID string) error {
	moved, err := s.batches.SetStatus(ctx, batchID,
		[]intel.BatchStatus{intel.BatchPending, intel.BatchProcessing}, intel.BatchPaused)
	if err != nil {
		return fmt.Errorf("pause batch: %w", err)
	}
	if !moved {
		batch, getErr := s.batches.Get(ctx, batchID)
		if getErr != nil {
			return fmt.Errorf("pause batch: %w", getErr)
		}
		return intel.Conflictf("cannot pause batch %s in status %s", batchID, batch.Status)
	}

	members, err := s.companies.ListByBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("list batch members: %w", err)
	}
	for _, c := range members {
		if c.Status != intel.StatusInProgress {
			continue
		}
		if _, pErr := s.machine.Pause(ctx, c.ID); pErr != nil && !errors.Is(pErr, intel.ErrConflict) {
			s.logger.Error("pause member failed",
				zap.String("batch_id", batchID), zap.String("company_id", c.ID), zap.Error(pErr))
		}
	}
	return nil
}

// ResumeBatch reactivates paused member companies and marks the batch
// processing again.
func (s *Scheduler) ResumeBatch(ctx context.Context, batchID string) error {
	moved, err := s.batches.SetStatus(ctx, batchID,
		[]intel.BatchStatus{intel.BatchPaused}, intel.BatchProcessing)
	if err != nil {
		return fmt.Errorf("resume batch: %w", err)
	}
	if !moved {
		batch, getErr := s.batches.Get(ctx, batchID)
		if getErr != nil {
			return fmt.Errorf("resume batch: %w", getErr)
		}
		return intel.Conflictf("cannot resume batch %s in status %s", batchID, batch.Status)
	}

	members, err := s.companies.ListByBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("list batch members: %w", err)
	}
	for _, c := range members {
		if c.Status != intel.StatusPaused {
			continue
		}
		if rErr := s.machine.Resume(ctx, c.ID); rErr != nil && !errors.Is(rErr, intel.ErrConflict) {
			s.logger.Error("resume member failed",
				zap.String("batch_id", batchID), zap.String("company_id", c.ID), zap.Error(rErr))
		}
	}
	return nil
}

// CancelBatch is terminal and irreversible: every non-terminal member
// company is cancelled and the batch marked cancelled.
func (s *Scheduler) CancelBatch(ctx context.Context, batchID string) error {
	moved, err := s.batches.SetStatus(ctx, batchID,
		[]intel.BatchStatus{intel.BatchPending, intel.BatchProcessing, intel.BatchPaused},
		intel.BatchCancelled)
	if err != nil {
		return fmt.Errorf("cancel batch: %w", err)
	}
	if !moved {
		batch, getErr := s.batches.Get(ctx, batchID)
		if getErr != nil {
			return fmt.Errorf("cancel batch: %w", getErr)
		}
		return intel.Conflictf("cannot cancel batch %s in status %s", batchID, batch.Status)
	}

	members, err := s.companies.ListByBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("list batch members: %w", err)
	}
	for _, c := range members {
		if cErr := s.machine.Cancel(ctx, c.ID); cErr != nil {
			s.logger.Error("cancel member failed",
				zap.String("batch_id", batchID), zap.String("company_id", c.ID), zap.Error(cErr))
		}
	}
	return nil
}

// UpdateCounts recomputes the denormalized per-status tallies from current
// member states. Counts derive status only for the organic lifecycle; the
// externally imposed cancelled/paused states are never overwritten here.
func (s *Scheduler) UpdateCounts(ctx context.Context, batchID string) (intel.BatchCounts, error) {
	batch, err := s.batches.Get(ctx, batchID)
	if err != nil {
		return intel.BatchCounts{}, fmt.Errorf("update counts: %w", err)
	}
	members, err := s.companies.ListByBatch(ctx, batchID)
	if err != nil {
		return intel.BatchCounts{}, fmt.Errorf("list batch members: %w", err)
	}

	counts := intel.BatchCounts{Total: len(members)}
	for _, c := range members {
		switch c.Status {
		case intel.StatusPending:
			counts.Pending++
		case intel.StatusInProgress, intel.StatusPaused:
			counts.Processing++
		case intel.StatusCompleted:
			counts.Completed++
		case intel.StatusFailed, intel.StatusCancelled:
			counts.Failed++
		}
	}
	batch.Counts = counts

	if batch.Status == intel.BatchProcessing || batch.Status == intel.BatchPending {
		if counts.Total > 0 && counts.Pending == 0 && counts.Processing == 0 {
			batch.Status = intel.BatchCompleted
			now := s.clock.Now()
			batch.CompletedAt = &now
		}
	}
	if err := s.batches.Save(ctx, batch); err != nil {
		return intel.BatchCounts{}, fmt.Errorf("save batch counts: %w", err)
	}
	return counts, nil
}

// AggregateTokens rolls member token/cost counters up into the batch.
func (s *Scheduler) AggregateTokens(ctx context.Context, batchID string) error {
	batch, err := s.batches.Get(ctx, batchID)
	if err != nil {
		return fmt.Errorf("aggregate tokens: %w", err)
	}
	members, err := s.companies.ListByBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("list batch members: %w", err)
	}
	var tokens, cost int64
	for _, c := range members {
		tokens += c.TokensUsed
		cost += c.CostCents
	}
	batch.TokensUsed = tokens
	batch.CostCents = cost
	if err := s.batches.Save(ctx, batch); err != nil {
		return fmt.Errorf("save batch aggregates: %w", err)
	}
	return nil
}
