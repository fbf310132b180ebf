// Package lifecycle implements the per-company job state machine: the
// authoritative, single-writer record of where each company is in the
// pipeline.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nine-one-six-systems/prospector/internal/intel"
	"github.com/nine-one-six-systems/prospector/internal/telemetry"
)

// PhaseDispatcher enqueues the task for a company's phase. Implemented by
// the task dispatcher; the machine calls it on resume and rescan so a
// reactivated company re-enters processing.
type PhaseDispatcher interface {
	DispatchPhase(ctx context.Context, companyID string, phase intel.Phase) error
}

// Machine advances company records through the pipeline. All transitions are
// conditional writes so two workers racing on the same company cannot both
// succeed.
type Machine struct {
	companies  intel.CompanyStore
	sessions   intel.SessionStore
	analyses   intel.AnalysisStore
	dispatcher PhaseDispatcher
	clock      intel.Clock
	logger     *zap.Logger

	checkpointers checkpointerRegistry
}

// NewMachine constructs a Machine. dispatcher may be set later via
// SetDispatcher to break construction-order knots in wiring.
func NewMachine(
	companies intel.CompanyStore,
	sessions intel.SessionStore,
	analyses intel.AnalysisStore,
	clock intel.Clock,
	logger *zap.Logger,
) *Machine {
	return &Machine{
		companies: companies,
		sessions:  sessions,
		analyses:  analyses,
		clock:     clock,
		logger:    logger,
	}
}

// SetDispatcher wires the task dispatcher used by Resume and Rescan.
func (m *Machine) SetDispatcher(d PhaseDispatcher) { m.dispatcher = d }

// AdvancePhase moves a company one step forward. It succeeds only when the
// stored phase still equals from and the company is in progress; a duplicate
// or out-of-order task completion surfaces as ErrStaleTransition and is
// dropped by the caller, never treated as a company failure.
func (m *Machine) AdvancePhase(ctx context.Context, companyID string, from, to intel.Phase) error {
	next, ok := from.Next()
	if !ok || next != to {
		return fmt.Errorf("%w: %s -> %s is not a pipeline step", intel.ErrStaleTransition, from, to)
	}

	moved, err := m.companies.SetPhase(ctx, companyID, from, to)
	if err != nil {
		return fmt.Errorf("advance phase: %w", err)
	}
	if !moved {
		telemetry.ObserveStaleTransition()
		m.logger.Warn("stale phase transition dropped",
			zap.String("company_id", companyID),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		return fmt.Errorf("%w: company %s not at phase %s", intel.ErrStaleTransition, companyID, from)
	}
	telemetry.ObservePhaseTransition(string(to))

	if to != intel.PhaseCompleted {
		return nil
	}
	if _, err := m.companies.SetStatus(ctx, companyID, intel.StatusInProgress, intel.StatusCompleted); err != nil {
		return fmt.Errorf("complete company: %w", err)
	}
	company, err := m.companies.Get(ctx, companyID)
	if err != nil {
		return fmt.Errorf("load completed company: %w", err)
	}
	now := m.clock.Now()
	company.CompletedAt = &now
	if err := m.companies.Save(ctx, company); err != nil {
		return fmt.Errorf("save completed company: %w", err)
	}
	return nil
}

// Fail marks a company failed from any non-terminal status. Calling it twice
// leaves the record unchanged after the first call.
func (m *Machine) Fail(ctx context.Context, companyID, reason string) error {
	for attempt := 0; attempt < 3; attempt++ {
		company, err := m.companies.Get(ctx, companyID)
		if err != nil {
			return fmt.Errorf("fail company: %w", err)
		}
		if company.Status == intel.StatusFailed {
			return nil
		}
		if company.Status.Terminal() {
			return intel.Conflictf("company %s is already %s", companyID, company.Status)
		}
		moved, err := m.companies.SetStatus(ctx, companyID, company.Status, intel.StatusFailed)
		if err != nil {
			return fmt.Errorf("fail company: %w", err)
		}
		if moved {
			company.Status = intel.StatusFailed
			company.FailureReason = reason
			if err := m.companies.Save(ctx, company); err != nil {
				return fmt.Errorf("save failed company: %w", err)
			}
			return nil
		}
		// Lost a race with another transition; re-read and retry.
	}
	return intel.Conflictf("company %s status kept changing during fail", companyID)
}

// Pause suspends an in-progress company. The active crawl session, if any,
// is snapshotted into its checkpoint synchronously. The returned bool
// reports whether a checkpoint was actually saved; false means the company
// was between phases with no active session, which is not an error.
func (m *Machine) Pause(ctx context.Context, companyID string) (bool, error) {
	moved, err := m.companies.SetStatus(ctx, companyID, intel.StatusInProgress, intel.StatusPaused)
	if err != nil {
		return false, fmt.Errorf("pause company: %w", err)
	}
	if !moved {
		company, getErr := m.companies.Get(ctx, companyID)
		if getErr != nil {
			return false, fmt.Errorf("pause company: %w", getErr)
		}
		return false, intel.Conflictf("cannot pause company %s in status %s", companyID, company.Status)
	}

	company, err := m.companies.Get(ctx, companyID)
	if err != nil {
		return false, fmt.Errorf("pause company: %w", err)
	}
	now := m.clock.Now()
	company.PausedAt = &now
	if err := m.companies.Save(ctx, company); err != nil {
		return false, fmt.Errorf("save paused company: %w", err)
	}

	return m.checkpointSession(ctx, companyID)
}

func (m *Machine) checkpointSession(ctx context.Context, companyID string) (bool, error) {
	session, ok, err := m.sessions.ActiveForCompany(ctx, companyID)
	if err != nil {
		return false, fmt.Errorf("find active session: %w", err)
	}
	if !ok {
		return false, nil
	}

	// A live in-process crawl can produce a fresh snapshot; otherwise the
	// most recent opportunistic checkpoint already stored stands.
	if snapshot, live := m.checkpointers.snapshot(companyID); live {
		if err := m.sessions.SaveCheckpoint(ctx, session.ID, snapshot); err != nil {
			return false, fmt.Errorf("save checkpoint: %w", err)
		}
		telemetry.ObserveCheckpointSaved()
	}
	if err := m.sessions.SetStatus(ctx, session.ID, intel.SessionPaused); err != nil {
		return false, fmt.Errorf("pause session: %w", err)
	}
	return true, nil
}

// Resume reactivates a paused company: the elapsed paused duration is added
// to the running total, the checkpointed session becomes active again, and
// the current phase's task is dispatched.
func (m *Machine) Resume(ctx context.Context, companyID string) error {
	moved, err := m.companies.SetStatus(ctx, companyID, intel.StatusPaused, intel.StatusInProgress)
	if err != nil {
		return fmt.Errorf("resume company: %w", err)
	}
	if !moved {
		company, getErr := m.companies.Get(ctx, companyID)
		if getErr != nil {
			return fmt.Errorf("resume company: %w", getErr)
		}
		return intel.Conflictf("cannot resume company %s in status %s", companyID, company.Status)
	}

	company, err := m.companies.Get(ctx, companyID)
	if err != nil {
		return fmt.Errorf("resume company: %w", err)
	}
	if company.PausedAt != nil {
		// Stored timestamps may carry or lack a zone; UTC both sides so the
		// elapsed math comes out identical either way.
		company.PausedDuration += m.clock.Now().UTC().Sub(company.PausedAt.UTC())
		company.PausedAt = nil
	}
	if err := m.companies.Save(ctx, company); err != nil {
		return fmt.Errorf("save resumed company: %w", err)
	}

	if session, ok, sErr := m.sessions.ActiveForCompany(ctx, companyID); sErr == nil && ok && session.Status == intel.SessionPaused {
		if err := m.sessions.SetStatus(ctx, session.ID, intel.SessionActive); err != nil {
			return fmt.Errorf("reactivate session: %w", err)
		}
	}

	if m.dispatcher != nil {
		if err := m.dispatcher.DispatchPhase(ctx, companyID, company.Phase); err != nil {
			return fmt.Errorf("dispatch resumed phase: %w", err)
		}
	}
	return nil
}

// Rescan re-enters a completed company into scheduling from scratch while
// keeping prior analysis versions queryable. At most MaxAnalysisVersions
// versions are retained; the oldest is evicted to make room for the new one.
func (m *Machine) Rescan(ctx context.Context, companyID string) error {
	company, err := m.companies.Get(ctx, companyID)
	if err != nil {
		return fmt.Errorf("rescan company: %w", err)
	}
	if company.Status != intel.StatusCompleted {
		return intel.Conflictf("cannot rescan company %s in status %s", companyID, company.Status)
	}

	versions, err := m.analyses.ListVersions(ctx, companyID)
	if err != nil {
		return fmt.Errorf("list analysis versions: %w", err)
	}
	for len(versions) >= intel.MaxAnalysisVersions {
		oldest := versions[0]
		if err := m.analyses.DeleteVersion(ctx, companyID, oldest.Version); err != nil {
			return fmt.Errorf("evict analysis version %d: %w", oldest.Version, err)
		}
		versions = versions[1:]
	}
	// Versions are numbered from 0, so a company at the cap holds {0,1,2}
	// and the rescan evicts 0 and reserves 3.
	nextVersion := 0
	if n := len(versions); n > 0 {
		nextVersion = versions[n-1].Version + 1
	}
	if err := m.analyses.Put(ctx, intel.AnalysisVersion{
		CompanyID: companyID,
		Version:   nextVersion,
		CreatedAt: m.clock.Now(),
	}); err != nil {
		return fmt.Errorf("reserve analysis version: %w", err)
	}

	moved, err := m.companies.SetStatus(ctx, companyID, intel.StatusCompleted, intel.StatusPending)
	if err != nil {
		return fmt.Errorf("rescan company: %w", err)
	}
	if !moved {
		return intel.Conflictf("company %s left completed during rescan", companyID)
	}

	company, err = m.companies.Get(ctx, companyID)
	if err != nil {
		return fmt.Errorf("rescan company: %w", err)
	}
	company.Phase = intel.PhaseQueued
	company.StartedAt = nil
	company.CompletedAt = nil
	if err := m.companies.Save(ctx, company); err != nil {
		return fmt.Errorf("save rescanned company: %w", err)
	}
	m.logger.Info("company queued for rescan",
		zap.String("company_id", companyID), zap.Int("analysis_version", nextVersion))
	return nil
}

// Cancel marks a company cancelled unless it is already terminal.
func (m *Machine) Cancel(ctx context.Context, companyID string) error {
	for attempt := 0; attempt < 3; attempt++ {
		company, err := m.companies.Get(ctx, companyID)
		if err != nil {
			if errors.Is(err, intel.ErrNotFound) {
				return err
			}
			return fmt.Errorf("cancel company: %w", err)
		}
		if company.Status.Terminal() {
			return nil
		}
		moved, err := m.companies.SetStatus(ctx, companyID, company.Status, intel.StatusCancelled)
		if err != nil {
			return fmt.Errorf("cancel company: %w", err)
		}
		if moved {
			return nil
		}
	}
	return intel.Conflictf("company %s status kept changing during cancel", companyID)
}

// RegisterCheckpointer registers a live snapshot source for a company's
// in-process crawl so Pause can capture fresh frontier state synchronously.
// The returned func deregisters it.
func (m *Machine) RegisterCheckpointer(companyID string, fn func() intel.Checkpoint) func() {
	return m.checkpointers.register(companyID, fn)
}
