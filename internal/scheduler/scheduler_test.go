package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nine-one-six-systems/prospector/internal/intel"
	"github.com/nine-one-six-systems/prospector/internal/lifecycle"
	"github.com/nine-one-six-systems/prospector/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type orderedDispatcher struct {
	mu    sync.Mutex
	calls []string
}

func (d *orderedDispatcher) DispatchPhase(_ context.Context, companyID string, _ intel.Phase) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, companyID)
	return nil
}

func (d *orderedDispatcher) dispatched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

type schedFixture struct {
	sched      *Scheduler
	batches    *memory.BatchStore
	companies  *memory.CompanyStore
	machine    *lifecycle.Machine
	dispatcher *orderedDispatcher
	clock      fixedClock
	created    time.Time
}

func newSchedFixture(t *testing.T, cfg Config) *schedFixture {
	t.Helper()
	f := &schedFixture{
		batches:    memory.NewBatchStore(),
		companies:  memory.NewCompanyStore(),
		dispatcher: &orderedDispatcher{},
		clock:      fixedClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	f.created = f.clock.now
	sessions := memory.NewSessionStore()
	analyses := memory.NewAnalysisStore()
	f.machine = lifecycle.NewMachine(f.companies, sessions, analyses, f.clock, zap.NewNop())
	f.machine.SetDispatcher(f.dispatcher)
	f.sched = New(f.batches, f.companies, f.machine, f.dispatcher, f.clock, cfg, zap.NewNop())
	return f
}

func (f *schedFixture) seedBatch(t *testing.T, id string, priority, maxConcurrent int, members int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.batches.Create(ctx, intel.BatchJob{
		ID:            id,
		Name:          "batch " + id,
		Status:        intel.BatchPending,
		Priority:      priority,
		MaxConcurrent: maxConcurrent,
		CreatedAt:     f.created,
	}))
	// Stagger creation times so pending order inside a batch is stable.
	f.created = f.created.Add(time.Second)
	for i := 0; i < members; i++ {
		require.NoError(t, f.companies.Create(ctx, intel.Company{
			ID:        fmt.Sprintf("%s-%d", id, i),
			Name:      fmt.Sprintf("company %s-%d", id, i),
			URL:       "https://acme.example",
			Status:    intel.StatusPending,
			Phase:     intel.PhaseQueued,
			BatchID:   id,
			CreatedAt: f.created,
		}))
		f.created = f.created.Add(time.Second)
	}
}

func TestScheduleInterleavesBatches(t *testing.T) {
	t.Parallel()
	f := newSchedFixture(t, Config{})
	f.seedBatch(t, "a", 1, 10, 3)
	f.seedBatch(t, "b", 2, 10, 3)

	admitted, err := f.sched.ScheduleNextFromAllBatches(context.Background())
	require.NoError(t, err)
	require.Equal(t, 6, admitted)

	// One company per batch per pass, priority order within a pass.
	require.Equal(t, []string{"a-0", "b-0", "a-1", "b-1", "a-2", "b-2"}, f.dispatcher.dispatched())
}

func TestScheduleRespectsBatchConcurrency(t *testing.T) {
	t.Parallel()
	f := newSchedFixture(t, Config{})
	f.seedBatch(t, "a", 1, 2, 5)

	admitted, err := f.sched.ScheduleNextFromAllBatches(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, admitted)

	// In-flight members count against the cap on the next tick too.
	admitted, err = f.sched.ScheduleNextFromAllBatches(context.Background())
	require.NoError(t, err)
	require.Zero(t, admitted)
}

func TestScheduleFreesSlotWhenMemberFinishes(t *testing.T) {
	t.Parallel()
	f := newSchedFixture(t, Config{})
	ctx := context.Background()
	f.seedBatch(t, "a", 1, 1, 3)

	admitted, err := f.sched.ScheduleNextFromAllBatches(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, admitted)

	// Walk the admitted company to completion; the slot opens up.
	for _, step := range [][2]intel.Phase{
		{intel.PhaseCrawling, intel.PhaseExtracting},
		{intel.PhaseExtracting, intel.PhaseAnalyzing},
		{intel.PhaseAnalyzing, intel.PhaseGenerating},
		{intel.PhaseGenerating, intel.PhaseCompleted},
	} {
		require.NoError(t, f.machine.AdvancePhase(ctx, "a-0", step[0], step[1]))
	}

	admitted, err = f.sched.ScheduleNextFromAllBatches(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, admitted)
	require.Equal(t, []string{"a-0", "a-1"}, f.dispatcher.dispatched())
}

func TestScheduleCapsAdmissionsPerTick(t *testing.T) {
	t.Parallel()
	f := newSchedFixture(t, Config{MaxAdmissionsPerTick: 3})
	f.seedBatch(t, "a", 1, 10, 10)

	admitted, err := f.sched.ScheduleNextFromAllBatches(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, admitted)
}

func TestScheduleSkipsPausedBatch(t *testing.T) {
	t.Parallel()
	f := newSchedFixture(t, Config{})
	ctx := context.Background()
	f.seedBatch(t, "a", 1, 10, 2)
	f.seedBatch(t, "b", 2, 10, 2)

	require.NoError(t, f.sched.StartBatch(ctx, "a"))
	require.NoError(t, f.sched.PauseBatch(ctx, "a"))

	admitted, err := f.sched.ScheduleNextFromAllBatches(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, admitted)
	require.Equal(t, []string{"b-0", "b-1"}, f.dispatcher.dispatched())
}

func TestScheduleMarksBatchProcessing(t *testing.T) {
	t.Parallel()
	f := newSchedFixture(t, Config{})
	ctx := context.Background()
	f.seedBatch(t, "a", 1, 10, 1)

	_, err := f.sched.ScheduleNextFromAllBatches(ctx)
	require.NoError(t, err)

	batch, err := f.batches.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, intel.BatchProcessing, batch.Status)
}

func TestAdmitNowStartsStandaloneCompany(t *testing.T) {
	t.Parallel()
	f := newSchedFixture(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.companies.Create(ctx, intel.Company{
		ID:        "solo",
		Name:      "Solo Co",
		URL:       "https://solo.example",
		Status:    intel.StatusPending,
		Phase:     intel.PhaseQueued,
		CreatedAt: f.clock.Now(),
	}))

	require.NoError(t, f.sched.AdmitNow(ctx, "solo"))

	company, err := f.companies.Get(ctx, "solo")
	require.NoError(t, err)
	require.Equal(t, intel.StatusInProgress, company.Status)
	require.Equal(t, intel.PhaseCrawling, company.Phase)
	require.NotNil(t, company.StartedAt)
	require.Equal(t, []string{"solo"}, f.dispatcher.dispatched())

	// A second admit is a conflict, not a double dispatch.
	err = f.sched.AdmitNow(ctx, "solo")
	require.ErrorIs(t, err, intel.ErrConflict)
	require.Len(t, f.dispatcher.dispatched(), 1)
}

func TestStartBatchTransitions(t *testing.T) {
	t.Parallel()
	f := newSchedFixture(t, Config{})
	ctx := context.Background()
	f.seedBatch(t, "a", 1, 10, 1)

	require.NoError(t, f.sched.StartBatch(ctx, "a"))
	// Idempotent on an already processing batch.
	require.NoError(t, f.sched.StartBatch(ctx, "a"))

	require.NoError(t, f.sched.CancelBatch(ctx, "a"))
	err := f.sched.StartBatch(ctx, "a")
	require.ErrorIs(t, err, intel.ErrConflict)
}

func TestPauseAndResumeBatchPropagatesToMembers(t *testing.T) {
	t.Parallel()
	f := newSchedFixture(t, Config{})
	ctx := context.Background()
	f.seedBatch(t, "a", 1, 10, 2)

	_, err := f.sched.ScheduleNextFromAllBatches(ctx)
	require.NoError(t, err)

	require.NoError(t, f.sched.PauseBatch(ctx, "a"))
	for _, id := range []string{"a-0", "a-1"} {
		company, getErr := f.companies.Get(ctx, id)
		require.NoError(t, getErr)
		require.Equal(t, intel.StatusPaused, company.Status, id)
	}

	require.NoError(t, f.sched.ResumeBatch(ctx, "a"))
	for _, id := range []string{"a-0", "a-1"} {
		company, getErr := f.companies.Get(ctx, id)
		require.NoError(t, getErr)
		require.Equal(t, intel.StatusInProgress, company.Status, id)
	}
}

func TestCancelBatchCancelsAllMembers(t *testing.T) {
	t.Parallel()
	f := newSchedFixture(t, Config{})
	ctx := context.Background()
	f.seedBatch(t, "a", 1, 10, 3)

	_, err := f.sched.ScheduleNextFromAllBatches(ctx)
	require.NoError(t, err)
	require.NoError(t, f.sched.CancelBatch(ctx, "a"))

	batch, err := f.batches.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, intel.BatchCancelled, batch.Status)

	members, err := f.companies.ListByBatch(ctx, "a")
	require.NoError(t, err)
	for _, c := range members {
		require.Equal(t, intel.StatusCancelled, c.Status, c.ID)
	}
}

func TestUpdateCountsCompletesDrainedBatch(t *testing.T) {
	t.Parallel()
	f := newSchedFixture(t, Config{})
	ctx := context.Background()
	f.seedBatch(t, "a", 1, 10, 2)

	_, err := f.sched.ScheduleNextFromAllBatches(ctx)
	require.NoError(t, err)

	counts, err := f.sched.UpdateCounts(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, intel.BatchCounts{Total: 2, Processing: 2}, counts)

	for _, id := range []string{"a-0", "a-1"} {
		for _, step := range [][2]intel.Phase{
			{intel.PhaseCrawling, intel.PhaseExtracting},
			{intel.PhaseExtracting, intel.PhaseAnalyzing},
			{intel.PhaseAnalyzing, intel.PhaseGenerating},
			{intel.PhaseGenerating, intel.PhaseCompleted},
		} {
			require.NoError(t, f.machine.AdvancePhase(ctx, id, step[0], step[1]))
		}
	}

	counts, err = f.sched.UpdateCounts(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, intel.BatchCounts{Total: 2, Completed: 2}, counts)

	batch, err := f.batches.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, intel.BatchCompleted, batch.Status)
	require.NotNil(t, batch.CompletedAt)
}

func TestUpdateCountsNeverOverridesPausedBatch(t *testing.T) {
	t.Parallel()
	f := newSchedFixture(t, Config{})
	ctx := context.Background()
	f.seedBatch(t, "a", 1, 10, 1)

	_, err := f.sched.ScheduleNextFromAllBatches(ctx)
	require.NoError(t, err)
	for _, step := range [][2]intel.Phase{
		{intel.PhaseCrawling, intel.PhaseExtracting},
		{intel.PhaseExtracting, intel.PhaseAnalyzing},
		{intel.PhaseAnalyzing, intel.PhaseGenerating},
		{intel.PhaseGenerating, intel.PhaseCompleted},
	} {
		require.NoError(t, f.machine.AdvancePhase(ctx, "a-0", step[0], step[1]))
	}
	require.NoError(t, f.batches.Save(ctx, mustBatch(t, f, "a", intel.BatchPaused)))

	_, err = f.sched.UpdateCounts(ctx, "a")
	require.NoError(t, err)

	batch, err := f.batches.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, intel.BatchPaused, batch.Status)
}

func TestAggregateTokens(t *testing.T) {
	t.Parallel()
	f := newSchedFixture(t, Config{})
	ctx := context.Background()
	f.seedBatch(t, "a", 1, 10, 2)

	require.NoError(t, f.companies.AddUsage(ctx, "a-0", 1000, 30))
	require.NoError(t, f.companies.AddUsage(ctx, "a-1", 500, 15))

	require.NoError(t, f.sched.AggregateTokens(ctx, "a"))

	batch, err := f.batches.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, int64(1500), batch.TokensUsed)
	require.Equal(t, int64(45), batch.CostCents)
}

func mustBatch(t *testing.T, f *schedFixture, id string, status intel.BatchStatus) intel.BatchJob {
	t.Helper()
	batch, err := f.batches.Get(context.Background(), id)
	require.NoError(t, err)
	batch.Status = status
	return batch
}
