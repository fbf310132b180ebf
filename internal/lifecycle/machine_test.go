package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nine-one-six-systems/prospector/internal/intel"
	"github.com/nine-one-six-systems/prospector/internal/storage/memory"
)

func nowPtr(t time.Time) *time.Time { return &t }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingDispatcher struct {
	mu      sync.Mutex
	calls   []string
	failErr error
}

func (d *recordingDispatcher) DispatchPhase(_ context.Context, companyID string, phase intel.Phase) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failErr != nil {
		return d.failErr
	}
	d.calls = append(d.calls, companyID+":"+string(phase))
	return nil
}

func (d *recordingDispatcher) dispatched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

type machineFixture struct {
	machine    *Machine
	companies  *memory.CompanyStore
	sessions   *memory.SessionStore
	analyses   *memory.AnalysisStore
	dispatcher *recordingDispatcher
	clock      *fakeClock
}

func newMachineFixture(t *testing.T) *machineFixture {
	t.Helper()
	f := &machineFixture{
		companies:  memory.NewCompanyStore(),
		sessions:   memory.NewSessionStore(),
		analyses:   memory.NewAnalysisStore(),
		dispatcher: &recordingDispatcher{},
		clock:      &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	f.machine = NewMachine(f.companies, f.sessions, f.analyses, f.clock, zap.NewNop())
	f.machine.SetDispatcher(f.dispatcher)
	return f
}

func (f *machineFixture) seedCompany(t *testing.T, id string, status intel.CompanyStatus, phase intel.Phase) {
	t.Helper()
	err := f.companies.Create(context.Background(), intel.Company{
		ID:        id,
		Name:      "Acme " + id,
		URL:       "https://acme.example",
		Status:    status,
		Phase:     phase,
		CreatedAt: f.clock.Now(),
	})
	require.NoError(t, err)
}

func TestAdvancePhaseMovesOneStep(t *testing.T) {
	t.Parallel()
	f := newMachineFixture(t)
	ctx := context.Background()
	f.seedCompany(t, "c1", intel.StatusInProgress, intel.PhaseCrawling)

	require.NoError(t, f.machine.AdvancePhase(ctx, "c1", intel.PhaseCrawling, intel.PhaseExtracting))

	company, err := f.companies.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, intel.PhaseExtracting, company.Phase)
	require.Equal(t, intel.StatusInProgress, company.Status)
}

func TestAdvancePhaseRejectsSkips(t *testing.T) {
	t.Parallel()
	f := newMachineFixture(t)
	f.seedCompany(t, "c1", intel.StatusInProgress, intel.PhaseCrawling)

	err := f.machine.AdvancePhase(context.Background(), "c1", intel.PhaseCrawling, intel.PhaseGenerating)
	require.ErrorIs(t, err, intel.ErrStaleTransition)
}

func TestAdvancePhaseStaleWhenPhaseMoved(t *testing.T) {
	t.Parallel()
	f := newMachineFixture(t)
	ctx := context.Background()
	f.seedCompany(t, "c1", intel.StatusInProgress, intel.PhaseAnalyzing)

	// A duplicate crawl-completion arrives after the company already advanced.
	err := f.machine.AdvancePhase(ctx, "c1", intel.PhaseCrawling, intel.PhaseExtracting)
	require.ErrorIs(t, err, intel.ErrStaleTransition)

	company, err := f.companies.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, intel.PhaseAnalyzing, company.Phase)
}

func TestAdvancePhaseToCompletedSetsStatus(t *testing.T) {
	t.Parallel()
	f := newMachineFixture(t)
	ctx := context.Background()
	f.seedCompany(t, "c1", intel.StatusInProgress, intel.PhaseGenerating)

	require.NoError(t, f.machine.AdvancePhase(ctx, "c1", intel.PhaseGenerating, intel.PhaseCompleted))

	company, err := f.companies.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, intel.StatusCompleted, company.Status)
	require.NotNil(t, company.CompletedAt)
	require.Equal(t, f.clock.Now(), *company.CompletedAt)
}

func TestAdvancePhaseDroppedWhilePaused(t *testing.T) {
	t.Parallel()
	f := newMachineFixture(t)
	ctx := context.Background()
	f.seedCompany(t, "c1", intel.StatusPaused, intel.PhaseCrawling)

	// SetPhase requires in_progress, so a paused company never advances.
	err := f.machine.AdvancePhase(ctx, "c1", intel.PhaseCrawling, intel.PhaseExtracting)
	require.ErrorIs(t, err, intel.ErrStaleTransition)
}

func TestFailIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newMachineFixture(t)
	ctx := context.Background()
	f.seedCompany(t, "c1", intel.StatusInProgress, intel.PhaseCrawling)

	require.NoError(t, f.machine.Fail(ctx, "c1", "fetch kept timing out"))
	require.NoError(t, f.machine.Fail(ctx, "c1", "second reason ignored"))

	company, err := f.companies.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, intel.StatusFailed, company.Status)
	require.Equal(t, "fetch kept timing out", company.FailureReason)
}

func TestFailRejectsTerminalStatus(t *testing.T) {
	t.Parallel()
	f := newMachineFixture(t)
	f.seedCompany(t, "c1", intel.StatusCompleted, intel.PhaseCompleted)

	err := f.machine.Fail(context.Background(), "c1", "too late")
	require.ErrorIs(t, err, intel.ErrConflict)
}

func TestPauseSnapshotsLiveCrawl(t *testing.T) {
	t.Parallel()
	f := newMachineFixture(t)
	ctx := context.Background()
	f.seedCompany(t, "c1", intel.StatusInProgress, intel.PhaseCrawling)
	require.NoError(t, f.sessions.Create(ctx, intel.CrawlSession{
		ID:        "s1",
		CompanyID: "c1",
		Status:    intel.SessionActive,
		StartedAt: f.clock.Now(),
	}))

	snapshot := intel.Checkpoint{
		Version:      intel.CheckpointVersion,
		PagesCrawled: 7,
		SavedAt:      f.clock.Now(),
	}
	deregister := f.machine.RegisterCheckpointer("c1", func() intel.Checkpoint { return snapshot })
	defer deregister()

	checkpointed, err := f.machine.Pause(ctx, "c1")
	require.NoError(t, err)
	require.True(t, checkpointed)

	company, err := f.companies.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, intel.StatusPaused, company.Status)
	require.NotNil(t, company.PausedAt)

	session, err := f.sessions.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, intel.SessionPaused, session.Status)
	require.NotNil(t, session.Checkpoint)
	require.Equal(t, 7, session.Checkpoint.PagesCrawled)
}

func TestPauseBetweenPhasesHasNoSession(t *testing.T) {
	t.Parallel()
	f := newMachineFixture(t)
	f.seedCompany(t, "c1", intel.StatusInProgress, intel.PhaseAnalyzing)

	checkpointed, err := f.machine.Pause(context.Background(), "c1")
	require.NoError(t, err)
	require.False(t, checkpointed)
}

func TestPauseRejectsNonRunningCompany(t *testing.T) {
	t.Parallel()
	f := newMachineFixture(t)
	f.seedCompany(t, "c1", intel.StatusPending, intel.PhaseQueued)

	_, err := f.machine.Pause(context.Background(), "c1")
	require.ErrorIs(t, err, intel.ErrConflict)
}

func TestResumeAccumulatesPausedDurationAndRedispatches(t *testing.T) {
	t.Parallel()
	f := newMachineFixture(t)
	ctx := context.Background()
	f.seedCompany(t, "c1", intel.StatusInProgress, intel.PhaseCrawling)
	require.NoError(t, f.sessions.Create(ctx, intel.CrawlSession{
		ID:        "s1",
		CompanyID: "c1",
		Status:    intel.SessionActive,
		StartedAt: f.clock.Now(),
	}))

	_, err := f.machine.Pause(ctx, "c1")
	require.NoError(t, err)

	f.clock.advance(45 * time.Minute)
	require.NoError(t, f.machine.Resume(ctx, "c1"))

	company, err := f.companies.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, intel.StatusInProgress, company.Status)
	require.Nil(t, company.PausedAt)
	require.Equal(t, 45*time.Minute, company.PausedDuration)

	session, err := f.sessions.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, intel.SessionActive, session.Status)

	require.Equal(t, []string{"c1:crawling"}, f.dispatcher.dispatched())
}

func TestResumeTwiceAccumulates(t *testing.T) {
	t.Parallel()
	f := newMachineFixture(t)
	ctx := context.Background()
	f.seedCompany(t, "c1", intel.StatusInProgress, intel.PhaseExtracting)

	_, err := f.machine.Pause(ctx, "c1")
	require.NoError(t, err)
	f.clock.advance(10 * time.Minute)
	require.NoError(t, f.machine.Resume(ctx, "c1"))

	_, err = f.machine.Pause(ctx, "c1")
	require.NoError(t, err)
	f.clock.advance(5 * time.Minute)
	require.NoError(t, f.machine.Resume(ctx, "c1"))

	company, err := f.companies.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 15*time.Minute, company.PausedDuration)
}

func TestResumeRejectsUnpausedCompany(t *testing.T) {
	t.Parallel()
	f := newMachineFixture(t)
	f.seedCompany(t, "c1", intel.StatusInProgress, intel.PhaseCrawling)

	err := f.machine.Resume(context.Background(), "c1")
	require.ErrorIs(t, err, intel.ErrConflict)
}

func TestRescanReservesVersionAndRequeues(t *testing.T) {
	t.Parallel()
	f := newMachineFixture(t)
	ctx := context.Background()
	f.seedCompany(t, "c1", intel.StatusCompleted, intel.PhaseCompleted)

	completed := f.clock.Now().Add(-time.Hour)
	company, err := f.companies.Get(ctx, "c1")
	require.NoError(t, err)
	company.StartedAt = nowPtr(completed.Add(-time.Hour))
	company.CompletedAt = nowPtr(completed)
	require.NoError(t, f.companies.Save(ctx, company))

	require.NoError(t, f.analyses.Put(ctx, intel.AnalysisVersion{
		CompanyID: "c1", Version: 0, Report: "v0", CreatedAt: completed,
	}))

	require.NoError(t, f.machine.Rescan(ctx, "c1"))

	company, err = f.companies.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, intel.StatusPending, company.Status)
	require.Equal(t, intel.PhaseQueued, company.Phase)
	require.Nil(t, company.StartedAt)
	require.Nil(t, company.CompletedAt)

	versions, err := f.analyses.ListVersions(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	require.Equal(t, 1, versions[1].Version)
	require.Empty(t, versions[1].Report, "reserved slot starts empty")
}

func TestRescanEvictsOldestAtCap(t *testing.T) {
	t.Parallel()
	f := newMachineFixture(t)
	ctx := context.Background()
	f.seedCompany(t, "c1", intel.StatusCompleted, intel.PhaseCompleted)

	for v := 0; v < intel.MaxAnalysisVersions; v++ {
		require.NoError(t, f.analyses.Put(ctx, intel.AnalysisVersion{
			CompanyID: "c1", Version: v, Report: "report", CreatedAt: f.clock.Now(),
		}))
	}

	require.NoError(t, f.machine.Rescan(ctx, "c1"))

	// {0,1,2} at the cap: version 0 is evicted and version 3 reserved.
	versions, err := f.analyses.ListVersions(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, versions, intel.MaxAnalysisVersions)
	require.Equal(t, 1, versions[0].Version, "lowest version evicted")
	require.Equal(t, intel.MaxAnalysisVersions, versions[len(versions)-1].Version)
}

func TestRescanRejectsIncompleteCompany(t *testing.T) {
	t.Parallel()
	f := newMachineFixture(t)
	f.seedCompany(t, "c1", intel.StatusInProgress, intel.PhaseCrawling)

	err := f.machine.Rescan(context.Background(), "c1")
	require.ErrorIs(t, err, intel.ErrConflict)
}

func TestCancelFromAnyActiveStatus(t *testing.T) {
	t.Parallel()
	f := newMachineFixture(t)
	ctx := context.Background()
	f.seedCompany(t, "pending", intel.StatusPending, intel.PhaseQueued)
	f.seedCompany(t, "running", intel.StatusInProgress, intel.PhaseCrawling)
	f.seedCompany(t, "paused", intel.StatusPaused, intel.PhaseExtracting)

	for _, id := range []string{"pending", "running", "paused"} {
		require.NoError(t, f.machine.Cancel(ctx, id))
		company, err := f.companies.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, intel.StatusCancelled, company.Status)
	}
}

func TestCancelOnTerminalIsNoOp(t *testing.T) {
	t.Parallel()
	f := newMachineFixture(t)
	ctx := context.Background()
	f.seedCompany(t, "c1", intel.StatusCompleted, intel.PhaseCompleted)

	require.NoError(t, f.machine.Cancel(ctx, "c1"))

	company, err := f.companies.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, intel.StatusCompleted, company.Status)
}

func TestCancelUnknownCompany(t *testing.T) {
	t.Parallel()
	f := newMachineFixture(t)
	err := f.machine.Cancel(context.Background(), "missing")
	require.ErrorIs(t, err, intel.ErrNotFound)
}

func TestRecoveryRedispatchesInProgress(t *testing.T) {
	t.Parallel()
	f := newMachineFixture(t)
	ctx := context.Background()
	f.seedCompany(t, "a", intel.StatusInProgress, intel.PhaseExtracting)
	f.seedCompany(t, "b", intel.StatusPending, intel.PhaseQueued)
	f.seedCompany(t, "c", intel.StatusInProgress, intel.PhaseCrawling)

	recovery := NewRecovery(f.companies, f.dispatcher, zap.NewNop())
	recovery.RunSync(ctx)

	got := f.dispatched(t)
	require.ElementsMatch(t, []string{"a:extracting", "c:crawling"}, got)

	// A second run is a no-op.
	recovery.RunSync(ctx)
	require.Len(t, f.dispatched(t), 2)
}

func TestRecoveryContinuesPastDispatchFailure(t *testing.T) {
	t.Parallel()
	f := newMachineFixture(t)
	ctx := context.Background()
	f.seedCompany(t, "a", intel.StatusInProgress, intel.PhaseCrawling)

	failing := &recordingDispatcher{failErr: errors.New("queue unavailable")}
	recovery := NewRecovery(f.companies, failing, zap.NewNop())
	// Must not panic or abort; errors are logged per company.
	recovery.RunSync(ctx)
	require.Empty(t, failing.dispatched())
}

func (f *machineFixture) dispatched(t *testing.T) []string {
	t.Helper()
	return f.dispatcher.dispatched()
}
