package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/nine-one-six-systems/prospector/internal/intel"
)

func TestSessionStoreSaveCheckpointWritesCounters(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewSessionStore(mock)
	savedAt := time.Unix(1700000000, 0).UTC()

	cp := intel.Checkpoint{
		Version: intel.CheckpointVersion,
		Pending: []intel.FrontierEntry{
			{URL: "https://acme.test/about", Depth: 1},
			{URL: "https://acme.test/team", Depth: 1},
		},
		Crawled:               []string{"https://acme.test/", "https://acme.test/news", "https://acme.test/jobs"},
		DepthReached:          2,
		ExternalLinksFollowed: 1,
		PagesCrawled:          3,
		SavedAt:               savedAt,
	}

	// One write carries checkpoint plus derived counters; status is not a
	// column of this UPDATE, so a concurrent pause survives it.
	mock.ExpectExec("UPDATE crawl_sessions SET").
		WithArgs("s1", pgxmock.AnyArg(), 3, 2, 2, 1, savedAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.SaveCheckpoint(context.Background(), "s1", cp))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionStoreSaveCheckpointMapsMissingSession(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewSessionStore(mock)
	cp := intel.Checkpoint{Version: intel.CheckpointVersion, SavedAt: time.Unix(1700000000, 0).UTC()}

	mock.ExpectExec("UPDATE crawl_sessions SET").
		WithArgs("ghost", pgxmock.AnyArg(), 0, 0, 0, 0, cp.SavedAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.SaveCheckpoint(context.Background(), "ghost", cp)
	require.ErrorIs(t, err, intel.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
