package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/nine-one-six-systems/prospector/internal/intel"
)

var batchColumnNames = []string{
	"id", "name", "status", "count_total", "count_pending", "count_processing",
	"count_completed", "count_failed", "priority", "max_concurrent", "shared_config",
	"tokens_used", "cost_cents", "created_at", "completed_at",
}

func TestBatchStoreSetStatusMatchesStatusList(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewBatchStore(mock)

	mock.ExpectExec("UPDATE batches SET status").
		WithArgs("b1", []string{"pending", "processing"}, intel.BatchPaused).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	moved, err := store.SetStatus(context.Background(), "b1",
		[]intel.BatchStatus{intel.BatchPending, intel.BatchProcessing}, intel.BatchPaused)
	require.NoError(t, err)
	require.True(t, moved)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchStoreSetStatusRequiresFromList(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewBatchStore(mock)

	_, err = store.SetStatus(context.Background(), "b1", nil, intel.BatchPaused)
	require.ErrorIs(t, err, intel.ErrValidation)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchStoreActiveBatchesScansRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewBatchStore(mock)
	created := time.Unix(1700000000, 0).UTC()

	rows := pgxmock.NewRows(batchColumnNames).
		AddRow(
			"b1", "Q1 targets", intel.BatchPending, 10, 8, 2, 0, 0,
			1, 3, []byte(`{"max_pages":25}`), int64(0), int64(0),
			created, (*time.Time)(nil),
		)
	mock.ExpectQuery("SELECT (.+) FROM batches").
		WillReturnRows(rows)

	got, err := store.ActiveBatches(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "b1", got[0].ID)
	require.Equal(t, intel.BatchCounts{Total: 10, Pending: 8, Processing: 2}, got[0].Counts)
	require.Equal(t, 25, got[0].SharedConfig.MaxPages)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchStoreCreateInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewBatchStore(mock)
	created := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("INSERT INTO batches").
		WithArgs(
			"b1", "Q1 targets", intel.BatchPending, 0, 0, 0, 0, 0,
			1, 3, pgxmock.AnyArg(), int64(0), int64(0), created, (*time.Time)(nil),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Create(context.Background(), intel.BatchJob{
		ID: "b1", Name: "Q1 targets", Status: intel.BatchPending,
		Priority: 1, MaxConcurrent: 3, CreatedAt: created,
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}
