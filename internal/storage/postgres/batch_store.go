package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nine-one-six-systems/prospector/internal/intel"
)

const batchColumns = `
	id, name, status, count_total, count_pending, count_processing,
	count_completed, count_failed, priority, max_concurrent, shared_config,
	tokens_used, cost_cents, created_at, completed_at`

// BatchStore implements intel.BatchStore on Postgres.
type BatchStore struct {
	db DB
}

// NewBatchStore constructs a BatchStore over the given pool.
func NewBatchStore(db DB) *BatchStore {
	return &BatchStore{db: db}
}

// Create inserts a new batch row.
func (s *BatchStore) Create(ctx context.Context, b intel.BatchJob) error {
	if b.ID == "" {
		return intel.Validationf("batch id is required")
	}
	cfg, err := json.Marshal(b.SharedConfig)
	if err != nil {
		return fmt.Errorf("marshal batch shared config: %w", err)
	}
	query := `
INSERT INTO batches (` + batchColumns + `
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`
	_, err = s.db.Exec(ctx, query,
		b.ID, b.Name, b.Status, b.Counts.Total, b.Counts.Pending, b.Counts.Processing,
		b.Counts.Completed, b.Counts.Failed, b.Priority, b.MaxConcurrent, cfg,
		b.TokensUsed, b.CostCents, b.CreatedAt, b.CompletedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return intel.Conflictf("batch %s already exists", b.ID)
		}
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// Get fetches one batch by ID.
func (s *BatchStore) Get(ctx context.Context, id string) (intel.BatchJob, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE id = $1`
	b, err := scanBatch(s.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return intel.BatchJob{}, fmt.Errorf("batch %s: %w", id, intel.ErrNotFound)
	}
	if err != nil {
		return intel.BatchJob{}, fmt.Errorf("select batch: %w", err)
	}
	return b, nil
}

// Save overwrites a batch's mutable fields.
func (s *BatchStore) Save(ctx context.Context, b intel.BatchJob) error {
	cfg, err := json.Marshal(b.SharedConfig)
	if err != nil {
		return fmt.Errorf("marshal batch shared config: %w", err)
	}
	query := `
UPDATE batches SET
	name = $2, status = $3, count_total = $4, count_pending = $5,
	count_processing = $6, count_completed = $7, count_failed = $8,
	priority = $9, max_concurrent = $10, shared_config = $11,
	tokens_used = $12, cost_cents = $13, completed_at = $14
WHERE id = $1`
	tag, err := s.db.Exec(ctx, query,
		b.ID, b.Name, b.Status, b.Counts.Total, b.Counts.Pending,
		b.Counts.Processing, b.Counts.Completed, b.Counts.Failed,
		b.Priority, b.MaxConcurrent, cfg,
		b.TokensUsed, b.CostCents, b.CompletedAt)
	if err != nil {
		return fmt.Errorf("update batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("batch %s: %w", b.ID, intel.ErrNotFound)
	}
	return nil
}

// ActiveBatches returns pending and processing batches in scheduling order.
func (s *BatchStore) ActiveBatches(ctx context.Context) ([]intel.BatchJob, error) {
	query := `SELECT ` + batchColumns + ` FROM batches
WHERE status IN ('pending', 'processing') ORDER BY priority, created_at, id`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select active batches: %w", err)
	}
	defer rows.Close()
	var out []intel.BatchJob
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	return out, nil
}

// SetStatus moves the batch to next when its current status is one of from.
func (s *BatchStore) SetStatus(ctx context.Context, id string, from []intel.BatchStatus, to intel.BatchStatus) (bool, error) {
	if len(from) == 0 {
		return false, intel.Validationf("at least one expected status is required")
	}
	states := make([]string, len(from))
	for i, status := range from {
		states[i] = string(status)
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE batches SET status = $3 WHERE id = $1 AND status = ANY($2)`,
		id, states, to)
	if err != nil {
		return false, fmt.Errorf("cas batch status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM batches WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check batch existence: %w", err)
	}
	if !exists {
		return false, fmt.Errorf("batch %s: %w", id, intel.ErrNotFound)
	}
	return false, nil
}

func scanBatch(row pgx.Row) (intel.BatchJob, error) {
	var (
		b   intel.BatchJob
		cfg []byte
	)
	err := row.Scan(
		&b.ID, &b.Name, &b.Status, &b.Counts.Total, &b.Counts.Pending,
		&b.Counts.Processing, &b.Counts.Completed, &b.Counts.Failed,
		&b.Priority, &b.MaxConcurrent, &cfg,
		&b.TokensUsed, &b.CostCents, &b.CreatedAt, &b.CompletedAt)
	if err != nil {
		return intel.BatchJob{}, err
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &b.SharedConfig); err != nil {
			return intel.BatchJob{}, fmt.Errorf("unmarshal batch shared config: %w", err)
		}
	}
	return b, nil
}
