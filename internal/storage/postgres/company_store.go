package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nine-one-six-systems/prospector/internal/intel"
)

const companyColumns = `
	id, name, url, industry, config, status, phase,
	tokens_used, cost_cents, batch_id, created_at, started_at,
	completed_at, paused_at, paused_duration_ns, failure_reason`

// CompanyStore implements intel.CompanyStore on Postgres.
type CompanyStore struct {
	db DB
}

// NewCompanyStore constructs a CompanyStore over the given pool.
func NewCompanyStore(db DB) *CompanyStore {
	return &CompanyStore{db: db}
}

// Create inserts a new company row.
func (s *CompanyStore) Create(ctx context.Context, c intel.Company) error {
	if c.ID == "" {
		return intel.Validationf("company id is required")
	}
	cfg, err := json.Marshal(c.Config)
	if err != nil {
		return fmt.Errorf("marshal company config: %w", err)
	}
	query := `
INSERT INTO companies (` + companyColumns + `
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`
	_, err = s.db.Exec(ctx, query,
		c.ID, c.Name, c.URL, c.Industry, cfg, c.Status, c.Phase,
		c.TokensUsed, c.CostCents, nullString(c.BatchID), c.CreatedAt, c.StartedAt,
		c.CompletedAt, c.PausedAt, int64(c.PausedDuration), c.FailureReason)
	if err != nil {
		if isUniqueViolation(err) {
			return intel.Conflictf("company %s already exists", c.ID)
		}
		return fmt.Errorf("insert company: %w", err)
	}
	return nil
}

// Get fetches one company by ID.
func (s *CompanyStore) Get(ctx context.Context, id string) (intel.Company, error) {
	query := `SELECT ` + companyColumns + ` FROM companies WHERE id = $1`
	c, err := scanCompany(s.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return intel.Company{}, fmt.Errorf("company %s: %w", id, intel.ErrNotFound)
	}
	if err != nil {
		return intel.Company{}, fmt.Errorf("select company: %w", err)
	}
	return c, nil
}

// Save overwrites a company's mutable fields.
func (s *CompanyStore) Save(ctx context.Context, c intel.Company) error {
	cfg, err := json.Marshal(c.Config)
	if err != nil {
		return fmt.Errorf("marshal company config: %w", err)
	}
	query := `
UPDATE companies SET
	name = $2, url = $3, industry = $4, config = $5, status = $6, phase = $7,
	tokens_used = $8, cost_cents = $9, batch_id = $10, started_at = $11,
	completed_at = $12, paused_at = $13, paused_duration_ns = $14, failure_reason = $15
WHERE id = $1`
	tag, err := s.db.Exec(ctx, query,
		c.ID, c.Name, c.URL, c.Industry, cfg, c.Status, c.Phase,
		c.TokensUsed, c.CostCents, nullString(c.BatchID), c.StartedAt,
		c.CompletedAt, c.PausedAt, int64(c.PausedDuration), c.FailureReason)
	if err != nil {
		return fmt.Errorf("update company: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("company %s: %w", c.ID, intel.ErrNotFound)
	}
	return nil
}

// Delete removes a company. Sessions, pages, and analyses cascade via
// foreign keys.
func (s *CompanyStore) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM companies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete company: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("company %s: %w", id, intel.ErrNotFound)
	}
	return nil
}

// ListByBatch returns every company in a batch, oldest first.
func (s *CompanyStore) ListByBatch(ctx context.Context, batchID string) ([]intel.Company, error) {
	query := `SELECT ` + companyColumns + ` FROM companies WHERE batch_id = $1 ORDER BY created_at, id`
	return s.list(ctx, query, batchID)
}

// PendingByBatch returns a batch's pending companies, oldest first.
func (s *CompanyStore) PendingByBatch(ctx context.Context, batchID string) ([]intel.Company, error) {
	query := `SELECT ` + companyColumns + ` FROM companies
WHERE batch_id = $1 AND status = 'pending' ORDER BY created_at, id`
	return s.list(ctx, query, batchID)
}

// InProgress returns every in-progress company (the recovery scan).
func (s *CompanyStore) InProgress(ctx context.Context) ([]intel.Company, error) {
	query := `SELECT ` + companyColumns + ` FROM companies
WHERE status = 'in_progress' ORDER BY created_at, id`
	return s.list(ctx, query)
}

// SetStatus performs the conditional status write. False means the stored
// status no longer matched.
func (s *CompanyStore) SetStatus(ctx context.Context, id string, from, to intel.CompanyStatus) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE companies SET status = $3 WHERE id = $1 AND status = $2`,
		id, from, to)
	if err != nil {
		return false, fmt.Errorf("cas company status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, s.mustExist(ctx, id)
}

// SetPhase performs the conditional phase write. It succeeds only while the
// company is in progress and still in the expected phase.
func (s *CompanyStore) SetPhase(ctx context.Context, id string, from, to intel.Phase) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE companies SET phase = $3 WHERE id = $1 AND phase = $2 AND status = 'in_progress'`,
		id, from, to)
	if err != nil {
		return false, fmt.Errorf("cas company phase: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, s.mustExist(ctx, id)
}

// AddUsage accumulates token and cost counters.
func (s *CompanyStore) AddUsage(ctx context.Context, id string, tokens, costCents int64) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE companies SET tokens_used = tokens_used + $2, cost_cents = cost_cents + $3 WHERE id = $1`,
		id, tokens, costCents)
	if err != nil {
		return fmt.Errorf("add company usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("company %s: %w", id, intel.ErrNotFound)
	}
	return nil
}

func (s *CompanyStore) list(ctx context.Context, query string, args ...any) ([]intel.Company, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select companies: %w", err)
	}
	defer rows.Close()
	var out []intel.Company
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, fmt.Errorf("scan company: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate companies: %w", err)
	}
	return out, nil
}

func (s *CompanyStore) mustExist(ctx context.Context, id string) error {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM companies WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check company existence: %w", err)
	}
	if !exists {
		return fmt.Errorf("company %s: %w", id, intel.ErrNotFound)
	}
	return nil
}

func scanCompany(row pgx.Row) (intel.Company, error) {
	var (
		c        intel.Company
		cfg      []byte
		batchID  *string
		pausedNS int64
	)
	err := row.Scan(
		&c.ID, &c.Name, &c.URL, &c.Industry, &cfg, &c.Status, &c.Phase,
		&c.TokensUsed, &c.CostCents, &batchID, &c.CreatedAt, &c.StartedAt,
		&c.CompletedAt, &c.PausedAt, &pausedNS, &c.FailureReason)
	if err != nil {
		return intel.Company{}, err
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &c.Config); err != nil {
			return intel.Company{}, fmt.Errorf("unmarshal company config: %w", err)
		}
	}
	if batchID != nil {
		c.BatchID = *batchID
	}
	c.PausedDuration = time.Duration(pausedNS)
	return c, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
