package postgres

import (
	"context"
	"fmt"

	"github.com/nine-one-six-systems/prospector/internal/intel"
)

// AnalysisStore implements intel.AnalysisStore on Postgres.
type AnalysisStore struct {
	db DB
}

// NewAnalysisStore constructs an AnalysisStore over the given pool.
func NewAnalysisStore(db DB) *AnalysisStore {
	return &AnalysisStore{db: db}
}

// ListVersions returns a company's analysis versions in ascending order.
func (s *AnalysisStore) ListVersions(ctx context.Context, companyID string) ([]intel.AnalysisVersion, error) {
	rows, err := s.db.Query(ctx, `
SELECT company_id, version, report, tokens, created_at
FROM company_analyses WHERE company_id = $1 ORDER BY version`, companyID)
	if err != nil {
		return nil, fmt.Errorf("select analysis versions: %w", err)
	}
	defer rows.Close()
	var out []intel.AnalysisVersion
	for rows.Next() {
		var v intel.AnalysisVersion
		if err := rows.Scan(&v.CompanyID, &v.Version, &v.Report, &v.Tokens, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan analysis version: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate analysis versions: %w", err)
	}
	return out, nil
}

// Put inserts or replaces one analysis version.
func (s *AnalysisStore) Put(ctx context.Context, v intel.AnalysisVersion) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO company_analyses (company_id, version, report, tokens, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (company_id, version) DO UPDATE
SET report = EXCLUDED.report, tokens = EXCLUDED.tokens, created_at = EXCLUDED.created_at`,
		v.CompanyID, v.Version, v.Report, v.Tokens, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert analysis version: %w", err)
	}
	return nil
}

// DeleteVersion removes one analysis version.
func (s *AnalysisStore) DeleteVersion(ctx context.Context, companyID string, version int) error {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM company_analyses WHERE company_id = $1 AND version = $2`,
		companyID, version)
	if err != nil {
		return fmt.Errorf("delete analysis version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("analysis v%d for company %s: %w", version, companyID, intel.ErrNotFound)
	}
	return nil
}

// DeleteForCompany removes all of a company's analysis versions.
func (s *AnalysisStore) DeleteForCompany(ctx context.Context, companyID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM company_analyses WHERE company_id = $1`, companyID); err != nil {
		return fmt.Errorf("delete analysis versions: %w", err)
	}
	return nil
}
