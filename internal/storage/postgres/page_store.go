package postgres

import (
	"context"
	"fmt"

	"github.com/nine-one-six-systems/prospector/internal/intel"
)

// PageStore implements intel.PageStore on Postgres.
type PageStore struct {
	db DB
}

// NewPageStore constructs a PageStore over the given pool.
func NewPageStore(db DB) *PageStore {
	return &PageStore{db: db}
}

// RecordPage inserts one page snapshot.
func (s *PageStore) RecordPage(ctx context.Context, p intel.PageSnapshot) error {
	if p.ID == "" {
		return intel.Validationf("page id is required")
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO company_pages (
	id, company_id, url, page_type, depth, status_code,
	title, text_content, html_uri, fetched_via, fetched_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		p.ID, p.CompanyID, p.URL, p.PageType, p.Depth, p.StatusCode,
		p.Title, p.Text, p.HTMLURI, p.FetchedVia, p.FetchedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return intel.Conflictf("page %s already recorded", p.ID)
		}
		return fmt.Errorf("insert page: %w", err)
	}
	return nil
}

// PagesForCompany returns a company's snapshots oldest first.
func (s *PageStore) PagesForCompany(ctx context.Context, companyID string) ([]intel.PageSnapshot, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, company_id, url, page_type, depth, status_code,
	title, text_content, html_uri, fetched_via, fetched_at
FROM company_pages WHERE company_id = $1 ORDER BY fetched_at, id`, companyID)
	if err != nil {
		return nil, fmt.Errorf("select pages: %w", err)
	}
	defer rows.Close()
	var out []intel.PageSnapshot
	for rows.Next() {
		var p intel.PageSnapshot
		err := rows.Scan(&p.ID, &p.CompanyID, &p.URL, &p.PageType, &p.Depth, &p.StatusCode,
			&p.Title, &p.Text, &p.HTMLURI, &p.FetchedVia, &p.FetchedAt)
		if err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	return out, nil
}

// DeleteForCompany removes all of a company's snapshots.
func (s *PageStore) DeleteForCompany(ctx context.Context, companyID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM company_pages WHERE company_id = $1`, companyID); err != nil {
		return fmt.Errorf("delete pages: %w", err)
	}
	return nil
}
