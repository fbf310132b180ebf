package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nine-one-six-systems/prospector/internal/intel"
)

const sessionColumns = `
	id, company_id, pages_crawled, pages_queued, crawl_depth_reached,
	external_links_followed, status, checkpoint, started_at, updated_at`

// SessionStore implements intel.SessionStore on Postgres. Checkpoints are
// stored as JSONB alongside the session row.
type SessionStore struct {
	db DB
}

// NewSessionStore constructs a SessionStore over the given pool.
func NewSessionStore(db DB) *SessionStore {
	return &SessionStore{db: db}
}

// Create inserts a new session row.
func (s *SessionStore) Create(ctx context.Context, session intel.CrawlSession) error {
	if session.ID == "" {
		return intel.Validationf("session id is required")
	}
	cp, err := marshalCheckpoint(session.Checkpoint)
	if err != nil {
		return err
	}
	query := `
INSERT INTO crawl_sessions (` + sessionColumns + `
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err = s.db.Exec(ctx, query,
		session.ID, session.CompanyID, session.PagesCrawled, session.PagesQueued,
		session.CrawlDepthReached, session.ExternalLinksFollowed, session.Status,
		cp, session.StartedAt, session.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return intel.Conflictf("session %s already exists", session.ID)
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Get fetches one session by ID.
func (s *SessionStore) Get(ctx context.Context, id string) (intel.CrawlSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM crawl_sessions WHERE id = $1`
	session, err := scanSession(s.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return intel.CrawlSession{}, fmt.Errorf("session %s: %w", id, intel.ErrNotFound)
	}
	if err != nil {
		return intel.CrawlSession{}, fmt.Errorf("select session: %w", err)
	}
	return session, nil
}

// Save overwrites a session's mutable fields.
func (s *SessionStore) Save(ctx context.Context, session intel.CrawlSession) error {
	cp, err := marshalCheckpoint(session.Checkpoint)
	if err != nil {
		return err
	}
	query := `
UPDATE crawl_sessions SET
	pages_crawled = $2, pages_queued = $3, crawl_depth_reached = $4,
	external_links_followed = $5, status = $6, checkpoint = $7, updated_at = $8
WHERE id = $1`
	tag, err := s.db.Exec(ctx, query,
		session.ID, session.PagesCrawled, session.PagesQueued,
		session.CrawlDepthReached, session.ExternalLinksFollowed,
		session.Status, cp, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", session.ID, intel.ErrNotFound)
	}
	return nil
}

// ActiveForCompany returns the company's single active or paused session.
func (s *SessionStore) ActiveForCompany(ctx context.Context, companyID string) (intel.CrawlSession, bool, error) {
	query := `SELECT ` + sessionColumns + ` FROM crawl_sessions
WHERE company_id = $1 AND status IN ('active', 'paused')
ORDER BY started_at DESC LIMIT 1`
	session, err := scanSession(s.db.QueryRow(ctx, query, companyID))
	if errors.Is(err, pgx.ErrNoRows) {
		return intel.CrawlSession{}, false, nil
	}
	if err != nil {
		return intel.CrawlSession{}, false, fmt.Errorf("select active session: %w", err)
	}
	return session, true, nil
}

// SaveCheckpoint attaches a checkpoint to the session and refreshes the
// derived crawl counters from it. Status is left alone, so a concurrent
// pause is never undone by a checkpoint write.
func (s *SessionStore) SaveCheckpoint(ctx context.Context, sessionID string, cp intel.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
UPDATE crawl_sessions SET
	checkpoint = $2, pages_crawled = $3, pages_queued = $4,
	crawl_depth_reached = $5, external_links_followed = $6, updated_at = $7
WHERE id = $1`,
		sessionID, data, cp.PagesCrawled, len(cp.Pending),
		cp.DepthReached, cp.ExternalLinksFollowed, cp.SavedAt)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", sessionID, intel.ErrNotFound)
	}
	return nil
}

// SetStatus updates the session's lifecycle status.
func (s *SessionStore) SetStatus(ctx context.Context, sessionID string, status intel.SessionStatus) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE crawl_sessions SET status = $2 WHERE id = $1`,
		sessionID, status)
	if err != nil {
		return fmt.Errorf("set session status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", sessionID, intel.ErrNotFound)
	}
	return nil
}

// DeleteForCompany removes all of a company's sessions.
func (s *SessionStore) DeleteForCompany(ctx context.Context, companyID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM crawl_sessions WHERE company_id = $1`, companyID); err != nil {
		return fmt.Errorf("delete sessions: %w", err)
	}
	return nil
}

func marshalCheckpoint(cp *intel.Checkpoint) ([]byte, error) {
	if cp == nil {
		return nil, nil
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	return data, nil
}

func scanSession(row pgx.Row) (intel.CrawlSession, error) {
	var (
		session intel.CrawlSession
		cp      []byte
	)
	err := row.Scan(
		&session.ID, &session.CompanyID, &session.PagesCrawled, &session.PagesQueued,
		&session.CrawlDepthReached, &session.ExternalLinksFollowed, &session.Status,
		&cp, &session.StartedAt, &session.UpdatedAt)
	if err != nil {
		return intel.CrawlSession{}, err
	}
	if len(cp) > 0 {
		var checkpoint intel.Checkpoint
		if err := json.Unmarshal(cp, &checkpoint); err != nil {
			return intel.CrawlSession{}, fmt.Errorf("unmarshal checkpoint: %w", err)
		}
		session.Checkpoint = &checkpoint
	}
	return session, nil
}
