package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/nine-one-six-systems/prospector/internal/intel"
)

// SessionStore is an in-memory intel.SessionStore.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]intel.CrawlSession
}

// NewSessionStore constructs a SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]intel.CrawlSession)}
}

// Create stores a new crawl session.
func (s *SessionStore) Create(_ context.Context, session intel.CrawlSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; exists {
		return intel.Conflictf("session %s already exists", session.ID)
	}
	s.sessions[session.ID] = session
	return nil
}

// Get fetches a session by ID.
func (s *SessionStore) Get(_ context.Context, id string) (intel.CrawlSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return intel.CrawlSession{}, fmt.Errorf("session %s: %w", id, intel.ErrNotFound)
	}
	return session, nil
}

// Save overwrites an existing session.
func (s *SessionStore) Save(_ context.Context, session intel.CrawlSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; !ok {
		return fmt.Errorf("session %s: %w", session.ID, intel.ErrNotFound)
	}
	s.sessions[session.ID] = session
	return nil
}

// ActiveForCompany returns the company's single active or paused session.
func (s *SessionStore) ActiveForCompany(_ context.Context, companyID string) (intel.CrawlSession, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, session := range s.sessions {
		if session.CompanyID != companyID {
			continue
		}
		if session.Status == intel.SessionActive || session.Status == intel.SessionPaused {
			return session, true, nil
		}
	}
	return intel.CrawlSession{}, false, nil
}

// SaveCheckpoint attaches a checkpoint to the session and refreshes the
// derived crawl counters from it. Status is left alone.
func (s *SessionStore) SaveCheckpoint(_ context.Context, sessionID string, cp intel.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, intel.ErrNotFound)
	}
	session.Checkpoint = &cp
	session.PagesCrawled = cp.PagesCrawled
	session.PagesQueued = len(cp.Pending)
	session.CrawlDepthReached = cp.DepthReached
	session.ExternalLinksFollowed = cp.ExternalLinksFollowed
	session.UpdatedAt = cp.SavedAt
	s.sessions[sessionID] = session
	return nil
}

// SetStatus updates the session's lifecycle status.
func (s *SessionStore) SetStatus(_ context.Context, sessionID string, status intel.SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, intel.ErrNotFound)
	}
	session.Status = status
	s.sessions[sessionID] = session
	return nil
}

// DeleteForCompany removes all of a company's sessions.
func (s *SessionStore) DeleteForCompany(_ context.Context, companyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, session := range s.sessions {
		if session.CompanyID == companyID {
			delete(s.sessions, id)
		}
	}
	return nil
}
