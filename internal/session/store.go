// ABOUTME: Concurrency-safe in-memory context store keyed by session id
// ABOUTME: Per-session locking so one conversation never blocks another

package session

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrSessionNotFound is returned when a session id is not in the store.
var ErrSessionNotFound = errors.New("session not found")

// entry guards a single session. The store map lock is never held while a
// session mutation runs.
type entry struct {
	mu      sync.Mutex
	session *Session
	removed bool
}

// Store holds the live conversation state for every open session.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	logger   *slog.Logger
	now      func() time.Time
}

// StoreStats summarizes the sessions currently held.
type StoreStats struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Escalated int `json:"escalated"`
	Ended     int `json:"ended"`
}

// NewStore creates an empty store. Pass nil logger for default.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sessions: make(map[string]*entry),
		logger:   logger.With("component", "context_store"),
		now:      time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) clock() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now()
}

// GetOrCreate returns a copy of the session for id, creating an ACTIVE one
// if none exists. Concurrent callers for the same unseen id observe exactly
// one creation; created reports whether this call created it.
func (s *Store) GetOrCreate(id string) (sess Session, created bool) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()

	if !ok {
		s.mu.Lock()
		e, ok = s.sessions[id]
		if !ok {
			e = &entry{session: New(id, s.now())}
			s.sessions[id] = e
			created = true
		}
		s.mu.Unlock()
	}

	if created {
		s.logger.Debug("session created", "session_id", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Clone(), created
}

// Update applies fn to the session under exclusive access and returns a copy
// of the result. fn runs against a private copy which is committed only if
// fn returns nil, so an aborted update leaves the session untouched.
func (s *Store) Update(id string, fn func(*Session) error) (Session, error) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return Session{}, ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return Session{}, ErrSessionNotFound
	}

	working := e.session.Clone()
	if err := fn(&working); err != nil {
		return Session{}, err
	}
	working.ID = id
	e.session = &working
	return working.Clone(), nil
}

// Snapshot returns a copy of the session that callers may read freely.
func (s *Store) Snapshot(id string) (Session, error) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return Session{}, ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Session{}, ErrSessionNotFound
	}
	return e.session.Clone(), nil
}

// Delete removes the session. Deleting an absent id is a no-op.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	e, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if !ok {
		return
	}

	// Updates already waiting on the entry must observe the removal.
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()

	s.logger.Debug("session deleted", "session_id", id)
}

// IDs returns the ids of all sessions in the store, sorted.
func (s *Store) IDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Len returns the number of sessions in the store.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Stats counts sessions by status.
func (s *Store) Stats() StoreStats {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var st StoreStats
	for _, e := range entries {
		e.mu.Lock()
		status := e.session.Status
		e.mu.Unlock()

		st.Total++
		switch status {
		case StatusActive:
			st.Active++
		case StatusEscalated:
			st.Escalated++
		case StatusEnded:
			st.Ended++
		}
	}
	return st
}

// Now returns the store's notion of the current time.
func (s *Store) Now() time.Time {
	return s.clock()
}
