// ABOUTME: Mock TranscriptStore implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"errors"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory TranscriptStore implementation for testing.
type MockStore struct {
	mu          sync.RWMutex
	transcripts map[string]*Transcript // keyed by session ID
	audit       []*AuditEvent
	auditIDs    map[string]bool

	// SaveErr, when set, is returned by SaveTranscript.
	SaveErr error
	// GetErr, when set, is returned by GetTranscript.
	GetErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		transcripts: make(map[string]*Transcript),
		auditIDs:    make(map[string]bool),
	}
}

func copyTranscript(t *Transcript, withMessages bool) *Transcript {
	c := *t
	c.Entities = maps.Clone(t.Entities)
	c.Messages = nil
	if withMessages && t.Messages != nil {
		c.Messages = append([]TranscriptMessage(nil), t.Messages...)
	}
	return &c
}

// SaveTranscript stores a copy of t.
func (m *MockStore) SaveTranscript(_ context.Context, t *Transcript) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveErr != nil {
		return m.SaveErr
	}
	if _, exists := m.transcripts[t.SessionID]; exists {
		return ErrDuplicateTranscript
	}
	m.transcripts[t.SessionID] = copyTranscript(t, true)
	return nil
}

// GetTranscript retrieves a transcript by session ID.
func (m *MockStore) GetTranscript(_ context.Context, sessionID string) (*Transcript, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.GetErr != nil {
		return nil, m.GetErr
	}
	t, ok := m.transcripts[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTranscript(t, true), nil
}

// ListTranscripts returns transcripts newest first, without messages.
func (m *MockStore) ListTranscripts(_ context.Context, limit int) ([]*Transcript, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Transcript, 0, len(m.transcripts))
	for _, t := range m.transcripts {
		out = append(out, copyTranscript(t, false))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndedAt.After(out[j].EndedAt) })

	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AppendAuditEvent records an audit event.
func (m *MockStore) AppendAuditEvent(_ context.Context, e *AuditEvent) error {
	if e == nil {
		return errors.New("nil audit event")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.EmittedAt.IsZero() {
		e.EmittedAt = time.Now().UTC()
	}
	if m.auditIDs[e.ID] {
		return nil
	}
	m.auditIDs[e.ID] = true
	c := *e
	m.audit = append(m.audit, &c)
	return nil
}

// ListAuditEvents returns audit events in append order.
func (m *MockStore) ListAuditEvents(_ context.Context, f AuditFilter) ([]*AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := normalizeLimit(f.Limit)
	var out []*AuditEvent
	for _, e := range m.audit {
		if f.CorrelationID != "" && e.CorrelationID != f.CorrelationID {
			continue
		}
		if f.Topic != "" && e.Topic != f.Topic {
			continue
		}
		c := *e
		out = append(out, &c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}
