// ABOUTME: TranscriptStore interface and data types for concierge persistence
// ABOUTME: Defines Transcript, TranscriptMessage, and AuditEvent records

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/coven-concierge/internal/session"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateTranscript is returned when a session's transcript was already saved
var ErrDuplicateTranscript = errors.New("transcript already exists")

// Final status values recorded on a transcript
const (
	FinalResolvedByAgent  = "RESOLVED_BY_AGENT"
	FinalEscalatedToHuman = "ESCALATED_TO_HUMAN"
)

// Transcript is the persisted record of a finished conversation.
type Transcript struct {
	SessionID        string
	CustomerEmail    string
	FinalStatus      string
	EscalationReason string
	FinalSentiment   string
	FinalIntent      string
	Entities         map[string]any
	MessageCount     int
	StartedAt        time.Time
	EndedAt          time.Time
	Messages         []TranscriptMessage // nil when listed
}

// TranscriptMessage is one line of a transcript.
type TranscriptMessage struct {
	Seq       uint64
	Sender    string
	Agent     string
	Text      string
	Sentiment string
	Intent    string
	Timestamp time.Time
}

// AuditEvent is one bus event as seen by the transcription listener.
type AuditEvent struct {
	ID            string // bus event ID
	Topic         string
	CorrelationID string
	Payload       []byte // JSON
	EmittedAt     time.Time
}

// AuditFilter narrows ListAuditEvents.
type AuditFilter struct {
	CorrelationID string
	Topic         string
	Limit         int // default 100, max 1000
}

// TranscriptStore persists transcripts and the audit log.
type TranscriptStore interface {
	// Transcripts
	SaveTranscript(ctx context.Context, t *Transcript) error
	GetTranscript(ctx context.Context, sessionID string) (*Transcript, error)
	ListTranscripts(ctx context.Context, limit int) ([]*Transcript, error)

	// Audit log
	AppendAuditEvent(ctx context.Context, e *AuditEvent) error
	ListAuditEvents(ctx context.Context, f AuditFilter) ([]*AuditEvent, error)

	// Close releases any resources held by the store
	Close() error
}

// FromSession builds a transcript from a final session snapshot.
func FromSession(s session.Session, endedAt time.Time) *Transcript {
	final := FinalResolvedByAgent
	if s.EscalationReason != "" {
		final = FinalEscalatedToHuman
	}

	t := &Transcript{
		SessionID:        s.ID,
		CustomerEmail:    s.CustomerEmail,
		FinalStatus:      final,
		EscalationReason: s.EscalationReason,
		FinalSentiment:   string(s.CurrentSentiment),
		FinalIntent:      s.CurrentIntent,
		Entities:         s.Entities,
		MessageCount:     len(s.Messages),
		StartedAt:        s.CreatedAt,
		EndedAt:          endedAt,
		Messages:         make([]TranscriptMessage, 0, len(s.Messages)),
	}
	for _, m := range s.Messages {
		t.Messages = append(t.Messages, TranscriptMessage{
			Seq:       m.Seq,
			Sender:    string(m.Sender),
			Agent:     m.Agent,
			Text:      m.Text,
			Sentiment: string(m.SentimentLabel),
			Intent:    m.IntentLabel,
			Timestamp: m.Timestamp,
		})
	}
	return t
}

// normalizeLimit applies default (100) and cap (1000) to list limits.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}
