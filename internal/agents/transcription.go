// ABOUTME: Transcription listener: audit log of every event and transcript persistence
// ABOUTME: Sole consumer of CONVERSATION_END; persists before deleting the session

package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/2389/coven-concierge/internal/dedupe"
	"github.com/2389/coven-concierge/internal/events"
	"github.com/2389/coven-concierge/internal/session"
	"github.com/2389/coven-concierge/internal/store"
)

// SessionStore is what the transcriber needs from the context store.
type SessionStore interface {
	Snapshot(id string) (session.Session, error)
	Update(id string, fn func(*session.Session) error) (session.Session, error)
	Delete(id string)
}

// TranscriberStats counts transcription outcomes.
type TranscriberStats struct {
	EventsAudited    uint64 `json:"events_audited"`
	AuditErrors      uint64 `json:"audit_errors"`
	AgentMessages    uint64 `json:"agent_messages"`
	TranscriptsSaved uint64 `json:"transcripts_saved"`
	DuplicateEnds    uint64 `json:"duplicate_ends"`
	ReusedSessionIDs uint64 `json:"reused_session_ids"`
}

// Transcriber listens to every topic. It writes each event to the audit
// log, appends agent replies to the session, and at CONVERSATION_END
// persists the transcript and removes the session from the context store.
type Transcriber struct {
	subscriptions
	sessions    SessionStore
	transcripts store.TranscriptStore
	seen        *dedupe.Cache
	logger      *slog.Logger
	now         func() time.Time

	audited    atomic.Uint64
	auditErrs  atomic.Uint64
	agentMsgs  atomic.Uint64
	saved      atomic.Uint64
	duplicates atomic.Uint64
	reused     atomic.Uint64
}

// NewTranscriber creates a transcription listener. seen absorbs repeated
// CONVERSATION_END signals. Pass nil logger for default.
func NewTranscriber(b EventBus, sessions SessionStore, transcripts store.TranscriptStore, seen *dedupe.Cache, logger *slog.Logger) *Transcriber {
	return &Transcriber{
		subscriptions: subscriptions{bus: b, name: NameTranscription},
		sessions:      sessions,
		transcripts:   transcripts,
		seen:          seen,
		logger:        loggerOrDefault(logger).With("component", "transcriber"),
		now:           time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (t *Transcriber) SetClock(now func() time.Time) { t.now = now }

// Start subscribes to every known topic.
func (t *Transcriber) Start() {
	t.start(events.AllTopics(), t.handle)
}

// Stop unsubscribes.
func (t *Transcriber) Stop() { t.stop() }

// Stats returns the transcription counters.
func (t *Transcriber) Stats() TranscriberStats {
	return TranscriberStats{
		EventsAudited:    t.audited.Load(),
		AuditErrors:      t.auditErrs.Load(),
		AgentMessages:    t.agentMsgs.Load(),
		TranscriptsSaved: t.saved.Load(),
		DuplicateEnds:    t.duplicates.Load(),
		ReusedSessionIDs: t.reused.Load(),
	}
}

func (t *Transcriber) handle(ctx context.Context, ev events.Event) error {
	t.audit(ctx, ev)

	switch p := ev.Payload.(type) {
	case events.SendResponse:
		return t.recordReply(p)
	case events.ConversationEnd:
		return t.endConversation(ctx, p)
	}
	return nil
}

// audit writes the event to the audit log. Failures are logged and counted
// but never block the conversation.
func (t *Transcriber) audit(ctx context.Context, ev events.Event) {
	payload, err := json.Marshal(ev.Payload)
	if err == nil {
		err = t.transcripts.AppendAuditEvent(ctx, &store.AuditEvent{
			ID:            ev.ID,
			Topic:         string(ev.Topic),
			CorrelationID: ev.CorrelationID,
			Payload:       payload,
			EmittedAt:     ev.EmittedAt,
		})
	}
	if err != nil {
		t.auditErrs.Add(1)
		t.logger.Warn("audit write failed", "topic", ev.Topic, "event_id", ev.ID, "error", err)
		return
	}
	t.audited.Add(1)
}

// recordReply appends an AGENT message for a reply sent to the user.
func (t *Transcriber) recordReply(p events.SendResponse) error {
	now := t.now()
	_, err := t.sessions.Update(p.SessionID, func(s *session.Session) error {
		m, err := s.AppendMessage(session.SenderAgent, p.Text, now)
		if err != nil {
			return err
		}
		s.MessageBySeq(m.Seq).Agent = p.Agent
		return nil
	})
	if errors.Is(err, session.ErrSessionNotFound) || errors.Is(err, session.ErrSessionEnded) {
		t.logger.Debug("reply for closed session not recorded", "session_id", p.SessionID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("recording agent reply: %w", err)
	}
	t.agentMsgs.Add(1)
	return nil
}

// endConversation marks the session ENDED, persists its transcript, and only
// then removes it from the context store.
func (t *Transcriber) endConversation(ctx context.Context, p events.ConversationEnd) error {
	current, err := t.sessions.Snapshot(p.SessionID)
	if errors.Is(err, session.ErrSessionNotFound) {
		t.duplicates.Add(1)
		t.logger.Debug("conversation end for unknown session", "session_id", p.SessionID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading session: %w", err)
	}

	key := instanceKey("end", p.SessionID, current.CreatedAt)
	if t.seen != nil && !t.seen.Claim(key) {
		t.duplicates.Add(1)
		t.logger.Debug("ignoring repeated conversation end", "session_id", p.SessionID)
		return nil
	}

	now := t.now()
	snap, err := t.sessions.Update(p.SessionID, func(s *session.Session) error {
		s.End(now)
		return nil
	})
	if errors.Is(err, session.ErrSessionNotFound) {
		t.duplicates.Add(1)
		t.logger.Debug("conversation end for unknown session", "session_id", p.SessionID)
		return nil
	}
	if err != nil {
		t.forget(key)
		return fmt.Errorf("ending session: %w", err)
	}

	transcript := store.FromSession(snap, now)
	if err := t.save(ctx, transcript); err != nil {
		// The session stays in the store so a repeated end can retry.
		t.forget(key)
		return err
	}

	t.sessions.Delete(p.SessionID)
	t.saved.Add(1)

	t.logger.Info("transcript saved",
		"session_id", p.SessionID,
		"final_status", transcript.FinalStatus,
		"messages", transcript.MessageCount,
		"reason", p.Reason)

	_, err = t.bus.Publish(ctx, events.TopicTranscriptSaved, p.SessionID, events.TranscriptSaved{
		SessionID:    p.SessionID,
		MessageCount: transcript.MessageCount,
		FinalStatus:  transcript.FinalStatus,
	})
	return err
}

// save persists a transcript. A stored transcript for the same conversation
// means an earlier attempt got as far as the write, so it counts as saved.
// One for an earlier conversation under the same id is never overwritten.
func (t *Transcriber) save(ctx context.Context, transcript *store.Transcript) error {
	err := t.transcripts.SaveTranscript(ctx, transcript)
	if !errors.Is(err, store.ErrDuplicateTranscript) {
		if err != nil {
			return fmt.Errorf("saving transcript: %w", err)
		}
		return nil
	}

	existing, gerr := t.transcripts.GetTranscript(ctx, transcript.SessionID)
	if gerr != nil {
		return fmt.Errorf("checking stored transcript: %w", gerr)
	}
	if existing.StartedAt.Equal(transcript.StartedAt) {
		return nil
	}

	t.reused.Add(1)
	t.logger.Error("session id reused after its transcript was saved",
		"session_id", transcript.SessionID,
		"stored_started_at", existing.StartedAt,
		"started_at", transcript.StartedAt)
	return fmt.Errorf("saving transcript: %w: session id %q belongs to an earlier conversation",
		store.ErrDuplicateTranscript, transcript.SessionID)
}

func (t *Transcriber) forget(key string) {
	if t.seen != nil {
		t.seen.Forget(key)
	}
}
