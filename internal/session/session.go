// ABOUTME: Conversation state kept by the context store for each session
// ABOUTME: Defines Session, Message, status and sentiment enums plus mutation helpers

package session

import (
	"errors"
	"fmt"
	"time"
)

// ErrSessionEnded is returned when appending to a session that has ended.
var ErrSessionEnded = errors.New("session has ended")

// Status is the lifecycle state of a session.
type Status string

// Session statuses
const (
	StatusActive    Status = "ACTIVE"
	StatusEscalated Status = "ESCALATED"
	StatusEnded     Status = "ENDED"
)

// Sentiment is the emotional tone attached to a user message.
// The zero value means "not yet recognized".
type Sentiment string

// Sentiment labels produced by the sentiment agent
const (
	SentimentNeutral  Sentiment = "NEUTRAL"
	SentimentPositive Sentiment = "POSITIVE"
	SentimentNegative Sentiment = "NEGATIVE"
	SentimentAngry    Sentiment = "ANGRY"
)

// Valid reports whether s is one of the known sentiment labels.
func (s Sentiment) Valid() bool {
	switch s {
	case SentimentNeutral, SentimentPositive, SentimentNegative, SentimentAngry:
		return true
	}
	return false
}

// RequiresHuman reports whether the sentiment diverts the conversation to a
// human operator.
func (s Sentiment) RequiresHuman() bool {
	return s == SentimentNegative || s == SentimentAngry
}

// Sender identifies who wrote a message.
type Sender string

// Message senders
const (
	SenderUser  Sender = "USER"
	SenderAgent Sender = "AGENT"
)

// Stage names the result a session is currently waiting for.
type Stage string

// Pipeline stages tracked for the result timeout policy
const (
	StageNone      Stage = ""
	StageSentiment Stage = "sentiment"
	StageIntent    Stage = "intent"
	StageBusiness  Stage = "business"
)

// Message is a single turn of the conversation. Messages are append-only;
// sentiment and intent enrichment mutate the message in place.
type Message struct {
	Seq            uint64         `json:"seq"`
	Sender         Sender         `json:"sender"`
	Text           string         `json:"text"`
	Timestamp      time.Time      `json:"timestamp"`
	Agent          string         `json:"agent,omitempty"` // responding agent for AGENT messages
	SentimentLabel Sentiment      `json:"sentiment_label,omitempty"`
	IntentLabel    string         `json:"intent_label,omitempty"`
	Entities       map[string]any `json:"entities,omitempty"`
}

// Session is the conversation state for one session id.
type Session struct {
	ID                  string         `json:"session_id"`
	CustomerEmail       string         `json:"customer_email,omitempty"`
	Status              Status         `json:"status"`
	CurrentSentiment    Sentiment      `json:"current_sentiment,omitempty"`
	SentimentConfidence float64        `json:"sentiment_confidence,omitempty"`
	CurrentIntent       string         `json:"current_intent,omitempty"`
	IntentConfidence    float64        `json:"intent_confidence,omitempty"`
	Entities            map[string]any `json:"entities"`
	Messages            []Message      `json:"messages"`
	EscalationReason    string         `json:"escalation_reason,omitempty"`
	Awaiting            Stage          `json:"awaiting,omitempty"`
	AwaitingSince       time.Time      `json:"awaiting_since,omitzero"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`

	lastSeq uint64
}

// New creates an ACTIVE session with no messages.
func New(id string, now time.Time) *Session {
	return &Session{
		ID:        id,
		Status:    StatusActive,
		Entities:  make(map[string]any),
		Messages:  make([]Message, 0),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AppendMessage appends a message and assigns it the next sequence number.
func (s *Session) AppendMessage(sender Sender, text string, at time.Time) (Message, error) {
	if s.Status == StatusEnded {
		return Message{}, ErrSessionEnded
	}
	s.lastSeq++
	msg := Message{
		Seq:       s.lastSeq,
		Sender:    sender,
		Text:      text,
		Timestamp: at,
	}
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = at
	return msg, nil
}

// MessageBySeq returns a pointer to the message with the given sequence
// number so it can be enriched in place, or nil.
func (s *Session) MessageBySeq(seq uint64) *Message {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Seq == seq {
			return &s.Messages[i]
		}
	}
	return nil
}

// LastMessage returns a pointer to the most recent message from sender, or nil.
func (s *Session) LastMessage(sender Sender) *Message {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Sender == sender {
			return &s.Messages[i]
		}
	}
	return nil
}

// Escalate hands the session to a human operator. The reason is required.
func (s *Session) Escalate(reason string, at time.Time) error {
	if reason == "" {
		return fmt.Errorf("escalation reason is required")
	}
	if s.Status == StatusEnded {
		return ErrSessionEnded
	}
	s.Status = StatusEscalated
	s.EscalationReason = reason
	s.Awaiting = StageNone
	s.AwaitingSince = time.Time{}
	s.UpdatedAt = at
	return nil
}

// Await records that the session is waiting for a result of the given stage.
func (s *Session) Await(stage Stage, at time.Time) {
	s.Awaiting = stage
	if stage == StageNone {
		s.AwaitingSince = time.Time{}
	} else {
		s.AwaitingSince = at
	}
	s.UpdatedAt = at
}

// End marks the session terminal.
func (s *Session) End(at time.Time) {
	s.Status = StatusEnded
	s.Awaiting = StageNone
	s.AwaitingSince = time.Time{}
	s.UpdatedAt = at
}

// MergeEntities copies entities into the session-level entity map. Nested
// values are copied too, so the caller's map stays independent.
func (s *Session) MergeEntities(entities map[string]any) {
	if s.Entities == nil {
		s.Entities = make(map[string]any, len(entities))
	}
	for k, v := range entities {
		s.Entities[k] = cloneValue(v)
	}
}

// Clone returns a deep copy that shares no mutable state with s.
func (s *Session) Clone() Session {
	c := *s
	c.Entities = CloneEntities(s.Entities)
	if c.Entities == nil {
		c.Entities = make(map[string]any)
	}
	c.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		m.Entities = CloneEntities(m.Entities)
		c.Messages[i] = m
	}
	return c
}

// CloneEntities copies an entity map. Nested maps and slices produced by
// JSON-style payloads are copied recursively.
func CloneEntities(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneEntities(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
