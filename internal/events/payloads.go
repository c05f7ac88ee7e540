// ABOUTME: Structured payload types, one per topic, with field validation
// ABOUTME: Replaces free-form maps so malformed events are caught at publish time

package events

import (
	"errors"
	"fmt"
	"math"

	"github.com/2389/coven-concierge/internal/session"
)

// ErrInvalidPayload is returned when a payload is missing required fields or
// does not match the type registered for its topic.
var ErrInvalidPayload = errors.New("invalid payload")

// Payload is implemented by every event payload.
//
// Handlers receive payloads by value, but map and slice fields are shared by
// every subscriber of one event. Handlers treat them as read-only and copy
// before keeping or changing them; publishers hand over maps they no longer
// touch.
type Payload interface {
	// SessionKey returns the session the payload belongs to.
	SessionKey() string
	// Validate reports missing or out-of-range fields.
	Validate() error
}

// ResponseKind labels messages delivered to the user.
type ResponseKind string

// Response kinds
const (
	ResponseAnswer    ResponseKind = "answer"
	ResponseEscalated ResponseKind = "escalated"
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}

func requireSession(id string) error {
	if id == "" {
		return invalid("session_id is required")
	}
	return nil
}

func requireConfidence(c float64) error {
	if math.IsNaN(c) || c < 0 || c > 1 {
		return invalid("confidence %v outside [0,1]", c)
	}
	return nil
}

// NewUserMessage is published by the front door for each inbound message.
type NewUserMessage struct {
	SessionID     string `json:"session_id"`
	Text          string `json:"text"`
	CustomerEmail string `json:"customer_email,omitempty"`
}

func (p NewUserMessage) SessionKey() string { return p.SessionID }

func (p NewUserMessage) Validate() error {
	if err := requireSession(p.SessionID); err != nil {
		return err
	}
	if p.Text == "" {
		return invalid("text is required")
	}
	return nil
}

// RecognizeSentiment asks the sentiment agent to classify a user message.
type RecognizeSentiment struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Seq       uint64 `json:"seq"`
}

func (p RecognizeSentiment) SessionKey() string { return p.SessionID }

func (p RecognizeSentiment) Validate() error {
	if err := requireSession(p.SessionID); err != nil {
		return err
	}
	if p.Text == "" {
		return invalid("text is required")
	}
	return nil
}

// SentimentRecognized is the sentiment agent's answer.
type SentimentRecognized struct {
	SessionID  string            `json:"session_id"`
	Sentiment  session.Sentiment `json:"sentiment"`
	Confidence float64           `json:"confidence"`
	Seq        uint64            `json:"seq,omitempty"`
	Details    map[string]any    `json:"details,omitempty"`
}

func (p SentimentRecognized) SessionKey() string { return p.SessionID }

func (p SentimentRecognized) Validate() error {
	if err := requireSession(p.SessionID); err != nil {
		return err
	}
	if !p.Sentiment.Valid() {
		return invalid("unknown sentiment %q", p.Sentiment)
	}
	return requireConfidence(p.Confidence)
}

// RecognizeIntent asks the intent agent to classify a user message.
type RecognizeIntent struct {
	SessionID string   `json:"session_id"`
	Text      string   `json:"text"`
	Seq       uint64   `json:"seq"`
	History   []string `json:"conversation_history,omitempty"`
}

func (p RecognizeIntent) SessionKey() string { return p.SessionID }

func (p RecognizeIntent) Validate() error {
	if err := requireSession(p.SessionID); err != nil {
		return err
	}
	if p.Text == "" {
		return invalid("text is required")
	}
	return nil
}

// IntentRecognized is the intent agent's answer.
type IntentRecognized struct {
	SessionID  string         `json:"session_id"`
	Intent     string         `json:"intent"`
	Confidence float64        `json:"confidence"`
	Entities   map[string]any `json:"entities"`
	Seq        uint64         `json:"seq,omitempty"`
}

func (p IntentRecognized) SessionKey() string { return p.SessionID }

func (p IntentRecognized) Validate() error {
	if err := requireSession(p.SessionID); err != nil {
		return err
	}
	if p.Intent == "" {
		return invalid("intent is required")
	}
	return requireConfidence(p.Confidence)
}

// HandleTask routes a conversation to a business process agent. It carries
// a full copy of the session so the agent never touches live state.
type HandleTask struct {
	SessionID string          `json:"session_id"`
	Text      string          `json:"text"`
	Seq       uint64          `json:"seq"`
	Intent    string          `json:"intent"`
	Snapshot  session.Session `json:"session_snapshot"`
}

func (p HandleTask) SessionKey() string { return p.SessionID }

func (p HandleTask) Validate() error {
	if err := requireSession(p.SessionID); err != nil {
		return err
	}
	if p.Snapshot.ID != p.SessionID {
		return invalid("session_snapshot does not belong to session %q", p.SessionID)
	}
	return nil
}

// Escalate hands a conversation to the escalation agent.
type Escalate struct {
	SessionID string          `json:"session_id"`
	Reason    string          `json:"reason"`
	Details   map[string]any  `json:"details,omitempty"`
	Snapshot  session.Session `json:"context,omitzero"`
}

func (p Escalate) SessionKey() string { return p.SessionID }

func (p Escalate) Validate() error {
	if err := requireSession(p.SessionID); err != nil {
		return err
	}
	if p.Reason == "" {
		return invalid("reason is required")
	}
	if p.Snapshot.ID != "" && p.Snapshot.ID != p.SessionID {
		return invalid("context does not belong to session %q", p.SessionID)
	}
	return nil
}

// EscalationComplete confirms that a conversation joined the operator queue.
type EscalationComplete struct {
	SessionID     string `json:"session_id"`
	TicketID      string `json:"ticket_id,omitempty"`
	QueuePosition int    `json:"queue_position,omitempty"`
}

func (p EscalationComplete) SessionKey() string { return p.SessionID }

func (p EscalationComplete) Validate() error { return requireSession(p.SessionID) }

// SendResponse carries a reply for the user back to the front door.
type SendResponse struct {
	SessionID string       `json:"session_id"`
	Text      string       `json:"text"`
	Agent     string       `json:"agent,omitempty"`
	Kind      ResponseKind `json:"kind"`
}

func (p SendResponse) SessionKey() string { return p.SessionID }

func (p SendResponse) Validate() error {
	if err := requireSession(p.SessionID); err != nil {
		return err
	}
	if p.Text == "" {
		return invalid("text is required")
	}
	switch p.Kind {
	case ResponseAnswer, ResponseEscalated:
		return nil
	default:
		return invalid("unknown response kind %q", p.Kind)
	}
}

// ConversationEnd closes a conversation.
type ConversationEnd struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

func (p ConversationEnd) SessionKey() string { return p.SessionID }

func (p ConversationEnd) Validate() error { return requireSession(p.SessionID) }

// RequestEscalation lets any agent ask the coordinator to escalate.
type RequestEscalation struct {
	SessionID       string `json:"session_id"`
	Reason          string `json:"reason"`
	RequestingAgent string `json:"requesting_agent,omitempty"`
}

func (p RequestEscalation) SessionKey() string { return p.SessionID }

func (p RequestEscalation) Validate() error {
	if err := requireSession(p.SessionID); err != nil {
		return err
	}
	if p.Reason == "" {
		return invalid("reason is required")
	}
	return nil
}

// AgentError reports that an agent could not complete a task.
type AgentError struct {
	SessionID string `json:"session_id"`
	Agent     string `json:"agent_name"`
	Task      string `json:"task,omitempty"`
	Error     string `json:"error"`
}

func (p AgentError) SessionKey() string { return p.SessionID }

func (p AgentError) Validate() error {
	if err := requireSession(p.SessionID); err != nil {
		return err
	}
	if p.Agent == "" {
		return invalid("agent_name is required")
	}
	return nil
}

// TranscriptSaved announces that a finished conversation was persisted.
type TranscriptSaved struct {
	SessionID    string `json:"session_id"`
	MessageCount int    `json:"message_count"`
	FinalStatus  string `json:"final_status"`
}

func (p TranscriptSaved) SessionKey() string { return p.SessionID }

func (p TranscriptSaved) Validate() error { return requireSession(p.SessionID) }
