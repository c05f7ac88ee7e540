// ABOUTME: Shared plumbing for bus agents: bus interface, subscription set, error reporting
// ABOUTME: Each agent embeds a subscriptions value and calls reportError on failure

package agents

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/2389/coven-concierge/internal/bus"
	"github.com/2389/coven-concierge/internal/events"
)

// Agent names used in logs, AGENT_ERROR payloads and agent messages.
const (
	NameSentiment      = "sentiment"
	NameIntent         = "intent"
	NameEscalation     = "escalation"
	NameReturns        = "returns"
	NameOrderTracking  = "order_tracking"
	NameGeneralInquiry = "general_inquiry"
	NameAccount        = "account"
	NameTranscription  = "transcription"
)

// EventBus is what agents need from the bus.
type EventBus interface {
	Subscribe(topic events.Topic, name string, handler bus.Handler) bus.Subscription
	Unsubscribe(sub bus.Subscription)
	Publish(ctx context.Context, topic events.Topic, correlationID string, payload events.Payload) (int, error)
}

// subscriptions tracks the bus subscriptions held by one agent.
type subscriptions struct {
	mu   sync.Mutex
	bus  EventBus
	name string
	subs []bus.Subscription
}

// start subscribes handler to each topic unless already started.
func (s *subscriptions) start(topics []events.Topic, handler bus.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.subs) > 0 {
		return
	}
	for _, t := range topics {
		s.subs = append(s.subs, s.bus.Subscribe(t, s.name, handler))
	}
}

func (s *subscriptions) stop() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		s.bus.Unsubscribe(sub)
	}
}

// reportError publishes AGENT_ERROR so the coordinator can escalate.
func reportError(ctx context.Context, b EventBus, logger *slog.Logger, sessionID, agent string, task events.Topic, err error) {
	logger.Error("task failed",
		"session_id", sessionID,
		"task", task,
		"error", err)

	if _, perr := b.Publish(ctx, events.TopicAgentError, sessionID, events.AgentError{
		SessionID: sessionID,
		Agent:     agent,
		Task:      string(task),
		Error:     err.Error(),
	}); perr != nil {
		logger.Error("publishing agent error", "session_id", sessionID, "error", perr)
	}
}

// instanceKey builds a dedupe key for one conversation. A session id can
// come back after its transcript is saved; the creation time keeps the new
// conversation from matching keys claimed by the old one.
func instanceKey(prefix, sessionID string, created time.Time) string {
	key := prefix + ":" + sessionID
	if created.IsZero() {
		return key
	}
	return key + "@" + strconv.FormatInt(created.UnixNano(), 10)
}

func loggerOrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
