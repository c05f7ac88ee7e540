// ABOUTME: Coordinator agent driving the per-conversation gate sequence
// ABOUTME: Sentiment gate, intent confidence gate, routing, and escalation over the bus

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-concierge/internal/bus"
	"github.com/2389/coven-concierge/internal/events"
	"github.com/2389/coven-concierge/internal/session"
)

// ErrDuplicateSignal marks a result that arrived for a message that was
// already processed, was superseded, or belongs to a session that is no
// longer active. Such signals are absorbed, never retried.
var ErrDuplicateSignal = errors.New("duplicate or stale signal")

// Escalation reasons
const (
	ReasonNegativeSentiment   = "negative_sentiment"
	ReasonLowIntentConfidence = "low_intent_confidence"
	ReasonUnroutableIntent    = "unroutable_intent"
	ReasonAgentTimeout        = "agent_timeout"
	ReasonAgentError          = "agent_error"
)

// historySize is how many earlier user messages accompany an intent task.
const historySize = 3

// EventBus is what the coordinator needs from the bus.
type EventBus interface {
	Subscribe(topic events.Topic, name string, handler bus.Handler) bus.Subscription
	Unsubscribe(sub bus.Subscription)
	Publish(ctx context.Context, topic events.Topic, correlationID string, payload events.Payload) (int, error)
}

// SessionStore is what the coordinator needs from the context store.
type SessionStore interface {
	GetOrCreate(id string) (session.Session, bool)
	Update(id string, fn func(*session.Session) error) (session.Session, error)
	Snapshot(id string) (session.Session, error)
	IDs() []string
}

// Coordinator owns control flow for every conversation. It keeps no state of
// its own beyond counters; everything else lives in the session store.
type Coordinator struct {
	bus    EventBus
	store  SessionStore
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	subs  []bus.Subscription
	stats Stats
}

// New creates a Coordinator. Zero config fields take their defaults.
// Pass nil logger for default.
func New(b EventBus, store SessionStore, cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		bus:    b,
		store:  store,
		cfg:    cfg.WithDefaults(),
		logger: logger.With("component", "coordinator"),
		now:    time.Now,
		stats:  newStats(),
	}
}

// SetClock overrides the time source. Intended for tests.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// Start subscribes the coordinator to its inbound and result topics.
// CONVERSATION_END is deliberately not among them. Replies to the user are
// observed only to stop the business agent's result timer.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.subs) > 0 {
		return
	}

	c.subs = []bus.Subscription{
		c.bus.Subscribe(events.TopicNewUserMessage, "coordinator", c.handleNewMessage),
		c.bus.Subscribe(events.TopicSentimentRecognized, "coordinator", c.handleSentiment),
		c.bus.Subscribe(events.TopicIntentRecognized, "coordinator", c.handleIntent),
		c.bus.Subscribe(events.TopicRequestEscalation, "coordinator", c.handleEscalationRequest),
		c.bus.Subscribe(events.TopicAgentError, "coordinator", c.handleAgentError),
		c.bus.Subscribe(events.TopicSendResponse, "coordinator", c.handleReply),
	}

	c.logger.Info("coordinator started",
		"intent_threshold", c.cfg.IntentConfidenceThreshold,
		"routes", len(c.cfg.Routes),
		"result_timeout", c.cfg.ResultTimeout)
}

// Stop removes the coordinator's subscriptions.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		c.bus.Unsubscribe(sub)
	}
}

// handleNewMessage is Gate 0: record the user message and ask for sentiment.
func (c *Coordinator) handleNewMessage(ctx context.Context, ev events.Event) error {
	p, ok := ev.Payload.(events.NewUserMessage)
	if !ok {
		return fmt.Errorf("%w: %T on %s", events.ErrInvalidPayload, ev.Payload, ev.Topic)
	}

	now := c.now()
	if _, created := c.store.GetOrCreate(p.SessionID); created {
		c.logger.Info("new conversation", "session_id", p.SessionID)
	}

	var msg session.Message
	var gated bool
	_, err := c.store.Update(p.SessionID, func(s *session.Session) error {
		if p.CustomerEmail != "" && s.CustomerEmail == "" {
			s.CustomerEmail = p.CustomerEmail
		}
		m, err := s.AppendMessage(session.SenderUser, p.Text, now)
		if err != nil {
			return err
		}
		msg = m
		if s.Status != session.StatusActive {
			return nil
		}
		gated = true
		s.Await(session.StageSentiment, now)
		return nil
	})
	// An end can land between GetOrCreate and Update; the message belongs to
	// a conversation that is already over.
	if errors.Is(err, session.ErrSessionEnded) {
		c.absorb(p.SessionID, ev.Topic, err)
		return nil
	}
	if c.absorbed(p.SessionID, ev.Topic, err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("recording user message: %w", err)
	}

	c.bump(func(s *Stats) { s.MessagesIngested++ })

	if !gated {
		c.logger.Info("message recorded on escalated session, gates skipped",
			"session_id", p.SessionID,
			"seq", msg.Seq)
		return nil
	}

	c.logger.Debug("gate 0: requesting sentiment", "session_id", p.SessionID, "seq", msg.Seq)
	_, err = c.bus.Publish(ctx, events.TopicRecognizeSentiment, p.SessionID, events.RecognizeSentiment{
		SessionID: p.SessionID,
		Text:      p.Text,
		Seq:       msg.Seq,
	})
	return err
}

// handleSentiment is Gate 1: escalate negative conversations, otherwise ask
// for the intent.
func (c *Coordinator) handleSentiment(ctx context.Context, ev events.Event) error {
	p, ok := ev.Payload.(events.SentimentRecognized)
	if !ok {
		return fmt.Errorf("%w: %T on %s", events.ErrInvalidPayload, ev.Payload, ev.Topic)
	}

	now := c.now()
	var reason string
	var text string
	var seq uint64
	var history []string

	snap, err := c.store.Update(p.SessionID, func(s *session.Session) error {
		m, err := pendingUserMessage(s, p.Seq)
		if err != nil {
			return err
		}
		if m.SentimentLabel != "" {
			return fmt.Errorf("%w: sentiment already recorded for message %d", ErrDuplicateSignal, m.Seq)
		}

		m.SentimentLabel = p.Sentiment
		s.CurrentSentiment = p.Sentiment
		s.SentimentConfidence = p.Confidence
		text, seq = m.Text, m.Seq
		history = userHistory(s, m.Seq)

		if p.Sentiment.RequiresHuman() {
			reason = ReasonNegativeSentiment
			return s.Escalate(reason, now)
		}
		s.Await(session.StageIntent, now)
		return nil
	})
	if c.absorbed(p.SessionID, ev.Topic, err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("applying sentiment result: %w", err)
	}

	if reason != "" {
		c.logger.Warn("gate 1: negative sentiment, escalating",
			"session_id", p.SessionID,
			"sentiment", p.Sentiment,
			"confidence", p.Confidence)
		return c.publishEscalation(ctx, snap, reason, map[string]any{
			"sentiment":  string(p.Sentiment),
			"confidence": p.Confidence,
		})
	}

	c.bump(func(s *Stats) { s.SentimentPassed++ })
	c.logger.Debug("gate 1 passed: requesting intent",
		"session_id", p.SessionID,
		"sentiment", p.Sentiment,
		"seq", seq)

	_, err = c.bus.Publish(ctx, events.TopicRecognizeIntent, p.SessionID, events.RecognizeIntent{
		SessionID: p.SessionID,
		Text:      text,
		Seq:       seq,
		History:   history,
	})
	return err
}

// handleIntent is Gate 2: escalate uncertain or unroutable intents,
// otherwise hand the conversation to a business agent.
func (c *Coordinator) handleIntent(ctx context.Context, ev events.Event) error {
	p, ok := ev.Payload.(events.IntentRecognized)
	if !ok {
		return fmt.Errorf("%w: %T on %s", events.ErrInvalidPayload, ev.Payload, ev.Topic)
	}

	now := c.now()
	var reason string
	var route events.Topic
	var text string
	var seq uint64

	snap, err := c.store.Update(p.SessionID, func(s *session.Session) error {
		m, err := pendingUserMessage(s, p.Seq)
		if err != nil {
			return err
		}
		if m.SentimentLabel == "" {
			return fmt.Errorf("%w: intent for message %d arrived before its sentiment", ErrDuplicateSignal, m.Seq)
		}
		if m.IntentLabel != "" {
			return fmt.Errorf("%w: intent already recorded for message %d", ErrDuplicateSignal, m.Seq)
		}

		m.IntentLabel = p.Intent
		m.Entities = session.CloneEntities(p.Entities)
		s.CurrentIntent = p.Intent
		s.IntentConfidence = p.Confidence
		s.MergeEntities(p.Entities)
		text, seq = m.Text, m.Seq

		if p.Confidence < c.cfg.IntentConfidenceThreshold {
			reason = ReasonLowIntentConfidence
			return s.Escalate(reason, now)
		}
		topic, ok := c.cfg.Routes[p.Intent]
		if !ok {
			reason = ReasonUnroutableIntent
			return s.Escalate(reason, now)
		}
		route = topic
		s.Await(session.StageBusiness, now)
		return nil
	})
	if c.absorbed(p.SessionID, ev.Topic, err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("applying intent result: %w", err)
	}

	if reason != "" {
		c.logger.Warn("gate 2: escalating",
			"session_id", p.SessionID,
			"intent", p.Intent,
			"confidence", p.Confidence,
			"reason", reason)
		return c.publishEscalation(ctx, snap, reason, map[string]any{
			"intent":     p.Intent,
			"confidence": p.Confidence,
			"threshold":  c.cfg.IntentConfidenceThreshold,
		})
	}

	c.bump(func(s *Stats) {
		s.Routed++
		s.RoutedByTopic[route]++
	})
	c.logger.Info("gate 2 passed: routing",
		"session_id", p.SessionID,
		"intent", p.Intent,
		"task", route)

	// The business agent answers the user directly on
	// RESULT_SEND_RESPONSE_TO_USER; nothing comes back through here.
	_, err = c.bus.Publish(ctx, route, p.SessionID, events.HandleTask{
		SessionID: p.SessionID,
		Text:      text,
		Seq:       seq,
		Intent:    p.Intent,
		Snapshot:  snap,
	})
	return err
}

// handleReply clears the business stage once a reply reaches the user. The
// reply itself goes straight to the front door.
func (c *Coordinator) handleReply(_ context.Context, ev events.Event) error {
	p, ok := ev.Payload.(events.SendResponse)
	if !ok {
		return fmt.Errorf("%w: %T on %s", events.ErrInvalidPayload, ev.Payload, ev.Topic)
	}

	now := c.now()
	_, err := c.store.Update(p.SessionID, func(s *session.Session) error {
		if s.Awaiting != session.StageBusiness {
			return fmt.Errorf("%w: not awaiting a business reply", ErrDuplicateSignal)
		}
		s.Await(session.StageNone, now)
		return nil
	})
	if err == nil || errors.Is(err, ErrDuplicateSignal) || errors.Is(err, session.ErrSessionNotFound) {
		return nil
	}
	return fmt.Errorf("recording reply: %w", err)
}

// handleEscalationRequest escalates on behalf of any agent that asks.
func (c *Coordinator) handleEscalationRequest(ctx context.Context, ev events.Event) error {
	p, ok := ev.Payload.(events.RequestEscalation)
	if !ok {
		return fmt.Errorf("%w: %T on %s", events.ErrInvalidPayload, ev.Payload, ev.Topic)
	}
	return c.escalate(ctx, ev.Topic, p.SessionID, p.Reason, map[string]any{
		"requesting_agent": p.RequestingAgent,
	})
}

// handleAgentError escalates a conversation whose agent could not finish.
func (c *Coordinator) handleAgentError(ctx context.Context, ev events.Event) error {
	p, ok := ev.Payload.(events.AgentError)
	if !ok {
		return fmt.Errorf("%w: %T on %s", events.ErrInvalidPayload, ev.Payload, ev.Topic)
	}
	c.logger.Error("agent reported error",
		"session_id", p.SessionID,
		"agent", p.Agent,
		"task", p.Task,
		"error", p.Error)
	return c.escalate(ctx, ev.Topic, p.SessionID, ReasonAgentError, map[string]any{
		"agent": p.Agent,
		"task":  p.Task,
		"error": p.Error,
	})
}

// escalate moves an ACTIVE session to ESCALATED and notifies the escalation
// agent. Sessions that are not active are left alone.
func (c *Coordinator) escalate(ctx context.Context, topic events.Topic, sessionID, reason string, details map[string]any) error {
	now := c.now()
	snap, err := c.store.Update(sessionID, func(s *session.Session) error {
		if s.Status != session.StatusActive {
			return fmt.Errorf("%w: session is %s", ErrDuplicateSignal, s.Status)
		}
		return s.Escalate(reason, now)
	})
	if c.absorbed(sessionID, topic, err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("escalating session: %w", err)
	}

	c.logger.Warn("escalating on request", "session_id", sessionID, "reason", reason)
	return c.publishEscalation(ctx, snap, reason, details)
}

// publishEscalation announces an escalation that has already been committed
// to the store.
func (c *Coordinator) publishEscalation(ctx context.Context, snap session.Session, reason string, details map[string]any) error {
	c.bump(func(s *Stats) { s.Escalations[reason]++ })

	_, err := c.bus.Publish(ctx, events.TopicEscalate, snap.ID, events.Escalate{
		SessionID: snap.ID,
		Reason:    reason,
		Details:   details,
		Snapshot:  snap,
	})
	return err
}

// pendingUserMessage finds the user message a result refers to. Results for
// anything but the latest user message of an active session are stale.
func pendingUserMessage(s *session.Session, seq uint64) (*session.Message, error) {
	if s.Status != session.StatusActive {
		return nil, fmt.Errorf("%w: session is %s", ErrDuplicateSignal, s.Status)
	}
	last := s.LastMessage(session.SenderUser)
	if last == nil {
		return nil, fmt.Errorf("%w: no user message", ErrDuplicateSignal)
	}
	if seq != 0 && seq != last.Seq {
		return nil, fmt.Errorf("%w: result for message %d, latest is %d", ErrDuplicateSignal, seq, last.Seq)
	}
	return last, nil
}

// userHistory returns up to historySize user messages that precede seq.
func userHistory(s *session.Session, seq uint64) []string {
	var history []string
	for i := len(s.Messages) - 1; i >= 0 && len(history) < historySize; i-- {
		m := s.Messages[i]
		if m.Sender == session.SenderUser && m.Seq < seq {
			history = append([]string{m.Text}, history...)
		}
	}
	return history
}

// absorbed reports whether err is a signal that should be dropped silently,
// recording it when so.
func (c *Coordinator) absorbed(sessionID string, topic events.Topic, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicateSignal) || errors.Is(err, session.ErrSessionNotFound) {
		c.absorb(sessionID, topic, err)
		return true
	}
	return false
}

func (c *Coordinator) absorb(sessionID string, topic events.Topic, err error) {
	c.bump(func(s *Stats) { s.DuplicateSignals++ })
	c.logger.Debug("ignoring signal",
		"session_id", sessionID,
		"topic", topic,
		"reason", err)
}
