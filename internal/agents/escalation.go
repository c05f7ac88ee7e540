// ABOUTME: Escalation agent: operator queue for conversations handed to humans
// ABOUTME: Answers TASK_ESCALATE with a ticket, queue position, and a notice to the user

package agents

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-concierge/internal/dedupe"
	"github.com/2389/coven-concierge/internal/events"
)

// avgHandlingTime is the assumed operator time per ticket for wait estimates.
const avgHandlingTime = 5 * time.Minute

// Ticket is one conversation waiting for, or assigned to, an operator.
type Ticket struct {
	ID         string         `json:"ticket_id"`
	SessionID  string         `json:"session_id"`
	Reason     string         `json:"reason"`
	Details    map[string]any `json:"details,omitempty"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	OperatorID string         `json:"operator_id,omitempty"`
	AssignedAt time.Time      `json:"assigned_at,omitzero"`
}

// EscalationStats counts escalation outcomes.
type EscalationStats struct {
	Total      uint64            `json:"total"`
	Assigned   uint64            `json:"assigned"`
	Duplicates uint64            `json:"duplicates"`
	Queued     int               `json:"queued"`
	ByReason   map[string]uint64 `json:"by_reason"`
}

// EscalationAgent queues escalated conversations for human operators.
type EscalationAgent struct {
	subscriptions
	seen   *dedupe.Cache
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	queue []Ticket
	stats EscalationStats
}

// NewEscalationAgent creates an escalation agent. seen absorbs repeated
// TASK_ESCALATE signals for the same conversation. Pass nil logger for default.
func NewEscalationAgent(b EventBus, seen *dedupe.Cache, logger *slog.Logger) *EscalationAgent {
	return &EscalationAgent{
		subscriptions: subscriptions{bus: b, name: NameEscalation},
		seen:          seen,
		logger:        loggerOrDefault(logger).With("component", "escalation_agent"),
		now:           time.Now,
		stats:         EscalationStats{ByReason: make(map[string]uint64)},
	}
}

// SetClock overrides the time source. Intended for tests.
func (a *EscalationAgent) SetClock(now func() time.Time) { a.now = now }

// Start subscribes to TASK_ESCALATE.
func (a *EscalationAgent) Start() {
	a.start([]events.Topic{events.TopicEscalate}, a.handle)
}

// Stop unsubscribes.
func (a *EscalationAgent) Stop() { a.stop() }

func (a *EscalationAgent) handle(ctx context.Context, ev events.Event) error {
	p, ok := ev.Payload.(events.Escalate)
	if !ok {
		return fmt.Errorf("%w: %T on %s", events.ErrInvalidPayload, ev.Payload, ev.Topic)
	}

	key := instanceKey("escalate", p.SessionID, p.Snapshot.CreatedAt)
	if a.seen != nil && !a.seen.Claim(key) {
		a.mu.Lock()
		a.stats.Duplicates++
		a.mu.Unlock()
		a.logger.Debug("ignoring repeated escalation", "session_id", p.SessionID, "reason", p.Reason)
		return nil
	}

	ticket := Ticket{
		ID:         uuid.New().String(),
		SessionID:  p.SessionID,
		Reason:     p.Reason,
		Details:    maps.Clone(p.Details),
		EnqueuedAt: a.now(),
	}

	a.mu.Lock()
	a.queue = append(a.queue, ticket)
	position := len(a.queue)
	a.stats.Total++
	a.stats.ByReason[p.Reason]++
	a.mu.Unlock()

	a.logger.Warn("conversation queued for operator",
		"session_id", p.SessionID,
		"reason", p.Reason,
		"ticket_id", ticket.ID,
		"queue_position", position)

	if _, err := a.bus.Publish(ctx, events.TopicEscalationComplete, p.SessionID, events.EscalationComplete{
		SessionID:     p.SessionID,
		TicketID:      ticket.ID,
		QueuePosition: position,
	}); err != nil {
		return err
	}

	_, err := a.bus.Publish(ctx, events.TopicSendResponse, p.SessionID, events.SendResponse{
		SessionID: p.SessionID,
		Agent:     NameEscalation,
		Kind:      events.ResponseEscalated,
		Text: fmt.Sprintf(
			"I'm connecting you with a member of our support team. You are number %d in the queue (about %d minutes).",
			position, int(estimateWait(position).Minutes())),
	})
	return err
}

func estimateWait(position int) time.Duration {
	return time.Duration(position) * avgHandlingTime
}

// AssignNext hands the oldest queued ticket to operatorID. It reports false
// when the queue is empty.
func (a *EscalationAgent) AssignNext(operatorID string) (Ticket, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.queue) == 0 {
		return Ticket{}, false
	}
	t := a.queue[0]
	a.queue = a.queue[1:]
	t.OperatorID = operatorID
	t.AssignedAt = a.now()
	a.stats.Assigned++

	a.logger.Info("ticket assigned",
		"ticket_id", t.ID,
		"session_id", t.SessionID,
		"operator_id", operatorID,
		"waited", t.AssignedAt.Sub(t.EnqueuedAt))
	return t, true
}

// Queue returns the waiting tickets in FIFO order.
func (a *EscalationAgent) Queue() []Ticket {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Ticket, len(a.queue))
	copy(out, a.queue)
	return out
}

// Stats returns a copy of the escalation counters.
func (a *EscalationAgent) Stats() EscalationStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.stats
	st.Queued = len(a.queue)
	st.ByReason = maps.Clone(a.stats.ByReason)
	return st
}
