// ABOUTME: Business process responders for the routed TASK_HANDLE_* topics
// ABOUTME: Read only the task snapshot and reply straight to the user

package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/coven-concierge/internal/events"
)

// ReasonCustomerRequestedHuman is sent with REQUEST_ESCALATION when the user
// asks for a person.
const ReasonCustomerRequestedHuman = "customer_requested_human"

var humanRequestPhrases = []string{
	"human", "real person", "representative", "operator", "speak to someone", "talk to someone",
}

// ReplyFunc builds the answer to a routed task from its snapshot.
type ReplyFunc func(task events.HandleTask) string

// Responder answers one business task topic. It never reads the live
// session; everything it knows comes from the task's snapshot.
type Responder struct {
	subscriptions
	topic  events.Topic
	reply  ReplyFunc
	logger *slog.Logger
}

// NewResponder creates a responder for topic. Pass nil logger for default.
func NewResponder(b EventBus, name string, topic events.Topic, reply ReplyFunc, logger *slog.Logger) *Responder {
	return &Responder{
		subscriptions: subscriptions{bus: b, name: name},
		topic:         topic,
		reply:         reply,
		logger:        loggerOrDefault(logger).With("component", name+"_agent"),
	}
}

// NewBusinessResponders returns the default responder for every business
// topic.
func NewBusinessResponders(b EventBus, logger *slog.Logger) []*Responder {
	return []*Responder{
		NewResponder(b, NameReturns, events.TopicHandleReturns, ReplyReturns, logger),
		NewResponder(b, NameOrderTracking, events.TopicHandleOrderTracking, ReplyOrderTracking, logger),
		NewResponder(b, NameGeneralInquiry, events.TopicHandleGeneralInquiry, ReplyGeneralInquiry, logger),
		NewResponder(b, NameAccount, events.TopicHandleAccount, ReplyAccount, logger),
	}
}

// Name returns the responder's agent name.
func (r *Responder) Name() string { return r.name }

// Topic returns the task topic the responder handles.
func (r *Responder) Topic() events.Topic { return r.topic }

// Start subscribes to the responder's task topic.
func (r *Responder) Start() {
	r.start([]events.Topic{r.topic}, r.handle)
}

// Stop unsubscribes.
func (r *Responder) Stop() { r.stop() }

func (r *Responder) handle(ctx context.Context, ev events.Event) error {
	task, ok := ev.Payload.(events.HandleTask)
	if !ok {
		return fmt.Errorf("%w: %T on %s", events.ErrInvalidPayload, ev.Payload, ev.Topic)
	}

	if wantsHuman(task.Text) {
		r.logger.Info("customer asked for a person", "session_id", task.SessionID)
		_, err := r.bus.Publish(ctx, events.TopicRequestEscalation, task.SessionID, events.RequestEscalation{
			SessionID:       task.SessionID,
			Reason:          ReasonCustomerRequestedHuman,
			RequestingAgent: r.name,
		})
		return err
	}

	text := r.reply(task)
	r.logger.Debug("replying", "session_id", task.SessionID, "intent", task.Intent)

	_, err := r.bus.Publish(ctx, events.TopicSendResponse, task.SessionID, events.SendResponse{
		SessionID: task.SessionID,
		Text:      text,
		Agent:     r.name,
		Kind:      events.ResponseAnswer,
	})
	return err
}

func wantsHuman(text string) bool {
	return countContained(strings.ToLower(text), humanRequestPhrases) > 0
}

func entityString(task events.HandleTask, key string) string {
	if v, ok := task.Snapshot.Entities[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// ReplyReturns answers return and refund requests.
func ReplyReturns(task events.HandleTask) string {
	item := "your item"
	if p := entityString(task, "product"); p != "" {
		item = "your " + p
	}
	msg := fmt.Sprintf("I can help you return %s. Returns are accepted within 30 days of delivery", item)
	if id := entityString(task, "order_id"); id != "" {
		msg += fmt.Sprintf(", and I've started a return for order %s", id)
	}
	return msg + ". You'll receive a prepaid shipping label by email shortly."
}

// ReplyOrderTracking answers shipping and delivery questions.
func ReplyOrderTracking(task events.HandleTask) string {
	id := entityString(task, "order_id")
	if id == "" {
		return "I can check on that for you. Could you share your order number? It starts with # on your confirmation email."
	}
	return fmt.Sprintf("Order %s has shipped and is on its way. You'll get a tracking update by email as soon as the carrier scans it.", id)
}

// ReplyGeneralInquiry answers anything routed to the general desk.
func ReplyGeneralInquiry(task events.HandleTask) string {
	return "Thanks for reaching out. I can help with orders, returns, and account questions. What can I do for you today?"
}

// ReplyAccount answers login and profile questions.
func ReplyAccount(task events.HandleTask) string {
	switch entityString(task, "issue_type") {
	case "password":
		return "I've sent a password reset link to the email address on your account. It expires in 24 hours."
	case "email":
		return "You can update your email address under Account Settings. We'll send a confirmation to both the old and new address."
	case "login":
		return "Sorry you're having trouble signing in. Please try resetting your password; if your account is locked it unlocks automatically after 30 minutes."
	default:
		return "I can help with your account. Are you having trouble with your password, your email address, or signing in?"
	}
}
