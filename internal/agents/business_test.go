// ABOUTME: Tests for the business process responders
// ABOUTME: Replies come from the task snapshot and go straight to the user

package agents

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-concierge/internal/bus"
	"github.com/2389/coven-concierge/internal/events"
	"github.com/2389/coven-concierge/internal/session"
)

func task(id, text, intent string, entities map[string]any) events.HandleTask {
	snap := session.New(id, time.Now())
	snap.MergeEntities(entities)
	return events.HandleTask{SessionID: id, Text: text, Seq: 1, Intent: intent, Snapshot: snap.Clone()}
}

func startResponders(t *testing.T) (*bus.Bus, *recorder) {
	t.Helper()
	b := bus.New(nil)
	for _, r := range NewBusinessResponders(b, nil) {
		r.Start()
		t.Cleanup(r.Stop)
	}
	return b, record(b, events.TopicSendResponse, events.TopicRequestEscalation)
}

func TestResponders_ReplyPerTopic(t *testing.T) {
	tests := []struct {
		topic    events.Topic
		task     events.HandleTask
		agent    string
		contains string
	}{
		{
			events.TopicHandleReturns,
			task("s1", "I want to return my laptop", IntentProcessReturn, map[string]any{"product": "laptop", "order_id": "A1234"}),
			NameReturns, "return your laptop",
		},
		{
			events.TopicHandleOrderTracking,
			task("s2", "where is order 55555", IntentTrackOrder, map[string]any{"order_id": "55555"}),
			NameOrderTracking, "Order 55555 has shipped",
		},
		{
			events.TopicHandleOrderTracking,
			task("s3", "where is my order", IntentTrackOrder, nil),
			NameOrderTracking, "order number",
		},
		{
			events.TopicHandleGeneralInquiry,
			task("s4", "hello", IntentGeneralInquiry, nil),
			NameGeneralInquiry, "orders, returns, and account",
		},
		{
			events.TopicHandleAccount,
			task("s5", "forgot password", IntentAccountIssues, map[string]any{"issue_type": "password"}),
			NameAccount, "password reset link",
		},
	}

	for _, tt := range tests {
		t.Run(tt.task.SessionID, func(t *testing.T) {
			b, rec := startResponders(t)
			publish(t, b, tt.topic, tt.task)

			replies := rec.on(events.TopicSendResponse)
			require.Len(t, replies, 1)
			reply := replies[0].Payload.(events.SendResponse)
			assert.Equal(t, tt.task.SessionID, reply.SessionID)
			assert.Equal(t, tt.agent, reply.Agent)
			assert.Equal(t, events.ResponseAnswer, reply.Kind)
			assert.Contains(t, reply.Text, tt.contains)
		})
	}
}

func TestResponders_ReturnsMentionsOrder(t *testing.T) {
	reply := ReplyReturns(task("s1", "", IntentProcessReturn, map[string]any{"order_id": "A1234"}))
	assert.Contains(t, reply, "return your item")
	assert.Contains(t, reply, "order A1234")
}

func TestResponders_AccountFallback(t *testing.T) {
	assert.Contains(t, ReplyAccount(task("s1", "", IntentAccountIssues, nil)), "password, your email address, or signing in")
	assert.Contains(t, ReplyAccount(task("s1", "", IntentAccountIssues, map[string]any{"issue_type": "login"})), "signing in")
}

func TestResponders_HumanRequestEscalates(t *testing.T) {
	b, rec := startResponders(t)

	publish(t, b, events.TopicHandleOrderTracking,
		task("s1", "Where is my order? Let me talk to a human", IntentTrackOrder, nil))

	assert.Empty(t, rec.on(events.TopicSendResponse))
	reqs := rec.on(events.TopicRequestEscalation)
	require.Len(t, reqs, 1)
	p := reqs[0].Payload.(events.RequestEscalation)
	assert.Equal(t, ReasonCustomerRequestedHuman, p.Reason)
	assert.Equal(t, NameOrderTracking, p.RequestingAgent)
}

func TestResponder_Accessors(t *testing.T) {
	r := NewResponder(bus.New(nil), "custom", events.TopicHandleAccount, ReplyAccount, nil)
	assert.Equal(t, "custom", r.Name())
	assert.Equal(t, events.TopicHandleAccount, r.Topic())
}
