// ABOUTME: Tests for the coordinator gates using a real bus and context store
// ABOUTME: Covers routing, each escalation path, stale results, and timeouts

package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2389/coven-concierge/internal/bus"
	"github.com/2389/coven-concierge/internal/events"
	"github.com/2389/coven-concierge/internal/session"
)

// harness wires a coordinator to a real bus and records what it publishes.
type harness struct {
	t     *testing.T
	bus   *bus.Bus
	store *session.Store
	coord *Coordinator

	mu       sync.Mutex
	recorded map[events.Topic][]events.Event
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	h := &harness{
		t:        t,
		bus:      bus.New(nil),
		store:    session.NewStore(nil),
		recorded: make(map[events.Topic][]events.Event),
	}
	h.coord = New(h.bus, h.store, cfg, nil)
	h.coord.Start()
	t.Cleanup(h.coord.Stop)

	for _, topic := range []events.Topic{
		events.TopicRecognizeSentiment,
		events.TopicRecognizeIntent,
		events.TopicEscalate,
		events.TopicHandleReturns,
		events.TopicHandleOrderTracking,
		events.TopicHandleGeneralInquiry,
		events.TopicHandleAccount,
	} {
		h.bus.Subscribe(topic, "recorder", func(_ context.Context, ev events.Event) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.recorded[ev.Topic] = append(h.recorded[ev.Topic], ev)
			return nil
		})
	}
	return h
}

func (h *harness) publish(topic events.Topic, payload events.Payload) {
	h.t.Helper()
	_, err := h.bus.Publish(context.Background(), topic, payload.SessionKey(), payload)
	require.NoError(h.t, err)
}

func (h *harness) events(topic events.Topic) []events.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]events.Event(nil), h.recorded[topic]...)
}

func (h *harness) session(id string) session.Session {
	h.t.Helper()
	s, err := h.store.Snapshot(id)
	require.NoError(h.t, err)
	return s
}

func (h *harness) userMessage(id, text string) {
	h.publish(events.TopicNewUserMessage, events.NewUserMessage{SessionID: id, Text: text})
}

func (h *harness) sentiment(id string, s session.Sentiment, conf float64, seq uint64) {
	h.publish(events.TopicSentimentRecognized, events.SentimentRecognized{
		SessionID: id, Sentiment: s, Confidence: conf, Seq: seq,
	})
}

func (h *harness) intent(id, intent string, conf float64, entities map[string]any, seq uint64) {
	h.publish(events.TopicIntentRecognized, events.IntentRecognized{
		SessionID: id, Intent: intent, Confidence: conf, Entities: entities, Seq: seq,
	})
}

func TestGate0_NewMessageCreatesSessionAndRequestsSentiment(t *testing.T) {
	h := newHarness(t, Config{})

	h.userMessage("s1", "I want to return my laptop")

	s := h.session("s1")
	assert.Equal(t, session.StatusActive, s.Status)
	require.Len(t, s.Messages, 1)
	assert.Equal(t, session.SenderUser, s.Messages[0].Sender)
	assert.Equal(t, "I want to return my laptop", s.Messages[0].Text)
	assert.Equal(t, session.StageSentiment, s.Awaiting)

	tasks := h.events(events.TopicRecognizeSentiment)
	require.Len(t, tasks, 1)
	task := tasks[0].Payload.(events.RecognizeSentiment)
	assert.Equal(t, "s1", task.SessionID)
	assert.Equal(t, "I want to return my laptop", task.Text)
	assert.Equal(t, uint64(1), task.Seq)
	assert.Equal(t, "s1", tasks[0].CorrelationID)

	assert.Equal(t, uint64(1), h.bus.TopicStats(events.TopicRecognizeSentiment).Delivered,
		"sentiment task goes to exactly the sentiment subscriber")
	assert.Empty(t, h.events(events.TopicRecognizeIntent))
}

func TestGate0_RecordsCustomerEmail(t *testing.T) {
	h := newHarness(t, Config{})

	h.publish(events.TopicNewUserMessage, events.NewUserMessage{
		SessionID: "s1", Text: "hi", CustomerEmail: "user@example.com",
	})
	assert.Equal(t, "user@example.com", h.session("s1").CustomerEmail)
}

func TestGate1_AngrySentimentEscalates(t *testing.T) {
	h := newHarness(t, Config{})

	h.userMessage("s1", "This is the worst service ever")
	h.sentiment("s1", session.SentimentAngry, 0.92, 1)

	s := h.session("s1")
	assert.Equal(t, session.StatusEscalated, s.Status)
	assert.Equal(t, ReasonNegativeSentiment, s.EscalationReason)
	assert.Equal(t, session.SentimentAngry, s.CurrentSentiment)
	assert.Equal(t, session.SentimentAngry, s.Messages[0].SentimentLabel)

	esc := h.events(events.TopicEscalate)
	require.Len(t, esc, 1)
	payload := esc[0].Payload.(events.Escalate)
	assert.Equal(t, "s1", payload.SessionID)
	assert.Equal(t, ReasonNegativeSentiment, payload.Reason)
	assert.Equal(t, "s1", payload.Snapshot.ID)
	assert.Equal(t, session.StatusEscalated, payload.Snapshot.Status)

	assert.Empty(t, h.events(events.TopicRecognizeIntent), "intent recognition must be skipped")
	assert.Equal(t, uint64(1), h.coord.Stats().Escalations[ReasonNegativeSentiment])
}

func TestGate1_NegativeSentimentEscalates(t *testing.T) {
	h := newHarness(t, Config{})

	h.userMessage("s1", "disappointed")
	h.sentiment("s1", session.SentimentNegative, 0.75, 1)

	assert.Equal(t, session.StatusEscalated, h.session("s1").Status)
	assert.Empty(t, h.events(events.TopicRecognizeIntent))
}

func TestGate2_ConfidentIntentRoutes(t *testing.T) {
	h := newHarness(t, Config{})

	h.userMessage("s1", "I want to return my laptop")
	h.sentiment("s1", session.SentimentNeutral, 0.89, 1)

	intentTasks := h.events(events.TopicRecognizeIntent)
	require.Len(t, intentTasks, 1)
	assert.Equal(t, "I want to return my laptop", intentTasks[0].Payload.(events.RecognizeIntent).Text)

	h.intent("s1", "process_return", 0.95, map[string]any{"action": "return"}, 1)

	routed := h.events(events.TopicHandleReturns)
	require.Len(t, routed, 1)
	task := routed[0].Payload.(events.HandleTask)
	assert.Equal(t, "s1", task.SessionID)
	assert.Equal(t, "I want to return my laptop", task.Text)
	assert.Equal(t, "process_return", task.Intent)
	assert.Equal(t, "s1", task.Snapshot.ID)
	assert.Equal(t, "process_return", task.Snapshot.CurrentIntent)

	s := h.session("s1")
	assert.Equal(t, session.StatusActive, s.Status)
	assert.Equal(t, "process_return", s.CurrentIntent)
	assert.InDelta(t, 0.95, s.IntentConfidence, 1e-9)
	assert.Equal(t, "return", s.Entities["action"])
	assert.Equal(t, "process_return", s.Messages[0].IntentLabel)
	assert.Equal(t, "return", s.Messages[0].Entities["action"])
	assert.Equal(t, session.StageBusiness, s.Awaiting, "waiting for the business agent's reply")

	assert.Empty(t, h.events(events.TopicEscalate))
	assert.Equal(t, uint64(1), h.coord.Stats().RoutedByTopic[events.TopicHandleReturns])
}

func TestGate2_PublishedEntitiesStayIndependent(t *testing.T) {
	h := newHarness(t, Config{})

	h.userMessage("s1", "I want to return my laptop")
	h.sentiment("s1", session.SentimentNeutral, 0.9, 1)

	entities := map[string]any{
		"action":  "return",
		"product": map[string]any{"name": "laptop"},
	}
	h.intent("s1", "process_return", 0.95, entities, 1)

	// A subscriber scribbling on the shared payload must not reach the store.
	entities["action"] = "changed"
	entities["product"].(map[string]any)["name"] = "changed"
	task := h.events(events.TopicHandleReturns)[0].Payload.(events.HandleTask)
	task.Snapshot.Entities["action"] = "changed"

	s := h.session("s1")
	assert.Equal(t, "return", s.Entities["action"])
	assert.Equal(t, "laptop", s.Entities["product"].(map[string]any)["name"])
	assert.Equal(t, "laptop", s.Messages[0].Entities["product"].(map[string]any)["name"])
}

func TestGate2_LowConfidenceEscalates(t *testing.T) {
	h := newHarness(t, Config{})

	h.userMessage("s1", "hmm")
	h.sentiment("s1", session.SentimentNeutral, 0.88, 1)
	h.intent("s1", "process_return", 0.5, map[string]any{}, 1)

	s := h.session("s1")
	assert.Equal(t, session.StatusEscalated, s.Status)
	assert.Equal(t, ReasonLowIntentConfidence, s.EscalationReason)

	esc := h.events(events.TopicEscalate)
	require.Len(t, esc, 1)
	assert.Equal(t, ReasonLowIntentConfidence, esc[0].Payload.(events.Escalate).Reason)
	assert.Empty(t, h.events(events.TopicHandleReturns))
}

func TestGate2_ThresholdIsInclusive(t *testing.T) {
	h := newHarness(t, Config{IntentConfidenceThreshold: 0.7})

	h.userMessage("s1", "where is my order")
	h.sentiment("s1", session.SentimentNeutral, 0.88, 1)
	h.intent("s1", "track_order", 0.7, nil, 1)

	assert.Len(t, h.events(events.TopicHandleOrderTracking), 1)
	assert.Equal(t, session.StatusActive, h.session("s1").Status)
}

func TestGate2_UnmappedIntentEscalates(t *testing.T) {
	h := newHarness(t, Config{})

	h.userMessage("s1", "sing me a song")
	h.sentiment("s1", session.SentimentPositive, 0.8, 1)
	h.intent("s1", "sing_song", 0.99, nil, 1)

	s := h.session("s1")
	assert.Equal(t, session.StatusEscalated, s.Status)
	assert.Equal(t, ReasonUnroutableIntent, s.EscalationReason)
	require.Len(t, h.events(events.TopicEscalate), 1)
}

func TestGate2_CustomRoutes(t *testing.T) {
	h := newHarness(t, Config{Routes: map[string]events.Topic{
		"refund": events.TopicHandleReturns,
	}})

	h.userMessage("s1", "refund please")
	h.sentiment("s1", session.SentimentNeutral, 0.9, 1)
	h.intent("s1", "refund", 0.9, nil, 1)
	assert.Len(t, h.events(events.TopicHandleReturns), 1)

	h.userMessage("s2", "where is my order")
	h.sentiment("s2", session.SentimentNeutral, 0.9, 1)
	h.intent("s2", "track_order", 0.9, nil, 1)
	assert.Equal(t, ReasonUnroutableIntent, h.session("s2").EscalationReason)
}

func TestDuplicateSentimentResultIsIgnored(t *testing.T) {
	h := newHarness(t, Config{})

	h.userMessage("s1", "where is my order")
	h.sentiment("s1", session.SentimentNeutral, 0.9, 1)
	h.sentiment("s1", session.SentimentNeutral, 0.9, 1)

	assert.Len(t, h.events(events.TopicRecognizeIntent), 1)
	assert.Equal(t, uint64(1), h.coord.Stats().DuplicateSignals)
	assert.Zero(t, h.bus.Stats().DeliveryErrors)
}

func TestStaleResultForSupersededMessageIsIgnored(t *testing.T) {
	h := newHarness(t, Config{})

	h.userMessage("s1", "first")
	h.userMessage("s1", "second")
	h.sentiment("s1", session.SentimentAngry, 0.95, 1)

	s := h.session("s1")
	assert.Equal(t, session.StatusActive, s.Status, "result for message 1 must not affect message 2")
	assert.Empty(t, h.events(events.TopicEscalate))

	h.sentiment("s1", session.SentimentNeutral, 0.9, 2)
	intents := h.events(events.TopicRecognizeIntent)
	require.Len(t, intents, 1)
	task := intents[0].Payload.(events.RecognizeIntent)
	assert.Equal(t, "second", task.Text)
	assert.Equal(t, uint64(2), task.Seq)
	assert.Equal(t, []string{"first"}, task.History)
}

func TestIntentBeforeSentimentIsIgnored(t *testing.T) {
	h := newHarness(t, Config{})

	h.userMessage("s1", "return this")
	h.intent("s1", "process_return", 0.95, nil, 1)

	assert.Empty(t, h.events(events.TopicHandleReturns))
	assert.Empty(t, h.session("s1").CurrentIntent)
	assert.Equal(t, uint64(1), h.coord.Stats().DuplicateSignals)
}

func TestResultsAfterEscalationAreIgnored(t *testing.T) {
	h := newHarness(t, Config{})

	h.userMessage("s1", "awful")
	h.sentiment("s1", session.SentimentAngry, 0.95, 1)
	h.intent("s1", "process_return", 0.95, nil, 1)
	h.sentiment("s1", session.SentimentNeutral, 0.9, 1)

	assert.Len(t, h.events(events.TopicEscalate), 1)
	assert.Empty(t, h.events(events.TopicRecognizeIntent))
	assert.Empty(t, h.events(events.TopicHandleReturns))
	assert.Equal(t, session.StatusEscalated, h.session("s1").Status)
}

func TestResultForUnknownSessionIsIgnored(t *testing.T) {
	h := newHarness(t, Config{})

	h.sentiment("ghost", session.SentimentNeutral, 0.9, 1)
	h.intent("ghost", "track_order", 0.9, nil, 1)

	assert.Empty(t, h.events(events.TopicRecognizeIntent))
	assert.Zero(t, h.bus.Stats().DeliveryErrors)
	assert.Equal(t, uint64(2), h.coord.Stats().DuplicateSignals)
}

// vanishingStore deletes a session right after creating it, as a concurrent
// CONVERSATION_END would.
type vanishingStore struct {
	*session.Store
}

func (v vanishingStore) GetOrCreate(id string) (session.Session, bool) {
	s, created := v.Store.GetOrCreate(id)
	v.Store.Delete(id)
	return s, created
}

func TestMessageRacingConversationEndIsAbsorbed(t *testing.T) {
	b := bus.New(nil)
	coord := New(b, vanishingStore{session.NewStore(nil)}, Config{}, nil)
	coord.Start()
	t.Cleanup(coord.Stop)

	var tasks int
	b.Subscribe(events.TopicRecognizeSentiment, "recorder", func(context.Context, events.Event) error {
		tasks++
		return nil
	})

	_, err := b.Publish(context.Background(), events.TopicNewUserMessage, "s1",
		events.NewUserMessage{SessionID: "s1", Text: "where is my order"})
	require.NoError(t, err)

	assert.Zero(t, tasks)
	assert.Equal(t, uint64(1), coord.Stats().DuplicateSignals)
	assert.Zero(t, coord.Stats().MessagesIngested)
	assert.Zero(t, b.TopicStats(events.TopicNewUserMessage).DeliveryErrors)
}

func TestMessageOnEscalatedSessionIsRecordedWithoutGates(t *testing.T) {
	h := newHarness(t, Config{})

	h.userMessage("s1", "terrible")
	h.sentiment("s1", session.SentimentAngry, 0.95, 1)
	h.userMessage("s1", "hello?")

	s := h.session("s1")
	require.Len(t, s.Messages, 2)
	assert.Equal(t, "hello?", s.Messages[1].Text)
	assert.Len(t, h.events(events.TopicRecognizeSentiment), 1)
}

func TestLatestMessageUsedWhenSeqMissing(t *testing.T) {
	h := newHarness(t, Config{})

	h.userMessage("s1", "where is my order")
	h.sentiment("s1", session.SentimentNeutral, 0.9, 0)
	h.intent("s1", "track_order", 0.9, nil, 0)

	assert.Len(t, h.events(events.TopicHandleOrderTracking), 1)
}

func TestRequestEscalation(t *testing.T) {
	h := newHarness(t, Config{})

	h.userMessage("s1", "where is my order")
	h.publish(events.TopicRequestEscalation, events.RequestEscalation{
		SessionID: "s1", Reason: "customer_requested_human", RequestingAgent: "order_tracking",
	})
	h.publish(events.TopicRequestEscalation, events.RequestEscalation{
		SessionID: "s1", Reason: "again",
	})

	s := h.session("s1")
	assert.Equal(t, session.StatusEscalated, s.Status)
	assert.Equal(t, "customer_requested_human", s.EscalationReason)
	assert.Len(t, h.events(events.TopicEscalate), 1)
}

func TestAgentErrorEscalates(t *testing.T) {
	h := newHarness(t, Config{})

	h.userMessage("s1", "where is my order")
	h.publish(events.TopicAgentError, events.AgentError{
		SessionID: "s1", Agent: "sentiment", Task: "RECOGNIZE_SENTIMENT", Error: "model unavailable",
	})

	s := h.session("s1")
	assert.Equal(t, ReasonAgentError, s.EscalationReason)
	esc := h.events(events.TopicEscalate)
	require.Len(t, esc, 1)
	assert.Equal(t, "sentiment", esc[0].Payload.(events.Escalate).Details["agent"])
}

func TestCoordinatorDoesNotSubscribeToConversationEnd(t *testing.T) {
	h := newHarness(t, Config{})

	assert.Zero(t, h.bus.SubscriberCount(events.TopicConversationEnd))
	assert.Equal(t, 1, h.bus.SubscriberCount(events.TopicSendResponse), "observes replies for the business timer only")
	assert.Equal(t, 1, h.bus.SubscriberCount(events.TopicNewUserMessage))
}

func TestStartIsIdempotentAndStopUnsubscribes(t *testing.T) {
	b := bus.New(nil)
	c := New(b, session.NewStore(nil), Config{}, nil)

	c.Start()
	c.Start()
	assert.Equal(t, 1, b.SubscriberCount(events.TopicNewUserMessage))

	c.Stop()
	c.Stop()
	assert.Empty(t, b.Topics())
}

func TestSweepTimeouts(t *testing.T) {
	h := newHarness(t, Config{ResultTimeout: time.Minute})

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := start
	h.coord.SetClock(func() time.Time { return now })

	h.userMessage("waiting", "where is my order")
	h.userMessage("routed", "where is my order")
	h.sentiment("routed", session.SentimentNeutral, 0.9, 1)
	h.intent("routed", "track_order", 0.9, nil, 1)
	h.publish(events.TopicSendResponse, events.SendResponse{
		SessionID: "routed", Text: "Your order ships tomorrow.", Kind: events.ResponseAnswer,
	})

	now = start.Add(30 * time.Second)
	assert.Equal(t, 0, h.coord.SweepTimeouts(context.Background()))

	now = start.Add(2 * time.Minute)
	assert.Equal(t, 1, h.coord.SweepTimeouts(context.Background()))
	assert.Equal(t, 0, h.coord.SweepTimeouts(context.Background()), "already escalated")

	s := h.session("waiting")
	assert.Equal(t, session.StatusEscalated, s.Status)
	assert.Equal(t, ReasonAgentTimeout, s.EscalationReason)
	assert.Equal(t, session.StatusActive, h.session("routed").Status)

	esc := h.events(events.TopicEscalate)
	require.Len(t, esc, 1)
	assert.Equal(t, "sentiment", esc[0].Payload.(events.Escalate).Details["awaiting"])
	assert.Equal(t, uint64(1), h.coord.Stats().Timeouts)
}

func TestSweepTimeouts_UnansweredBusinessTask(t *testing.T) {
	h := newHarness(t, Config{ResultTimeout: time.Minute})

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := start
	h.coord.SetClock(func() time.Time { return now })

	// Nothing subscribes a returns responder in this harness.
	h.userMessage("s1", "I want to return my laptop")
	h.sentiment("s1", session.SentimentNeutral, 0.9, 1)
	h.intent("s1", "process_return", 0.95, nil, 1)
	require.Len(t, h.events(events.TopicHandleReturns), 1)
	assert.Equal(t, session.StageBusiness, h.session("s1").Awaiting)

	now = start.Add(2 * time.Minute)
	assert.Equal(t, 1, h.coord.SweepTimeouts(context.Background()))

	s := h.session("s1")
	assert.Equal(t, session.StatusEscalated, s.Status)
	assert.Equal(t, ReasonAgentTimeout, s.EscalationReason)

	esc := h.events(events.TopicEscalate)
	require.Len(t, esc, 1)
	assert.Equal(t, "business", esc[0].Payload.(events.Escalate).Details["awaiting"])
}

func TestReplyClearsBusinessStage(t *testing.T) {
	h := newHarness(t, Config{})

	h.userMessage("s1", "where is my order")
	h.sentiment("s1", session.SentimentNeutral, 0.9, 1)
	h.intent("s1", "track_order", 0.9, nil, 1)

	// A reply for a session that is not waiting on a business agent changes nothing.
	h.publish(events.TopicSendResponse, events.SendResponse{
		SessionID: "other", Text: "hello", Kind: events.ResponseAnswer,
	})

	h.publish(events.TopicSendResponse, events.SendResponse{
		SessionID: "s1", Text: "It ships tomorrow.", Kind: events.ResponseAnswer,
	})

	s := h.session("s1")
	assert.Equal(t, session.StageNone, s.Awaiting)
	assert.True(t, s.AwaitingSince.IsZero())
	assert.Equal(t, session.StatusActive, s.Status)
	assert.Zero(t, h.bus.Stats().DeliveryErrors)
}

func TestRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	c := New(bus.New(nil), session.NewStore(nil), Config{SweepInterval: time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConcurrentConversationsDoNotInterfere(t *testing.T) {
	h := newHarness(t, Config{})

	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	var wg sync.WaitGroup
	wg.Add(len(ids))
	for _, id := range ids {
		go func(id string) {
			defer wg.Done()
			h.userMessage(id, "where is my order")
			h.sentiment(id, session.SentimentNeutral, 0.9, 1)
			h.intent(id, "track_order", 0.9, nil, 1)
		}(id)
	}
	wg.Wait()

	assert.Len(t, h.events(events.TopicHandleOrderTracking), len(ids))
	for _, id := range ids {
		assert.Equal(t, "track_order", h.session(id).CurrentIntent)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.InDelta(t, 0.7, cfg.IntentConfidenceThreshold, 1e-9)
	assert.Equal(t, events.TopicHandleReturns, cfg.Routes["process_return"])
	assert.Equal(t, events.TopicHandleOrderTracking, cfg.Routes["track_order"])
	assert.Equal(t, DefaultResultTimeout, cfg.ResultTimeout)
}
