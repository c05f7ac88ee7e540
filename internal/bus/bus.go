// ABOUTME: Thread-safe topic-based publish/subscribe dispatcher for agents
// ABOUTME: Synchronous in-order fan-out over a snapshot with failure isolation and stats

package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-concierge/internal/events"
)

// Handler processes one event. Returning an error or panicking counts as a
// delivery failure; neither affects other subscribers or the publisher.
type Handler func(ctx context.Context, ev events.Event) error

// Subscription is the handle returned by Subscribe and accepted by
// Unsubscribe.
type Subscription struct {
	ID    string
	Topic events.Topic
	Name  string
}

// subscriber is a registered handler. removed is checked right before
// invocation so a handler unsubscribed mid fan-out is not called.
type subscriber struct {
	sub     Subscription
	handler Handler
	removed atomic.Bool
}

// Bus routes events from publishers to every handler subscribed to the
// event's topic. One Bus serves all agents of a process; it is constructed
// explicitly and passed to each component.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[events.Topic][]*subscriber
	byID        map[string]*subscriber

	statsMu    sync.Mutex
	totals     Counters
	topicStats map[events.Topic]*Counters

	validate bool
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithClock sets the time source used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// WithoutValidation disables payload schema checks at publish time.
func WithoutValidation() Option {
	return func(b *Bus) { b.validate = false }
}

// New creates a Bus. Pass nil logger for default.
func New(logger *slog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		subscribers: make(map[events.Topic][]*subscriber),
		byID:        make(map[string]*subscriber),
		topicStats:  make(map[events.Topic]*Counters),
		validate:    true,
		now:         time.Now,
		logger:      logger.With("component", "bus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for topic. The topic need not have any
// publishers yet. Handlers on the same topic are notified in the order they
// subscribed. name identifies the subscriber in logs.
func (b *Bus) Subscribe(topic events.Topic, name string, handler Handler) Subscription {
	s := &subscriber{
		sub: Subscription{
			ID:    uuid.New().String(),
			Topic: topic,
			Name:  name,
		},
		handler: handler,
	}

	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], s)
	b.byID[s.sub.ID] = s
	count := len(b.subscribers[topic])
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"topic", topic,
		"subscriber", name,
		"sub_id", s.sub.ID,
		"subscribers", count)

	return s.sub
}

// Unsubscribe removes a subscription. Removing an unknown or already removed
// subscription is a no-op.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.byID[sub.ID]
	if !ok {
		return
	}
	delete(b.byID, sub.ID)
	s.removed.Store(true)

	// Copy rather than filter in place: in-flight publishes hold the old slice.
	current := b.subscribers[s.sub.Topic]
	remaining := make([]*subscriber, 0, len(current))
	for _, other := range current {
		if other != s {
			remaining = append(remaining, other)
		}
	}
	if len(remaining) == 0 {
		delete(b.subscribers, s.sub.Topic)
	} else {
		b.subscribers[s.sub.Topic] = remaining
	}

	b.logger.Debug("subscriber removed",
		"topic", s.sub.Topic,
		"subscriber", s.sub.Name,
		"sub_id", s.sub.ID)
}

// Publish delivers payload to every handler subscribed to topic at the time
// of the call and returns the number of successful deliveries. Handlers run
// synchronously on the caller's goroutine in subscription order; Publish
// returns once all of them have returned. Publishing to a topic without
// subscribers succeeds with zero deliveries.
//
// The only error is an invalid payload, in which case nothing is delivered.
func (b *Bus) Publish(ctx context.Context, topic events.Topic, correlationID string, payload events.Payload) (int, error) {
	if b.validate {
		if err := events.Validate(topic, payload); err != nil {
			b.count(topic, func(c *Counters) { c.Rejected++ })
			b.logger.Warn("rejected malformed event",
				"topic", topic,
				"correlation_id", correlationID,
				"error", err)
			return 0, err
		}
	}

	ev := events.New(topic, correlationID, payload, b.now())

	b.mu.RLock()
	targets := b.subscribers[topic]
	b.mu.RUnlock()

	b.count(topic, func(c *Counters) { c.Published++ })

	if len(targets) == 0 {
		b.logger.Debug("no subscribers for event",
			"topic", topic,
			"event_id", ev.ID)
		return 0, nil
	}

	b.logger.Debug("publishing event",
		"topic", topic,
		"event_id", ev.ID,
		"correlation_id", correlationID,
		"subscribers", len(targets))

	delivered := 0
	for _, s := range targets {
		if s.removed.Load() {
			continue
		}
		if err := b.deliver(ctx, s, ev); err != nil {
			b.count(topic, func(c *Counters) { c.DeliveryErrors++ })
			b.logger.Error("subscriber failed",
				"topic", topic,
				"subscriber", s.sub.Name,
				"sub_id", s.sub.ID,
				"event_id", ev.ID,
				"error", err)
			continue
		}
		delivered++
		b.count(topic, func(c *Counters) { c.Delivered++ })
	}

	return delivered, nil
}

// deliver invokes one handler, converting a panic into an error.
func (b *Bus) deliver(ctx context.Context, s *subscriber, ev events.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &SubscriberError{
				Topic:      ev.Topic,
				Subscriber: s.sub.Name,
				Err:        fmt.Errorf("panic: %v", r),
			}
		}
	}()

	if herr := s.handler(ctx, ev); herr != nil {
		return &SubscriberError{
			Topic:      ev.Topic,
			Subscriber: s.sub.Name,
			Err:        herr,
		}
	}
	return nil
}

// SubscriberCount returns the number of handlers subscribed to topic.
func (b *Bus) SubscriberCount(topic events.Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}

// Topics returns the topics that currently have subscribers, sorted.
func (b *Bus) Topics() []events.Topic {
	b.mu.RLock()
	topics := make([]events.Topic, 0, len(b.subscribers))
	for t := range b.subscribers {
		topics = append(topics, t)
	}
	b.mu.RUnlock()

	sort.Slice(topics, func(i, j int) bool { return topics[i] < topics[j] })
	return topics
}
