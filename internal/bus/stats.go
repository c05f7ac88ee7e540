// ABOUTME: Delivery accounting for the bus: global and per-topic counters
// ABOUTME: Written only during dispatch, read concurrently via copies

package bus

import (
	"fmt"

	"github.com/2389/coven-concierge/internal/events"
)

// Counters are monotonically increasing delivery statistics.
type Counters struct {
	Published      uint64 `json:"published"`
	Delivered      uint64 `json:"delivered"`
	DeliveryErrors uint64 `json:"delivery_errors"`
	Rejected       uint64 `json:"rejected"`
}

// Stats is a point-in-time copy of the bus counters.
type Stats struct {
	Counters
	Topics map[events.Topic]Counters `json:"topics"`
}

// SubscriberError describes a handler that failed during dispatch.
type SubscriberError struct {
	Topic      events.Topic
	Subscriber string
	Err        error
}

func (e *SubscriberError) Error() string {
	return fmt.Sprintf("subscriber %q on %s: %v", e.Subscriber, e.Topic, e.Err)
}

func (e *SubscriberError) Unwrap() error { return e.Err }

// count applies fn to the global and topic counters under the stats lock.
func (b *Bus) count(topic events.Topic, fn func(*Counters)) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()

	fn(&b.totals)
	c, ok := b.topicStats[topic]
	if !ok {
		c = &Counters{}
		b.topicStats[topic] = c
	}
	fn(c)
}

// Stats returns a copy of the global and per-topic counters.
func (b *Bus) Stats() Stats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()

	st := Stats{
		Counters: b.totals,
		Topics:   make(map[events.Topic]Counters, len(b.topicStats)),
	}
	for t, c := range b.topicStats {
		st.Topics[t] = *c
	}
	return st
}

// TopicStats returns the counters for a single topic.
func (b *Bus) TopicStats(topic events.Topic) Counters {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()

	if c, ok := b.topicStats[topic]; ok {
		return *c
	}
	return Counters{}
}
