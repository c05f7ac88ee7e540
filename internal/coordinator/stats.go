// ABOUTME: Counters describing coordinator outcomes
// ABOUTME: Read via copies for the stats API and the metrics collector

package coordinator

import (
	"maps"

	"github.com/2389/coven-concierge/internal/events"
)

// Stats counts gate outcomes since the coordinator was created.
type Stats struct {
	MessagesIngested uint64                  `json:"messages_ingested"`
	SentimentPassed  uint64                  `json:"sentiment_passed"`
	Routed           uint64                  `json:"routed"`
	RoutedByTopic    map[events.Topic]uint64 `json:"routed_by_topic"`
	Escalations      map[string]uint64       `json:"escalations"`
	DuplicateSignals uint64                  `json:"duplicate_signals"`
	Timeouts         uint64                  `json:"timeouts"`
}

func newStats() Stats {
	return Stats{
		RoutedByTopic: make(map[events.Topic]uint64),
		Escalations:   make(map[string]uint64),
	}
}

// TotalEscalations sums escalations over all reasons.
func (s Stats) TotalEscalations() uint64 {
	var total uint64
	for _, n := range s.Escalations {
		total += n
	}
	return total
}

func (c *Coordinator) bump(fn func(*Stats)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.stats)
}

// Stats returns a copy of the coordinator counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.stats
	st.RoutedByTopic = maps.Clone(c.stats.RoutedByTopic)
	st.Escalations = maps.Clone(c.stats.Escalations)
	return st
}
