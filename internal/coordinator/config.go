// ABOUTME: Coordinator policy: confidence threshold, routing table, timeouts
// ABOUTME: Zero values fall back to the production defaults

package coordinator

import (
	"maps"
	"time"

	"github.com/2389/coven-concierge/internal/events"
)

// Default policy values
const (
	DefaultIntentConfidenceThreshold = 0.7
	DefaultResultTimeout             = 30 * time.Second
	DefaultSweepInterval             = 5 * time.Second
)

// Config holds the coordinator's gating policy.
type Config struct {
	// IntentConfidenceThreshold is the minimum intent confidence that is
	// routed automatically. Lower scores escalate.
	IntentConfidenceThreshold float64

	// Routes maps an intent to the task topic of its business agent.
	Routes map[string]events.Topic

	// ResultTimeout is how long a session may wait for a sentiment or intent
	// result before it is escalated.
	ResultTimeout time.Duration

	// SweepInterval is how often Run checks for timed out sessions.
	SweepInterval time.Duration
}

// DefaultRoutes returns the static intent routing table.
func DefaultRoutes() map[string]events.Topic {
	return map[string]events.Topic{
		"track_order":     events.TopicHandleOrderTracking,
		"process_return":  events.TopicHandleReturns,
		"general_inquiry": events.TopicHandleGeneralInquiry,
		"account_issues":  events.TopicHandleAccount,
	}
}

// DefaultConfig returns the production policy.
func DefaultConfig() Config {
	return Config{}.WithDefaults()
}

// WithDefaults returns c with zero fields replaced by their defaults.
func (c Config) WithDefaults() Config {
	if c.IntentConfidenceThreshold <= 0 {
		c.IntentConfidenceThreshold = DefaultIntentConfidenceThreshold
	}
	if c.Routes == nil {
		c.Routes = DefaultRoutes()
	} else {
		c.Routes = maps.Clone(c.Routes)
	}
	if c.ResultTimeout <= 0 {
		c.ResultTimeout = DefaultResultTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}
