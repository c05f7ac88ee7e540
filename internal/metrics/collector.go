// ABOUTME: Prometheus collector that reads bus, coordinator and agent counters at scrape time
// ABOUTME: Components keep their own stats; this package only translates them to metrics

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/2389/coven-concierge/internal/agents"
	"github.com/2389/coven-concierge/internal/bus"
	"github.com/2389/coven-concierge/internal/coordinator"
	"github.com/2389/coven-concierge/internal/session"
)

const namespace = "concierge"

// BusSource exposes delivery counters.
type BusSource interface {
	Stats() bus.Stats
}

// CoordinatorSource exposes gate outcome counters.
type CoordinatorSource interface {
	Stats() coordinator.Stats
}

// SessionSource exposes live session counts.
type SessionSource interface {
	Stats() session.StoreStats
}

// EscalationSource exposes the operator queue counters.
type EscalationSource interface {
	Stats() agents.EscalationStats
}

// TranscriberSource exposes transcription counters.
type TranscriberSource interface {
	Stats() agents.TranscriberStats
}

// Sources are the components scraped by the collector. Nil sources are
// skipped.
type Sources struct {
	Bus         BusSource
	Coordinator CoordinatorSource
	Sessions    SessionSource
	Escalation  EscalationSource
	Transcriber TranscriberSource
}

// Collector implements prometheus.Collector over Sources.
type Collector struct {
	src Sources

	busPublished      *prometheus.Desc
	busDelivered      *prometheus.Desc
	busDeliveryErrors *prometheus.Desc
	busRejected       *prometheus.Desc

	messagesIngested *prometheus.Desc
	sentimentPassed  *prometheus.Desc
	routed           *prometheus.Desc
	escalations      *prometheus.Desc
	duplicates       *prometheus.Desc
	timeouts         *prometheus.Desc

	sessions *prometheus.Desc

	queueDepth       *prometheus.Desc
	ticketsAssigned  *prometheus.Desc
	escalationDupes  *prometheus.Desc
	eventsAudited    *prometheus.Desc
	auditErrors      *prometheus.Desc
	transcriptsSaved *prometheus.Desc
	duplicateEnds    *prometheus.Desc
	reusedIDs        *prometheus.Desc
}

// NewCollector creates a collector for src.
func NewCollector(src Sources) *Collector {
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
	}
	return &Collector{
		src: src,

		busPublished:      desc("bus", "published_total", "Events accepted for fan-out by topic.", "topic"),
		busDelivered:      desc("bus", "delivered_total", "Successful handler invocations by topic.", "topic"),
		busDeliveryErrors: desc("bus", "delivery_errors_total", "Handler errors and panics by topic.", "topic"),
		busRejected:       desc("bus", "rejected_total", "Events rejected by payload validation by topic.", "topic"),

		messagesIngested: desc("coordinator", "messages_ingested_total", "User messages recorded by the coordinator."),
		sentimentPassed:  desc("coordinator", "sentiment_passed_total", "Messages that cleared the sentiment gate."),
		routed:           desc("coordinator", "routed_total", "Conversations routed to a business agent by task topic.", "topic"),
		escalations:      desc("coordinator", "escalations_total", "Escalations by reason.", "reason"),
		duplicates:       desc("coordinator", "duplicate_signals_total", "Stale or duplicate results that were absorbed."),
		timeouts:         desc("coordinator", "timeouts_total", "Sessions escalated after waiting too long for a result."),

		sessions: desc("sessions", "current", "Sessions in the context store by status.", "status"),

		queueDepth:       desc("escalation", "queue_depth", "Tickets waiting for an operator."),
		ticketsAssigned:  desc("escalation", "assigned_total", "Tickets handed to an operator."),
		escalationDupes:  desc("escalation", "duplicates_total", "Repeated escalation signals that were absorbed."),
		eventsAudited:    desc("transcription", "events_audited_total", "Events written to the audit log."),
		auditErrors:      desc("transcription", "audit_errors_total", "Events that could not be written to the audit log."),
		transcriptsSaved: desc("transcription", "transcripts_saved_total", "Finished conversations persisted."),
		duplicateEnds:    desc("transcription", "duplicate_ends_total", "Repeated conversation end signals that were absorbed."),
		reusedIDs:        desc("transcription", "reused_session_ids_total", "Conversations not saved because their session id already has a transcript."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.busPublished, c.busDelivered, c.busDeliveryErrors, c.busRejected,
		c.messagesIngested, c.sentimentPassed, c.routed, c.escalations, c.duplicates, c.timeouts,
		c.sessions,
		c.queueDepth, c.ticketsAssigned, c.escalationDupes,
		c.eventsAudited, c.auditErrors, c.transcriptsSaved, c.duplicateEnds, c.reusedIDs,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v int, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), labels...)
	}

	if c.src.Bus != nil {
		for topic, tc := range c.src.Bus.Stats().Topics {
			t := string(topic)
			counter(c.busPublished, tc.Published, t)
			counter(c.busDelivered, tc.Delivered, t)
			counter(c.busDeliveryErrors, tc.DeliveryErrors, t)
			counter(c.busRejected, tc.Rejected, t)
		}
	}

	if c.src.Coordinator != nil {
		st := c.src.Coordinator.Stats()
		counter(c.messagesIngested, st.MessagesIngested)
		counter(c.sentimentPassed, st.SentimentPassed)
		counter(c.duplicates, st.DuplicateSignals)
		counter(c.timeouts, st.Timeouts)
		for topic, n := range st.RoutedByTopic {
			counter(c.routed, n, string(topic))
		}
		for reason, n := range st.Escalations {
			counter(c.escalations, n, reason)
		}
	}

	if c.src.Sessions != nil {
		st := c.src.Sessions.Stats()
		gauge(c.sessions, st.Active, string(session.StatusActive))
		gauge(c.sessions, st.Escalated, string(session.StatusEscalated))
		gauge(c.sessions, st.Ended, string(session.StatusEnded))
	}

	if c.src.Escalation != nil {
		st := c.src.Escalation.Stats()
		gauge(c.queueDepth, st.Queued)
		counter(c.ticketsAssigned, st.Assigned)
		counter(c.escalationDupes, st.Duplicates)
	}

	if c.src.Transcriber != nil {
		st := c.src.Transcriber.Stats()
		counter(c.eventsAudited, st.EventsAudited)
		counter(c.auditErrors, st.AuditErrors)
		counter(c.transcriptsSaved, st.TranscriptsSaved)
		counter(c.duplicateEnds, st.DuplicateEnds)
		counter(c.reusedIDs, st.ReusedSessionIDs)
	}
}
