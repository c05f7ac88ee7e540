// ABOUTME: Tests for the Prometheus collector and HTTP instrumentation
// ABOUTME: Uses fake stat sources and inspects gathered metric families

package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-concierge/internal/agents"
	"github.com/2389/coven-concierge/internal/bus"
	"github.com/2389/coven-concierge/internal/coordinator"
	"github.com/2389/coven-concierge/internal/events"
	"github.com/2389/coven-concierge/internal/session"
)

type fakeCoordinator struct{ st coordinator.Stats }

func (f fakeCoordinator) Stats() coordinator.Stats { return f.st }

type fakeSessions struct{ st session.StoreStats }

func (f fakeSessions) Stats() session.StoreStats { return f.st }

type fakeEscalation struct{ st agents.EscalationStats }

func (f fakeEscalation) Stats() agents.EscalationStats { return f.st }

type fakeTranscriber struct{ st agents.TranscriberStats }

func (f fakeTranscriber) Stats() agents.TranscriberStats { return f.st }

// metricValue finds the sample of family name whose labels include want.
func metricValue(t *testing.T, g prometheus.Gatherer, name string, want map[string]string) float64 {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if hasLabels(m, want) {
				return sampleValue(m)
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, want)
	return 0
}

func hasLabels(m *dto.Metric, want map[string]string) bool {
	got := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func sampleValue(m *dto.Metric) float64 {
	switch {
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	case m.GetHistogram() != nil:
		return float64(m.GetHistogram().GetSampleCount())
	}
	return 0
}

func TestCollector_BusStatsPerTopic(t *testing.T) {
	b := bus.New(nil)
	b.Subscribe(events.TopicConversationEnd, "ok", func(context.Context, events.Event) error { return nil })
	b.Subscribe(events.TopicConversationEnd, "broken", func(context.Context, events.Event) error { panic("boom") })

	ctx := context.Background()
	_, err := b.Publish(ctx, events.TopicConversationEnd, "s1", events.ConversationEnd{SessionID: "s1"})
	require.NoError(t, err)
	_, err = b.Publish(ctx, events.TopicConversationEnd, "s1", events.NewUserMessage{SessionID: "s1", Text: "wrong type"})
	require.Error(t, err)

	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(Sources{Bus: b}))

	topic := map[string]string{"topic": string(events.TopicConversationEnd)}
	assert.Equal(t, 1.0, metricValue(t, reg, "concierge_bus_published_total", topic))
	assert.Equal(t, 1.0, metricValue(t, reg, "concierge_bus_delivered_total", topic))
	assert.Equal(t, 1.0, metricValue(t, reg, "concierge_bus_delivery_errors_total", topic))
	assert.Equal(t, 1.0, metricValue(t, reg, "concierge_bus_rejected_total", topic))
}

func TestCollector_ComponentStats(t *testing.T) {
	src := Sources{
		Coordinator: fakeCoordinator{st: coordinator.Stats{
			MessagesIngested: 7,
			SentimentPassed:  5,
			Routed:           3,
			RoutedByTopic:    map[events.Topic]uint64{events.TopicHandleReturns: 3},
			Escalations:      map[string]uint64{"angry_customer": 2, "low_confidence_intent": 1},
			DuplicateSignals: 4,
			Timeouts:         1,
		}},
		Sessions:    fakeSessions{st: session.StoreStats{Total: 6, Active: 4, Escalated: 2}},
		Escalation:  fakeEscalation{st: agents.EscalationStats{Queued: 2, Assigned: 1, Duplicates: 3}},
		Transcriber: fakeTranscriber{st: agents.TranscriberStats{EventsAudited: 40, TranscriptsSaved: 2, DuplicateEnds: 1, ReusedSessionIDs: 1}},
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(src))

	none := map[string]string{}
	assert.Equal(t, 7.0, metricValue(t, reg, "concierge_coordinator_messages_ingested_total", none))
	assert.Equal(t, 5.0, metricValue(t, reg, "concierge_coordinator_sentiment_passed_total", none))
	assert.Equal(t, 3.0, metricValue(t, reg, "concierge_coordinator_routed_total",
		map[string]string{"topic": string(events.TopicHandleReturns)}))
	assert.Equal(t, 2.0, metricValue(t, reg, "concierge_coordinator_escalations_total",
		map[string]string{"reason": "angry_customer"}))
	assert.Equal(t, 4.0, metricValue(t, reg, "concierge_coordinator_duplicate_signals_total", none))
	assert.Equal(t, 1.0, metricValue(t, reg, "concierge_coordinator_timeouts_total", none))

	assert.Equal(t, 4.0, metricValue(t, reg, "concierge_sessions_current", map[string]string{"status": "ACTIVE"}))
	assert.Equal(t, 2.0, metricValue(t, reg, "concierge_sessions_current", map[string]string{"status": "ESCALATED"}))

	assert.Equal(t, 2.0, metricValue(t, reg, "concierge_escalation_queue_depth", none))
	assert.Equal(t, 3.0, metricValue(t, reg, "concierge_escalation_duplicates_total", none))
	assert.Equal(t, 40.0, metricValue(t, reg, "concierge_transcription_events_audited_total", none))
	assert.Equal(t, 2.0, metricValue(t, reg, "concierge_transcription_transcripts_saved_total", none))
	assert.Equal(t, 1.0, metricValue(t, reg, "concierge_transcription_reused_session_ids_total", none))
}

func TestCollector_NilSourcesEmitNothing(t *testing.T) {
	assert.Equal(t, 0, testutil.CollectAndCount(NewCollector(Sources{})))
}

func TestCollector_NoSessionLabels(t *testing.T) {
	forbidden := []string{"session_id", "ticket_id", "correlation_id"}

	descCh := make(chan *prometheus.Desc, 32)
	NewCollector(Sources{}).Describe(descCh)
	close(descCh)
	for desc := range descCh {
		s := strings.ToLower(desc.String())
		for _, bad := range forbidden {
			assert.NotContains(t, s, bad)
		}
	}
}

func TestRegistry_HandlerServesExposition(t *testing.T) {
	reg := NewRegistry(Sources{
		Coordinator: fakeCoordinator{st: coordinator.Stats{MessagesIngested: 2}},
	})

	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "concierge_coordinator_messages_ingested_total 2")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestRegistry_Instrument(t *testing.T) {
	reg := NewRegistry(Sources{})
	h := reg.Instrument("/api/things/{id}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("missing") != "" {
			http.Error(w, "nope", http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))

	for _, target := range []string{"/api/things/1", "/api/things/2", "/api/things/3?missing=1"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, target, nil))
	}

	g := reg.Gatherer()
	assert.Equal(t, 2.0, metricValue(t, g, "concierge_http_requests_total",
		map[string]string{"route": "/api/things/{id}", "code": "200"}))
	assert.Equal(t, 1.0, metricValue(t, g, "concierge_http_requests_total",
		map[string]string{"route": "/api/things/{id}", "code": "404"}))
	assert.Equal(t, 3.0, metricValue(t, g, "concierge_http_request_duration_seconds",
		map[string]string{"route": "/api/things/{id}"}))
}

func TestRegistry_ObserveRequest(t *testing.T) {
	reg := NewRegistry(Sources{})
	reg.ObserveRequest("/health", http.StatusOK, 5*time.Millisecond)
	assert.Equal(t, 1.0, metricValue(t, reg.Gatherer(), "concierge_http_requests_total",
		map[string]string{"route": "/health", "code": "200"}))
}
