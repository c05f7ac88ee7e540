// ABOUTME: HTTP API handlers for the customer-facing front door and operator views
// ABOUTME: Publishes inbound messages on the bus and exposes sessions, transcripts and stats

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"

	"github.com/2389/coven-concierge/internal/agents"
	"github.com/2389/coven-concierge/internal/bus"
	"github.com/2389/coven-concierge/internal/coordinator"
	"github.com/2389/coven-concierge/internal/events"
	"github.com/2389/coven-concierge/internal/session"
	"github.com/2389/coven-concierge/internal/store"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 64 << 10

// SendMessageRequest is the JSON body for POST /api/messages
type SendMessageRequest struct {
	SessionID     string `json:"session_id,omitempty"`
	Text          string `json:"text"`
	CustomerEmail string `json:"customer_email,omitempty"`
}

// Reply is one message delivered to the user.
type Reply struct {
	Text  string              `json:"text"`
	Agent string              `json:"agent,omitempty"`
	Kind  events.ResponseKind `json:"kind"`
}

// SendMessageResponse is returned by POST /api/messages
type SendMessageResponse struct {
	SessionID string         `json:"session_id"`
	Status    session.Status `json:"status"`
	Replies   []Reply        `json:"replies"`
}

// EndSessionRequest is the optional JSON body for POST /api/sessions/{id}/end
type EndSessionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// EndSessionResponse is returned by POST /api/sessions/{id}/end
type EndSessionResponse struct {
	SessionID    string `json:"session_id"`
	Saved        bool   `json:"saved"`
	FinalStatus  string `json:"final_status,omitempty"`
	MessageCount int    `json:"message_count,omitempty"`
}

// TranscriptMessageResponse is one line of a transcript
type TranscriptMessageResponse struct {
	Seq       uint64    `json:"seq"`
	Sender    string    `json:"sender"`
	Agent     string    `json:"agent,omitempty"`
	Text      string    `json:"text"`
	Sentiment string    `json:"sentiment,omitempty"`
	Intent    string    `json:"intent,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TranscriptResponse is the JSON form of a stored transcript
type TranscriptResponse struct {
	SessionID        string                      `json:"session_id"`
	CustomerEmail    string                      `json:"customer_email,omitempty"`
	FinalStatus      string                      `json:"final_status"`
	EscalationReason string                      `json:"escalation_reason,omitempty"`
	FinalSentiment   string                      `json:"final_sentiment,omitempty"`
	FinalIntent      string                      `json:"final_intent,omitempty"`
	Entities         map[string]any              `json:"entities,omitempty"`
	MessageCount     int                         `json:"message_count"`
	StartedAt        time.Time                   `json:"started_at"`
	EndedAt          time.Time                   `json:"ended_at"`
	Messages         []TranscriptMessageResponse `json:"messages,omitempty"`
}

// AuditEventResponse is one audited bus event
type AuditEventResponse struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	EmittedAt time.Time       `json:"emitted_at"`
}

// AssignRequest is the JSON body for POST /api/escalations/assign
type AssignRequest struct {
	OperatorID string `json:"operator_id"`
}

// StatsResponse aggregates component counters for GET /api/stats
type StatsResponse struct {
	Bus         bus.Stats                `json:"bus"`
	Coordinator coordinator.Stats        `json:"coordinator"`
	Sessions    session.StoreStats       `json:"sessions"`
	Escalation  *agents.EscalationStats  `json:"escalation,omitempty"`
	Transcriber *agents.TranscriberStats `json:"transcription,omitempty"`
	Subscribers map[events.Topic]int     `json:"subscribers"`
	GeneratedAt time.Time                `json:"generated_at"`
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleSendMessage accepts one user message and returns the replies it
// produced.
//
// The bus is synchronous: by the time Publish returns, the coordinator and
// every agent downstream of it have run, so replies are collected with a
// temporary subscription scoped to this request's session.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	req, err := parseSendRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}

	ended, err := g.sessionEnded(r.Context(), req.SessionID)
	if err != nil {
		g.logger.Error("failed to look up session", "session_id", req.SessionID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if ended {
		g.sendJSONError(w, http.StatusConflict, "session has ended")
		return
	}

	var (
		mu      sync.Mutex
		replies = make([]Reply, 0, 1)
	)
	sub := g.bus.Subscribe(events.TopicSendResponse, "http:"+req.SessionID, func(_ context.Context, ev events.Event) error {
		p, ok := ev.Payload.(events.SendResponse)
		if !ok || p.SessionID != req.SessionID {
			return nil
		}
		mu.Lock()
		replies = append(replies, Reply{Text: p.Text, Agent: p.Agent, Kind: p.Kind})
		mu.Unlock()
		return nil
	})
	defer g.bus.Unsubscribe(sub)

	_, err = g.bus.Publish(r.Context(), events.TopicNewUserMessage, req.SessionID, events.NewUserMessage{
		SessionID:     req.SessionID,
		Text:          req.Text,
		CustomerEmail: req.CustomerEmail,
	})
	if errors.Is(err, events.ErrInvalidPayload) {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		g.logger.Error("failed to publish user message", "session_id", req.SessionID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := SendMessageResponse{SessionID: req.SessionID, Status: session.StatusActive}
	if s, err := g.sessions.Snapshot(req.SessionID); err == nil {
		resp.Status = s.Status
	}
	mu.Lock()
	resp.Replies = replies
	mu.Unlock()

	g.writeJSON(w, http.StatusOK, resp)
}

// sessionEnded reports whether id names a finished conversation: one still
// being transcribed, or one whose transcript is already stored. A session id
// is never reused for a second conversation.
func (g *Gateway) sessionEnded(ctx context.Context, id string) (bool, error) {
	if s, err := g.sessions.Snapshot(id); err == nil {
		return s.Status == session.StatusEnded, nil
	}
	_, err := g.store.GetTranscript(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// parseSendRequest parses and validates a SendMessageRequest from the given reader.
func parseSendRequest(r io.Reader) (*SendMessageRequest, error) {
	var req SendMessageRequest
	if err := json.NewDecoder(io.LimitReader(r, maxBodyBytes)).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}

	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return nil, errors.New("text is required")
	}

	return &req, nil
}

// handleListSessions returns the ids of the sessions held in memory.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{
		"sessions": g.sessions.IDs(),
		"stats":    g.sessions.Stats(),
	})
}

// handleGetSession returns a snapshot of a live session.
func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s, err := g.sessions.Snapshot(r.PathValue("id"))
	if errors.Is(err, session.ErrSessionNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to read session", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, http.StatusOK, s)
}

// handleEndSession publishes CONVERSATION_END for a live session.
// Responds 200 with the transcript summary when it was persisted, or 202 when
// the end was published but no transcript is available yet.
func (g *Gateway) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req EndSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "customer_closed"
	}

	if _, err := g.sessions.Snapshot(id); errors.Is(err, session.ErrSessionNotFound) {
		if t, terr := g.store.GetTranscript(r.Context(), id); terr == nil {
			g.writeJSON(w, http.StatusOK, EndSessionResponse{
				SessionID:    id,
				Saved:        true,
				FinalStatus:  t.FinalStatus,
				MessageCount: t.MessageCount,
			})
			return
		}
		g.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}

	_, err := g.bus.Publish(r.Context(), events.TopicConversationEnd, id, events.ConversationEnd{
		SessionID: id,
		Reason:    req.Reason,
	})
	if err != nil {
		g.logger.Error("failed to publish conversation end", "session_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	// The session is deleted only once its own transcript is stored.
	if _, err := g.sessions.Snapshot(id); err == nil {
		g.writeJSON(w, http.StatusAccepted, EndSessionResponse{SessionID: id})
		return
	}

	t, err := g.store.GetTranscript(r.Context(), id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			g.logger.Error("failed to read transcript", "session_id", id, "error", err)
		}
		g.writeJSON(w, http.StatusAccepted, EndSessionResponse{SessionID: id})
		return
	}

	g.writeJSON(w, http.StatusOK, EndSessionResponse{
		SessionID:    id,
		Saved:        true,
		FinalStatus:  t.FinalStatus,
		MessageCount: t.MessageCount,
	})
}

// handleListTranscripts returns the most recently ended conversations.
func (g *Gateway) handleListTranscripts(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	ts, err := g.store.ListTranscripts(r.Context(), limit)
	if err != nil {
		g.logger.Error("failed to list transcripts", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]TranscriptResponse, 0, len(ts))
	for _, t := range ts {
		out = append(out, transcriptToResponse(t))
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"transcripts": out})
}

// handleGetTranscript returns one transcript as JSON, markdown or HTML.
// The format comes from ?format= or, failing that, the Accept header.
func (g *Gateway) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	t, err := g.store.GetTranscript(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "transcript not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to read transcript", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	switch transcriptFormat(r) {
	case "markdown":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = io.WriteString(w, t.Markdown())
	case "html":
		g.writeTranscriptHTML(w, t)
	default:
		g.writeJSON(w, http.StatusOK, transcriptToResponse(t))
	}
}

func transcriptFormat(r *http.Request) string {
	if f := r.URL.Query().Get("format"); f != "" {
		switch f {
		case "md", "markdown":
			return "markdown"
		case "html":
			return "html"
		}
		return "json"
	}
	accept := r.Header.Get("Accept")
	switch {
	case strings.Contains(accept, "text/html"):
		return "html"
	case strings.Contains(accept, "text/markdown"):
		return "markdown"
	}
	return "json"
}

var transcriptPage = template.Must(template.New("transcript").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Transcript {{.ID}}</title>
</head>
<body>
<main class="transcript">
{{.Body}}
</main>
</body>
</html>
`))

// writeTranscriptHTML renders the markdown transcript through goldmark.
// Raw HTML in customer text is dropped by goldmark's default renderer.
func (g *Gateway) writeTranscriptHTML(w http.ResponseWriter, t *store.Transcript) {
	var body bytes.Buffer
	if err := goldmark.Convert([]byte(t.Markdown()), &body); err != nil {
		g.logger.Error("failed to convert markdown", "session_id", t.SessionID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to render transcript")
		return
	}

	var page bytes.Buffer
	if err := transcriptPage.Execute(&page, struct {
		ID   string
		Body template.HTML
	}{ID: t.SessionID, Body: template.HTML(body.String())}); err != nil {
		g.logger.Error("failed to render transcript page", "session_id", t.SessionID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to render transcript")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page.Bytes())
}

// handleTranscriptEvents returns the audit log for one conversation.
func (g *Gateway) handleTranscriptEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	evs, err := g.store.ListAuditEvents(r.Context(), store.AuditFilter{
		CorrelationID: r.PathValue("id"),
		Topic:         r.URL.Query().Get("topic"),
		Limit:         limit,
	})
	if err != nil {
		g.logger.Error("failed to list audit events", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]AuditEventResponse, 0, len(evs))
	for _, e := range evs {
		out = append(out, AuditEventResponse{
			ID:        e.ID,
			Topic:     e.Topic,
			Payload:   json.RawMessage(e.Payload),
			EmittedAt: e.EmittedAt,
		})
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

// handleListEscalations returns the operator queue.
func (g *Gateway) handleListEscalations(w http.ResponseWriter, r *http.Request) {
	if g.escalation == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "escalation agent disabled")
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"queue": g.escalation.Queue()})
}

// handleAssignEscalation hands the oldest waiting ticket to an operator.
func (g *Gateway) handleAssignEscalation(w http.ResponseWriter, r *http.Request) {
	if g.escalation == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "escalation agent disabled")
		return
	}

	var req AssignRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.OperatorID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "operator_id is required")
		return
	}

	ticket, ok := g.escalation.AssignNext(req.OperatorID)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	g.writeJSON(w, http.StatusOK, ticket)
}

// handleStats aggregates counters from every component.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Bus:         g.bus.Stats(),
		Coordinator: g.coordinator.Stats(),
		Sessions:    g.sessions.Stats(),
		Subscribers: make(map[events.Topic]int),
		GeneratedAt: time.Now().UTC(),
	}
	for _, topic := range g.bus.Topics() {
		resp.Subscribers[topic] = g.bus.SubscriberCount(topic)
	}
	if g.escalation != nil {
		st := g.escalation.Stats()
		resp.Escalation = &st
	}
	if g.transcriber != nil {
		st := g.transcriber.Stats()
		resp.Transcriber = &st
	}
	g.writeJSON(w, http.StatusOK, resp)
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

func transcriptToResponse(t *store.Transcript) TranscriptResponse {
	resp := TranscriptResponse{
		SessionID:        t.SessionID,
		CustomerEmail:    t.CustomerEmail,
		FinalStatus:      t.FinalStatus,
		EscalationReason: t.EscalationReason,
		FinalSentiment:   t.FinalSentiment,
		FinalIntent:      t.FinalIntent,
		Entities:         t.Entities,
		MessageCount:     t.MessageCount,
		StartedAt:        t.StartedAt,
		EndedAt:          t.EndedAt,
	}
	for _, m := range t.Messages {
		resp.Messages = append(resp.Messages, TranscriptMessageResponse{
			Seq:       m.Seq,
			Sender:    m.Sender,
			Agent:     m.Agent,
			Text:      m.Text,
			Sentiment: m.Sentiment,
			Intent:    m.Intent,
			Timestamp: m.Timestamp,
		})
	}
	return resp
}

// writeJSON writes v as a JSON response with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
