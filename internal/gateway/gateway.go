// ABOUTME: Gateway orchestrator that owns the bus, context store, coordinator and agents
// ABOUTME: Serves the HTTP front door and runs the timeout sweeper until shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-concierge/internal/agents"
	"github.com/2389/coven-concierge/internal/bus"
	"github.com/2389/coven-concierge/internal/config"
	"github.com/2389/coven-concierge/internal/coordinator"
	"github.com/2389/coven-concierge/internal/dedupe"
	"github.com/2389/coven-concierge/internal/metrics"
	"github.com/2389/coven-concierge/internal/session"
	"github.com/2389/coven-concierge/internal/store"
)

// component is an agent that can be attached to and detached from the bus.
type component interface {
	Start()
	Stop()
}

// Gateway orchestrates the coven-concierge components.
// One Gateway owns one bus; every component receives it by injection.
type Gateway struct {
	config      *config.Config
	bus         *bus.Bus
	sessions    *session.Store
	store       store.TranscriptStore
	coordinator *coordinator.Coordinator
	httpServer  *http.Server
	logger      *slog.Logger

	// seen absorbs repeated escalation and end signals
	seen *dedupe.Cache

	// agents are started in this order and stopped in reverse
	agents []component

	// escalation and transcriber are nil when disabled in config
	escalation  *agents.EscalationAgent
	transcriber *agents.Transcriber

	// metrics is nil when metrics are disabled
	metrics *metrics.Registry

	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore opens the SQLite transcript store at the configured path.
func initStore(cfg *config.Config) (store.TranscriptStore, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening transcript store: %w", err)
	}
	return s, nil
}

// New creates a Gateway from configuration, opening the transcript database.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	st, err := initStore(cfg)
	if err != nil {
		return nil, err
	}
	g, err := NewWithStore(cfg, st, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	return g, nil
}

// NewWithStore creates a Gateway that persists to st. On success the gateway
// takes ownership of st and closes it on shutdown.
func NewWithStore(cfg *config.Config, st store.TranscriptStore, logger *slog.Logger) (*Gateway, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if st == nil {
		return nil, errors.New("transcript store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := bus.New(logger)
	sessions := session.NewStore(logger)

	g := &Gateway{
		config:      cfg,
		bus:         b,
		sessions:    sessions,
		store:       st,
		coordinator: coordinator.New(b, sessions, cfg.CoordinatorConfig(), logger),
		seen:        dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxSize),
		logger:      logger.With("component", "gateway"),
	}

	g.registerAgents(logger)

	if cfg.Metrics.Enabled {
		src := metrics.Sources{
			Bus:         b,
			Coordinator: g.coordinator,
			Sessions:    sessions,
		}
		if g.escalation != nil {
			src.Escalation = g.escalation
		}
		if g.transcriber != nil {
			src.Transcriber = g.transcriber
		}
		g.metrics = metrics.NewRegistry(src)
	}

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	for _, a := range g.agents {
		a.Start()
	}
	g.coordinator.Start()

	g.logger.Info("gateway initialized",
		"agents", len(g.agents),
		"topics", len(b.Topics()),
		"metrics", cfg.Metrics.Enabled)

	return g, nil
}

// registerAgents builds the enabled agents. They subscribe before the
// coordinator and the transcriber goes first, so every event is audited
// before anything reacts to it.
func (g *Gateway) registerAgents(logger *slog.Logger) {
	cfg := g.config

	if cfg.AgentEnabled(agents.NameTranscription) {
		g.transcriber = agents.NewTranscriber(g.bus, g.sessions, g.store, g.seen, logger)
		g.agents = append(g.agents, g.transcriber)
	} else {
		g.logger.Warn("transcription disabled, ended sessions will not be persisted")
	}
	if cfg.AgentEnabled(agents.NameSentiment) {
		g.agents = append(g.agents, agents.NewSentimentAgent(g.bus, nil, logger))
	}
	if cfg.AgentEnabled(agents.NameIntent) {
		g.agents = append(g.agents, agents.NewIntentAgent(g.bus, nil, logger))
	}
	if cfg.AgentEnabled(agents.NameEscalation) {
		g.escalation = agents.NewEscalationAgent(g.bus, g.seen, logger)
		g.agents = append(g.agents, g.escalation)
	}
	for _, r := range agents.NewBusinessResponders(g.bus, logger) {
		if cfg.AgentEnabled(r.Name()) {
			g.agents = append(g.agents, r)
		}
	}
}

// routes builds the HTTP mux.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	handle := func(pattern string, h http.HandlerFunc) {
		if g.metrics != nil {
			mux.Handle(pattern, g.metrics.Instrument(pattern, h))
			return
		}
		mux.Handle(pattern, h)
	}

	handle("GET /health", g.handleHealth)
	handle("POST /api/messages", g.handleSendMessage)
	handle("GET /api/sessions", g.handleListSessions)
	handle("GET /api/sessions/{id}", g.handleGetSession)
	handle("POST /api/sessions/{id}/end", g.handleEndSession)
	handle("GET /api/transcripts", g.handleListTranscripts)
	handle("GET /api/transcripts/{id}", g.handleGetTranscript)
	handle("GET /api/transcripts/{id}/events", g.handleTranscriptEvents)
	handle("GET /api/escalations", g.handleListEscalations)
	handle("POST /api/escalations/assign", g.handleAssignEscalation)
	handle("GET /api/stats", g.handleStats)

	if g.metrics != nil {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
	}

	return mux
}

// Handler returns the HTTP handler. Intended for tests and embedding.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Bus returns the event bus shared by every component.
func (g *Gateway) Bus() *bus.Bus { return g.bus }

// Sessions returns the context store.
func (g *Gateway) Sessions() *session.Store { return g.sessions }

// Run listens on the configured address and serves until ctx is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	return g.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln and the coordinator's timeout sweeper
// until ctx is canceled or either fails, then shuts everything down.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	grp.Go(func() error {
		return g.coordinator.Run(gctx)
	})

	grp.Go(func() error {
		<-gctx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})

	err := grp.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, detaches every component from the bus and
// closes the store. Safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		var errs []error
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

		g.coordinator.Stop()
		for i := len(g.agents) - 1; i >= 0; i-- {
			g.agents[i].Stop()
		}
		g.seen.Close()

		errs = appendCloseError(errs, "store close", g.store.Close())

		if len(errs) > 0 {
			g.shutdownErr = fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
		}
	})
	return g.shutdownErr
}
