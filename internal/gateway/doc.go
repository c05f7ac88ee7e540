// Package gateway orchestrates the coven-concierge server components.
//
// # Overview
//
// The gateway owns one event bus and everything attached to it: the context
// store, the coordinator, the in-process agents, the duplicate signal cache
// and the transcript store. It exposes an HTTP front door and runs the
// coordinator's timeout sweeper alongside the server.
//
// # Wiring
//
// New builds components in this order:
//
//  1. bus.New and session.NewStore
//  2. coordinator.New with the policy from config
//  3. agents enabled in config: transcriber, sentiment, intent, escalation,
//     then the business responders
//  4. metrics.NewRegistry when metrics are enabled
//
// Agents subscribe before the coordinator so the transcriber audits every
// event before anything reacts to it.
//
// # HTTP API
//
//   - POST /api/messages - Deliver a user message and return the replies it produced
//   - GET /api/sessions - List live session ids
//   - GET /api/sessions/{id} - Snapshot of a live session
//   - POST /api/sessions/{id}/end - Publish CONVERSATION_END
//   - GET /api/transcripts - Most recently ended conversations
//   - GET /api/transcripts/{id} - One transcript as JSON, markdown or HTML
//   - GET /api/transcripts/{id}/events - Audit log for one conversation
//   - GET /api/escalations - Operator queue
//   - POST /api/escalations/assign - Hand the oldest ticket to an operator
//   - GET /api/stats - Component counters
//   - GET /health - Liveness check
//   - GET /metrics - Prometheus exposition (path configurable)
//
// Because the bus is synchronous, POST /api/messages can answer in a single
// round trip: every reply for the message has been published by the time
// Publish returns.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Canceling ctx stops the HTTP server, detaches every component from the
// bus and closes the store.
package gateway
