// Package store persists finished conversations and the bus audit log.
//
// # Architecture
//
// TranscriptStore is the only interface. SQLiteStore implements it on
// modernc.org/sqlite (pure Go, no cgo); MockStore is an in-memory
// implementation for tests.
//
// # Data Models
//
//   - Transcript: header record of a finished conversation, including its
//     final status (RESOLVED_BY_AGENT or ESCALATED_TO_HUMAN)
//   - TranscriptMessage: one USER or AGENT line, ordered by sequence number
//   - AuditEvent: one bus event with its JSON payload
//
// Transcripts are written once, at conversation end. The audit log is
// append-only and is never replayed into the bus.
//
// # Schema
//
// Tables are created on open and columns added since the first release are
// applied as idempotent migrations:
//
//	transcripts          (session_id PK, final_status, ...)
//	transcript_messages  (session_id FK, seq, sender, text, ...)
//	audit_events         (event_id PK, topic, correlation_id, payload_json, emitted_at)
//
// # Rendering
//
// Transcript.Markdown renders a transcript as CommonMark for operators.
package store
