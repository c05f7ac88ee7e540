// ABOUTME: Audit log of bus events written by the transcription listener
// ABOUTME: Write-only during operation; listed for debugging and the transcripts API

package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AppendAuditEvent appends an event to the audit log.
// Generates ID and EmittedAt if not set. Re-appending an event ID is a no-op.
func (s *SQLiteStore) AppendAuditEvent(ctx context.Context, e *AuditEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.EmittedAt.IsZero() {
		e.EmittedAt = time.Now().UTC()
	}

	var payload any
	if len(e.Payload) > 0 {
		payload = string(e.Payload)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO audit_events (event_id, topic, correlation_id, payload_json, emitted_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		e.ID,
		e.Topic,
		nullString(e.CorrelationID),
		payload,
		e.EmittedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns audit events in emission order.
func (s *SQLiteStore) ListAuditEvents(ctx context.Context, f AuditFilter) ([]*AuditEvent, error) {
	var where []string
	var args []any
	if f.CorrelationID != "" {
		where = append(where, "correlation_id = ?")
		args = append(args, f.CorrelationID)
	}
	if f.Topic != "" {
		where = append(where, "topic = ?")
		args = append(args, f.Topic)
	}

	query := `SELECT event_id, topic, correlation_id, payload_json, emitted_at FROM audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY emitted_at ASC, rowid ASC LIMIT ?"
	args = append(args, normalizeLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer rows.Close()

	var out []*AuditEvent
	for rows.Next() {
		var e AuditEvent
		var corr, payload *string
		var emittedAt string
		if err := rows.Scan(&e.ID, &e.Topic, &corr, &payload, &emittedAt); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		if corr != nil {
			e.CorrelationID = *corr
		}
		if payload != nil {
			e.Payload = []byte(*payload)
		}
		if e.EmittedAt, err = time.Parse(timeFormat, emittedAt); err != nil {
			return nil, fmt.Errorf("parsing emitted_at: %w", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit events: %w", err)
	}
	return out, nil
}
