// ABOUTME: SQLite implementation of TranscriptStore using modernc.org/sqlite
// ABOUTME: Handles connection setup, schema creation, migrations, and transcript CRUD

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat keeps sub-second precision so ORDER BY on text columns is stable.
const timeFormat = time.RFC3339Nano

// SQLiteStore implements TranscriptStore using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS transcripts (
			session_id        TEXT PRIMARY KEY,
			final_status      TEXT NOT NULL,
			escalation_reason TEXT,
			final_sentiment   TEXT,
			final_intent      TEXT,
			message_count     INTEGER NOT NULL,
			started_at        TEXT NOT NULL,
			ended_at          TEXT NOT NULL,

			CHECK (final_status IN ('RESOLVED_BY_AGENT', 'ESCALATED_TO_HUMAN'))
		);

		CREATE INDEX IF NOT EXISTS idx_transcripts_ended ON transcripts(ended_at DESC);

		CREATE TABLE IF NOT EXISTS transcript_messages (
			session_id TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			sender     TEXT NOT NULL,
			agent      TEXT,
			text       TEXT NOT NULL,
			sentiment  TEXT,
			intent     TEXT,
			ts         TEXT NOT NULL,

			PRIMARY KEY (session_id, seq),
			FOREIGN KEY (session_id) REFERENCES transcripts(session_id) ON DELETE CASCADE,
			CHECK (sender IN ('USER', 'AGENT'))
		);

		CREATE TABLE IF NOT EXISTS audit_events (
			event_id       TEXT PRIMARY KEY,
			topic          TEXT NOT NULL,
			correlation_id TEXT,
			payload_json   TEXT,
			emitted_at     TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_audit_correlation ON audit_events(correlation_id, emitted_at);
		CREATE INDEX IF NOT EXISTS idx_audit_topic ON audit_events(topic);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string
		apply  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('transcripts') WHERE name = 'customer_email'`,
			apply:  `ALTER TABLE transcripts ADD COLUMN customer_email TEXT`,
			column: "customer_email",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('transcripts') WHERE name = 'entities_json'`,
			apply:  `ALTER TABLE transcripts ADD COLUMN entities_json TEXT`,
			column: "entities_json",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking column %s: %w", m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding column %s: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isUniqueViolation checks if the error is a SQLite UNIQUE constraint violation
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// nullString converts empty strings to NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// SaveTranscript writes a transcript and its messages in one transaction.
// Returns ErrDuplicateTranscript if the session was already saved.
func (s *SQLiteStore) SaveTranscript(ctx context.Context, t *Transcript) error {
	var entitiesJSON any
	if len(t.Entities) > 0 {
		data, err := json.Marshal(t.Entities)
		if err != nil {
			return fmt.Errorf("marshaling entities: %w", err)
		}
		entitiesJSON = string(data)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transcripts (session_id, customer_email, final_status, escalation_reason,
			final_sentiment, final_intent, entities_json, message_count, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.SessionID,
		nullString(t.CustomerEmail),
		t.FinalStatus,
		nullString(t.EscalationReason),
		nullString(t.FinalSentiment),
		nullString(t.FinalIntent),
		entitiesJSON,
		t.MessageCount,
		t.StartedAt.UTC().Format(timeFormat),
		t.EndedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateTranscript
		}
		return fmt.Errorf("inserting transcript: %w", err)
	}

	for _, m := range t.Messages {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO transcript_messages (session_id, seq, sender, agent, text, sentiment, intent, ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			t.SessionID,
			m.Seq,
			m.Sender,
			nullString(m.Agent),
			m.Text,
			nullString(m.Sentiment),
			nullString(m.Intent),
			m.Timestamp.UTC().Format(timeFormat),
		)
		if err != nil {
			return fmt.Errorf("inserting transcript message %d: %w", m.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transcript: %w", err)
	}

	s.logger.Debug("saved transcript",
		"session_id", t.SessionID,
		"final_status", t.FinalStatus,
		"messages", len(t.Messages))
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const transcriptColumns = `session_id, customer_email, final_status, escalation_reason,
	final_sentiment, final_intent, entities_json, message_count, started_at, ended_at`

func scanTranscript(row rowScanner) (*Transcript, error) {
	var t Transcript
	var email, reason, sentiment, intent, entitiesJSON sql.NullString
	var startedAt, endedAt string

	if err := row.Scan(
		&t.SessionID,
		&email,
		&t.FinalStatus,
		&reason,
		&sentiment,
		&intent,
		&entitiesJSON,
		&t.MessageCount,
		&startedAt,
		&endedAt,
	); err != nil {
		return nil, err
	}

	t.CustomerEmail = email.String
	t.EscalationReason = reason.String
	t.FinalSentiment = sentiment.String
	t.FinalIntent = intent.String

	if entitiesJSON.Valid {
		if err := json.Unmarshal([]byte(entitiesJSON.String), &t.Entities); err != nil {
			return nil, fmt.Errorf("unmarshaling entities: %w", err)
		}
	}

	var err error
	if t.StartedAt, err = time.Parse(timeFormat, startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if t.EndedAt, err = time.Parse(timeFormat, endedAt); err != nil {
		return nil, fmt.Errorf("parsing ended_at: %w", err)
	}
	return &t, nil
}

// GetTranscript retrieves a transcript with its messages.
// Returns ErrNotFound if the session has no transcript.
func (s *SQLiteStore) GetTranscript(ctx context.Context, sessionID string) (*Transcript, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transcriptColumns+` FROM transcripts WHERE session_id = ?`, sessionID)

	t, err := scanTranscript(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying transcript: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, sender, agent, text, sentiment, intent, ts
		FROM transcript_messages
		WHERE session_id = ?
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying transcript messages: %w", err)
	}
	defer rows.Close()

	t.Messages = make([]TranscriptMessage, 0, t.MessageCount)
	for rows.Next() {
		var m TranscriptMessage
		var agent, sentiment, intent sql.NullString
		var ts string
		if err := rows.Scan(&m.Seq, &m.Sender, &agent, &m.Text, &sentiment, &intent, &ts); err != nil {
			return nil, fmt.Errorf("scanning transcript message: %w", err)
		}
		m.Agent = agent.String
		m.Sentiment = sentiment.String
		m.Intent = intent.String
		if m.Timestamp, err = time.Parse(timeFormat, ts); err != nil {
			return nil, fmt.Errorf("parsing message timestamp: %w", err)
		}
		t.Messages = append(t.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transcript messages: %w", err)
	}

	return t, nil
}

// ListTranscripts returns the most recently ended transcripts first,
// without their messages.
func (s *SQLiteStore) ListTranscripts(ctx context.Context, limit int) ([]*Transcript, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transcriptColumns+` FROM transcripts ORDER BY ended_at DESC LIMIT ?`,
		normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying transcripts: %w", err)
	}
	defer rows.Close()

	var out []*Transcript
	for rows.Next() {
		t, err := scanTranscript(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning transcript: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transcripts: %w", err)
	}
	return out, nil
}
