// ABOUTME: SQLite-backed audit trail using modernc.org/sqlite.
// ABOUTME: Records connection lifecycle events and rejected envelopes.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ConnectionEvent is one lifecycle transition worth auditing.
type ConnectionEvent struct {
	ID         int64
	ConnID     string
	IdentityID string
	Kind       string
	Event      string // connected, closed, auth-rejected
	Reason     string
	OccurredAt time.Time
}

// RejectedEnvelope records a frame the router refused, for operator
// debugging. Payloads are not stored; they are opaque and possibly large.
type RejectedEnvelope struct {
	ID            int64
	SenderID      string
	RecipientID   string
	MessageType   string
	CorrelationID string
	Code          string
	OccurredAt    time.Time
}

// AuditStore persists the audit trail.
type AuditStore interface {
	RecordConnectionEvent(ctx context.Context, ev *ConnectionEvent) error
	RecordRejectedEnvelope(ctx context.Context, rej *RejectedEnvelope) error
	ListConnectionEvents(ctx context.Context, identityID string, limit int) ([]*ConnectionEvent, error)
	ListRejectedEnvelopes(ctx context.Context, limit int) ([]*RejectedEnvelope, error)
	Close() error
}

// SQLiteStore implements AuditStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates an audit store at the given path. The schema is
// created if it doesn't exist; parent directories are created if needed.
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

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("audit store initialized", "path", path)
	return s, nil
}

// createSchema creates the audit tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS connection_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conn_id TEXT NOT NULL,
			identity_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			event TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			occurred_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_connection_events_identity
			ON connection_events(identity_id, occurred_at);

		CREATE TABLE IF NOT EXISTS rejected_envelopes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender_id TEXT NOT NULL,
			recipient_id TEXT NOT NULL DEFAULT '',
			message_type TEXT NOT NULL,
			correlation_id TEXT NOT NULL DEFAULT '',
			code TEXT NOT NULL,
			occurred_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_rejected_envelopes_occurred
			ON rejected_envelopes(occurred_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// RecordConnectionEvent appends a lifecycle event.
func (s *SQLiteStore) RecordConnectionEvent(ctx context.Context, ev *ConnectionEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connection_events (conn_id, identity_id, kind, event, reason, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ConnID, ev.IdentityID, ev.Kind, ev.Event, ev.Reason, ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("recording connection event: %w", err)
	}
	return nil
}

// RecordRejectedEnvelope appends a routing rejection.
func (s *SQLiteStore) RecordRejectedEnvelope(ctx context.Context, rej *RejectedEnvelope) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rejected_envelopes (sender_id, recipient_id, message_type, correlation_id, code, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rej.SenderID, rej.RecipientID, rej.MessageType, rej.CorrelationID, rej.Code, rej.OccurredAt)
	if err != nil {
		return fmt.Errorf("recording rejected envelope: %w", err)
	}
	return nil
}

// ListConnectionEvents returns recent events, newest first. An empty
// identityID returns events for all identities.
func (s *SQLiteStore) ListConnectionEvents(ctx context.Context, identityID string, limit int) ([]*ConnectionEvent, error) {
	query := `
		SELECT id, conn_id, identity_id, kind, event, reason, occurred_at
		FROM connection_events`
	args := []any{}
	if identityID != "" {
		query += " WHERE identity_id = ?"
		args = append(args, identityID)
	}
	query += " ORDER BY occurred_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing connection events: %w", err)
	}
	defer rows.Close()

	var events []*ConnectionEvent
	for rows.Next() {
		ev := &ConnectionEvent{}
		if err := rows.Scan(&ev.ID, &ev.ConnID, &ev.IdentityID, &ev.Kind, &ev.Event, &ev.Reason, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("scanning connection event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListRejectedEnvelopes returns recent rejections, newest first.
func (s *SQLiteStore) ListRejectedEnvelopes(ctx context.Context, limit int) ([]*RejectedEnvelope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_id, recipient_id, message_type, correlation_id, code, occurred_at
		FROM rejected_envelopes
		ORDER BY occurred_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing rejected envelopes: %w", err)
	}
	defer rows.Close()

	var rejected []*RejectedEnvelope
	for rows.Next() {
		rej := &RejectedEnvelope{}
		if err := rows.Scan(&rej.ID, &rej.SenderID, &rej.RecipientID, &rej.MessageType, &rej.CorrelationID, &rej.Code, &rej.OccurredAt); err != nil {
			return nil, fmt.Errorf("scanning rejected envelope: %w", err)
		}
		rejected = append(rejected, rej)
	}
	return rejected, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
