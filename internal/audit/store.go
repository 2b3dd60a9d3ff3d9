// Package audit keeps an append-only record of calendar writes made on
// a user's behalf. It records what reached the external account, not
// proposal state: nothing here is read back to decide whether an
// approval may run.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Outcomes.
const (
	OutcomeCreated         = "created"
	OutcomeFailed          = "failed"
	OutcomeUnauthenticated = "unauthenticated"
)

// Entry is one gateway execution.
type Entry struct {
	ID         string
	Timestamp  time.Time
	RequestID  string
	UserID     string
	Title      string
	Start      string
	Outcome    string
	ExternalID string
	Error      string
}

// tsLayout is fixed width so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// Summary counts entries per outcome.
type Summary map[string]int

// Store is an append-only SQLite store. All public methods are safe for
// concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the audit database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore uses an already open database. The schema is created on
// first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate audit schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS calendar_writes (
		id          TEXT PRIMARY KEY,
		timestamp   TEXT NOT NULL,
		request_id  TEXT,
		user_id     TEXT,
		title       TEXT NOT NULL,
		start       TEXT NOT NULL,
		outcome     TEXT NOT NULL,
		external_id TEXT,
		error       TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_calendar_writes_timestamp ON calendar_writes(timestamp);
	CREATE INDEX IF NOT EXISTS idx_calendar_writes_user ON calendar_writes(user_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append persists an entry. If e.ID is empty, a UUIDv7 is generated.
// The context is used for cancellation only.
func (s *Store) Append(ctx context.Context, e Entry) error {
	if e.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate audit entry ID: %w", err)
		}
		e.ID = id.String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calendar_writes
			(id, timestamp, request_id, user_id, title, start, outcome, external_id, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.Timestamp.UTC().Format(tsLayout),
		e.RequestID,
		e.UserID,
		e.Title,
		e.Start,
		e.Outcome,
		e.ExternalID,
		e.Error,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first. A non-empty userID
// restricts the result to that user.
func (s *Store) Recent(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, timestamp, COALESCE(request_id, ''), COALESCE(user_id, ''), title, start, outcome,
			COALESCE(external_id, ''), COALESCE(error, '')
		 FROM calendar_writes`
	args := []any{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			ts string
		)
		if err := rows.Scan(&e.ID, &ts, &e.RequestID, &e.UserID, &e.Title, &e.Start, &e.Outcome, &e.ExternalID, &e.Error); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if e.Timestamp, err = time.Parse(tsLayout, ts); err != nil {
			return nil, fmt.Errorf("parse audit timestamp %q: %w", ts, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Summarize counts entries per outcome within [start, end).
func (s *Store) Summarize(ctx context.Context, start, end time.Time) (Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT outcome, COUNT(*)
		 FROM calendar_writes
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY outcome`,
		start.UTC().Format(tsLayout),
		end.UTC().Format(tsLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query audit summary: %w", err)
	}
	defer rows.Close()

	sum := Summary{}
	for rows.Next() {
		var (
			outcome string
			n       int
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scan audit summary: %w", err)
		}
		sum[outcome] = n
	}
	return sum, rows.Err()
}
