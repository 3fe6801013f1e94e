package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tjfontaine/deepsearch-client/internal/core/domain"
	"github.com/tjfontaine/deepsearch-client/internal/storage"
)

// Store is a SQLite Recorder
type Store struct {
	db *sql.DB
}

var _ storage.Recorder = (*Store)(nil)

// New creates a new SQLite store
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			query TEXT NOT NULL,
			options TEXT,
			status TEXT NOT NULL,
			error TEXT,
			started_at TEXT NOT NULL,
			finished_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			raw_kind TEXT,
			sequence INTEGER NOT NULL,
			timestamp TEXT NOT NULL,
			payload TEXT,
			message TEXT,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *Store) SaveSession(ctx context.Context, rec *storage.SessionRecord) error {
	options, err := json.Marshal(rec.Options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	query := `INSERT INTO sessions (id, query, options, status, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			finished_at = excluded.finished_at`

	_, err = s.db.ExecContext(ctx, query,
		rec.ID, rec.Query, string(options), string(rec.Status), rec.Error,
		formatTime(rec.StartedAt), formatTime(rec.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// GetSession returns the recorded session summary.
func (s *Store) GetSession(ctx context.Context, id string) (*storage.SessionRecord, error) {
	query := `SELECT id, query, options, status, error, started_at, finished_at FROM sessions WHERE id = ?`

	var rec storage.SessionRecord
	var options, status, errMsg, startedAt, finishedAt sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(&rec.ID, &rec.Query, &options, &status, &errMsg, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	if options.Valid && options.String != "" {
		if err := json.Unmarshal([]byte(options.String), &rec.Options); err != nil {
			return nil, fmt.Errorf("failed to unmarshal options: %w", err)
		}
	}
	rec.Status = domain.SessionStatus(status.String)
	rec.Error = errMsg.String
	rec.StartedAt = parseTime(startedAt.String)
	rec.FinishedAt = parseTime(finishedAt.String)
	return &rec, nil
}

func (s *Store) AppendEvent(ctx context.Context, sessionID string, ev domain.Event) error {
	var payload sql.NullString
	if ev.HasPayload() {
		payload = sql.NullString{String: string(ev.Payload), Valid: true}
	}

	query := `INSERT INTO events (session_id, kind, raw_kind, sequence, timestamp, payload, message)
		SELECT ?, ?, ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM sessions WHERE id = ?)`

	res, err := s.db.ExecContext(ctx, query,
		sessionID, string(ev.Kind), ev.RawKind, ev.Sequence, formatTime(ev.Timestamp), payload, ev.Message,
		sessionID)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("session %s: %w", sessionID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, sessionID string) ([]domain.Event, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE id = ?`, sessionID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("session %s: %w", sessionID, storage.ErrNotFound)
	}

	query := `SELECT kind, raw_kind, sequence, timestamp, payload, message
		FROM events WHERE session_id = ? ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []domain.Event{}
	for rows.Next() {
		var ev domain.Event
		var kind string
		var rawKind, timestamp, payload, message sql.NullString
		if err := rows.Scan(&kind, &rawKind, &ev.Sequence, &timestamp, &payload, &message); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Kind = domain.EventKind(kind)
		ev.RawKind = rawKind.String
		ev.Timestamp = parseTime(timestamp.String)
		if payload.Valid {
			ev.Payload = json.RawMessage(payload.String)
		}
		ev.Message = message.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
