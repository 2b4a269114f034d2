// Package store persists session transcripts to SQLite. The schema keeps one
// row per session, one row per turn (the turn itself serialized as JSON), and
// one row per compaction, so a finished run can be replayed or inspected
// offline.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/droverhq/drover/budget"
	"github.com/droverhq/drover/loop"
)

// SQLite implements loop.TranscriptStore on a single database file.
// Thread-safe: sql.DB handles connection pooling and concurrent access.
type SQLite struct {
	db *sql.DB
}

var _ loop.TranscriptStore = (*SQLite)(nil)

// Open opens or creates a transcript database at the given path, creating
// parent directories as needed.
func Open(path string) (*SQLite, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript database: %w", err)
	}
	s := &SQLite{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// OpenMemory creates an in-memory store, useful for tests.
func OpenMemory() (*SQLite, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	s := &SQLite{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			task TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT 'need_tools',
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS turns (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (session_id, seq)
		);

		CREATE TABLE IF NOT EXISTS compactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			at_turn INTEGER NOT NULL,
			summarized_messages INTEGER NOT NULL,
			tokens_before INTEGER NOT NULL,
			tokens_after INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_compactions_session
		ON compactions(session_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SaveSession records the start of a session.
func (s *SQLite) SaveSession(ctx context.Context, id, task string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (id, task, started_at) VALUES (?, ?, ?)",
		id, task, startedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// SaveTurn stores one turn at its sequence position. Re-saving the same
// position replaces the row, so a retried write is harmless.
func (s *SQLite) SaveTurn(ctx context.Context, sessionID string, seq int, turn loop.Turn) error {
	payload, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("failed to encode turn: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO turns (session_id, seq, kind, payload) VALUES (?, ?, ?, ?)",
		sessionID, seq, string(turn.Kind), string(payload))
	if err != nil {
		return fmt.Errorf("failed to save turn: %w", err)
	}
	return nil
}

// SaveCompaction records that the working context was compacted before the
// turn at atTurn.
func (s *SQLite) SaveCompaction(ctx context.Context, sessionID string, res budget.CompactionResult, atTurn int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO compactions
		(session_id, at_turn, summarized_messages, tokens_before, tokens_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, atTurn, res.SummarizedMessages, res.TokensBefore, res.TokensAfter, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save compaction: %w", err)
	}
	return nil
}

// FinishSession records the terminal state and end time of a session.
func (s *SQLite) FinishSession(ctx context.Context, id string, state loop.ControlState, endedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET state = ?, ended_at = ? WHERE id = ?",
		string(state), endedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to finish session: %w", err)
	}
	return nil
}

// SessionRecord is one row of the sessions table.
type SessionRecord struct {
	ID        string
	Task      string
	State     loop.ControlState
	StartedAt time.Time
	// EndedAt is zero while the session is still running.
	EndedAt time.Time
}

// Session loads a single session by ID. Returns nil, nil when absent.
func (s *SQLite) Session(ctx context.Context, id string) (*SessionRecord, error) {
	var rec SessionRecord
	var state string
	var ended sql.NullTime
	err := s.db.QueryRowContext(ctx,
		"SELECT id, task, state, started_at, ended_at FROM sessions WHERE id = ?",
		id).Scan(&rec.ID, &rec.Task, &state, &rec.StartedAt, &ended)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	rec.State = loop.ControlState(state)
	if ended.Valid {
		rec.EndedAt = ended.Time
	}
	return &rec, nil
}

// Sessions lists sessions, newest first. A non-positive limit returns all.
func (s *SQLite) Sessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, task, state, started_at, ended_at FROM sessions ORDER BY started_at DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var state string
		var ended sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Task, &state, &rec.StartedAt, &ended); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		rec.State = loop.ControlState(state)
		if ended.Valid {
			rec.EndedAt = ended.Time
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return records, nil
}

// Turns loads a session's turns in sequence order.
func (s *SQLite) Turns(ctx context.Context, sessionID string) ([]loop.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT payload FROM turns WHERE session_id = ? ORDER BY seq ASC",
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var turns []loop.Turn
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		var turn loop.Turn
		if err := json.Unmarshal([]byte(payload), &turn); err != nil {
			return nil, fmt.Errorf("failed to decode turn: %w", err)
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating turns: %w", err)
	}
	return turns, nil
}

// CompactionRecord is one row of the compactions table.
type CompactionRecord struct {
	SessionID string
	AtTurn    int
	Result    budget.CompactionResult
	CreatedAt time.Time
}

// Compactions loads a session's compactions in the order they happened.
func (s *SQLite) Compactions(ctx context.Context, sessionID string) ([]CompactionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, at_turn, summarized_messages, tokens_before, tokens_after, created_at
		FROM compactions WHERE session_id = ? ORDER BY id ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query compactions: %w", err)
	}
	defer rows.Close()

	var records []CompactionRecord
	for rows.Next() {
		var rec CompactionRecord
		if err := rows.Scan(&rec.SessionID, &rec.AtTurn,
			&rec.Result.SummarizedMessages, &rec.Result.TokensBefore, &rec.Result.TokensAfter,
			&rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan compaction: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating compactions: %w", err)
	}
	return records, nil
}

// Delete removes a session and everything recorded under it.
func (s *SQLite) Delete(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		"DELETE FROM compactions WHERE session_id = ?",
		"DELETE FROM turns WHERE session_id = ?",
		"DELETE FROM sessions WHERE id = ?",
	} {
		if _, err := tx.ExecContext(ctx, q, sessionID); err != nil {
			return fmt.Errorf("failed to delete session data: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}
