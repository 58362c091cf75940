package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store[S].
//
// It keeps checkpoint history in a single-file database. Designed for:
//   - Development and testing with zero setup
//   - Single-process workflows needing durable resumption
//   - Prototyping before migrating to a shared store
//
// WAL mode is enabled so readers don't block behind the single writer.
// State snapshots are stored as JSON, so S must be JSON-serializable.
//
// Example:
//
//	st, err := store.NewSQLiteStore[graph.State]("./checkpoints.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
//
// Use ":memory:" as the path for an ephemeral database in tests.
type SQLiteStore[S any] struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (creating if needed) the database at path and
// migrates the checkpoint schema.
func NewSQLiteStore[S any](path string) (*SQLiteStore[S], error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports a single writer; keep one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS workflow_checkpoints (
		thread_id  TEXT NOT NULL,
		step       INTEGER NOT NULL,
		state      TEXT NOT NULL,
		frontier   TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (thread_id, step)
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_thread
		ON workflow_checkpoints(thread_id, step DESC);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate checkpoint schema: %w", err)
	}

	return &SQLiteStore[S]{db: db}, nil
}

// Save persists a checkpoint, replacing any prior snapshot for the same
// (thread, step).
func (s *SQLiteStore[S]) Save(ctx context.Context, cp Checkpoint[S]) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("store is closed")
	}

	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	frontierJSON, err := json.Marshal(cp.Frontier)
	if err != nil {
		return fmt.Errorf("failed to marshal frontier: %w", err)
	}

	createdAt := cp.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_checkpoints (thread_id, step, state, frontier, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(thread_id, step) DO UPDATE SET
			state = excluded.state,
			frontier = excluded.frontier,
			created_at = excluded.created_at`,
		cp.ThreadID, cp.Step, string(stateJSON), string(frontierJSON), createdAt)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LoadLatest returns the highest-step checkpoint for the thread.
func (s *SQLiteStore[S]) LoadLatest(ctx context.Context, threadID string) (Checkpoint[S], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var zero Checkpoint[S]
	if s.closed {
		return zero, errors.New("store is closed")
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT step, state, frontier, created_at
		FROM workflow_checkpoints
		WHERE thread_id = ?
		ORDER BY step DESC
		LIMIT 1`, threadID)

	var (
		step         int
		stateJSON    string
		frontierJSON string
		createdAt    time.Time
	)
	if err := row.Scan(&step, &stateJSON, &frontierJSON, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return zero, ErrNotFound
		}
		return zero, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	cp := Checkpoint[S]{ThreadID: threadID, Step: step, CreatedAt: createdAt}
	if err := json.Unmarshal([]byte(stateJSON), &cp.State); err != nil {
		return zero, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	if err := json.Unmarshal([]byte(frontierJSON), &cp.Frontier); err != nil {
		return zero, fmt.Errorf("failed to unmarshal frontier: %w", err)
	}
	return cp, nil
}

// Close releases the database connection. Further calls error.
func (s *SQLiteStore[S]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
