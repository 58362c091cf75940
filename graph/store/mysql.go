package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL implementation of Store[S].
//
// Use this when checkpoints must survive the process and be visible to
// other instances (e.g., a request retried on a different replica resuming
// the same thread). Snapshots are stored as JSON.
//
// The DSN must include parseTime=true so created_at scans into time.Time:
//
//	st, err := store.NewMySQLStore[graph.State](
//	    "user:pass@tcp(localhost:3306)/workflows?parseTime=true")
type MySQLStore[S any] struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore connects to MySQL and migrates the checkpoint schema.
func NewMySQLStore[S any](dsn string) (*MySQLStore[S], error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS workflow_checkpoints (
		thread_id  VARCHAR(255) NOT NULL,
		step       INT NOT NULL,
		state      JSON NOT NULL,
		frontier   JSON NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (thread_id, step)
	)`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate checkpoint schema: %w", err)
	}

	return &MySQLStore[S]{db: db}, nil
}

// Save persists a checkpoint, replacing any prior snapshot for the same
// (thread, step).
func (s *MySQLStore[S]) Save(ctx context.Context, cp Checkpoint[S]) error {
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
		ON DUPLICATE KEY UPDATE
			state = VALUES(state),
			frontier = VALUES(frontier),
			created_at = VALUES(created_at)`,
		cp.ThreadID, cp.Step, string(stateJSON), string(frontierJSON), createdAt)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LoadLatest returns the highest-step checkpoint for the thread.
func (s *MySQLStore[S]) LoadLatest(ctx context.Context, threadID string) (Checkpoint[S], error) {
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

// Close releases the database connections.
func (s *MySQLStore[S]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
