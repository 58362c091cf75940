// Package store provides checkpoint persistence for workflow runs.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a thread has no checkpoints.
var ErrNotFound = errors.New("not found")

// FrontierNode is one pending node in a checkpoint frontier. Critical
// records whether a failure of this node counts against the error budget,
// so a resumed run treats the node exactly as the original run would have.
type FrontierNode struct {
	Node     string `json:"node"`
	Critical bool   `json:"critical"`
}

// Checkpoint is a durable snapshot of workflow state keyed by thread id.
//
// A checkpoint is written after every super-step that mutates state. Each
// new checkpoint for a thread supersedes (but does not delete) the previous
// one; LoadLatest returns the one with the highest step. Frontier records
// the nodes due to execute next, which is what makes resumption land on the
// step after the snapshot rather than the graph entry.
type Checkpoint[S any] struct {
	ThreadID  string         `json:"thread_id"`
	Step      int            `json:"step"`
	State     S              `json:"state"`
	Frontier  []FrontierNode `json:"frontier"`
	CreatedAt time.Time      `json:"created_at"`
}

// Store persists and retrieves checkpoints.
//
// Implementations must be safe under at-most-one-writer-per-thread: the
// engine serializes checkpoint writes for a given thread id, but runs for
// different threads save concurrently.
//
// Backends in this package:
//   - MemStore: in-memory, for tests and single-process runs
//   - SQLiteStore: single-file durable store (modernc.org/sqlite)
//   - MySQLStore: shared durable store (go-sql-driver/mysql)
//
// Type parameter S is the state snapshot type; it must be
// JSON-serializable for the durable backends.
type Store[S any] interface {
	// Save persists a checkpoint. Saving the same (thread, step) twice
	// overwrites the earlier snapshot.
	Save(ctx context.Context, cp Checkpoint[S]) error

	// LoadLatest returns the checkpoint with the highest step for the
	// thread, or ErrNotFound if the thread has none.
	LoadLatest(ctx context.Context, threadID string) (Checkpoint[S], error)
}
