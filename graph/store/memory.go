package store

import (
	"context"
	"sync"
)

// MemStore is an in-memory implementation of Store[S].
//
// Designed for tests, development, and short-lived workflows where
// durability isn't required. Thread-safe for concurrent access. All data is
// lost when the process terminates, and memory grows with checkpoint
// history (superseded checkpoints are kept, matching the durable backends).
//
// Type parameter S is the state snapshot type.
type MemStore[S any] struct {
	mu          sync.RWMutex
	checkpoints map[string][]Checkpoint[S] // threadID -> history in save order
}

// NewMemStore creates a new in-memory checkpoint store.
//
// Example:
//
//	st := store.NewMemStore[graph.State]()
//	engine := graph.NewEngine(st, emitter)
func NewMemStore[S any]() *MemStore[S] {
	return &MemStore[S]{
		checkpoints: make(map[string][]Checkpoint[S]),
	}
}

// Save appends the checkpoint to the thread's history. A save for an
// existing (thread, step) pair replaces that entry.
func (m *MemStore[S]) Save(_ context.Context, cp Checkpoint[S]) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	history := m.checkpoints[cp.ThreadID]
	for i, existing := range history {
		if existing.Step == cp.Step {
			history[i] = cp
			return nil
		}
	}
	m.checkpoints[cp.ThreadID] = append(history, cp)
	return nil
}

// LoadLatest returns the checkpoint with the highest step number.
// Handles out-of-order saves correctly.
func (m *MemStore[S]) LoadLatest(_ context.Context, threadID string) (Checkpoint[S], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.checkpoints[threadID]
	if len(history) == 0 {
		var zero Checkpoint[S]
		return zero, ErrNotFound
	}

	latest := history[0]
	for _, cp := range history[1:] {
		if cp.Step > latest.Step {
			latest = cp
		}
	}
	return latest, nil
}

// Len returns the number of checkpoints stored for a thread. Test helper.
func (m *MemStore[S]) Len(threadID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.checkpoints[threadID])
}
