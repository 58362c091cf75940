// Package parallel executes bags of independent, typed tasks concurrently
// with bounded parallelism, per-task retries and timeouts, and aggregate
// statistics. It serves both as a building block for graph nodes that fan
// work out below the super-step level and as a direct utility for the
// supervisor's decomposed sub-tasks.
package parallel

import (
	"time"

	"github.com/google/uuid"
)

// Task is one unit of work. Type selects the registered handler; Payload is
// the handler's input.
type Task struct {
	// ID identifies the task in results. Empty IDs are assigned a UUID at
	// execution time.
	ID string

	// Type selects the handler registered for it.
	Type string

	// Payload is handler-specific input.
	Payload map[string]interface{}

	// Priority orders nothing during normal execution; it marks tasks
	// eligible for the failed-task rerun pass.
	Priority int

	// Timeout bounds a single attempt. Zero uses the executor default.
	Timeout time.Duration

	// MaxRetries is how many times a failing attempt is retried. Zero
	// means a single attempt.
	MaxRetries int

	// DependsOn lists task IDs that must succeed before this task becomes
	// eligible.
	DependsOn []string
}

func (t Task) ensureID() Task {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return t
}

// TaskResult is the settled outcome of one task, including retries.
type TaskResult struct {
	TaskID  string
	Type    string
	Success bool

	// Result is the handler output on success.
	Result map[string]interface{}

	// Err describes the final failure. Empty on success.
	Err string

	// Duration is the wall time across all attempts of this task.
	Duration time.Duration

	// Attempt is the 1-based attempt number that settled the task.
	Attempt int
}

// Stats aggregates a finished execution.
type Stats struct {
	Total     int
	Succeeded int
	Failed    int

	// SuccessRate is Succeeded/Total, or 0 for an empty bag.
	SuccessRate float64

	// WallClock is the elapsed time of the whole execution.
	WallClock time.Duration

	// TotalWork is the sum of individual task durations.
	TotalWork time.Duration

	// ParallelEfficiency is (TotalWork - WallClock) / TotalWork clamped to
	// [0,1]: 0 for fully sequential work, approaching 1 as more work
	// overlaps.
	ParallelEfficiency float64

	// RerunPerformed reports whether the failed-task rerun pass fired.
	RerunPerformed bool
}

// Report is the outcome of one Execute call.
type Report struct {
	Results []TaskResult
	Stats   Stats
}

// ResultFor returns the result for the given task id, or false when absent.
func (r Report) ResultFor(taskID string) (TaskResult, bool) {
	for _, res := range r.Results {
		if res.TaskID == taskID {
			return res, true
		}
	}
	return TaskResult{}, false
}

func computeStats(results []TaskResult, wallClock time.Duration) Stats {
	stats := Stats{Total: len(results), WallClock: wallClock}
	for _, res := range results {
		if res.Success {
			stats.Succeeded++
		} else {
			stats.Failed++
		}
		stats.TotalWork += res.Duration
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Succeeded) / float64(stats.Total)
	}
	if stats.TotalWork > 0 {
		efficiency := float64(stats.TotalWork-wallClock) / float64(stats.TotalWork)
		if efficiency < 0 {
			efficiency = 0
		}
		if efficiency > 1 {
			efficiency = 1
		}
		stats.ParallelEfficiency = efficiency
	}
	return stats
}
