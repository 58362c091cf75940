package parallel

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Handler executes one task. It must respect context cancellation; a panic
// is contained and recorded as a task failure.
type Handler func(ctx context.Context, task Task) (map[string]interface{}, error)

// Executor runs task bags with bounded parallelism.
//
// Handlers are registered per task type. Tasks whose dependencies have all
// succeeded become eligible and run concurrently up to the configured
// limit; a failing task is retried with exponential backoff up to its
// MaxRetries, and each attempt is bounded by the task timeout.
//
//	exec := parallel.NewExecutor(4,
//	    parallel.WithDefaultTimeout(10*time.Second),
//	    parallel.WithHighPriorityRerun(1),
//	)
//	exec.RegisterHandler("search", searchHandler)
//	report, err := exec.Execute(ctx, tasks)
type Executor struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	maxConcurrency int64
	defaultTimeout time.Duration
	baseDelay      time.Duration
	maxDelay       time.Duration

	rerunEnabled     bool
	rerunMinPriority int
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithDefaultTimeout sets the per-attempt timeout for tasks that declare
// none. Zero disables the default.
func WithDefaultTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.defaultTimeout = d }
}

// WithRetryBackoff sets the base and cap of the retry delay curve.
func WithRetryBackoff(base, max time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.baseDelay = base
		e.maxDelay = max
	}
}

// WithHighPriorityRerun enables a single rerun pass: when fewer than half
// the tasks succeed, failed tasks with Priority >= minPriority run once
// more and their results replace the failed ones.
func WithHighPriorityRerun(minPriority int) ExecutorOption {
	return func(e *Executor) {
		e.rerunEnabled = true
		e.rerunMinPriority = minPriority
	}
}

// NewExecutor creates an Executor. maxConcurrency values below 1 are
// treated as 1.
func NewExecutor(maxConcurrency int, opts ...ExecutorOption) *Executor {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	e := &Executor{
		handlers:       make(map[string]Handler),
		maxConcurrency: int64(maxConcurrency),
		baseDelay:      100 * time.Millisecond,
		maxDelay:       5 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterHandler binds a handler to a task type, replacing any earlier
// binding.
func (e *Executor) RegisterHandler(taskType string, h Handler) error {
	if taskType == "" {
		return fmt.Errorf("task type cannot be empty")
	}
	if h == nil {
		return fmt.Errorf("handler cannot be nil for task type %q", taskType)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[taskType] = h
	return nil
}

func (e *Executor) handler(taskType string) (Handler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[taskType]
	return h, ok
}

// Execute runs the task bag until every task settles and returns results in
// input order plus aggregate statistics. A task whose dependency failed, or
// whose dependencies can never be satisfied (unknown id or a cycle),
// settles as failed without running.
//
// The returned error covers setup problems only (duplicate task ids);
// individual task failures are reported through Results.
func (e *Executor) Execute(ctx context.Context, tasks []Task) (Report, error) {
	started := time.Now()

	prepared := make([]Task, len(tasks))
	seen := make(map[string]bool, len(tasks))
	for i, task := range tasks {
		task = task.ensureID()
		if seen[task.ID] {
			return Report{}, fmt.Errorf("duplicate task id: %s", task.ID)
		}
		seen[task.ID] = true
		prepared[i] = task
	}

	results := e.run(ctx, prepared)

	stats := computeStats(orderedResults(prepared, results), time.Since(started))
	if e.rerunEnabled && stats.SuccessRate < 0.5 {
		if rerun := e.failedHighPriority(prepared, results); len(rerun) > 0 {
			for id, res := range e.run(ctx, rerun) {
				results[id] = res
			}
			stats = computeStats(orderedResults(prepared, results), time.Since(started))
			stats.RerunPerformed = true
		}
	}

	return Report{Results: orderedResults(prepared, results), Stats: stats}, nil
}

// run settles every task in the bag, honoring dependencies, and returns
// results keyed by task id.
func (e *Executor) run(ctx context.Context, tasks []Task) map[string]TaskResult {
	results := make(map[string]TaskResult, len(tasks))
	var resultsMu sync.Mutex

	pending := make(map[string]Task, len(tasks))
	for _, task := range tasks {
		pending[task.ID] = task
	}

	sem := semaphore.NewWeighted(e.maxConcurrency)

	for len(pending) > 0 {
		// Settle tasks whose dependency already failed.
		for id, task := range pending {
			if dep, failed := e.failedDependency(task, results); failed {
				results[id] = TaskResult{
					TaskID:  id,
					Type:    task.Type,
					Err:     "dependency failed: " + dep,
					Attempt: 0,
				}
				delete(pending, id)
			}
		}

		eligible := e.eligibleTasks(pending, results)
		if len(eligible) == 0 {
			if len(pending) == 0 {
				break
			}
			// Remaining tasks reference unknown ids or form a cycle.
			for id, task := range pending {
				results[id] = TaskResult{
					TaskID: id,
					Type:   task.Type,
					Err:    "dependencies can never be satisfied",
				}
				delete(pending, id)
			}
			break
		}

		var wg sync.WaitGroup
		for _, task := range eligible {
			delete(pending, task.ID)
			if err := sem.Acquire(ctx, 1); err != nil {
				resultsMu.Lock()
				results[task.ID] = TaskResult{
					TaskID: task.ID,
					Type:   task.Type,
					Err:    "execution cancelled: " + err.Error(),
				}
				resultsMu.Unlock()
				continue
			}
			wg.Add(1)
			go func(task Task) {
				defer wg.Done()
				defer sem.Release(1)
				res := e.runTask(ctx, task)
				resultsMu.Lock()
				results[task.ID] = res
				resultsMu.Unlock()
			}(task)
		}
		wg.Wait()
	}

	return results
}

func (e *Executor) failedDependency(task Task, results map[string]TaskResult) (string, bool) {
	for _, dep := range task.DependsOn {
		if res, settled := results[dep]; settled && !res.Success {
			return dep, true
		}
	}
	return "", false
}

// eligibleTasks returns pending tasks whose dependencies have all
// succeeded, in stable id order so scheduling is reproducible.
func (e *Executor) eligibleTasks(pending map[string]Task, results map[string]TaskResult) []Task {
	var eligible []Task
	for _, task := range pending {
		ready := true
		for _, dep := range task.DependsOn {
			if res, settled := results[dep]; !settled || !res.Success {
				ready = false
				break
			}
		}
		if ready {
			eligible = append(eligible, task)
		}
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].ID < eligible[j].ID })
	return eligible
}

// runTask drives one task through its attempts and settles it.
func (e *Executor) runTask(ctx context.Context, task Task) TaskResult {
	started := time.Now()

	h, ok := e.handler(task.Type)
	if !ok {
		return TaskResult{
			TaskID:   task.ID,
			Type:     task.Type,
			Err:      "no handler registered for task type " + task.Type,
			Duration: time.Since(started),
		}
	}

	timeout := task.Timeout
	if timeout == 0 {
		timeout = e.defaultTimeout
	}

	var lastErr string
	attempts := task.MaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := runAttempt(ctx, h, task, timeout)
		if err == nil {
			return TaskResult{
				TaskID:   task.ID,
				Type:     task.Type,
				Success:  true,
				Result:   result,
				Duration: time.Since(started),
				Attempt:  attempt,
			}
		}
		lastErr = err.Error()

		if attempt == attempts {
			break
		}
		select {
		case <-time.After(computeBackoff(attempt, e.baseDelay, e.maxDelay)):
		case <-ctx.Done():
			return TaskResult{
				TaskID:   task.ID,
				Type:     task.Type,
				Err:      "execution cancelled: " + ctx.Err().Error(),
				Duration: time.Since(started),
				Attempt:  attempt,
			}
		}
	}

	return TaskResult{
		TaskID:   task.ID,
		Type:     task.Type,
		Err:      lastErr,
		Duration: time.Since(started),
		Attempt:  attempts,
	}
}

// runAttempt executes one handler attempt with panic containment and an
// attempt timeout. A handler that ignores its context still settles here:
// the attempt is recorded as timed out and the goroutine is left to finish
// on its own.
func runAttempt(ctx context.Context, h Handler, task Task, timeout time.Duration) (map[string]interface{}, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type attemptResult struct {
		out map[string]interface{}
		err error
	}
	done := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- attemptResult{err: fmt.Errorf("panic: %v", rec)}
			}
		}()
		out, err := h(runCtx, task)
		done <- attemptResult{out: out, err: err}
	}()

	select {
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("execution cancelled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("task exceeded timeout of %v", timeout)
	case res := <-done:
		return res.out, res.err
	}
}

func (e *Executor) failedHighPriority(tasks []Task, results map[string]TaskResult) []Task {
	var rerun []Task
	for _, task := range tasks {
		res, settled := results[task.ID]
		if settled && !res.Success && task.Priority >= e.rerunMinPriority {
			rerun = append(rerun, task)
		}
	}
	return rerun
}

func orderedResults(tasks []Task, results map[string]TaskResult) []TaskResult {
	ordered := make([]TaskResult, 0, len(tasks))
	for _, task := range tasks {
		if res, ok := results[task.ID]; ok {
			ordered = append(ordered, res)
		}
	}
	return ordered
}

// computeBackoff returns base * 2^attempt capped at maxDelay, plus a random
// jitter in [0, base) to avoid synchronized retries.
func computeBackoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base * (1 << attempt)
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay + time.Duration(rand.Int63n(int64(base)))
}
