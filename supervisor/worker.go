package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dshills/stategraph-go/graph"
)

// State fields the supervisor's graph contract uses: registered graphs read
// the query from StateFieldQuery and leave their answer in StateFieldResult.
const (
	StateFieldQuery  = "query"
	StateFieldResult = "result"
)

// WorkRequest is the input to one worker invocation. Context carries the
// outputs of earlier decomposition steps in order.
type WorkRequest struct {
	Query     string
	SessionID string
	Metadata  map[string]interface{}
	Context   []StepResult
}

// StepResult is the settled output of one decomposition step.
type StepResult struct {
	Step   Step
	Output string
}

// Worker is a unit of domain functionality the supervisor can route work
// to, identified by the capability it serves.
type Worker interface {
	// Capability names what this worker can do (e.g. "web-search").
	Capability() string

	// Run performs the work and returns a textual result.
	Run(ctx context.Context, req WorkRequest) (string, error)
}

// FuncWorker adapts a function to the Worker interface.
type FuncWorker struct {
	Name string
	Fn   func(ctx context.Context, req WorkRequest) (string, error)
}

// Capability implements Worker.
func (w FuncWorker) Capability() string { return w.Name }

// Run implements Worker.
func (w FuncWorker) Run(ctx context.Context, req WorkRequest) (string, error) {
	return w.Fn(ctx, req)
}

// GraphWorker serves a capability by running a compiled workflow graph.
// The graph must follow the supervisor state contract: it reads
// StateFieldQuery and writes StateFieldResult.
type GraphWorker struct {
	Name   string
	Graph  *graph.CompiledGraph
	Engine *graph.Engine
	Budget graph.ErrorBudget
}

// Capability implements Worker.
func (w *GraphWorker) Capability() string { return w.Name }

// Run implements Worker. A run that terminates through the error budget
// still returns whatever result the graph produced before halting; only an
// empty result is reported as an error.
func (w *GraphWorker) Run(ctx context.Context, req WorkRequest) (string, error) {
	initial := graph.State{StateFieldQuery: req.Query}
	threadID := req.SessionID + ":" + w.Name

	final, err := w.Engine.Run(ctx, w.Graph, initial, threadID, w.Budget)
	if err != nil {
		return "", fmt.Errorf("worker %s: %w", w.Name, err)
	}

	result, _ := final[StateFieldResult].(string)
	if result == "" {
		if final.ShouldFallback() {
			return "", fmt.Errorf("worker %s: workflow halted by error budget with no result", w.Name)
		}
		return "", fmt.Errorf("worker %s: workflow produced no result", w.Name)
	}
	return result, nil
}

// Registry maps capability names to workers, with an ordered substitute
// chain per capability for graceful degradation (e.g. serve a
// "deep-research" request with the "web-search" worker when no dedicated
// worker exists).
type Registry struct {
	mu          sync.RWMutex
	workers     map[string]Worker
	substitutes map[string][]string
}

// GeneralCapability is the registry's last-resort capability name. Register
// a worker under it to guarantee Resolve always succeeds.
const GeneralCapability = "general"

// NewRegistry creates an empty worker registry.
func NewRegistry() *Registry {
	return &Registry{
		workers:     make(map[string]Worker),
		substitutes: make(map[string][]string),
	}
}

// Register adds a worker under its capability name, replacing any earlier
// registration.
func (r *Registry) Register(w Worker) error {
	if w == nil {
		return errors.New("cannot register nil worker")
	}
	if w.Capability() == "" {
		return errors.New("worker capability cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[w.Capability()] = w
	return nil
}

// SetSubstitutes declares the fallback chain tried, in order, when no
// worker is registered for the capability.
func (r *Registry) SetSubstitutes(capabilityName string, subs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.substitutes[capabilityName] = subs
}

// Resolve returns the worker for the capability: the direct registration,
// the first registered substitute, or the general worker. The second return
// is false only when nothing at all can serve the request.
func (r *Registry) Resolve(capabilityName string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if w, ok := r.workers[capabilityName]; ok {
		return w, true
	}
	for _, sub := range r.substitutes[capabilityName] {
		if w, ok := r.workers[sub]; ok {
			return w, true
		}
	}
	w, ok := r.workers[GeneralCapability]
	return w, ok
}

// Has reports whether the capability resolves to some worker.
func (r *Registry) Has(capabilityName string) bool {
	_, ok := r.Resolve(capabilityName)
	return ok
}
