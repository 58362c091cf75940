package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/stategraph-go/capability"
	"github.com/dshills/stategraph-go/graph"
	"github.com/dshills/stategraph-go/graph/emit"
	"github.com/dshills/stategraph-go/graph/store"
)

// Request is the supervisor's entry contract: the only boundary the rest of
// the application depends on.
type Request struct {
	Query     string
	SessionID string
	Metadata  map[string]interface{}
}

// Response is always returned, never an error: full-path failures degrade
// to an apologetic result carrying "error" metadata.
type Response struct {
	Result          string
	Metadata        map[string]interface{}
	ExecutionTimeMs int64
}

// Config wires a Supervisor.
type Config struct {
	// Classifier resolves request intent. Required. Classification errors
	// fall back to the built-in heuristic.
	Classifier Classifier

	// Workers routes capabilities to workers. Required; register a worker
	// under GeneralCapability to guarantee full-path coverage.
	Workers *Registry

	// Decomposer splits complex requests into worker steps. Optional;
	// without one the full path always uses a single worker.
	Decomposer Decomposer

	// Graphs maps classification sub-labels to pre-declared workflows run
	// via the execution engine. Optional.
	Graphs map[string]*graph.CompiledGraph

	// Store persists workflow checkpoints. Required when Graphs is set.
	Store store.Store[graph.State]

	// Emitter observes workflow execution. Optional.
	Emitter emit.Emitter

	// Budget is the error budget applied to graph runs.
	Budget graph.ErrorBudget

	// FastModel answers trivial requests directly. Optional; without it
	// trivial requests take the full path.
	FastModel capability.ChatModel

	// EngineOptions tune the underlying execution engine.
	EngineOptions []graph.Option
}

// Counters are monotonic counts of routing decisions, readable at any time.
type Counters struct {
	FastPathHits      uint64
	FullPathRuns      uint64
	GraphRuns         uint64
	DecompositionRuns uint64
	EmergencyRoutes   uint64
	Apologies         uint64
}

// Supervisor implements the routing policy. It is safe for concurrent use;
// all per-request state lives on the stack of Handle.
type Supervisor struct {
	classifier Classifier
	emergency  HeuristicClassifier
	decomposer Decomposer
	workers    *Registry
	graphs     map[string]*graph.CompiledGraph
	budget     graph.ErrorBudget
	fastModel  capability.ChatModel

	engine       *graph.Engine
	resumeEngine *graph.Engine

	fastPathHits      atomic.Uint64
	fullPathRuns      atomic.Uint64
	graphRuns         atomic.Uint64
	decompositionRuns atomic.Uint64
	emergencyRoutes   atomic.Uint64
	apologies         atomic.Uint64
}

// New creates a Supervisor from the config.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Classifier == nil {
		return nil, errors.New("supervisor requires a classifier")
	}
	if cfg.Workers == nil {
		return nil, errors.New("supervisor requires a worker registry")
	}
	if len(cfg.Graphs) > 0 && cfg.Store == nil {
		return nil, errors.New("supervisor requires a checkpoint store when graphs are registered")
	}

	s := &Supervisor{
		classifier: cfg.Classifier,
		decomposer: cfg.Decomposer,
		workers:    cfg.Workers,
		graphs:     cfg.Graphs,
		budget:     cfg.Budget,
		fastModel:  cfg.FastModel,
	}
	if cfg.Store != nil {
		s.engine = graph.NewEngine(cfg.Store, cfg.Emitter, cfg.EngineOptions...)
		// Retrying a failed graph run resumes from the last checkpoint
		// instead of re-executing completed steps, so side effects such as
		// search calls are not duplicated.
		resumeOpts := append(append([]graph.Option{}, cfg.EngineOptions...), graph.WithResume(true))
		s.resumeEngine = graph.NewEngine(cfg.Store, cfg.Emitter, resumeOpts...)
	}
	return s, nil
}

// Engine returns the supervisor's execution engine, for registering
// GraphWorker instances against it. Nil when no store was configured.
func (s *Supervisor) Engine() *graph.Engine { return s.engine }

// Counters returns a snapshot of the routing counters.
func (s *Supervisor) Counters() Counters {
	return Counters{
		FastPathHits:      s.fastPathHits.Load(),
		FullPathRuns:      s.fullPathRuns.Load(),
		GraphRuns:         s.graphRuns.Load(),
		DecompositionRuns: s.decompositionRuns.Load(),
		EmergencyRoutes:   s.emergencyRoutes.Load(),
		Apologies:         s.apologies.Load(),
	}
}

// Handle processes one request and always returns a response.
//
// Routing: classify, then either answer trivially through the fast model,
// or take the full path (registered graph, decomposition, or single
// worker). A fast-path failure falls open into the full path. A full-path
// failure triggers an emergency heuristic classification so the request is
// still served by some worker; only when that also fails does Handle return
// an apology with the error in metadata.
func (s *Supervisor) Handle(ctx context.Context, req Request) Response {
	started := time.Now()

	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	cls, err := s.classifier.Classify(ctx, req.Query)
	if err != nil {
		cls, _ = s.emergency.Classify(ctx, req.Query)
	}

	meta := map[string]interface{}{
		"session_id": req.SessionID,
		"intent":     cls.Intent.String(),
		"sub_label":  cls.SubLabel,
		"confidence": cls.Confidence,
	}
	respond := func(result, path string) Response {
		meta["path"] = path
		return Response{
			Result:          result,
			Metadata:        meta,
			ExecutionTimeMs: time.Since(started).Milliseconds(),
		}
	}

	switch cls.Intent {
	case IntentTrivial:
		if result, fastErr := s.fastPath(ctx, req); fastErr == nil {
			s.fastPathHits.Add(1)
			return respond(result, "fast")
		}
		// Fail open: a broken fast path must not error the request.
	case IntentComplex, IntentUnknown:
	default:
		cls.SubLabel = GeneralCapability
	}

	result, path, fullErr := s.fullPath(ctx, req, cls)
	if fullErr == nil {
		s.fullPathRuns.Add(1)
		return respond(result, path)
	}

	result, emergErr := s.emergencyRoute(ctx, req, cls)
	if emergErr == nil {
		s.emergencyRoutes.Add(1)
		meta["recovered_from"] = fullErr.Error()
		return respond(result, "emergency")
	}

	s.apologies.Add(1)
	meta["error"] = fullErr.Error()
	meta["emergency_error"] = emergErr.Error()
	return respond("I'm sorry, but I wasn't able to complete that request. Please try again or rephrase it.", "apology")
}

// fastPath answers a trivial request with a single lightweight model call.
func (s *Supervisor) fastPath(ctx context.Context, req Request) (string, error) {
	if s.fastModel == nil {
		return "", errors.New("no fast-path model configured")
	}
	out, err := s.fastModel.Chat(ctx, []capability.Message{
		{Role: capability.RoleSystem, Content: "Answer briefly and directly."},
		{Role: capability.RoleUser, Content: req.Query},
	}, nil)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Text) == "" {
		return "", errors.New("fast path produced no answer")
	}
	return out.Text, nil
}

// fullPath runs the complex route and reports which variant served the
// request: "graph", "decomposition", or "worker". Panics from workers or
// decomposers are contained and surface as errors.
func (s *Supervisor) fullPath(ctx context.Context, req Request, cls Classification) (result, path string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("full path panic: %v", rec)
		}
	}()

	if g, ok := s.graphs[cls.SubLabel]; ok && s.engine != nil {
		result, err = s.runGraph(ctx, g, req)
		return result, "graph", err
	}

	if s.decomposer != nil {
		steps, decompErr := s.decomposer.Decompose(ctx, req.Query)
		if decompErr == nil {
			steps = s.mappableSteps(steps)
			if len(steps) >= 2 {
				result, err = s.runDecomposition(ctx, req, steps)
				return result, "decomposition", err
			}
		}
		// Decomposition failed or yielded a plan too small to be worth the
		// overhead: fall through to single-worker execution.
	}

	result, err = s.runWorker(ctx, req, cls.SubLabel)
	return result, "worker", err
}

// mappableSteps keeps the steps some registered worker can serve. A step
// nothing can serve would fail the whole decomposition, so it is cheaper to
// drop it here and let the plan shrink below the decomposition threshold.
func (s *Supervisor) mappableSteps(steps []Step) []Step {
	mappable := make([]Step, 0, len(steps))
	for _, step := range steps {
		if s.workers.Has(step.Capability) {
			mappable = append(mappable, step)
		}
	}
	return mappable
}

// runGraph executes a pre-declared workflow. An engine-level fault is
// retried once with resumption so completed steps are not re-executed.
func (s *Supervisor) runGraph(ctx context.Context, g *graph.CompiledGraph, req Request) (string, error) {
	s.graphRuns.Add(1)

	initial := graph.State{StateFieldQuery: req.Query}
	final, err := s.engine.Run(ctx, g, initial, req.SessionID, s.budget)
	if err != nil {
		var fatal *graph.FatalError
		if errors.As(err, &fatal) {
			final, err = s.resumeEngine.Run(ctx, g, initial, req.SessionID, s.budget)
		}
		if err != nil {
			return "", err
		}
	}

	result, _ := final[StateFieldResult].(string)
	if result == "" {
		if final.ShouldFallback() {
			return "", fmt.Errorf("workflow %s halted by error budget with no result", g.ID())
		}
		return "", fmt.Errorf("workflow %s produced no result", g.ID())
	}
	return result, nil
}

// runDecomposition executes the steps sequentially, feeding each step's
// output into the context of the next, then synthesizes a final answer.
func (s *Supervisor) runDecomposition(ctx context.Context, req Request, steps []Step) (string, error) {
	s.decompositionRuns.Add(1)

	completed := make([]StepResult, 0, len(steps))
	for i, step := range steps {
		worker, ok := s.workers.Resolve(step.Capability)
		if !ok {
			return "", fmt.Errorf("step %d: no worker for capability %q", i+1, step.Capability)
		}
		output, err := worker.Run(ctx, WorkRequest{
			Query:     step.Description,
			SessionID: req.SessionID,
			Metadata:  req.Metadata,
			Context:   completed,
		})
		if err != nil {
			return "", fmt.Errorf("step %d (%s): %w", i+1, step.Capability, err)
		}
		completed = append(completed, StepResult{Step: step, Output: output})
	}

	return s.synthesize(ctx, req, completed)
}

// synthesize combines step outputs into the final answer, via the fast
// model when one is configured, otherwise by sectioned concatenation.
func (s *Supervisor) synthesize(ctx context.Context, req Request, completed []StepResult) (string, error) {
	var sb strings.Builder
	for i, res := range completed {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("## ")
		sb.WriteString(res.Step.Description)
		sb.WriteString("\n")
		sb.WriteString(res.Output)
	}
	combined := sb.String()

	if s.fastModel == nil {
		return combined, nil
	}

	out, err := s.fastModel.Chat(ctx, []capability.Message{
		{Role: capability.RoleSystem, Content: "Synthesize the step results into one coherent answer to the original request."},
		{Role: capability.RoleUser, Content: "Request: " + req.Query + "\n\nStep results:\n" + combined},
	}, nil)
	if err != nil || strings.TrimSpace(out.Text) == "" {
		// The step outputs are a valid answer on their own.
		return combined, nil
	}
	return out.Text, nil
}

// runWorker serves the request with the single worker resolved for the
// capability.
func (s *Supervisor) runWorker(ctx context.Context, req Request, capabilityName string) (string, error) {
	worker, ok := s.workers.Resolve(capabilityName)
	if !ok {
		return "", fmt.Errorf("no worker for capability %q and no general worker registered", capabilityName)
	}
	return worker.Run(ctx, WorkRequest{
		Query:     req.Query,
		SessionID: req.SessionID,
		Metadata:  req.Metadata,
	})
}

// emergencyRoute reclassifies with the local heuristic and routes to
// whatever worker that suggests, so a broken primary path still produces an
// answer.
func (s *Supervisor) emergencyRoute(ctx context.Context, req Request, failed Classification) (string, error) {
	cls, _ := s.emergency.Classify(ctx, req.Query)
	if cls.SubLabel == failed.SubLabel {
		cls.SubLabel = GeneralCapability
	}
	return s.runWorker(ctx, req, cls.SubLabel)
}
