package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dshills/stategraph-go/graph/store"
)

// executionLog records which nodes ran, safely across concurrent frontiers.
type executionLog struct {
	mu   sync.Mutex
	runs map[string]int
}

func newExecutionLog() *executionLog {
	return &executionLog{runs: make(map[string]int)}
}

func (l *executionLog) record(node string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runs[node]++
}

func (l *executionLog) count(node string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runs[node]
}

func (l *executionLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runs = make(map[string]int)
}

func appendingNode(id string, log *executionLog) NodeDefinition {
	return NodeDefinition{
		ID: id,
		Handler: func(_ context.Context, _ State) (State, error) {
			log.record(id)
			return State{"trace": []any{id}}, nil
		},
		Writes: []string{"trace"},
	}
}

func failingNode(id string, log *executionLog) NodeDefinition {
	return NodeDefinition{
		ID: id,
		Handler: func(_ context.Context, _ State) (State, error) {
			log.record(id)
			return nil, errors.New(id + " failed")
		},
	}
}

func engineSchema() *Schema {
	return NewSchema(map[string]MergePolicy{
		"trace":  Append,
		"report": Overwrite,
	})
}

func mustCompile(t *testing.T, g *Graph) *CompiledGraph {
	t.Helper()
	compiled, err := g.Compile()
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	return compiled
}

func TestEngine_LinearRun(t *testing.T) {
	log := newExecutionLog()
	g := NewGraph("linear", engineSchema())
	for _, id := range []string{"a", "b", "c"} {
		if err := g.AddNode(appendingNode(id, log)); err != nil {
			t.Fatal(err)
		}
	}
	if err := g.AddEdge("a", "b"); err != nil {
		t.Fatal(err)
	}
	if err := g.AddEdge("b", "c"); err != nil {
		t.Fatal(err)
	}
	g.SetEntry("a")

	st := store.NewMemStore[State]()
	engine := NewEngine(st, nil)

	final, err := engine.Run(context.Background(), mustCompile(t, g), State{}, "thread-1", ErrorBudget{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	trace, _ := final["trace"].([]any)
	if len(trace) != 3 {
		t.Errorf("len(trace) = %d, want 3", len(trace))
	}
	if final[FieldTerminated] != TerminatedComplete {
		t.Errorf("terminated = %v, want %q", final[FieldTerminated], TerminatedComplete)
	}

	cp, err := st.LoadLatest(context.Background(), "thread-1")
	if err != nil {
		t.Fatalf("no checkpoint: %v", err)
	}
	if cp.Step != 3 {
		t.Errorf("latest checkpoint step = %d, want 3", cp.Step)
	}
	if len(cp.Frontier) != 0 {
		t.Errorf("terminal checkpoint frontier = %v, want empty", cp.Frontier)
	}
}

func TestEngine_TypedSliceDelta(t *testing.T) {
	log := newExecutionLog()
	g := NewGraph("typed", engineSchema())
	err := g.AddNode(NodeDefinition{
		ID: "score",
		Handler: func(_ context.Context, _ State) (State, error) {
			log.record("score")
			return State{"trace": []int{1, 2}}, nil
		},
		Writes: []string{"trace"},
	})
	if err != nil {
		t.Fatal(err)
	}
	g.SetEntry("score")

	engine := NewEngine(store.NewMemStore[State](), nil)
	final, err := engine.Run(context.Background(), mustCompile(t, g), State{}, "thread-typed", ErrorBudget{MaxErrors: 1})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if entries := final.ErrorLog(); len(entries) != 0 {
		t.Fatalf("error log = %+v, want empty", entries)
	}
	if final[FieldTerminated] != TerminatedComplete {
		t.Errorf("terminated = %v, want %q", final[FieldTerminated], TerminatedComplete)
	}
	trace, _ := final["trace"].([]any)
	if len(trace) != 2 {
		t.Errorf("trace = %v, want the normalized two-element delta", final["trace"])
	}
}

func TestEngine_FanInDeterminism(t *testing.T) {
	const branches = 5

	log := newExecutionLog()
	g := NewGraph("fan", engineSchema())
	if err := g.AddNode(appendingNode("split", log)); err != nil {
		t.Fatal(err)
	}
	if err := g.AddNode(appendingNode("join", log)); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < branches; i++ {
		id := fmt.Sprintf("branch-%d", i)
		if err := g.AddNode(appendingNode(id, log)); err != nil {
			t.Fatal(err)
		}
		if err := g.AddEdge("split", id); err != nil {
			t.Fatal(err)
		}
		if err := g.AddEdge(id, "join"); err != nil {
			t.Fatal(err)
		}
	}
	g.SetEntry("split")
	compiled := mustCompile(t, g)

	for run := 0; run < 10; run++ {
		engine := NewEngine(store.NewMemStore[State](), nil)
		final, err := engine.Run(context.Background(), compiled, State{}, fmt.Sprintf("t-%d", run), ErrorBudget{})
		if err != nil {
			t.Fatalf("run %d failed: %v", run, err)
		}

		trace, _ := final["trace"].([]any)
		seen := make(map[any]bool, len(trace))
		for _, item := range trace {
			seen[item] = true
		}
		for i := 0; i < branches; i++ {
			if !seen[fmt.Sprintf("branch-%d", i)] {
				t.Fatalf("run %d: branch-%d missing from trace %v", run, i, trace)
			}
		}
		// split + 5 branches + join.
		if len(trace) != branches+2 {
			t.Fatalf("run %d: len(trace) = %d, want %d", run, len(trace), branches+2)
		}
	}
}

func TestEngine_ErrorBudget(t *testing.T) {
	log := newExecutionLog()
	g := NewGraph("budget", engineSchema())
	for _, id := range []string{"f1", "f2", "f3", "never"} {
		if err := g.AddNode(failingNode(id, log)); err != nil {
			t.Fatal(err)
		}
	}
	for _, e := range [][2]string{{"f1", "f2"}, {"f2", "f3"}, {"f3", "never"}} {
		if err := g.AddEdge(e[0], e[1]); err != nil {
			t.Fatal(err)
		}
	}
	g.SetEntry("f1")

	engine := NewEngine(store.NewMemStore[State](), nil)
	final, err := engine.Run(context.Background(), mustCompile(t, g), State{}, "t", ErrorBudget{MaxErrors: 3})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if !final.ShouldFallback() {
		t.Error("expected shouldFallback after third failure")
	}
	if final[FieldTerminated] != TerminatedFallback {
		t.Errorf("terminated = %v, want %q", final[FieldTerminated], TerminatedFallback)
	}
	if got := len(final.ErrorLog()); got != 3 {
		t.Errorf("len(errorLog) = %d, want 3", got)
	}
	if log.count("never") != 0 {
		t.Error("node after budget exhaustion still executed")
	}
}

func TestEngine_ConcreteScenario(t *testing.T) {
	// A → B → C where B always fails, budget {maxErrors:5, maxRecoveryAttempts:2}.
	log := newExecutionLog()
	g := NewGraph("abc", engineSchema())
	if err := g.AddNode(appendingNode("A", log)); err != nil {
		t.Fatal(err)
	}
	if err := g.AddNode(failingNode("B", log)); err != nil {
		t.Fatal(err)
	}
	if err := g.AddNode(appendingNode("C", log)); err != nil {
		t.Fatal(err)
	}
	if err := g.AddEdge("A", "B"); err != nil {
		t.Fatal(err)
	}
	if err := g.AddEdge("B", "C"); err != nil {
		t.Fatal(err)
	}
	g.SetEntry("A")
	compiled := mustCompile(t, g)

	budget := ErrorBudget{MaxErrors: 5, MaxRecoveryAttempts: 2}
	engine := NewEngine(store.NewMemStore[State](), nil)

	first, err := engine.Run(context.Background(), compiled, State{}, "run-1", budget)
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if got := len(first.ErrorLog()); got != 1 {
		t.Errorf("first run: len(errorLog) = %d, want 1", got)
	}
	if first.ShouldFallback() {
		t.Error("first run should not fall back")
	}
	if log.count("C") != 1 {
		t.Errorf("first run: C executed %d times, want 1", log.count("C"))
	}

	// Second run carries the accumulated state, inducing B's second failure.
	log.reset()
	second, err := engine.Run(context.Background(), compiled, first, "run-2", budget)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if got := second.RecoveryAttempts(); got != 2 {
		t.Errorf("recoveryAttempts = %d, want 2", got)
	}
	if !second.ShouldFallback() {
		t.Error("expected shouldFallback after second B failure")
	}
	if log.count("C") != 0 {
		t.Error("C executed after fallback was triggered")
	}
}

func TestEngine_ResumeFromCheckpoint(t *testing.T) {
	log := newExecutionLog()
	g := NewGraph("resume", engineSchema())
	for _, id := range []string{"a", "b", "c"} {
		if err := g.AddNode(appendingNode(id, log)); err != nil {
			t.Fatal(err)
		}
	}
	if err := g.AddEdge("a", "b"); err != nil {
		t.Fatal(err)
	}
	if err := g.AddEdge("b", "c"); err != nil {
		t.Fatal(err)
	}
	g.SetEntry("a")
	compiled := mustCompile(t, g)

	st := store.NewMemStore[State]()

	// The interrupted run gets through a and b, then faults on the step
	// limit before c executes.
	engine := NewEngine(st, nil, WithMaxSteps(2))
	_, err := engine.Run(context.Background(), compiled, State{}, "t", ErrorBudget{})
	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected *FatalError, got %v", err)
	}
	if !errors.Is(err, ErrMaxStepsExceeded) {
		t.Errorf("expected ErrMaxStepsExceeded in chain, got %v", err)
	}

	resumed := NewEngine(st, nil, WithMaxSteps(10), WithResume(true))
	final, err := resumed.Run(context.Background(), compiled, State{}, "t", ErrorBudget{})
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}

	if final[FieldTerminated] != TerminatedComplete {
		t.Errorf("terminated = %v, want %q", final[FieldTerminated], TerminatedComplete)
	}
	// Completed steps are not re-executed on resume.
	if log.count("a") != 1 || log.count("b") != 1 || log.count("c") != 1 {
		t.Errorf("execution counts a=%d b=%d c=%d, want 1 each",
			log.count("a"), log.count("b"), log.count("c"))
	}
}

func TestEngine_ConditionalRouting(t *testing.T) {
	build := func(t *testing.T, log *executionLog) *Graph {
		t.Helper()
		g := NewGraph("cond", engineSchema())
		for _, id := range []string{"start", "matched", "fallback"} {
			if err := g.AddNode(appendingNode(id, log)); err != nil {
				t.Fatal(err)
			}
		}
		g.SetEntry("start")
		return g
	}

	t.Run("matching branch fires", func(t *testing.T) {
		log := newExecutionLog()
		g := build(t, log)
		err := g.AddConditional("start", []Branch{
			{When: func(s State) bool { return len(s.ErrorLog()) == 0 }, To: "matched"},
		}, "fallback")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := NewEngine(store.NewMemStore[State](), nil).Run(context.Background(), mustCompile(t, g), State{}, "t", ErrorBudget{}); err != nil {
			t.Fatal(err)
		}
		if log.count("matched") != 1 || log.count("fallback") != 0 {
			t.Errorf("matched=%d fallback=%d", log.count("matched"), log.count("fallback"))
		}
	})

	t.Run("no match takes fallback branch", func(t *testing.T) {
		log := newExecutionLog()
		g := build(t, log)
		err := g.AddConditional("start", []Branch{
			{When: func(State) bool { return false }, To: "matched"},
		}, "fallback")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := NewEngine(store.NewMemStore[State](), nil).Run(context.Background(), mustCompile(t, g), State{}, "t", ErrorBudget{}); err != nil {
			t.Fatal(err)
		}
		if log.count("fallback") != 1 || log.count("matched") != 0 {
			t.Errorf("matched=%d fallback=%d", log.count("matched"), log.count("fallback"))
		}
	})

	t.Run("panicking predicate takes fallback branch", func(t *testing.T) {
		log := newExecutionLog()
		g := build(t, log)
		err := g.AddConditional("start", []Branch{
			{When: func(s State) bool { return s["missing"].(string) == "x" }, To: "matched"},
		}, "fallback")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := NewEngine(store.NewMemStore[State](), nil).Run(context.Background(), mustCompile(t, g), State{}, "t", ErrorBudget{}); err != nil {
			t.Fatal(err)
		}
		if log.count("fallback") != 1 {
			t.Error("fallback branch did not fire on predicate panic")
		}
	})
}

func TestEngine_BestEffortBranch(t *testing.T) {
	log := newExecutionLog()
	g := NewGraph("besteffort", engineSchema())
	if err := g.AddNode(appendingNode("split", log)); err != nil {
		t.Fatal(err)
	}
	if err := g.AddNode(failingNode("optional", log)); err != nil {
		t.Fatal(err)
	}
	if err := g.AddNode(appendingNode("required", log)); err != nil {
		t.Fatal(err)
	}
	if err := g.AddEdge("split", "optional", BestEffort()); err != nil {
		t.Fatal(err)
	}
	if err := g.AddEdge("split", "required"); err != nil {
		t.Fatal(err)
	}
	g.SetEntry("split")

	// A budget of 1 critical failure: the best-effort branch failing must
	// not trip it.
	engine := NewEngine(store.NewMemStore[State](), nil)
	final, err := engine.Run(context.Background(), mustCompile(t, g), State{}, "t", ErrorBudget{MaxRecoveryAttempts: 1})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if final.ShouldFallback() {
		t.Error("best-effort failure tripped the budget")
	}
	log2 := final.ErrorLog()
	if len(log2) != 1 {
		t.Fatalf("len(errorLog) = %d, want 1", len(log2))
	}
	if log2[0].Critical {
		t.Error("best-effort failure recorded as critical")
	}
	if final.RecoveryAttempts() != 0 {
		t.Errorf("recoveryAttempts = %d, want 0", final.RecoveryAttempts())
	}
}

func TestEngine_ResumePreservesBranchCriticality(t *testing.T) {
	log := newExecutionLog()
	g := NewGraph("besteffort-resume", engineSchema())
	if err := g.AddNode(appendingNode("split", log)); err != nil {
		t.Fatal(err)
	}
	if err := g.AddNode(failingNode("optional", log)); err != nil {
		t.Fatal(err)
	}
	if err := g.AddNode(appendingNode("required", log)); err != nil {
		t.Fatal(err)
	}
	if err := g.AddEdge("split", "optional", BestEffort()); err != nil {
		t.Fatal(err)
	}
	if err := g.AddEdge("split", "required"); err != nil {
		t.Fatal(err)
	}
	g.SetEntry("split")
	compiled := mustCompile(t, g)

	st := store.NewMemStore[State]()
	budget := ErrorBudget{MaxRecoveryAttempts: 1}

	// Interrupt after the first step so the two branches are pending in the
	// saved checkpoint rather than executed.
	first := NewEngine(st, nil, WithMaxSteps(1))
	_, err := first.Run(context.Background(), compiled, State{}, "t", budget)
	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected step-limit fault, got %v", err)
	}

	cp, err := st.LoadLatest(context.Background(), "t")
	if err != nil {
		t.Fatalf("no checkpoint: %v", err)
	}
	if len(cp.Frontier) != 2 {
		t.Fatalf("checkpoint frontier = %v, want two pending nodes", cp.Frontier)
	}
	for _, fn := range cp.Frontier {
		if fn.Node == "optional" && fn.Critical {
			t.Error("best-effort branch persisted as critical")
		}
		if fn.Node == "required" && !fn.Critical {
			t.Error("required branch persisted as best-effort")
		}
	}

	resumed := NewEngine(st, nil, WithResume(true), WithMaxSteps(10))
	final, err := resumed.Run(context.Background(), compiled, State{}, "t", budget)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}

	// The optional branch still fails after resume, and with the same
	// budget it must stay harmless exactly as in an uninterrupted run.
	if final.ShouldFallback() {
		t.Error("best-effort failure tripped the budget after resume")
	}
	entries := final.ErrorLog()
	if len(entries) != 1 {
		t.Fatalf("len(errorLog) = %d, want 1", len(entries))
	}
	if entries[0].Critical {
		t.Error("best-effort failure recorded as critical after resume")
	}
	if final.RecoveryAttempts() != 0 {
		t.Errorf("recoveryAttempts = %d, want 0", final.RecoveryAttempts())
	}
	if log.count("required") != 1 {
		t.Errorf("required executed %d times, want 1", log.count("required"))
	}
}

type failingStore struct {
	mu    sync.Mutex
	saves int
}

func (f *failingStore) Save(_ context.Context, _ store.Checkpoint[State]) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	return errors.New("disk full")
}

func (f *failingStore) LoadLatest(_ context.Context, _ string) (store.Checkpoint[State], error) {
	return store.Checkpoint[State]{}, store.ErrNotFound
}

func TestEngine_CheckpointFailureDoesNotAbort(t *testing.T) {
	log := newExecutionLog()
	g := NewGraph("ckpt", engineSchema())
	if err := g.AddNode(appendingNode("only", log)); err != nil {
		t.Fatal(err)
	}
	g.SetEntry("only")

	st := &failingStore{}
	engine := NewEngine(st, nil, WithCheckpointRetries(2))
	final, err := engine.Run(context.Background(), mustCompile(t, g), State{}, "t", ErrorBudget{})
	if err != nil {
		t.Fatalf("run should survive checkpoint failures: %v", err)
	}
	if final[FieldTerminated] != TerminatedComplete {
		t.Errorf("terminated = %v", final[FieldTerminated])
	}
	// 1 step, 1 + 2 retries.
	if st.saves != 3 {
		t.Errorf("save attempts = %d, want 3", st.saves)
	}
}

func TestEngine_MaxConcurrentBound(t *testing.T) {
	const branches = 6

	var mu sync.Mutex
	inflight, peak := 0, 0
	handler := func(id string) Handler {
		return func(_ context.Context, _ State) (State, error) {
			mu.Lock()
			inflight++
			if inflight > peak {
				peak = inflight
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			inflight--
			mu.Unlock()
			return State{"trace": []any{id}}, nil
		}
	}

	g := NewGraph("bounded", engineSchema())
	if err := g.AddNode(NodeDefinition{ID: "split", Handler: noopHandler}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < branches; i++ {
		id := fmt.Sprintf("n%d", i)
		if err := g.AddNode(NodeDefinition{ID: id, Handler: handler(id), Writes: []string{"trace"}}); err != nil {
			t.Fatal(err)
		}
		if err := g.AddEdge("split", id); err != nil {
			t.Fatal(err)
		}
	}
	g.SetEntry("split")

	engine := NewEngine(store.NewMemStore[State](), nil, WithMaxConcurrent(2))
	if _, err := engine.Run(context.Background(), mustCompile(t, g), State{}, "t", ErrorBudget{}); err != nil {
		t.Fatal(err)
	}

	if peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}
