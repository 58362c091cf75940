package supervisor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dshills/stategraph-go/graph"
	"github.com/dshills/stategraph-go/graph/store"
)

func echoWorker(name string) FuncWorker {
	return FuncWorker{
		Name: name,
		Fn: func(_ context.Context, req WorkRequest) (string, error) {
			return name + ": " + req.Query, nil
		},
	}
}

func failingWorker(name string) FuncWorker {
	return FuncWorker{
		Name: name,
		Fn: func(context.Context, WorkRequest) (string, error) {
			return "", errors.New(name + " is broken")
		},
	}
}

func TestRegistry_Resolve(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoWorker("web-search")); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(echoWorker(GeneralCapability)); err != nil {
		t.Fatal(err)
	}
	r.SetSubstitutes("research", "deep-research", "web-search")

	t.Run("direct registration wins", func(t *testing.T) {
		w, ok := r.Resolve("web-search")
		if !ok || w.Capability() != "web-search" {
			t.Errorf("resolved %v", w)
		}
	})

	t.Run("substitute chain in order", func(t *testing.T) {
		w, ok := r.Resolve("research")
		if !ok || w.Capability() != "web-search" {
			t.Errorf("resolved %v, want web-search substitute", w)
		}
	})

	t.Run("general fallback", func(t *testing.T) {
		w, ok := r.Resolve("nonexistent")
		if !ok || w.Capability() != GeneralCapability {
			t.Errorf("resolved %v, want general", w)
		}
	})

	t.Run("empty registry resolves nothing", func(t *testing.T) {
		if _, ok := NewRegistry().Resolve("anything"); ok {
			t.Error("resolved a worker from an empty registry")
		}
	})

	t.Run("invalid registrations rejected", func(t *testing.T) {
		if err := r.Register(nil); err == nil {
			t.Error("expected error for nil worker")
		}
		if err := r.Register(FuncWorker{Name: ""}); err == nil {
			t.Error("expected error for empty capability")
		}
	})
}

func resultGraph(t *testing.T, id string, handler graph.Handler) *graph.CompiledGraph {
	t.Helper()
	schema := graph.NewSchema(map[string]graph.MergePolicy{
		StateFieldQuery:  graph.Overwrite,
		StateFieldResult: graph.Overwrite,
	})
	g := graph.NewGraph(id, schema)
	if err := g.AddNode(graph.NodeDefinition{ID: "answer", Handler: handler, Writes: []string{StateFieldResult}}); err != nil {
		t.Fatal(err)
	}
	g.SetEntry("answer")
	compiled, err := g.Compile()
	if err != nil {
		t.Fatal(err)
	}
	return compiled
}

func TestGraphWorker_Run(t *testing.T) {
	ctx := context.Background()

	t.Run("extracts result field", func(t *testing.T) {
		compiled := resultGraph(t, "wf", func(_ context.Context, state graph.State) (graph.State, error) {
			q, _ := state[StateFieldQuery].(string)
			return graph.State{StateFieldResult: "answered: " + q}, nil
		})
		w := &GraphWorker{
			Name:   "research",
			Graph:  compiled,
			Engine: graph.NewEngine(store.NewMemStore[graph.State](), nil),
		}

		out, err := w.Run(ctx, WorkRequest{Query: "why", SessionID: "s1"})
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		if out != "answered: why" {
			t.Errorf("out = %q", out)
		}
	})

	t.Run("budget halt without result is an error", func(t *testing.T) {
		compiled := resultGraph(t, "wf", func(context.Context, graph.State) (graph.State, error) {
			return nil, errors.New("boom")
		})
		w := &GraphWorker{
			Name:   "research",
			Graph:  compiled,
			Engine: graph.NewEngine(store.NewMemStore[graph.State](), nil),
			Budget: graph.ErrorBudget{MaxErrors: 1},
		}

		_, err := w.Run(ctx, WorkRequest{Query: "why", SessionID: "s1"})
		if err == nil || !strings.Contains(err.Error(), "error budget") {
			t.Errorf("err = %v", err)
		}
	})
}
