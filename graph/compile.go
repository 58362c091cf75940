package graph

import (
	"fmt"
	"sort"
)

// Graph is a mutable graph definition under construction. It is pure data:
// nodes, edges, conditional edges, and an entry point. Call Compile to
// validate it and obtain an executable CompiledGraph.
//
// Example:
//
//	g := graph.NewGraph("research", schema)
//	g.AddNode(graph.NodeDefinition{ID: "plan", Handler: plan, Writes: []string{"queries"}})
//	g.AddNode(graph.NodeDefinition{ID: "search", Handler: search, Writes: []string{"results"}})
//	g.AddNode(graph.NodeDefinition{ID: "write", Handler: write, Writes: []string{"report"}})
//	g.AddEdge("plan", "search")
//	g.AddEdge("search", "write")
//	g.SetEntry("plan")
//	compiled, err := g.Compile()
type Graph struct {
	id           string
	schema       *Schema
	nodes        map[string]NodeDefinition
	order        []string
	edges        []Edge
	conditionals []Conditional
	entry        string
}

// EdgeOption customizes a static edge added via AddEdge.
type EdgeOption func(*Edge)

// BestEffort marks the edge's target branch as non-critical: its failures
// are logged but do not count toward the error budget.
func BestEffort() EdgeOption {
	return func(e *Edge) { e.Critical = false }
}

// LoopEdge marks an intentional back-edge, excluding it from cycle
// validation. Use MaxSteps to bound loops built this way.
func LoopEdge() EdgeOption {
	return func(e *Edge) { e.Loop = true }
}

// NewGraph creates an empty graph definition with the given id and state
// schema. The id labels checkpoints, events, and metrics for this graph.
func NewGraph(id string, schema *Schema) *Graph {
	return &Graph{
		id:     id,
		schema: schema,
		nodes:  make(map[string]NodeDefinition),
	}
}

// AddNode registers a node. Returns an error for empty ids, nil handlers,
// duplicate ids, or Writes fields missing from the schema.
func (g *Graph) AddNode(def NodeDefinition) error {
	if def.ID == "" {
		return &ValidationError{Message: "node ID cannot be empty", Code: "EMPTY_NODE_ID"}
	}
	if def.Handler == nil {
		return &ValidationError{Message: "node handler cannot be nil: " + def.ID, Code: "NIL_HANDLER"}
	}
	if _, exists := g.nodes[def.ID]; exists {
		return &ValidationError{Message: "duplicate node ID: " + def.ID, Code: "DUPLICATE_NODE"}
	}
	for _, field := range def.Writes {
		if _, ok := g.schema.Policy(field); !ok {
			return &ValidationError{
				Message: fmt.Sprintf("node %s writes undeclared field %q", def.ID, field),
				Code:    "UNDECLARED_FIELD",
			}
		}
	}
	g.nodes[def.ID] = def
	g.order = append(g.order, def.ID)
	return nil
}

// AddEdge declares a static transition. Multiple static edges from the same
// node fan out. Edges are critical unless BestEffort is applied.
// Node existence is validated at Compile, not here, so construction order
// is flexible.
func (g *Graph) AddEdge(from, to string, opts ...EdgeOption) error {
	if from == "" || to == "" {
		return &ValidationError{Message: "edge endpoints cannot be empty", Code: "EMPTY_EDGE"}
	}
	edge := Edge{From: from, To: to, Critical: true}
	for _, opt := range opts {
		opt(&edge)
	}
	g.edges = append(g.edges, edge)
	return nil
}

// AddConditional declares a conditional edge: the first branch whose
// predicate matches the merged state fires. fallback names the branch taken
// when no predicate matches or a predicate panics; it may be empty, in
// which case the path terminates.
func (g *Graph) AddConditional(from string, branches []Branch, fallback string) error {
	if from == "" {
		return &ValidationError{Message: "conditional source cannot be empty", Code: "EMPTY_EDGE"}
	}
	if len(branches) == 0 && fallback == "" {
		return &ValidationError{Message: "conditional from " + from + " has no branches", Code: "EMPTY_CONDITIONAL"}
	}
	g.conditionals = append(g.conditionals, Conditional{From: from, Branches: branches, Fallback: fallback})
	return nil
}

// SetEntry declares the entry node. The node may be added before or after
// this call; existence is checked at Compile.
func (g *Graph) SetEntry(nodeID string) {
	g.entry = nodeID
}

// CompiledGraph is an immutable, validated graph ready for execution.
// Compilation resolves each node's static successor set, its conditional
// predicate list, and the set of fan-in nodes (nodes with more than one
// distinct static predecessor).
type CompiledGraph struct {
	id           string
	schema       *Schema
	nodes        map[string]NodeDefinition
	successors   map[string][]Edge
	conditionals map[string]Conditional
	fanIn        map[string]bool
	entry        string
}

// Compile validates the graph definition and freezes it.
//
// Validation failures (all *ValidationError):
//   - no entry point, or entry references an undefined node
//   - any edge or conditional branch references an undefined node
//   - a cycle among static non-loop edges (conditional branches are
//     predicate-guarded and exempt; bound them with MaxSteps)
//   - two targets of one fan-out declaring writes to the same Overwrite
//     field (undefined merge order by construction)
func (g *Graph) Compile() (*CompiledGraph, error) {
	if g.entry == "" {
		return nil, &ValidationError{Message: "entry point not set", Code: "NO_ENTRY"}
	}
	if _, ok := g.nodes[g.entry]; !ok {
		return nil, &ValidationError{Message: "entry node does not exist: " + g.entry, Code: "NODE_NOT_FOUND"}
	}

	successors := make(map[string][]Edge)
	for _, edge := range g.edges {
		if _, ok := g.nodes[edge.From]; !ok {
			return nil, &ValidationError{Message: "edge from undefined node: " + edge.From, Code: "NODE_NOT_FOUND"}
		}
		if _, ok := g.nodes[edge.To]; !ok {
			return nil, &ValidationError{Message: "edge to undefined node: " + edge.To, Code: "NODE_NOT_FOUND"}
		}
		successors[edge.From] = append(successors[edge.From], edge)
	}

	conditionals := make(map[string]Conditional)
	for _, cond := range g.conditionals {
		if _, ok := g.nodes[cond.From]; !ok {
			return nil, &ValidationError{Message: "conditional from undefined node: " + cond.From, Code: "NODE_NOT_FOUND"}
		}
		for _, br := range cond.Branches {
			if _, ok := g.nodes[br.To]; !ok {
				return nil, &ValidationError{Message: "conditional branch to undefined node: " + br.To, Code: "NODE_NOT_FOUND"}
			}
		}
		if cond.Fallback != "" {
			if _, ok := g.nodes[cond.Fallback]; !ok {
				return nil, &ValidationError{Message: "conditional fallback to undefined node: " + cond.Fallback, Code: "NODE_NOT_FOUND"}
			}
		}
		if _, dup := conditionals[cond.From]; dup {
			return nil, &ValidationError{Message: "multiple conditionals from node: " + cond.From, Code: "DUPLICATE_CONDITIONAL"}
		}
		conditionals[cond.From] = cond
	}

	if cycle := findCycle(g.order, successors); cycle != "" {
		return nil, &ValidationError{Message: "cycle through node: " + cycle, Code: "CYCLE"}
	}

	if err := checkFanOutWrites(g.schema, g.nodes, successors); err != nil {
		return nil, err
	}

	fanIn := make(map[string]bool)
	predecessors := make(map[string]map[string]bool)
	for _, edge := range g.edges {
		if predecessors[edge.To] == nil {
			predecessors[edge.To] = make(map[string]bool)
		}
		predecessors[edge.To][edge.From] = true
	}
	for node, preds := range predecessors {
		if len(preds) > 1 {
			fanIn[node] = true
		}
	}

	nodes := make(map[string]NodeDefinition, len(g.nodes))
	for id, def := range g.nodes {
		nodes[id] = def
	}

	return &CompiledGraph{
		id:           g.id,
		schema:       g.schema,
		nodes:        nodes,
		successors:   successors,
		conditionals: conditionals,
		fanIn:        fanIn,
		entry:        g.entry,
	}, nil
}

// ID returns the graph identifier.
func (c *CompiledGraph) ID() string { return c.id }

// Entry returns the entry node id.
func (c *CompiledGraph) Entry() string { return c.entry }

// Schema returns the state schema the graph was declared against.
func (c *CompiledGraph) Schema() *Schema { return c.schema }

// FanIn reports whether the node joins more than one static predecessor.
func (c *CompiledGraph) FanIn(nodeID string) bool { return c.fanIn[nodeID] }

// findCycle runs DFS over static non-loop edges and returns the id of a
// node on a cycle, or empty when acyclic. Iteration follows insertion order
// so the reported node is stable.
func findCycle(order []string, successors map[string][]Edge) string {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	colors := make(map[string]int)

	var visit func(id string) string
	visit = func(id string) string {
		colors[id] = inStack
		for _, edge := range successors[id] {
			if edge.Loop {
				continue
			}
			switch colors[edge.To] {
			case inStack:
				return edge.To
			case unvisited:
				if hit := visit(edge.To); hit != "" {
					return hit
				}
			}
		}
		colors[id] = done
		return ""
	}

	for _, id := range order {
		if colors[id] == unvisited {
			if hit := visit(id); hit != "" {
				return hit
			}
		}
	}
	return ""
}

// checkFanOutWrites rejects graphs where two targets of the same fan-out
// both declare writes to one Overwrite field. Merge order within a
// concurrent frontier is unspecified, so such graphs are invalid rather
// than silently nondeterministic.
func checkFanOutWrites(schema *Schema, nodes map[string]NodeDefinition, successors map[string][]Edge) error {
	for from, edges := range successors {
		if len(edges) < 2 {
			continue
		}
		writers := make(map[string]string) // field -> first writer
		targets := make([]string, 0, len(edges))
		for _, e := range edges {
			targets = append(targets, e.To)
		}
		sort.Strings(targets)
		for _, target := range targets {
			for _, field := range nodes[target].Writes {
				policy, _ := schema.Policy(field)
				if policy != Overwrite {
					continue
				}
				if prev, clash := writers[field]; clash && prev != target {
					return &ValidationError{
						Message: fmt.Sprintf("fan-out from %s: nodes %s and %s both write overwrite field %q", from, prev, target, field),
						Code:    "CONCURRENT_OVERWRITE",
					}
				}
				writers[field] = target
			}
		}
	}
	return nil
}
