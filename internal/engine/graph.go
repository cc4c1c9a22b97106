// Package engine executes step graphs: one step at a time, routing on the
// (step, event) pair each step emits until no edge matches.
package engine

import (
	"context"
	"sort"

	"github.com/rendis/callflow/pkg/schema"
)

// DefaultParam is the parameter name under which State is delivered.
const DefaultParam = "state"

// Step is one stage of a workflow.
type Step interface {
	Handle(ctx context.Context, sc *StepContext) error
}

// StepFunc adapts a function to Step.
type StepFunc func(ctx context.Context, sc *StepContext) error

func (f StepFunc) Handle(ctx context.Context, sc *StepContext) error { return f(ctx, sc) }

// Edge routes an event emitted by From to To.
type Edge struct {
	From  schema.StepID    `json:"from"`
	Event schema.EventName `json:"event"`
	To    schema.StepID    `json:"to"`
	Param string           `json:"param"`
}

type edgeKey struct {
	from  schema.StepID
	event schema.EventName
}

// Graph is the transition table. Build it with NewGraph, Step and Edge, then
// call Build; a built graph is read-only and safe for concurrent runs.
type Graph struct {
	steps map[schema.StepID]Step
	edges map[edgeKey]Edge
	errs  []error
	built bool
}

// NewGraph returns an empty graph builder.
func NewGraph() *Graph {
	return &Graph{
		steps: make(map[schema.StepID]Step),
		edges: make(map[edgeKey]Edge),
	}
}

// Step registers a step implementation.
func (g *Graph) Step(id schema.StepID, s Step) *Graph {
	switch {
	case g.built:
		g.errs = append(g.errs, schema.NewErrorf(schema.ErrCodeValidation, "graph already built; cannot add step %q", id))
	case id == "":
		g.errs = append(g.errs, schema.NewError(schema.ErrCodeValidation, "step id is empty"))
	case s == nil:
		g.errs = append(g.errs, schema.NewErrorf(schema.ErrCodeValidation, "step %q has no implementation", id))
	default:
		if _, dup := g.steps[id]; dup {
			g.errs = append(g.errs, schema.NewErrorf(schema.ErrCodeConflict, "step %q registered twice", id))
			return g
		}
		g.steps[id] = s
	}
	return g
}

// Edge wires (from, event) to the step to. An empty param means DefaultParam.
func (g *Graph) Edge(from schema.StepID, event schema.EventName, to schema.StepID, param string) *Graph {
	if g.built {
		g.errs = append(g.errs, schema.NewErrorf(schema.ErrCodeValidation, "graph already built; cannot add edge %s --%s-->", from, event))
		return g
	}
	if param == "" {
		param = DefaultParam
	}
	key := edgeKey{from, event}
	if existing, dup := g.edges[key]; dup {
		g.errs = append(g.errs, schema.NewErrorf(schema.ErrCodeConflict,
			"event %s of step %s already routes to %s", event, from, existing.To))
		return g
	}
	g.edges[key] = Edge{From: from, Event: event, To: to, Param: param}
	return g
}

// Build validates the graph: every edge must reference registered steps and
// each (step, event) pair may route to at most one destination.
func (g *Graph) Build() (*Graph, error) {
	if len(g.errs) > 0 {
		return nil, g.errs[0]
	}
	for _, e := range g.sortedEdges() {
		if _, ok := g.steps[e.From]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge %s --%s--> %s: unknown source step", e.From, e.Event, e.To)
		}
		if _, ok := g.steps[e.To]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge %s --%s--> %s: unknown destination step", e.From, e.Event, e.To)
		}
	}
	g.built = true
	return g, nil
}

// Built reports whether Build succeeded.
func (g *Graph) Built() bool { return g.built }

// Next resolves the destination for event emitted by step.
func (g *Graph) Next(step schema.StepID, event schema.EventName) (Edge, bool) {
	e, ok := g.edges[edgeKey{step, event}]
	return e, ok
}

// Lookup returns the implementation of step.
func (g *Graph) Lookup(id schema.StepID) (Step, bool) {
	s, ok := g.steps[id]
	return s, ok
}

// Steps lists registered step ids, sorted.
func (g *Graph) Steps() []schema.StepID {
	ids := make([]schema.StepID, 0, len(g.steps))
	for id := range g.steps {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Edges lists all edges sorted by source then event.
func (g *Graph) Edges() []Edge { return g.sortedEdges() }

func (g *Graph) sortedEdges() []Edge {
	out := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].Event < out[j].Event
	})
	return out
}
