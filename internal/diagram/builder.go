package diagram

import (
	"fmt"

	"github.com/rendis/callflow/internal/engine"
	"github.com/rendis/callflow/internal/store"
	"github.com/rendis/callflow/pkg/schema"
)

// Build constructs a DiagramModel from a built graph. entry is the step the
// Start event is delivered to. traces, when given, overlay a run's path.
func Build(g *engine.Graph, entry schema.StepID, traces []*store.StepTrace) (*DiagramModel, error) {
	if g == nil || !g.Built() {
		return nil, fmt.Errorf("diagram: graph is not built")
	}
	if _, ok := g.Lookup(entry); !ok {
		return nil, fmt.Errorf("diagram: entry step %q is not registered", entry)
	}

	edges := g.Edges()
	outgoing := make(map[schema.StepID]int)
	for _, e := range edges {
		outgoing[e.From]++
	}

	traceByStep := make(map[string]*store.StepTrace, len(traces))
	taken := make(map[[2]string]bool)
	for i, tr := range traces {
		traceByStep[tr.StepID] = tr
		if i > 0 {
			taken[[2]string{traces[i-1].StepID, tr.StepID}] = true
		}
	}

	nodes := []*Node{{ID: StartID, Label: "Start", Kind: NodeKindStart}}
	for _, id := range g.Steps() {
		n := &Node{ID: string(id), Label: string(id), Kind: NodeKindStep}
		if outgoing[id] == 0 {
			n.Kind = NodeKindTerminal
		}
		if len(traces) > 0 {
			n.Status = overlay(traceByStep[string(id)])
		}
		nodes = append(nodes, n)
	}
	nodes = append(nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd})

	out := []Edge{{From: StartID, To: string(entry), Label: string(schema.EventStart), Taken: len(traces) > 0}}
	for _, e := range edges {
		out = append(out, Edge{
			From:  string(e.From),
			To:    string(e.To),
			Label: string(e.Event),
			Taken: taken[[2]string{string(e.From), string(e.To)}],
		})
	}
	var last string
	if len(traces) > 0 {
		last = traces[len(traces)-1].StepID
	}
	for _, id := range g.Steps() {
		label := "unrouted"
		if outgoing[id] == 0 {
			label = ""
		}
		out = append(out, Edge{From: string(id), To: EndID, Label: label, Implicit: true, Taken: last == string(id)})
	}

	return &DiagramModel{
		Title:  "callflow",
		Nodes:  nodes,
		Edges:  out,
		Levels: buildLevels(g, entry),
	}, nil
}

func overlay(tr *store.StepTrace) *StatusOverlay {
	if tr == nil {
		return &StatusOverlay{Status: StatusSkipped}
	}
	o := &StatusOverlay{
		Status:     StatusCompleted,
		Emitted:    tr.Emitted,
		DurationMs: tr.FinishedAt.Sub(tr.StartedAt).Milliseconds(),
		Error:      tr.Error,
	}
	if tr.Error != "" {
		o.Status = StatusFailed
	}
	return o
}

// buildLevels lays steps out breadth-first from entry. Steps unreachable
// from entry share a level before End.
func buildLevels(g *engine.Graph, entry schema.StepID) [][]string {
	next := make(map[schema.StepID][]schema.StepID)
	for _, e := range g.Edges() {
		next[e.From] = append(next[e.From], e.To)
	}

	levels := [][]string{{StartID}}
	seen := map[schema.StepID]bool{entry: true}
	frontier := []schema.StepID{entry}
	for len(frontier) > 0 {
		level := make([]string, 0, len(frontier))
		var following []schema.StepID
		for _, id := range frontier {
			level = append(level, string(id))
			for _, to := range next[id] {
				if !seen[to] {
					seen[to] = true
					following = append(following, to)
				}
			}
		}
		levels = append(levels, level)
		frontier = following
	}

	var orphans []string
	for _, id := range g.Steps() {
		if !seen[id] {
			orphans = append(orphans, string(id))
		}
	}
	if len(orphans) > 0 {
		levels = append(levels, orphans)
	}
	return append(levels, []string{EndID})
}
