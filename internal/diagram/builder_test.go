package diagram

import (
	"context"
	"testing"
	"time"

	"github.com/rendis/callflow/internal/engine"
	"github.com/rendis/callflow/internal/store"
	"github.com/rendis/callflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop() engine.Step {
	return engine.StepFunc(func(context.Context, *engine.StepContext) error { return nil })
}

// callflowGraph mirrors the production wiring without capabilities.
func callflowGraph(t *testing.T) *engine.Graph {
	t.Helper()
	g, err := engine.NewGraph().
		Step(schema.StepDetermineRepeatedCall, noop()).
		Step(schema.StepDetermineCause, noop()).
		Step(schema.StepDetermineRecommendation, noop()).
		Step(schema.StepExit, noop()).
		Edge(schema.StepDetermineRepeatedCall, schema.EventIsRepeatedCall, schema.StepDetermineCause, "").
		Edge(schema.StepDetermineCause, schema.EventIsRelevant, schema.StepDetermineRecommendation, "").
		Edge(schema.StepDetermineRecommendation, schema.EventExit, schema.StepExit, "").
		Build()
	require.NoError(t, err)
	return g
}

func trace(step schema.StepID, emitted schema.EventName, errMsg string) *store.StepTrace {
	start := time.UnixMilli(1_700_000_000_000)
	return &store.StepTrace{
		StepID:     string(step),
		Emitted:    string(emitted),
		Error:      errMsg,
		StartedAt:  start,
		FinishedAt: start.Add(12 * time.Millisecond),
	}
}

func nodeByID(t *testing.T, m *DiagramModel, id string) *Node {
	t.Helper()
	n := findNode(m.Nodes, id)
	require.NotNil(t, n, "node %s", id)
	return n
}

func TestBuildNodesAndKinds(t *testing.T) {
	m, err := Build(callflowGraph(t), schema.StepDetermineRepeatedCall, nil)
	require.NoError(t, err)

	require.Len(t, m.Nodes, 6)
	assert.Equal(t, StartID, m.Nodes[0].ID)
	assert.Equal(t, EndID, m.Nodes[len(m.Nodes)-1].ID)

	assert.Equal(t, NodeKindStep, nodeByID(t, m, string(schema.StepDetermineCause)).Kind)
	assert.Equal(t, NodeKindTerminal, nodeByID(t, m, string(schema.StepExit)).Kind)
	assert.Nil(t, nodeByID(t, m, string(schema.StepDetermineCause)).Status)
}

func TestBuildEdges(t *testing.T) {
	m, err := Build(callflowGraph(t), schema.StepDetermineRepeatedCall, nil)
	require.NoError(t, err)

	var routed, implicit int
	for _, e := range m.Edges {
		assert.False(t, e.Taken)
		if e.Implicit {
			implicit++
			assert.Equal(t, EndID, e.To)
			continue
		}
		routed++
	}
	// Start edge plus three routes; one implicit exit per step.
	assert.Equal(t, 4, routed)
	assert.Equal(t, 4, implicit)
	assert.Equal(t, Edge{From: StartID, To: string(schema.StepDetermineRepeatedCall), Label: "Start"}, m.Edges[0])
}

func TestBuildLevels(t *testing.T) {
	m, err := Build(callflowGraph(t), schema.StepDetermineRepeatedCall, nil)
	require.NoError(t, err)

	assert.Equal(t, [][]string{
		{StartID},
		{string(schema.StepDetermineRepeatedCall)},
		{string(schema.StepDetermineCause)},
		{string(schema.StepDetermineRecommendation)},
		{string(schema.StepExit)},
		{EndID},
	}, m.Levels)
}

func TestBuildLevelsOrphans(t *testing.T) {
	g, err := engine.NewGraph().
		Step("A", noop()).
		Step("B", noop()).
		Step("Lonely", noop()).
		Edge("A", "Go", "B", "").
		Build()
	require.NoError(t, err)

	m, err := Build(g, "A", nil)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{StartID}, {"A"}, {"B"}, {"Lonely"}, {EndID}}, m.Levels)
}

func TestBuildOverlay(t *testing.T) {
	traces := []*store.StepTrace{
		trace(schema.StepDetermineRepeatedCall, schema.EventIsRepeatedCall, ""),
		trace(schema.StepDetermineCause, "", "capability down"),
	}
	m, err := Build(callflowGraph(t), schema.StepDetermineRepeatedCall, traces)
	require.NoError(t, err)

	first := nodeByID(t, m, string(schema.StepDetermineRepeatedCall))
	require.NotNil(t, first.Status)
	assert.Equal(t, StatusCompleted, first.Status.Status)
	assert.Equal(t, "IsRepeatedCall", first.Status.Emitted)
	assert.Equal(t, int64(12), first.Status.DurationMs)

	cause := nodeByID(t, m, string(schema.StepDetermineCause))
	assert.Equal(t, StatusFailed, cause.Status.Status)
	assert.Equal(t, "capability down", cause.Status.Error)

	assert.Equal(t, StatusSkipped, nodeByID(t, m, string(schema.StepExit)).Status.Status)

	taken := map[[2]string]bool{}
	for _, e := range m.Edges {
		if e.Taken {
			taken[[2]string{e.From, e.To}] = true
		}
	}
	assert.Equal(t, map[[2]string]bool{
		{StartID, string(schema.StepDetermineRepeatedCall)}:                         true,
		{string(schema.StepDetermineRepeatedCall), string(schema.StepDetermineCause)}: true,
		{string(schema.StepDetermineCause), EndID}:                                   true,
	}, taken)
}

func TestBuildRejectsBadInput(t *testing.T) {
	_, err := Build(nil, schema.StepDetermineRepeatedCall, nil)
	assert.Error(t, err)

	_, err = Build(engine.NewGraph(), schema.StepDetermineRepeatedCall, nil)
	assert.Error(t, err)

	_, err = Build(callflowGraph(t), "Missing", nil)
	assert.ErrorContains(t, err, "Missing")
}
