package diagram

import (
	"testing"

	"github.com/rendis/callflow/internal/store"
	"github.com/rendis/callflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderMermaidStructure(t *testing.T) {
	m, err := Build(callflowGraph(t), schema.StepDetermineRepeatedCall, nil)
	require.NoError(t, err)

	out := RenderMermaid(m)
	assert.Contains(t, out, "graph TD\n")
	assert.Contains(t, out, `__start__(("Start"))`)
	assert.Contains(t, out, `Exit(["Exit"])`)
	assert.Contains(t, out, `DetermineCause["DetermineCause"]`)
	assert.Contains(t, out, "DetermineRepeatedCall -->|IsRepeatedCall| DetermineCause")
	assert.Contains(t, out, "DetermineCause -.->|unrouted| __end__")
	assert.Contains(t, out, "Exit -.-> __end__")
	assert.NotContains(t, out, "linkStyle")
	assert.NotContains(t, out, "class DetermineCause")
}

func TestRenderMermaidOverlay(t *testing.T) {
	traces := []*store.StepTrace{
		trace(schema.StepDetermineRepeatedCall, schema.EventIsNotRepeatedCall, ""),
	}
	m, err := Build(callflowGraph(t), schema.StepDetermineRepeatedCall, traces)
	require.NoError(t, err)

	out := RenderMermaid(m)
	assert.Contains(t, out, `DetermineRepeatedCall["DetermineRepeatedCall → IsNotRepeatedCall"]`)
	assert.Contains(t, out, "class DetermineRepeatedCall completed")
	assert.Contains(t, out, "class DetermineCause skipped")
	assert.Contains(t, out, "linkStyle 0 ")
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "a_b_c_d", mermaidSafeID("a.b-c d"))
}
