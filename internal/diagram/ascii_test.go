package diagram

import (
	"strings"
	"testing"

	"github.com/rendis/callflow/internal/store"
	"github.com/rendis/callflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderASCII(t *testing.T) {
	m, err := Build(callflowGraph(t), schema.StepDetermineRepeatedCall, nil)
	require.NoError(t, err)

	out := RenderASCII(m)
	assert.True(t, strings.HasPrefix(out, "=== callflow ===\n"))
	assert.Contains(t, out, "│ DetermineRepeatedCall │")
	assert.Contains(t, out, "▼")
	assert.Contains(t, out, "  DetermineCause --IsRelevant--> DetermineRecommendation\n")
	assert.NotContains(t, out, "unrouted")
}

func TestRenderASCIIOverlay(t *testing.T) {
	traces := []*store.StepTrace{
		trace(schema.StepDetermineRepeatedCall, schema.EventIsRepeatedCall, ""),
		trace(schema.StepDetermineCause, "", "boom"),
	}
	m, err := Build(callflowGraph(t), schema.StepDetermineRepeatedCall, traces)
	require.NoError(t, err)

	out := RenderASCII(m)
	assert.Contains(t, out, "[OK]")
	assert.Contains(t, out, "[FAIL]")
	assert.Contains(t, out, "[SKIP]")
	assert.Contains(t, out, "12ms")
	assert.Contains(t, out, "* DetermineRepeatedCall --IsRepeatedCall--> DetermineCause\n")
}

func TestStatusTag(t *testing.T) {
	assert.Equal(t, "[OK]", statusTag(StatusCompleted))
	assert.Equal(t, "", statusTag("other"))
}
