package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/callflow/pkg/schema"
)

func TestCEL_UpdateQualification(t *testing.T) {
	e, err := NewCELEngine("update", "window_days")
	require.NoError(t, err)
	ctx := context.Background()

	const expr = `update.days_before_call >= 0.0 && update.days_before_call <= window_days`
	tests := []struct {
		name string
		days float64
		want bool
	}{
		{"same day", 0, true},
		{"inside window", 3.5, true},
		{"outside window", 30, false},
		{"after the call", -1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EvaluateBool(ctx, e, expr, map[string]any{
				"update":      map[string]any{"days_before_call": tt.days, "type": "firmware"},
				"window_days": 7.0,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCEL_MissingVariableDefaultsToEmptyMap(t *testing.T) {
	e, err := NewCELEngine("update", "record")
	require.NoError(t, err)

	got, err := e.Evaluate(context.Background(), `size(record) == 0`, map[string]any{"update": map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, true, got)
}

func TestCEL_Errors(t *testing.T) {
	e, err := NewCELEngine("update")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = e.Evaluate(ctx, "", nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = e.Evaluate(ctx, `update.type ==`, nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = e.Evaluate(ctx, `unknown_var == 1`, nil)
	assert.Error(t, err)

	assert.Error(t, e.Compile(`update.`))
	assert.NoError(t, e.Compile(`update.type == "firmware"`))
}

func TestEvaluateBool_RejectsNonBool(t *testing.T) {
	e, err := NewCELEngine("update")
	require.NoError(t, err)

	_, err = EvaluateBool(context.Background(), e, `"firmware"`, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestExpr_HistoryWindow(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()
	const expr = `hours_since >= 0 && hours_since <= window_hours && call.id != record_id`

	data := func(hours float64, id string) map[string]any {
		return map[string]any{
			"hours_since":  hours,
			"window_hours": 168.0,
			"record_id":    "c-100",
			"call":         map[string]any{"id": id, "sdc": "no signal"},
		}
	}

	ok, err := EvaluateBool(ctx, e, expr, data(24, "c-90"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = EvaluateBool(ctx, e, expr, data(400, "c-80"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = EvaluateBool(ctx, e, expr, data(1, "c-100"))
	require.NoError(t, err)
	assert.False(t, ok, "the current call never counts as history")
}

func TestExpr_Errors(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), "", nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = e.Evaluate(context.Background(), "1 +", nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestExpr_CancelledContext(t *testing.T) {
	e := NewExprEngine()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Evaluate(ctx, "true", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGoJQ_Projection(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	out, err := e.Query(ctx, ".customer", map[string]any{
		"customer":      map[string]any{"id": float64(42), "name": "Ada"},
		"query_time_ms": 1.2,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": float64(42), "name": "Ada"}, out)

	out, err = e.Query(ctx, "[.[] | select(.product_id == 7)]", []any{
		map[string]any{"product_id": float64(7)},
		map[string]any{"product_id": float64(8)},
	})
	require.NoError(t, err)
	assert.Len(t, out, 1)

	out, err = e.Evaluate(ctx, ".missing", map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = e.Query(ctx, ".[]", []any{map[string]any{"a": 1.0}, map[string]any{"a": 2.0}})
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	_, err := e.Query(ctx, ".[", nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = e.Query(ctx, ".a.b", map[string]any{"a": "text"})
	assert.Equal(t, schema.ErrCodeDecode, schema.CodeOf(err))

	out, err := e.Query(ctx, "$ENV.HOME", nil)
	require.NoError(t, err)
	assert.Nil(t, out, "environment is not visible to jq programs")
}

func TestEngines_ConcurrentCache(t *testing.T) {
	cel, err := NewCELEngine("x")
	require.NoError(t, err)
	engines := []Engine{cel, NewExprEngine(), NewGoJQEngine()}
	exprs := map[string]string{"cel": `x.n > 1.0`, "expr": `x.n > 1`, "jq": `.x.n > 1`}

	var wg sync.WaitGroup
	for _, e := range engines {
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(e Engine) {
				defer wg.Done()
				out, err := e.Evaluate(context.Background(), exprs[e.Name()], map[string]any{"x": map[string]any{"n": 2.0}})
				assert.NoError(t, err)
				assert.Equal(t, true, out)
			}(e)
		}
	}
	wg.Wait()
}

func TestProgramCache_CompilesOnce(t *testing.T) {
	c := newProgramCache[int]()
	calls := 0
	compile := func(string) (int, error) {
		calls++
		return 7, nil
	}
	for i := 0; i < 3; i++ {
		v, err := c.get("x", compile)
		require.NoError(t, err)
		assert.Equal(t, 7, v)
	}
	assert.Equal(t, 1, calls)

	_, err := c.get("bad", func(string) (int, error) { return 0, assert.AnError })
	assert.ErrorIs(t, err, assert.AnError)
	_, cached := c.programs["bad"]
	assert.False(t, cached, "failed compiles are not cached")
}

func TestExpressionError_Details(t *testing.T) {
	_, err := NewExprEngine().Evaluate(context.Background(), "1 +", nil)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "1 +", fe.Details["expression"])
	assert.Equal(t, "expr", fe.Details["engine"])
	assert.Contains(t, fe.Message, `expr expression "1 +" does not compile`)
}
