package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/schema"
)

func TestCELEvaluatesConditions(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `source.amount > 100.0`, map[string]any{
		"source": map[string]any{"amount": 250.0},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(context.Background(), `value == "approved"`, map[string]any{
		"value": "approved",
	})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCELDefaultsMissingEnvironment(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	// No source in the data: the activation substitutes an empty map rather
	// than failing on a nil reference.
	out, err := e.Evaluate(context.Background(), `"amount" in source`, nil)
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestCELRejectsBadExpression(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), `source.(((`, nil)
	require.Error(t, err)
	ferr, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeExpression, ferr.Code)

	require.Error(t, e.Compile(`source.(((`))
	assert.NoError(t, e.Compile(`source.amount > 1.0`))
}

func TestGoJQEvaluatesQueries(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `{total: (.a + .b)}`, map[string]any{
		"a": 2, "b": 3,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"total": 5.0}, out)
}

func TestGoJQCollectsMultipleOutputs(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `.items[]`, map[string]any{
		"items": []any{1, 2},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0}, out)
}

func TestGoJQEvaluateValue(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.EvaluateValue(context.Background(), `.[0].id`, []any{
		map[string]any{"id": "first"},
	})
	require.NoError(t, err)
	assert.Equal(t, "first", out)
}

func TestGoJQBlocksEnvironment(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `env.PATH`, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQParseError(t *testing.T) {
	e := NewGoJQEngine()
	_, err := e.Evaluate(context.Background(), `.a |`, map[string]any{})
	require.Error(t, err)
	ferr, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeExpression, ferr.Code)
}

func TestExprEvaluatesScripts(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), `value.total * 2`, map[string]any{
		"value": map[string]any{"total": 21},
	})
	require.NoError(t, err)
	assert.Equal(t, 42, out)
}

func TestExprUndefinedVariablesAreNil(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), `missing ?? "fallback"`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)
}

func TestExprArrayOperations(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), `filter(items, # > 2)`, map[string]any{
		"items": []any{1, 2, 3, 4},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{3, 4}, out)
}

func TestExprCompileError(t *testing.T) {
	e := NewExprEngine()
	err := e.Compile(`1 +`)
	require.Error(t, err)
	ferr, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeExpression, ferr.Code)
}

func TestEmptyExpressionsRejected(t *testing.T) {
	cel, err := NewCELEngine()
	require.NoError(t, err)

	for _, e := range []Engine{cel, NewGoJQEngine(), NewExprEngine()} {
		_, err := e.Evaluate(context.Background(), "", nil)
		assert.Error(t, err, "engine %s", e.Name())
	}
}
