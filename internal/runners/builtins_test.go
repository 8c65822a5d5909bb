package runners

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/pkg/schema"
)

func TestDefaultRegistryCoversBuiltins(t *testing.T) {
	r, err := NewDefaultRegistry()
	require.NoError(t, err)

	for _, key := range []string{
		"trigger.manual", "noop", "set", "condition", "transform",
		"iterate", "merge", "delay", "wait", "approval",
	} {
		_, ok := r.Get(key)
		assert.True(t, ok, "missing runner %q", key)
	}
	_, ok := r.Get("nope")
	assert.False(t, ok)
}

func TestTriggerEmitsTriggerData(t *testing.T) {
	out, err := NewTrigger().Run(context.Background(), &schema.Node{}, nil, schema.TriggerInfo{
		TriggerType: "manual",
		TriggerData: map[string]any{"user": "ada"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"user": "ada"}, out["main"])
}

func TestSetOverlaysValues(t *testing.T) {
	node := &schema.Node{Parameters: map[string]any{
		"values": map[string]any{"env": "prod"},
	}}
	inputs := map[string]any{"main": map[string]any{"id": 7, "env": "dev"}}

	out, err := NewSet().Run(context.Background(), node, inputs, schema.TriggerInfo{})
	require.NoError(t, err)
	main := out["main"].(map[string]any)
	assert.Equal(t, 7, main["id"])
	assert.Equal(t, "prod", main["env"])
}

func TestConditionRoutesPorts(t *testing.T) {
	c, err := NewCondition()
	require.NoError(t, err)

	node := &schema.Node{Parameters: map[string]any{
		"expression": `source.amount > 100.0`,
	}}

	out, err := c.Run(context.Background(), node,
		map[string]any{"main": map[string]any{"amount": 250.0}}, schema.TriggerInfo{})
	require.NoError(t, err)
	assert.Contains(t, out, "true")
	assert.NotContains(t, out, "false")

	out, err = c.Run(context.Background(), node,
		map[string]any{"main": map[string]any{"amount": 10.0}}, schema.TriggerInfo{})
	require.NoError(t, err)
	assert.Contains(t, out, "false")
}

func TestConditionRequiresExpression(t *testing.T) {
	c, err := NewCondition()
	require.NoError(t, err)
	_, err = c.Run(context.Background(), &schema.Node{ID: "n1"}, nil, schema.TriggerInfo{})
	require.Error(t, err)
}

func TestTransformAppliesQuery(t *testing.T) {
	node := &schema.Node{Parameters: map[string]any{
		"query": `{total: (.a + .b)}`,
	}}
	out, err := NewTransform().Run(context.Background(), node,
		map[string]any{"main": map[string]any{"a": 2, "b": 3}}, schema.TriggerInfo{})
	require.NoError(t, err)
	main := out["main"].(map[string]any)
	assert.EqualValues(t, 5, main["total"])
}

func TestIterateEmitsIterationPort(t *testing.T) {
	out, err := NewIterate().Run(context.Background(), &schema.Node{},
		map[string]any{"main": map[string]any{"items": []any{1, 2, 3}}}, schema.TriggerInfo{})
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2, 3}, out[engine.IterationPort])
}

func TestIterateRejectsNonList(t *testing.T) {
	_, err := NewIterate().Run(context.Background(), &schema.Node{ID: "n1"},
		map[string]any{"main": map[string]any{"items": "oops"}}, schema.TriggerInfo{})
	require.Error(t, err)
}

func TestMergeFoldsPorts(t *testing.T) {
	out, err := NewMerge().Run(context.Background(), &schema.Node{}, map[string]any{
		"left":  map[string]any{"a": 1},
		"right": map[string]any{"b": 2},
	}, schema.TriggerInfo{})
	require.NoError(t, err)
	main := out["main"].(map[string]any)
	assert.Equal(t, map[string]any{"a": 1}, main["left"])
	assert.Equal(t, map[string]any{"b": 2}, main["right"])
}

func TestDelayEmitsMarker(t *testing.T) {
	node := &schema.Node{Parameters: map[string]any{"delay_ms": 1500}}
	out, err := NewDelay().Run(context.Background(), node,
		map[string]any{"main": map[string]any{"k": "v"}}, schema.TriggerInfo{})
	require.NoError(t, err)
	assert.EqualValues(t, 1500, out[engine.MarkerDelayMs])

	_, err = NewDelay().Run(context.Background(), &schema.Node{}, nil, schema.TriggerInfo{})
	require.Error(t, err)
}

func TestWaitEmitsMarkers(t *testing.T) {
	node := &schema.Node{Parameters: map[string]any{"timeout_ms": 3000}}
	out, err := NewWait().Run(context.Background(), node, nil, schema.TriggerInfo{})
	require.NoError(t, err)
	assert.Equal(t, true, out[engine.MarkerWait])
	assert.EqualValues(t, 3000, out[engine.MarkerWaitTimeoutMs])
}

func TestApprovalEmitsHILMarkers(t *testing.T) {
	node := &schema.Node{Parameters: map[string]any{
		"prompt":          "deploy to prod?",
		"timeout_seconds": 60,
	}}
	out, err := NewApproval().Run(context.Background(), node, nil, schema.TriggerInfo{})
	require.NoError(t, err)
	assert.Equal(t, true, out[engine.MarkerHILWait])
	assert.NotEmpty(t, out[engine.MarkerHILInteraction])
	assert.Equal(t, "deploy to prod?", out["prompt"])
	assert.EqualValues(t, 60, out[engine.MarkerHILTimeoutSecs])
}
