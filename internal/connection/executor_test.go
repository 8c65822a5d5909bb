package connection

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/mapping"
	"github.com/loomworks/loom/pkg/schema"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	processor, err := mapping.NewProcessor(logger)
	require.NoError(t, err)
	return NewExecutor(processor, logger)
}

func TestResolvePort(t *testing.T) {
	outputs := map[string]any{
		"main":     map[string]any{"a": 1},
		"approved": map[string]any{"ok": true},
		"_marker":  true,
	}

	v, err := ResolvePort(outputs, "")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1}, v)

	v, err = ResolvePort(outputs, "approved")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, v)

	_, err = ResolvePort(outputs, "rejected")
	require.Error(t, err)
}

func TestResolvePortFallsBackToWholeOutput(t *testing.T) {
	// No "main" wrapper: the whole map minus marker keys is the main port.
	outputs := map[string]any{"status": "ok", "_tokens": map[string]any{}}

	v, err := ResolvePort(outputs, "main")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": "ok"}, v)
}

func TestExecuteDirectDelivery(t *testing.T) {
	e := newTestExecutor(t)

	conn := &schema.Connection{TargetNode: "n2"}
	d, err := e.Execute(context.Background(), conn,
		map[string]any{"main": map[string]any{"k": "v"}}, nil)
	require.NoError(t, err)

	assert.Equal(t, "n2", d.TargetNode)
	assert.Equal(t, DefaultPort, d.TargetPort)
	assert.Equal(t, map[string]any{"k": "v"}, d.Value)
}

func TestExecuteAppliesMapping(t *testing.T) {
	e := newTestExecutor(t)

	conn := &schema.Connection{
		TargetNode: "n2",
		TargetPort: "input",
		Mapping: &schema.DataMapping{
			Type: schema.MappingFieldMapping,
			FieldRules: []schema.FieldRule{{
				SourceField: "name", TargetField: "renamed",
			}},
		},
	}
	d, err := e.Execute(context.Background(), conn,
		map[string]any{"main": map[string]any{"name": "ada"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "input", d.TargetPort)
	assert.Equal(t, map[string]any{"renamed": "ada"}, d.Value)
}

func TestExecuteWrapsScalarPortValues(t *testing.T) {
	e := newTestExecutor(t)

	conn := &schema.Connection{TargetNode: "n2", FromPort: "count"}
	d, err := e.Execute(context.Background(), conn, map[string]any{"count": 7}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"value": 7}, d.Value)
}

func TestExecuteConversionFunction(t *testing.T) {
	e := newTestExecutor(t)

	conn := &schema.Connection{
		TargetNode:         "n2",
		ConversionFunction: `{"doubled": value.n * 2}`,
	}
	d, err := e.Execute(context.Background(), conn,
		map[string]any{"main": map[string]any{"n": 21}}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"doubled": 42}, d.Value)
}

func TestExecuteConversionFailureIsNonFatal(t *testing.T) {
	e := newTestExecutor(t)

	conn := &schema.Connection{
		TargetNode:         "n2",
		ConversionFunction: `value.n.missing.deep * 2`,
	}
	d, err := e.Execute(context.Background(), conn,
		map[string]any{"main": map[string]any{"n": 1}}, nil)
	require.NoError(t, err)
	// The original mapped value passes through.
	assert.Equal(t, map[string]any{"n": 1}, d.Value)
}

func TestExecuteMappingFailureIsTyped(t *testing.T) {
	e := newTestExecutor(t)

	conn := &schema.Connection{
		TargetNode: "n2",
		Mapping: &schema.DataMapping{
			Type: schema.MappingFieldMapping,
			FieldRules: []schema.FieldRule{{
				SourceField: "absent", TargetField: "out", Required: true,
			}},
		},
	}
	_, err := e.Execute(context.Background(), conn,
		map[string]any{"main": map[string]any{}}, nil)
	require.Error(t, err)
	ferr, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeMapping, ferr.Code)
}

func TestValidateConnections(t *testing.T) {
	e := newTestExecutor(t)

	wf := &schema.Workflow{
		ID: "wf-1",
		Nodes: []schema.Node{
			{ID: "n1", Name: "A", Type: "noop"},
			{ID: "n2", Name: "B", Type: "noop"},
		},
		Connections: schema.ConnectionsMap{
			"A": {schema.ConnectionMain: {{TargetNode: "n2"}}},
		},
	}
	require.NoError(t, e.ValidateConnections(wf))

	wf.Connections["A"][schema.ConnectionMain] = []schema.Connection{{TargetNode: "ghost"}}
	assert.Error(t, e.ValidateConnections(wf))

	wf.Connections["A"][schema.ConnectionMain] = []schema.Connection{{
		TargetNode: "n2",
		Mapping:    &schema.DataMapping{Type: schema.MappingTransform, Script: "1 +"},
	}}
	assert.Error(t, e.ValidateConnections(wf))
}

func TestExecuteBatchContinuesPastFailures(t *testing.T) {
	e := newTestExecutor(t)

	conns := []schema.Connection{
		{TargetNode: "good"},
		{TargetNode: "bad", FromPort: "missing"},
	}
	deliveries := e.ExecuteBatch(context.Background(), conns,
		map[string]any{"main": map[string]any{"k": "v"}}, nil)

	require.Len(t, deliveries, 2)
	assert.Equal(t, map[string]any{"k": "v"}, deliveries[0].Value)
	assert.Equal(t, map[string]any{}, deliveries[1].Value)
}
