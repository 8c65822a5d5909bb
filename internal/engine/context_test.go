package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/schema"
)

func newTestContext(t *testing.T, wf *schema.Workflow) *ExecutionContext {
	t.Helper()
	g, err := BuildGraph(wf)
	require.NoError(t, err)
	return NewExecutionContext(wf, g, schema.TriggerInfo{
		TriggerType: "manual",
		TriggerData: map[string]any{"user": "ada"},
	})
}

func twoNodeWorkflow() *schema.Workflow {
	return &schema.Workflow{
		ID: "wf-1",
		Nodes: []schema.Node{
			{ID: "n1", Name: "Start", Type: "trigger"},
			{ID: "n2", Name: "End", Type: "noop"},
		},
		Connections: schema.ConnectionsMap{
			"n1": {schema.ConnectionMain: {{TargetNode: "n2"}}},
		},
	}
}

func TestInputsUnwrapSingleDelivery(t *testing.T) {
	ec := newTestContext(t, twoNodeWorkflow())

	ec.AddInput("n2", "main", map[string]any{"a": 1})
	inputs := ec.Inputs("n2")
	assert.Equal(t, map[string]any{"a": 1}, inputs["main"])
}

func TestInputsKeepMultiDeliveryOrder(t *testing.T) {
	ec := newTestContext(t, twoNodeWorkflow())

	ec.AddInput("n2", "main", map[string]any{"seq": 1})
	ec.AddInput("n2", "main", map[string]any{"seq": 2})
	ec.AddInput("n2", "main", map[string]any{"seq": 3})

	inputs := ec.Inputs("n2")
	values, ok := inputs["main"].([]any)
	require.True(t, ok)
	require.Len(t, values, 3)
	assert.Equal(t, map[string]any{"seq": 1}, values[0])
	assert.Equal(t, map[string]any{"seq": 3}, values[2])
}

func TestIsNodeReady(t *testing.T) {
	ec := newTestContext(t, twoNodeWorkflow())

	assert.False(t, ec.IsNodeReady("n2"))
	ec.AddInput("n2", "main", map[string]any{})
	assert.True(t, ec.IsNodeReady("n2"))

	// A node with no required ports is always ready.
	assert.True(t, ec.IsNodeReady("n1"))
}

func TestOutputByNameSharesCanonicalStore(t *testing.T) {
	ec := newTestContext(t, twoNodeWorkflow())

	out := map[string]any{"main": map[string]any{"v": 1}}
	ec.SetOutput("n1", out)

	byID, ok := ec.OutputByID("n1")
	require.True(t, ok)
	byName, ok := ec.OutputByName("Start")
	require.True(t, ok)

	// Same record, not a copy: mutating one is visible through the other.
	byID["extra"] = true
	assert.Equal(t, byName["extra"], true)
	assert.Equal(t, byID, byName)
}

func TestContextDataKeysNodesByName(t *testing.T) {
	ec := newTestContext(t, twoNodeWorkflow())
	ec.SetOutput("n1", map[string]any{"main": map[string]any{"v": 1}})

	data := ec.ContextData()
	assert.Equal(t, map[string]any{"user": "ada"}, data["trigger"])
	nodes := data["nodes"].(map[string]any)
	assert.Contains(t, nodes, "Start")
	assert.NotContains(t, nodes, "n1")
}

func TestActivationLifecycle(t *testing.T) {
	wf := twoNodeWorkflow()
	ec := newTestContext(t, wf)

	node := &wf.Nodes[0]
	ne := ec.BeginActivation(node, map[string]any{"k": "v"}, "")
	assert.Equal(t, schema.NodeStatusRunning, ne.Status)
	assert.NotEmpty(t, ne.ActivationID)
	assert.Equal(t, 1, ne.Metrics.RunCount)

	ec.FinishActivation(ne, schema.NodeStatusCompleted)
	assert.NotNil(t, ne.EndedAt)
	assert.Equal(t, []string{"n1"}, ec.Execution.ExecutionSequence)

	// Second activation of the same node gets a new id and run count.
	ne2 := ec.BeginActivation(node, nil, ne.ActivationID)
	assert.NotEqual(t, ne.ActivationID, ne2.ActivationID)
	assert.Equal(t, 2, ne2.Metrics.RunCount)
	assert.Equal(t, ne.ActivationID, ne2.ParentActivationID)
	assert.Len(t, ec.Execution.NodeRuns["n1"], 2)
}

func TestFinishActivationOnlySequencesCompletions(t *testing.T) {
	wf := twoNodeWorkflow()
	ec := newTestContext(t, wf)

	ne := ec.BeginActivation(&wf.Nodes[0], nil, "")
	ec.FinishActivation(ne, schema.NodeStatusFailed)
	assert.Empty(t, ec.Execution.ExecutionSequence)
}
