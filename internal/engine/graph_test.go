package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/schema"
)

func TestBuildGraphResolvesNamesAndIDs(t *testing.T) {
	wf := &schema.Workflow{
		ID: "wf-1",
		Nodes: []schema.Node{
			{ID: "n1", Name: "Start", Type: "trigger"},
			{ID: "n2", Name: "End", Type: "noop"},
		},
		Connections: schema.ConnectionsMap{
			"Start": {schema.ConnectionMain: {{TargetNode: "n2"}}},
		},
	}

	g, err := BuildGraph(wf)
	require.NoError(t, err)

	edges := g.Successors("n1")
	require.Len(t, edges, 1)
	assert.Equal(t, "n2", edges[0].TargetID)
	assert.Equal(t, "main", edges[0].ToPort)

	id, ok := g.NodeIDByName("End")
	require.True(t, ok)
	assert.Equal(t, "n2", id)
}

func TestBuildGraphRejectsDuplicates(t *testing.T) {
	_, err := BuildGraph(&schema.Workflow{
		Nodes: []schema.Node{
			{ID: "n1", Name: "A", Type: "noop"},
			{ID: "n1", Name: "B", Type: "noop"},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate node id")

	_, err = BuildGraph(&schema.Workflow{
		Nodes: []schema.Node{
			{ID: "n1", Name: "A", Type: "noop"},
			{ID: "n2", Name: "A", Type: "noop"},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate node name")
}

func TestBuildGraphRejectsUnknownTarget(t *testing.T) {
	_, err := BuildGraph(&schema.Workflow{
		Nodes: []schema.Node{{ID: "n1", Name: "A", Type: "noop"}},
		Connections: schema.ConnectionsMap{
			"n1": {schema.ConnectionMain: {{TargetNode: "ghost"}}},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown target node "ghost"`)
}

func TestBuildGraphRejectsCycleNamingNodes(t *testing.T) {
	_, err := BuildGraph(&schema.Workflow{
		Nodes: []schema.Node{
			{ID: "node-1", Name: "Fetch", Type: "noop"},
			{ID: "node-2", Name: "Transform", Type: "noop"},
		},
		Connections: schema.ConnectionsMap{
			"node-1": {schema.ConnectionMain: {{TargetNode: "node-2"}}},
			"node-2": {schema.ConnectionMain: {{TargetNode: "node-1"}}},
		},
	})
	require.Error(t, err)

	ferr, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeCycleDetected, ferr.Code)
	// The message shows human-readable node names, not raw ids.
	assert.Contains(t, ferr.Message, "Fetch")
	assert.Contains(t, ferr.Message, "Transform")
	assert.NotContains(t, ferr.Message, "node-1")
}

func TestSourcesAreNodesWithoutRequiredInputs(t *testing.T) {
	wf := &schema.Workflow{
		Nodes: []schema.Node{
			{ID: "t1", Name: "Trigger", Type: "trigger"},
			{ID: "n1", Name: "Work", Type: "noop"},
			{ID: "n2", Name: "Optional", Type: "noop",
				InputPorts: []schema.Port{{Name: "main", Required: false}}},
		},
		Connections: schema.ConnectionsMap{
			"t1": {schema.ConnectionMain: {
				{TargetNode: "n1"},
				{TargetNode: "n2"},
			}},
		},
	}

	g, err := BuildGraph(wf)
	require.NoError(t, err)

	// n1's targeted port is undeclared, so it is required; n2 declared its
	// port optional and stays a source.
	assert.Equal(t, []string{"t1", "n2"}, g.Sources(wf))
}

func TestTopoOrderRespectsEdges(t *testing.T) {
	wf := &schema.Workflow{
		Nodes: []schema.Node{
			{ID: "a", Name: "A", Type: "noop"},
			{ID: "b", Name: "B", Type: "noop"},
			{ID: "c", Name: "C", Type: "noop"},
			{ID: "d", Name: "D", Type: "noop"},
		},
		Connections: schema.ConnectionsMap{
			"a": {schema.ConnectionMain: {{TargetNode: "b"}, {TargetNode: "c"}}},
			"b": {schema.ConnectionMain: {{TargetNode: "d"}}},
			"c": {schema.ConnectionMain: {{TargetNode: "d"}}},
		},
	}

	g, err := BuildGraph(wf)
	require.NoError(t, err)

	order := g.TopoOrder()
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	assert.Less(t, pos["a"], pos["b"])
	assert.Less(t, pos["a"], pos["c"])
	assert.Less(t, pos["b"], pos["d"])
	assert.Less(t, pos["c"], pos["d"])
}
