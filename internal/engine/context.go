package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/schema"
)

// ExecutionContext is the live, mutable state of one run. It is owned by the
// single driver goroutine processing the execution; nothing here is safe for
// concurrent mutation.
type ExecutionContext struct {
	Workflow  *schema.Workflow
	Graph     *Graph
	Execution *schema.Execution

	// pendingInputs accumulates delivered values per node and port. Multiple
	// deliveries to the same port append in arrival order.
	pendingInputs map[string]map[string][]any

	// outputs is the canonical output store, keyed by node id. Name lookups
	// go through the graph's name index; there is no second copy.
	outputs map[string]map[string]any

	// activated tracks nodes that already ran once, so ordinary propagation
	// never re-enqueues a finished node. Fan-out children bypass this via
	// task overrides.
	activated map[string]bool
}

// NewExecutionContext creates the context and its execution record.
func NewExecutionContext(wf *schema.Workflow, g *Graph, trigger schema.TriggerInfo) *ExecutionContext {
	exec := &schema.Execution{
		ID:              uuid.NewString(),
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		Status:          schema.ExecutionStatusRunning,
		StartedAt:       time.Now().UTC(),
		NodeExecutions:  make(map[string]*schema.NodeExecution),
		NodeRuns:        make(map[string][]*schema.NodeExecution),
		Trigger:         trigger,
	}
	return &ExecutionContext{
		Workflow:      wf,
		Graph:         g,
		Execution:     exec,
		pendingInputs: make(map[string]map[string][]any),
		outputs:       make(map[string]map[string]any),
		activated:     make(map[string]bool),
	}
}

// RestoreExecutionContext rebuilds a context around a persisted execution,
// for resume operations. Pending inputs and outputs are reconstructed by the
// engine replaying completed activations.
func RestoreExecutionContext(wf *schema.Workflow, g *Graph, exec *schema.Execution) *ExecutionContext {
	if exec.NodeExecutions == nil {
		exec.NodeExecutions = make(map[string]*schema.NodeExecution)
	}
	if exec.NodeRuns == nil {
		exec.NodeRuns = make(map[string][]*schema.NodeExecution)
	}
	// Deserialization leaves NodeExecutions and NodeRuns holding separate
	// copies of the same activation. Re-point NodeExecutions at the run
	// history record so updates during resume land in both views.
	for nodeID, ne := range exec.NodeExecutions {
		runs := exec.NodeRuns[nodeID]
		for i := len(runs) - 1; i >= 0; i-- {
			if runs[i].ActivationID == ne.ActivationID {
				exec.NodeExecutions[nodeID] = runs[i]
				break
			}
		}
	}
	return &ExecutionContext{
		Workflow:      wf,
		Graph:         g,
		Execution:     exec,
		pendingInputs: make(map[string]map[string][]any),
		outputs:       make(map[string]map[string]any),
		activated:     make(map[string]bool),
	}
}

// AddInput appends a delivered value to a node's pending inputs.
func (c *ExecutionContext) AddInput(nodeID, port string, value any) {
	ports, ok := c.pendingInputs[nodeID]
	if !ok {
		ports = make(map[string][]any)
		c.pendingInputs[nodeID] = ports
	}
	ports[port] = append(ports[port], value)
}

// Inputs materializes a node's pending inputs for its Runner: ports with a
// single delivery present the value directly, ports with several present the
// ordered list.
func (c *ExecutionContext) Inputs(nodeID string) map[string]any {
	ports := c.pendingInputs[nodeID]
	inputs := make(map[string]any, len(ports))
	for port, values := range ports {
		if len(values) == 1 {
			inputs[port] = values[0]
		} else {
			inputs[port] = append([]any{}, values...)
		}
	}
	return inputs
}

// PendingValues returns the raw ordered delivery list for one port.
func (c *ExecutionContext) PendingValues(nodeID, port string) []any {
	return c.pendingInputs[nodeID][port]
}

// IsNodeReady reports whether every required input port of the node has at
// least one delivered value.
func (c *ExecutionContext) IsNodeReady(nodeID string) bool {
	for port := range c.Graph.RequiredPorts(nodeID) {
		if len(c.pendingInputs[nodeID][port]) == 0 {
			return false
		}
	}
	return true
}

// SetOutput records a node's outputs in the canonical store.
func (c *ExecutionContext) SetOutput(nodeID string, outputs map[string]any) {
	c.outputs[nodeID] = outputs
}

// OutputByID returns a node's recorded outputs.
func (c *ExecutionContext) OutputByID(nodeID string) (map[string]any, bool) {
	out, ok := c.outputs[nodeID]
	return out, ok
}

// OutputByName resolves a node name through the graph index and returns the
// same record OutputByID would.
func (c *ExecutionContext) OutputByName(name string) (map[string]any, bool) {
	id, ok := c.Graph.NodeIDByName(name)
	if !ok {
		return nil, false
	}
	return c.OutputByID(id)
}

// MarkActivated records that a node consumed its pending inputs and ran.
func (c *ExecutionContext) MarkActivated(nodeID string) {
	c.activated[nodeID] = true
}

// Activated reports whether a node already ran in this execution.
func (c *ExecutionContext) Activated(nodeID string) bool {
	return c.activated[nodeID]
}

// ContextData builds the execution-scoped environment handed to mappings,
// templates and scripts: the trigger payload plus completed node outputs
// keyed by node name.
func (c *ExecutionContext) ContextData() map[string]any {
	nodes := make(map[string]any, len(c.outputs))
	for id, out := range c.outputs {
		if node, ok := c.Graph.Node(id); ok {
			nodes[node.Name] = out
		}
	}
	return map[string]any{
		"trigger": c.Execution.Trigger.TriggerData,
		"nodes":   nodes,
	}
}

// BeginActivation creates and registers a NodeExecution in RUNNING state with
// a fresh activation id. parentActivationID is non-empty for fan-out children.
func (c *ExecutionContext) BeginActivation(node *schema.Node, inputs map[string]any, parentActivationID string) *schema.NodeExecution {
	now := time.Now().UTC()
	ne := &schema.NodeExecution{
		NodeID:             node.ID,
		NodeName:           node.Name,
		NodeType:           node.RunnerType(),
		Status:             schema.NodeStatusRunning,
		InputData:          inputs,
		StartedAt:          &now,
		ActivationID:       uuid.NewString(),
		ParentActivationID: parentActivationID,
	}
	c.Execution.NodeExecutions[node.ID] = ne
	c.Execution.NodeRuns[node.ID] = append(c.Execution.NodeRuns[node.ID], ne)
	ne.Metrics.RunCount = len(c.Execution.NodeRuns[node.ID])
	return ne
}

// FinishActivation stamps end time and duration on a node activation.
func (c *ExecutionContext) FinishActivation(ne *schema.NodeExecution, status schema.NodeStatus) {
	now := time.Now().UTC()
	ne.Status = status
	ne.EndedAt = &now
	if ne.StartedAt != nil {
		ne.DurationMs = now.Sub(*ne.StartedAt).Milliseconds()
	}
	if status == schema.NodeStatusCompleted {
		c.Execution.ExecutionSequence = append(c.Execution.ExecutionSequence, ne.NodeID)
	}
}
