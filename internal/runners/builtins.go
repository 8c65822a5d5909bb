package runners

import (
	"context"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/pkg/schema"
)

// mainInput pulls the conventional "main" port from a node's inputs, falling
// back to the whole input map.
func mainInput(inputs map[string]any) map[string]any {
	if v, ok := inputs["main"]; ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
		return map[string]any{"value": v}
	}
	return inputs
}

// Trigger emits the trigger payload as its main output. Trigger nodes are
// graph sources; their inputs are empty.
type Trigger struct{}

func NewTrigger() *Trigger { return &Trigger{} }

func (t *Trigger) Run(_ context.Context, _ *schema.Node, _ map[string]any, trigger schema.TriggerInfo) (map[string]any, error) {
	data := trigger.TriggerData
	if data == nil {
		data = map[string]any{}
	}
	return map[string]any{"main": data}, nil
}

// Noop passes its main input through unchanged.
type Noop struct{}

func NewNoop() *Noop { return &Noop{} }

func (n *Noop) Run(_ context.Context, _ *schema.Node, inputs map[string]any, _ schema.TriggerInfo) (map[string]any, error) {
	return map[string]any{"main": mainInput(inputs)}, nil
}

// Set overlays the node's "values" parameter onto the main input.
type Set struct{}

func NewSet() *Set { return &Set{} }

func (s *Set) Run(_ context.Context, node *schema.Node, inputs map[string]any, _ schema.TriggerInfo) (map[string]any, error) {
	out := make(map[string]any)
	for k, v := range mainInput(inputs) {
		out[k] = v
	}
	if values, ok := node.Parameters["values"].(map[string]any); ok {
		for k, v := range values {
			out[k] = v
		}
	}
	return map[string]any{"main": out}, nil
}

// Condition evaluates the node's "expression" parameter over the main input
// and routes it to the "true" or "false" port.
type Condition struct {
	cel *expressions.CELEngine
}

func NewCondition() (*Condition, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Condition{cel: cel}, nil
}

func (c *Condition) Run(ctx context.Context, node *schema.Node, inputs map[string]any, trigger schema.TriggerInfo) (map[string]any, error) {
	expr, ok := node.Parameters["expression"].(string)
	if !ok || expr == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"condition node has no expression parameter").WithNode(node.ID)
	}

	source := mainInput(inputs)
	out, err := c.cel.Evaluate(ctx, expr, map[string]any{
		"source":  source,
		"trigger": trigger.TriggerData,
	})
	if err != nil {
		return nil, err
	}

	port := "false"
	if b, ok := out.(bool); ok && b {
		port = "true"
	}
	return map[string]any{port: source}, nil
}

// Transform applies the node's "query" parameter (a jq program) to the main
// input.
type Transform struct {
	jq *expressions.GoJQEngine
}

func NewTransform() *Transform {
	return &Transform{jq: expressions.NewGoJQEngine()}
}

func (t *Transform) Run(ctx context.Context, node *schema.Node, inputs map[string]any, _ schema.TriggerInfo) (map[string]any, error) {
	query, ok := node.Parameters["query"].(string)
	if !ok || query == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"transform node has no query parameter").WithNode(node.ID)
	}
	out, err := t.jq.Evaluate(ctx, query, mainInput(inputs))
	if err != nil {
		return nil, err
	}
	if m, ok := out.(map[string]any); ok {
		return map[string]any{"main": m}, nil
	}
	return map[string]any{"main": map[string]any{"result": out}}, nil
}

// Iterate emits the list under the node's "items_field" parameter (default
// "items") on the iteration port, fanning out one child per element.
type Iterate struct{}

func NewIterate() *Iterate { return &Iterate{} }

func (i *Iterate) Run(_ context.Context, node *schema.Node, inputs map[string]any, _ schema.TriggerInfo) (map[string]any, error) {
	field := "items"
	if f, ok := node.Parameters["items_field"].(string); ok && f != "" {
		field = f
	}

	source := mainInput(inputs)
	items, ok := source[field].([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"iterate node input field %q is not a list", field).WithNode(node.ID)
	}
	return map[string]any{
		engine.IterationPort: items,
		"main":               source,
	}, nil
}

// Merge folds every input port into one object keyed by port name.
type Merge struct{}

func NewMerge() *Merge { return &Merge{} }

func (m *Merge) Run(_ context.Context, _ *schema.Node, inputs map[string]any, _ schema.TriggerInfo) (map[string]any, error) {
	merged := make(map[string]any, len(inputs))
	for port, v := range inputs {
		merged[port] = v
	}
	return map[string]any{"main": merged}, nil
}

// Delay suspends the execution for the node's "delay_ms" parameter.
type Delay struct{}

func NewDelay() *Delay { return &Delay{} }

func (d *Delay) Run(_ context.Context, node *schema.Node, inputs map[string]any, _ schema.TriggerInfo) (map[string]any, error) {
	ms, ok := asNumber(node.Parameters["delay_ms"])
	if !ok || ms <= 0 {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"delay node needs a positive delay_ms parameter").WithNode(node.ID)
	}
	return map[string]any{
		engine.MarkerDelayMs: ms,
		"main":               mainInput(inputs),
	}, nil
}

// Wait suspends the execution until an external resume, optionally bounded
// by the "timeout_ms" parameter.
type Wait struct{}

func NewWait() *Wait { return &Wait{} }

func (w *Wait) Run(_ context.Context, node *schema.Node, inputs map[string]any, _ schema.TriggerInfo) (map[string]any, error) {
	out := map[string]any{
		engine.MarkerWait: true,
		"main":            mainInput(inputs),
	}
	if ms, ok := asNumber(node.Parameters["timeout_ms"]); ok && ms > 0 {
		out[engine.MarkerWaitTimeoutMs] = ms
	}
	return out, nil
}

// Approval suspends the execution pending a human response. The response is
// classified into the confirmed/rejected/response ports on resume.
type Approval struct{}

func NewApproval() *Approval { return &Approval{} }

func (a *Approval) Run(_ context.Context, node *schema.Node, inputs map[string]any, _ schema.TriggerInfo) (map[string]any, error) {
	out := map[string]any{
		engine.MarkerHILWait:        true,
		engine.MarkerHILInteraction: uuid.NewString(),
		"main":                      mainInput(inputs),
	}
	if prompt, ok := node.Parameters["prompt"].(string); ok && prompt != "" {
		out["prompt"] = prompt
	}
	if secs, ok := asNumber(node.Parameters["timeout_seconds"]); ok && secs > 0 {
		out[engine.MarkerHILTimeoutSecs] = secs
	}
	return out, nil
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
