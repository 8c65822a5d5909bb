package engine

import (
	"context"

	"github.com/loomworks/loom/pkg/schema"
)

// Runner executes one node type. Implementations are pure with respect to
// engine state: (node, inputs, trigger) -> outputs, plus marker keys the
// engine interprets.
type Runner interface {
	Run(ctx context.Context, node *schema.Node, inputs map[string]any, trigger schema.TriggerInfo) (map[string]any, error)
}

// RunnerRegistry resolves a node's RunnerType to its Runner.
type RunnerRegistry interface {
	Get(runnerType string) (Runner, bool)
}

// Output marker keys a Runner may set, interpreted by the engine in priority
// order: _hil_wait beats _wait beats _delay_ms.
const (
	// MarkerHILWait suspends the execution pending a human response.
	MarkerHILWait        = "_hil_wait"
	MarkerHILInteraction = "_hil_interaction_id"
	MarkerHILTimeoutSecs = "_hil_timeout_seconds"

	// MarkerWait suspends pending an external resume, optionally bounded by
	// MarkerWaitTimeoutMs.
	MarkerWait          = "_wait"
	MarkerWaitTimeoutMs = "_wait_timeout_ms"

	// MarkerDelayMs schedules a timer resume after the given milliseconds.
	MarkerDelayMs = "_delay_ms"

	// MarkerStreamChunks carries partial progress chunks published as
	// node_output_update events.
	MarkerStreamChunks = "_stream_chunks"

	// MarkerDetails patches the node's metrics details map.
	MarkerDetails = "_details"

	// MarkerTokens carries {input, output} LLM token counters merged into
	// execution aggregates.
	MarkerTokens = "_tokens"
)

// IterationPort is the output port whose list value fans out into one child
// activation per item on the successor edges.
const IterationPort = "iteration"
