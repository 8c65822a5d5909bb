package engine

import (
	"github.com/loomworks/loom/pkg/schema"
)

// executionTransitions is the allowed state machine for an execution.
// WAITING and WAITING_FOR_HUMAN are resumable back to RUNNING.
var executionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusRunning: {
		schema.ExecutionStatusSuccess,
		schema.ExecutionStatusError,
		schema.ExecutionStatusWaiting,
		schema.ExecutionStatusWaitingForHuman,
		schema.ExecutionStatusPaused,
		schema.ExecutionStatusCancelled,
	},
	schema.ExecutionStatusWaiting: {
		schema.ExecutionStatusRunning,
		schema.ExecutionStatusError,
		schema.ExecutionStatusCancelled,
	},
	schema.ExecutionStatusWaitingForHuman: {
		schema.ExecutionStatusRunning,
		schema.ExecutionStatusError,
		schema.ExecutionStatusCancelled,
	},
	schema.ExecutionStatusPaused: {
		schema.ExecutionStatusRunning,
		schema.ExecutionStatusCancelled,
	},
}

// nodeTransitions is the allowed state machine for a node activation.
var nodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodeStatusPending: {
		schema.NodeStatusRunning,
	},
	schema.NodeStatusRunning: {
		schema.NodeStatusRetrying,
		schema.NodeStatusCompleted,
		schema.NodeStatusFailed,
		schema.NodeStatusWaitingInput,
	},
	schema.NodeStatusRetrying: {
		schema.NodeStatusRunning,
	},
	schema.NodeStatusWaitingInput: {
		schema.NodeStatusRunning,
		schema.NodeStatusCompleted,
		schema.NodeStatusFailed,
	},
	schema.NodeStatusFailed: {
		// retry_node resets a failed record for manual re-drive.
		schema.NodeStatusPending,
	},
}

// CanTransitionExecution reports whether from -> to is a legal execution
// status change.
func CanTransitionExecution(from, to schema.ExecutionStatus) bool {
	for _, allowed := range executionTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TransitionExecution applies a status change to an execution, rejecting
// illegal moves with INVALID_TRANSITION.
func TransitionExecution(exec *schema.Execution, to schema.ExecutionStatus) error {
	if exec.Status == to {
		return nil
	}
	if !CanTransitionExecution(exec.Status, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %s cannot move from %s to %s", exec.ID, exec.Status, to)
	}
	exec.Status = to
	return nil
}

// CanTransitionNode reports whether from -> to is a legal node status change.
func CanTransitionNode(from, to schema.NodeStatus) bool {
	for _, allowed := range nodeTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TransitionNode applies a status change to a node activation, rejecting
// illegal moves with INVALID_TRANSITION.
func TransitionNode(ne *schema.NodeExecution, to schema.NodeStatus) error {
	if ne.Status == to {
		return nil
	}
	if !CanTransitionNode(ne.Status, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"node %s cannot move from %s to %s", ne.NodeID, ne.Status, to).
			WithNode(ne.NodeID)
	}
	ne.Status = to
	return nil
}
