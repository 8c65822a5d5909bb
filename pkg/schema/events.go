package schema

import "time"

// Event is one engine notification, consumed by logging and streaming
// bridges.
type Event struct {
	Type        string         `json:"type"`
	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id,omitempty"`
	NodeID      string         `json:"node_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data,omitempty"`

	// Sequence is assigned by the event log, monotonically per execution.
	Sequence int64 `json:"sequence,omitempty"`
}

// Event type constants emitted by the engine through the EventPublisher.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionPaused    = "execution_paused"
	EventExecutionResumed   = "execution_resumed"
	EventExecutionCancelled = "execution_cancelled"

	EventNodeStarted      = "node_started"
	EventNodeCompleted    = "node_completed"
	EventNodeFailed       = "node_failed"
	EventNodeRetrying     = "node_retrying"
	EventNodeOutputUpdate = "node_output_update"

	EventUserInputRequired = "user_input_required"
	EventTimerScheduled    = "timer_scheduled"
)

// ExecutionStatus represents the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning         ExecutionStatus = "running"
	ExecutionStatusSuccess         ExecutionStatus = "success"
	ExecutionStatusError           ExecutionStatus = "error"
	ExecutionStatusWaiting         ExecutionStatus = "waiting"
	ExecutionStatusWaitingForHuman ExecutionStatus = "waiting_for_human"
	ExecutionStatusPaused          ExecutionStatus = "paused"
	ExecutionStatusCancelled       ExecutionStatus = "cancelled"
)

// Terminal reports whether the execution status is final.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusSuccess || s == ExecutionStatusError || s == ExecutionStatusCancelled
}

// NodeStatus represents the lifecycle state of a node activation.
type NodeStatus string

const (
	NodeStatusPending      NodeStatus = "pending"
	NodeStatusRunning      NodeStatus = "running"
	NodeStatusRetrying     NodeStatus = "retrying"
	NodeStatusCompleted    NodeStatus = "completed"
	NodeStatusFailed       NodeStatus = "failed"
	NodeStatusWaitingInput NodeStatus = "waiting_input"
)
