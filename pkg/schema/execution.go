package schema

import "time"

// Execution is the persisted record of one workflow run.
type Execution struct {
	ID              string          `json:"id"`
	WorkflowID      string          `json:"workflow_id"`
	WorkflowVersion int             `json:"workflow_version"`
	Status          ExecutionStatus `json:"status"`
	StartedAt       time.Time       `json:"started_at"`
	EndedAt         *time.Time      `json:"ended_at,omitempty"`

	// NodeExecutions holds the latest activation per node id.
	NodeExecutions map[string]*NodeExecution `json:"node_executions"`

	// NodeRuns is the full activation history per node id, in run order.
	// Fan-out children and retries each append an entry.
	NodeRuns map[string][]*NodeExecution `json:"node_runs,omitempty"`

	// ExecutionSequence records node ids in completion order.
	ExecutionSequence []string `json:"execution_sequence,omitempty"`

	TokensInput  int `json:"tokens_input,omitempty"`
	TokensOutput int `json:"tokens_output,omitempty"`
	CreditsUsed  int `json:"credits_used,omitempty"`

	// CurrentNodeID is set while the execution is suspended.
	CurrentNodeID string `json:"current_node_id,omitempty"`

	Trigger TriggerInfo     `json:"trigger"`
	Error   *ExecutionError `json:"error,omitempty"`
}

// NodeExecution is the record of a single node activation.
type NodeExecution struct {
	NodeID   string     `json:"node_id"`
	NodeName string     `json:"node_name"`
	NodeType string     `json:"node_type"`
	Status   NodeStatus `json:"status"`

	InputData  map[string]any `json:"input_data,omitempty"`
	OutputData map[string]any `json:"output_data,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	DurationMs int64      `json:"duration_ms,omitempty"`

	// ActivationID is unique within the execution. Fan-out children share
	// one ParentActivationID.
	ActivationID       string `json:"activation_id"`
	ParentActivationID string `json:"parent_activation_id,omitempty"`

	Error   *NodeError  `json:"error,omitempty"`
	Metrics NodeMetrics `json:"metrics,omitempty"`
}

// NodeMetrics aggregates per-node counters.
type NodeMetrics struct {
	RunCount int            `json:"run_count,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// NodeError describes a node-level failure.
type NodeError struct {
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
	IsRetryable bool           `json:"is_retryable"`
	Timestamp   time.Time      `json:"timestamp"`
}

// ExecutionError describes an execution-level failure.
type ExecutionError struct {
	Code        string    `json:"code"`
	Message     string    `json:"message"`
	ErrorNodeID string    `json:"error_node_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// TokenUsage carries LLM token counters reported by a Runner via _tokens.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}
