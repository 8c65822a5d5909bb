package schema

import "time"

// Workflow is the JSON-serializable workflow graph: an ordered list of nodes
// plus the connections between their ports. Immutable during a run.
type Workflow struct {
	ID          string         `json:"id"`
	Name        string         `json:"name,omitempty"`
	Version     int            `json:"version"`
	Nodes       []Node         `json:"nodes"`
	Connections ConnectionsMap `json:"connections"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ConnectionsMap is keyed by source node (name or id), then connection type.
// Connection lists preserve declared order.
type ConnectionsMap map[string]map[ConnectionType][]Connection

// ConnectionType distinguishes main data flow from AI-attachment edges.
type ConnectionType string

const (
	ConnectionMain            ConnectionType = "MAIN"
	ConnectionAILanguageModel ConnectionType = "AI_LANGUAGE_MODEL"
	ConnectionAITool          ConnectionType = "AI_TOOL"
	ConnectionAIMemory        ConnectionType = "AI_MEMORY"
	ConnectionAIEmbedding     ConnectionType = "AI_EMBEDDING"
)

// Node is a unit of work in the workflow graph, executed by a type-specific Runner.
type Node struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Subtype     string         `json:"subtype,omitempty"`
	Config      NodeConfig     `json:"config,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	InputPorts  []Port         `json:"input_ports,omitempty"`
	OutputPorts []Port         `json:"output_ports,omitempty"`
}

// RunnerType returns the key used to look up the node's Runner.
func (n *Node) RunnerType() string {
	if n.Subtype != "" {
		return n.Type + "." + n.Subtype
	}
	return n.Type
}

// Port is a named input/output slot on a node.
type Port struct {
	Name     string `json:"name"`
	Required bool   `json:"required,omitempty"`
}

// NodeConfig is the per-node execution policy bag.
type NodeConfig struct {
	RetryAttempts       int     `json:"retry_attempts,omitempty"`
	RetryBackoffSeconds float64 `json:"retry_backoff_seconds,omitempty"`
	RetryBackoffFactor  float64 `json:"retry_backoff_factor,omitempty"`
	RetryJitterSeconds  float64 `json:"retry_jitter_seconds,omitempty"`
	TimeoutSeconds      float64 `json:"timeout_seconds,omitempty"`
	CreditCost          int     `json:"credit_cost,omitempty"`
}

// Connection is a directed edge from one node's output port to another
// node's input port, with an optional in-flight data mapping.
type Connection struct {
	TargetNode string       `json:"target_node"`
	TargetPort string       `json:"target_port,omitempty"`
	FromPort   string       `json:"from_port,omitempty"`
	Index      int          `json:"index,omitempty"`
	Mapping    *DataMapping `json:"mapping,omitempty"`

	// ConversionFunction is an optional expr-lang expression applied to the
	// value in flight, with `value` bound to the mapped payload. Evaluation
	// errors are non-fatal: the original value passes through.
	ConversionFunction string `json:"conversion_function,omitempty"`
}

// TriggerInfo describes the event that started an execution.
type TriggerInfo struct {
	TriggerType string         `json:"trigger_type"`
	TriggerData map[string]any `json:"trigger_data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}
