package schema

import "time"

// Timer reasons recorded when an execution parks on a wall-clock event.
const (
	TimerReasonDelay       = "delay"
	TimerReasonWaitTimeout = "wait_timeout"
	TimerReasonHILTimeout  = "hil_timeout"
)

// Timer is one scheduled resume for a suspended execution.
type Timer struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	NodeID      string         `json:"node_id"`
	FireAt      time.Time      `json:"fire_at"`
	Reason      string         `json:"reason"`
	Port        string         `json:"port,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}
