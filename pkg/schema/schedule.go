package schema

import "time"

// Schedule fires a stored workflow on a cron expression. Five-field specs
// plus the @hourly/@daily descriptors are accepted.
type Schedule struct {
	ID              string         `json:"id"`
	WorkflowID      string         `json:"workflow_id"`
	WorkflowVersion int            `json:"workflow_version"`
	CronExpr        string         `json:"cron_expr"`
	TriggerData     map[string]any `json:"trigger_data,omitempty"`
	Enabled         bool           `json:"enabled"`
	CreatedAt       time.Time      `json:"created_at"`
	LastRunAt       *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time     `json:"next_run_at,omitempty"`
	LastRunStatus   string         `json:"last_run_status,omitempty"`
}
