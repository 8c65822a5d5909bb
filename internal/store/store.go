package store

import (
	"context"
	"time"

	"github.com/loomworks/loom/pkg/schema"
)

// Repository is the persistence contract for executions, the workflows they
// run, scheduled timers, cron schedules, encrypted secrets and the
// append-only event log.
// All implementations must be safe for concurrent use.
type Repository interface {
	// Executions
	SaveExecution(ctx context.Context, exec *schema.Execution) error
	GetExecution(ctx context.Context, id string) (*schema.Execution, error)
	ListExecutions(ctx context.Context, limit, offset int) ([]*schema.Execution, error)

	// Workflows, versioned so suspended executions can be rebuilt later.
	SaveWorkflow(ctx context.Context, wf *schema.Workflow) error
	GetWorkflow(ctx context.Context, id string, version int) (*schema.Workflow, error)

	// Timers
	SaveTimer(ctx context.Context, timer schema.Timer) error
	DueTimers(ctx context.Context, now time.Time) ([]schema.Timer, error)
	DeleteTimer(ctx context.Context, id string) error

	// Schedules (cron-driven workflow runs)
	SaveSchedule(ctx context.Context, sched *schema.Schedule) error
	GetSchedule(ctx context.Context, id string) (*schema.Schedule, error)
	ListSchedules(ctx context.Context, enabledOnly bool) ([]*schema.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error

	// Secrets (values arrive already encrypted; the store never sees plaintext)
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *schema.Event) error
	ListEvents(ctx context.Context, executionID string, since int64) ([]schema.Event, error)

	// Lifecycle
	Close() error
}
