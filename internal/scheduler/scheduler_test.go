package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/schema"
)

// mockRunner records the workflow runs the scheduler starts.
type mockRunner struct {
	mu    sync.Mutex
	calls []runCall
	err   error
}

type runCall struct {
	WorkflowID string
	Trigger    schema.TriggerInfo
}

func (r *mockRunner) Run(_ context.Context, wf *schema.Workflow, trigger schema.TriggerInfo) (*schema.Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, runCall{WorkflowID: wf.ID, Trigger: trigger})
	if r.err != nil {
		return nil, r.err
	}
	return &schema.Execution{ID: "exec-1", WorkflowID: wf.ID}, nil
}

func (r *mockRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestScheduler(t *testing.T) (*Scheduler, *store.Memory, *mockRunner) {
	t.Helper()
	repo := store.NewMemory()
	runner := &mockRunner{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(repo, runner, logger), repo, runner
}

func saveWorkflow(t *testing.T, repo *store.Memory, id string) {
	t.Helper()
	require.NoError(t, repo.SaveWorkflow(context.Background(), &schema.Workflow{
		ID:    id,
		Name:  id,
		Nodes: []schema.Node{{ID: "n1", Name: "Step", Type: "noop"}},
	}))
}

func TestCalculateNextRun(t *testing.T) {
	sched, _, _ := newTestScheduler(t)
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	// Every hour at minute 0.
	next, err := sched.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	// Every 15 minutes.
	next, err = sched.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	// Daily descriptor.
	next, err = sched.CalculateNextRun("@daily", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC), next)

	// Invalid expression.
	_, err = sched.CalculateNextRun("invalid cron", from)
	require.Error(t, err)
}

func TestRegisterStampsNextRun(t *testing.T) {
	sched, repo, _ := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, sched.Register(ctx, &schema.Schedule{
		ID:         "sched-1",
		WorkflowID: "wf-1",
		CronExpr:   "0 * * * *",
		Enabled:    true,
	}))

	got, err := repo.GetSchedule(ctx, "sched-1")
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
	assert.False(t, got.CreatedAt.IsZero())
}

func TestRegisterRejectsBadCron(t *testing.T) {
	sched, _, _ := newTestScheduler(t)

	err := sched.Register(context.Background(), &schema.Schedule{
		ID: "bad", WorkflowID: "wf-1", CronExpr: "not a cron",
	})
	require.Error(t, err)

	err = sched.Register(context.Background(), &schema.Schedule{
		ID: "no-wf", CronExpr: "0 * * * *",
	})
	require.Error(t, err)
}

func TestTickRunsDueSchedules(t *testing.T) {
	sched, repo, runner := newTestScheduler(t)
	ctx := context.Background()
	saveWorkflow(t, repo, "wf-due")
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, repo.SaveSchedule(ctx, &schema.Schedule{
		ID:         "sched-due",
		WorkflowID: "wf-due",
		CronExpr:   "0 * * * *",
		Enabled:    true,
		NextRunAt:  &past,
	}))

	sched.tick(ctx)

	assert.Equal(t, 1, runner.callCount())

	got, err := repo.GetSchedule(ctx, "sched-due")
	require.NoError(t, err)
	assert.NotNil(t, got.LastRunAt)
	assert.NotNil(t, got.NextRunAt)
	assert.Equal(t, "success", got.LastRunStatus)
}

func TestTickSkipsNotDueSchedules(t *testing.T) {
	sched, repo, runner := newTestScheduler(t)
	ctx := context.Background()
	saveWorkflow(t, repo, "wf-future")
	future := time.Now().UTC().Add(time.Hour)

	require.NoError(t, repo.SaveSchedule(ctx, &schema.Schedule{
		ID:         "sched-future",
		WorkflowID: "wf-future",
		CronExpr:   "0 * * * *",
		Enabled:    true,
		NextRunAt:  &future,
	}))

	sched.tick(ctx)

	assert.Equal(t, 0, runner.callCount())
}

func TestTickSkipsDisabledSchedules(t *testing.T) {
	sched, repo, runner := newTestScheduler(t)
	ctx := context.Background()
	saveWorkflow(t, repo, "wf-off")
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, repo.SaveSchedule(ctx, &schema.Schedule{
		ID:         "sched-off",
		WorkflowID: "wf-off",
		CronExpr:   "0 * * * *",
		Enabled:    false,
		NextRunAt:  &past,
	}))

	sched.tick(ctx)

	assert.Equal(t, 0, runner.callCount())
}

func TestTickTreatsNilNextRunAsDue(t *testing.T) {
	sched, repo, runner := newTestScheduler(t)
	ctx := context.Background()
	saveWorkflow(t, repo, "wf-nil")

	require.NoError(t, repo.SaveSchedule(ctx, &schema.Schedule{
		ID:         "sched-nil",
		WorkflowID: "wf-nil",
		CronExpr:   "0 * * * *",
		Enabled:    true,
	}))

	sched.tick(ctx)

	assert.Equal(t, 1, runner.callCount())
}

func TestTickCarriesTriggerData(t *testing.T) {
	sched, repo, runner := newTestScheduler(t)
	ctx := context.Background()
	saveWorkflow(t, repo, "wf-data")
	past := time.Now().UTC().Add(-30 * time.Minute)

	require.NoError(t, repo.SaveSchedule(ctx, &schema.Schedule{
		ID:          "sched-data",
		WorkflowID:  "wf-data",
		CronExpr:    "*/15 * * * *",
		TriggerData: map[string]any{"env": "staging"},
		Enabled:     true,
		NextRunAt:   &past,
	}))

	sched.tick(ctx)

	require.Equal(t, 1, runner.callCount())
	runner.mu.Lock()
	call := runner.calls[0]
	runner.mu.Unlock()

	assert.Equal(t, "wf-data", call.WorkflowID)
	assert.Equal(t, "schedule", call.Trigger.TriggerType)
	assert.Equal(t, "staging", call.Trigger.TriggerData["env"])

	got, err := repo.GetSchedule(ctx, "sched-data")
	require.NoError(t, err)
	assert.True(t, got.NextRunAt.After(time.Now().UTC().Add(-time.Second)))
}

func TestRunFailureRecordsErrorStatus(t *testing.T) {
	sched, repo, runner := newTestScheduler(t)
	runner.err = assert.AnError
	ctx := context.Background()
	saveWorkflow(t, repo, "wf-fail")
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, repo.SaveSchedule(ctx, &schema.Schedule{
		ID:         "sched-fail",
		WorkflowID: "wf-fail",
		CronExpr:   "0 * * * *",
		Enabled:    true,
		NextRunAt:  &past,
	}))

	sched.tick(ctx)

	got, err := repo.GetSchedule(ctx, "sched-fail")
	require.NoError(t, err)
	assert.Equal(t, "error", got.LastRunStatus)
	assert.NotNil(t, got.NextRunAt)
}

func TestMissingWorkflowRecordsErrorStatus(t *testing.T) {
	sched, repo, runner := newTestScheduler(t)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	// No workflow saved for this schedule.
	require.NoError(t, repo.SaveSchedule(ctx, &schema.Schedule{
		ID:         "sched-ghost",
		WorkflowID: "wf-ghost",
		CronExpr:   "0 * * * *",
		Enabled:    true,
		NextRunAt:  &past,
	}))

	sched.tick(ctx)

	assert.Equal(t, 0, runner.callCount())
	got, err := repo.GetSchedule(ctx, "sched-ghost")
	require.NoError(t, err)
	assert.Equal(t, "error", got.LastRunStatus)
}

func TestRecoverMissed(t *testing.T) {
	sched, repo, runner := newTestScheduler(t)
	ctx := context.Background()
	saveWorkflow(t, repo, "wf-missed")
	past := time.Now().UTC().Add(-2 * time.Hour)

	require.NoError(t, repo.SaveSchedule(ctx, &schema.Schedule{
		ID:         "sched-missed",
		WorkflowID: "wf-missed",
		CronExpr:   "0 * * * *",
		Enabled:    true,
		NextRunAt:  &past,
	}))

	require.NoError(t, sched.RecoverMissed(ctx))

	assert.Equal(t, 1, runner.callCount())

	got, err := repo.GetSchedule(ctx, "sched-missed")
	require.NoError(t, err)
	assert.Equal(t, "success", got.LastRunStatus)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
}

func TestStartStop(t *testing.T) {
	sched, _, _ := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))

	// Double start should error.
	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.NoError(t, sched.Stop())

	// Stop again should be a no-op.
	require.NoError(t, sched.Stop())
}

func TestDedupPreventsDoubleRun(t *testing.T) {
	sched, repo, runner := newTestScheduler(t)
	ctx := context.Background()
	saveWorkflow(t, repo, "wf-dedup")
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, repo.SaveSchedule(ctx, &schema.Schedule{
		ID:         "sched-dedup",
		WorkflowID: "wf-dedup",
		CronExpr:   "0 * * * *",
		Enabled:    true,
		NextRunAt:  &past,
	}))

	// Pre-acquire the schedule to simulate an in-flight run.
	require.True(t, sched.tryAcquire("sched-dedup"))

	sched.tick(ctx)
	assert.Equal(t, 0, runner.callCount())

	// Release and tick again; now it should run.
	sched.release("sched-dedup")
	sched.tick(ctx)
	assert.Equal(t, 1, runner.callCount())
}

func TestInflightReleasedAfterTick(t *testing.T) {
	sched, repo, runner := newTestScheduler(t)
	ctx := context.Background()
	saveWorkflow(t, repo, "wf-release")
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, repo.SaveSchedule(ctx, &schema.Schedule{
		ID:         "sched-release",
		WorkflowID: "wf-release",
		CronExpr:   "0 * * * *",
		Enabled:    true,
		NextRunAt:  &past,
	}))

	sched.tick(ctx)
	assert.Equal(t, 1, runner.callCount())

	// Reset the fire time to the past so the schedule is due again.
	got, err := repo.GetSchedule(ctx, "sched-release")
	require.NoError(t, err)
	past2 := time.Now().UTC().Add(-time.Hour)
	got.NextRunAt = &past2
	require.NoError(t, repo.SaveSchedule(ctx, got))

	sched.tick(ctx)
	assert.Equal(t, 2, runner.callCount())
}

func TestMultipleSchedulesSomeDue(t *testing.T) {
	sched, repo, runner := newTestScheduler(t)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	for _, id := range []string{"wf-alpha", "wf-beta", "wf-gamma"} {
		saveWorkflow(t, repo, id)
	}
	require.NoError(t, repo.SaveSchedule(ctx, &schema.Schedule{
		ID: "due-1", WorkflowID: "wf-alpha", CronExpr: "0 * * * *",
		Enabled: true, NextRunAt: &past,
	}))
	require.NoError(t, repo.SaveSchedule(ctx, &schema.Schedule{
		ID: "not-due", WorkflowID: "wf-beta", CronExpr: "0 * * * *",
		Enabled: true, NextRunAt: &future,
	}))
	require.NoError(t, repo.SaveSchedule(ctx, &schema.Schedule{
		ID: "due-2", WorkflowID: "wf-gamma", CronExpr: "0 * * * *",
		Enabled: true,
	}))

	sched.tick(ctx)

	assert.Equal(t, 2, runner.callCount())
	runner.mu.Lock()
	ids := make([]string, len(runner.calls))
	for i, c := range runner.calls {
		ids[i] = c.WorkflowID
	}
	runner.mu.Unlock()
	assert.Contains(t, ids, "wf-alpha")
	assert.Contains(t, ids, "wf-gamma")
	assert.NotContains(t, ids, "wf-beta")
}
