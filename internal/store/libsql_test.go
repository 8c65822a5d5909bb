package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	path := "file:" + filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLibSQLExecutionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	exec := &schema.Execution{
		ID:              "exec-1",
		WorkflowID:      "wf-1",
		WorkflowVersion: 3,
		Status:          schema.ExecutionStatusWaiting,
		StartedAt:       now,
		CurrentNodeID:   "n2",
		NodeExecutions: map[string]*schema.NodeExecution{
			"n1": {
				NodeID:       "n1",
				NodeName:     "start",
				Status:       schema.NodeStatusCompleted,
				ActivationID: "act-1",
				OutputData:   map[string]any{"main": map[string]any{"ok": true}},
			},
		},
		ExecutionSequence: []string{"n1"},
	}
	require.NoError(t, s.SaveExecution(ctx, exec))

	got, err := s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusWaiting, got.Status)
	assert.Equal(t, 3, got.WorkflowVersion)
	assert.Equal(t, "n2", got.CurrentNodeID)
	assert.Equal(t, []string{"n1"}, got.ExecutionSequence)
	require.Contains(t, got.NodeExecutions, "n1")
	assert.Equal(t, "act-1", got.NodeExecutions["n1"].ActivationID)

	// Upsert on save.
	exec.Status = schema.ExecutionStatusSuccess
	require.NoError(t, s.SaveExecution(ctx, exec))
	got, err = s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusSuccess, got.Status)
}

func TestLibSQLExecutionNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetExecution(context.Background(), "missing")
	require.Error(t, err)
	fe, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, fe.Code)
}

func TestLibSQLListExecutionsOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, s.SaveExecution(ctx, &schema.Execution{
			ID:        id,
			Status:    schema.ExecutionStatusSuccess,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	all, err := s.ListExecutions(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "new", all[0].ID)
	assert.Equal(t, "old", all[2].ID)

	page, err := s.ListExecutions(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "mid", page[0].ID)
}

func TestLibSQLWorkflowVersions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := &schema.Workflow{
		ID:      "wf",
		Version: 1,
		Name:    "pipeline",
		Nodes:   []schema.Node{{ID: "n1", Name: "start", Type: "noop"}},
	}
	require.NoError(t, s.SaveWorkflow(ctx, wf))

	wf.Version = 2
	wf.Name = "pipeline-v2"
	require.NoError(t, s.SaveWorkflow(ctx, wf))

	got, err := s.GetWorkflow(ctx, "wf", 1)
	require.NoError(t, err)
	assert.Equal(t, "pipeline", got.Name)
	require.Len(t, got.Nodes, 1)
	assert.Equal(t, "start", got.Nodes[0].Name)

	got, err = s.GetWorkflow(ctx, "wf", 2)
	require.NoError(t, err)
	assert.Equal(t, "pipeline-v2", got.Name)

	_, err = s.GetWorkflow(ctx, "wf", 9)
	require.Error(t, err)
}

func TestLibSQLTimers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.SaveTimer(ctx, schema.Timer{
		ID: "t-due", ExecutionID: "e1", NodeID: "n1",
		FireAt: now.Add(-time.Second), Reason: schema.TimerReasonDelay,
		Metadata: map[string]any{"source": "test"},
	}))
	require.NoError(t, s.SaveTimer(ctx, schema.Timer{
		ID: "t-future", ExecutionID: "e1", NodeID: "n2",
		FireAt: now.Add(time.Hour), Reason: schema.TimerReasonWaitTimeout,
	}))

	due, err := s.DueTimers(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "t-due", due[0].ID)
	assert.Equal(t, schema.TimerReasonDelay, due[0].Reason)
	assert.Equal(t, "test", due[0].Metadata["source"])

	require.NoError(t, s.DeleteTimer(ctx, "t-due"))
	due, err = s.DueTimers(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)

	err = s.DeleteTimer(ctx, "t-due")
	require.Error(t, err)
}

func TestLibSQLEventLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, eventType := range []string{
		schema.EventExecutionStarted,
		schema.EventNodeStarted,
		schema.EventNodeCompleted,
		schema.EventExecutionCompleted,
	} {
		require.NoError(t, s.AppendEvent(ctx, &schema.Event{
			Type:        eventType,
			ExecutionID: "exec-1",
			WorkflowID:  "wf-1",
			Data:        map[string]any{"k": "v"},
		}))
	}
	// Events for another execution get their own sequence.
	require.NoError(t, s.AppendEvent(ctx, &schema.Event{
		Type: schema.EventExecutionStarted, ExecutionID: "exec-2",
	}))

	events, err := s.ListEvents(ctx, "exec-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 4)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
	assert.Equal(t, "v", events[0].Data["k"])

	tail, err := s.ListEvents(ctx, "exec-1", 3)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, schema.EventExecutionCompleted, tail[0].Type)

	other, err := s.ListEvents(ctx, "exec-2", 0)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, int64(1), other[0].Sequence)
}

func TestLibSQLSchedules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	next := time.Now().UTC().Add(time.Hour)

	require.NoError(t, s.SaveSchedule(ctx, &schema.Schedule{
		ID: "s1", WorkflowID: "wf-1", CronExpr: "0 * * * *",
		TriggerData: map[string]any{"env": "prod"},
		Enabled:     true, NextRunAt: &next,
	}))
	require.NoError(t, s.SaveSchedule(ctx, &schema.Schedule{
		ID: "s2", WorkflowID: "wf-2", CronExpr: "@daily", Enabled: false,
	}))

	got, err := s.GetSchedule(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", got.WorkflowID)
	assert.Equal(t, "prod", got.TriggerData["env"])

	// Upsert flips the enabled flag in place.
	got.Enabled = false
	require.NoError(t, s.SaveSchedule(ctx, got))
	enabled, err := s.ListSchedules(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, enabled)

	all, err := s.ListSchedules(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.DeleteSchedule(ctx, "s2"))
	require.Error(t, s.DeleteSchedule(ctx, "s2"))
}

func TestLibSQLSecrets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreSecret(ctx, "api_key", []byte{0xDE, 0xAD}))
	require.NoError(t, s.StoreSecret(ctx, "db_pass", []byte{0x01}))

	value, err := s.GetSecret(ctx, "api_key")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xDE, 0xAD}, value)

	require.NoError(t, s.StoreSecret(ctx, "api_key", []byte{0xBE, 0xEF}))
	value, err = s.GetSecret(ctx, "api_key")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xBE, 0xEF}, value)

	keys, err := s.ListSecrets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"api_key", "db_pass"}, keys)

	require.NoError(t, s.DeleteSecret(ctx, "db_pass"))
	_, err = s.GetSecret(ctx, "db_pass")
	require.Error(t, err)
}
