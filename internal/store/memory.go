package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/schema"
)

// Memory is an in-memory Repository for tests and single-process runs.
// Records are deep-copied on the way in and out so callers never share state
// with the store.
type Memory struct {
	mu         sync.RWMutex
	executions map[string]*schema.Execution
	workflows  map[string]*schema.Workflow
	timers     map[string]schema.Timer
	schedules  map[string]*schema.Schedule
	secrets    map[string][]byte
	events     map[string][]schema.Event
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		executions: make(map[string]*schema.Execution),
		workflows:  make(map[string]*schema.Workflow),
		timers:     make(map[string]schema.Timer),
		schedules:  make(map[string]*schema.Schedule),
		secrets:    make(map[string][]byte),
		events:     make(map[string][]schema.Event),
	}
}

func (m *Memory) SaveExecution(_ context.Context, exec *schema.Execution) error {
	if exec.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "execution has no id")
	}
	clone, err := cloneExecution(exec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.executions[exec.ID] = clone
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetExecution(_ context.Context, id string) (*schema.Execution, error) {
	m.mu.RLock()
	exec, ok := m.executions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, storeNotFound("execution", id)
	}
	return cloneExecution(exec)
}

func (m *Memory) ListExecutions(_ context.Context, limit, offset int) ([]*schema.Execution, error) {
	m.mu.RLock()
	all := make([]*schema.Execution, 0, len(m.executions))
	for _, exec := range m.executions {
		all = append(all, exec)
	}
	m.mu.RUnlock()

	// Most recent first; id breaks ties so pagination is stable.
	sort.Slice(all, func(i, j int) bool {
		if !all[i].StartedAt.Equal(all[j].StartedAt) {
			return all[i].StartedAt.After(all[j].StartedAt)
		}
		return all[i].ID < all[j].ID
	})

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}

	out := make([]*schema.Execution, 0, len(all))
	for _, exec := range all {
		clone, err := cloneExecution(exec)
		if err != nil {
			return nil, err
		}
		out = append(out, clone)
	}
	return out, nil
}

func (m *Memory) SaveWorkflow(_ context.Context, wf *schema.Workflow) error {
	if wf.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow has no id")
	}
	clone, err := cloneWorkflow(wf)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.workflows[workflowKey(wf.ID, wf.Version)] = clone
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetWorkflow(_ context.Context, id string, version int) (*schema.Workflow, error) {
	m.mu.RLock()
	wf, ok := m.workflows[workflowKey(id, version)]
	m.mu.RUnlock()
	if !ok {
		return nil, storeNotFound("workflow", workflowKey(id, version))
	}
	return cloneWorkflow(wf)
}

func (m *Memory) SaveTimer(_ context.Context, timer schema.Timer) error {
	if timer.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "timer has no id")
	}
	m.mu.Lock()
	m.timers[timer.ID] = timer
	m.mu.Unlock()
	return nil
}

func (m *Memory) DueTimers(_ context.Context, now time.Time) ([]schema.Timer, error) {
	m.mu.RLock()
	var due []schema.Timer
	for _, timer := range m.timers {
		if !timer.FireAt.After(now) {
			due = append(due, timer)
		}
	}
	m.mu.RUnlock()

	sort.Slice(due, func(i, j int) bool {
		if !due[i].FireAt.Equal(due[j].FireAt) {
			return due[i].FireAt.Before(due[j].FireAt)
		}
		return due[i].ID < due[j].ID
	})
	return due, nil
}

func (m *Memory) DeleteTimer(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.timers[id]; !ok {
		return storeNotFound("timer", id)
	}
	delete(m.timers, id)
	return nil
}

func (m *Memory) SaveSchedule(_ context.Context, sched *schema.Schedule) error {
	if sched.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "schedule has no id")
	}
	clone, err := cloneSchedule(sched)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.schedules[sched.ID] = clone
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetSchedule(_ context.Context, id string) (*schema.Schedule, error) {
	m.mu.RLock()
	sched, ok := m.schedules[id]
	m.mu.RUnlock()
	if !ok {
		return nil, storeNotFound("schedule", id)
	}
	return cloneSchedule(sched)
}

func (m *Memory) ListSchedules(_ context.Context, enabledOnly bool) ([]*schema.Schedule, error) {
	m.mu.RLock()
	all := make([]*schema.Schedule, 0, len(m.schedules))
	for _, sched := range m.schedules {
		if enabledOnly && !sched.Enabled {
			continue
		}
		all = append(all, sched)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	out := make([]*schema.Schedule, 0, len(all))
	for _, sched := range all {
		clone, err := cloneSchedule(sched)
		if err != nil {
			return nil, err
		}
		out = append(out, clone)
	}
	return out, nil
}

func (m *Memory) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return storeNotFound("schedule", id)
	}
	delete(m.schedules, id)
	return nil
}

func (m *Memory) StoreSecret(_ context.Context, key string, value []byte) error {
	if key == "" {
		return schema.NewError(schema.ErrCodeValidation, "secret has no key")
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	m.mu.Lock()
	m.secrets[key] = cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetSecret(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	value, ok := m.secrets[key]
	m.mu.RUnlock()
	if !ok {
		return nil, storeNotFound("secret", key)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	return cp, nil
}

func (m *Memory) DeleteSecret(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.secrets[key]; !ok {
		return storeNotFound("secret", key)
	}
	delete(m.secrets, key)
	return nil
}

func (m *Memory) ListSecrets(_ context.Context) ([]string, error) {
	m.mu.RLock()
	keys := make([]string, 0, len(m.secrets))
	for k := range m.secrets {
		keys = append(keys, k)
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) AppendEvent(_ context.Context, event *schema.Event) error {
	if event.ExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "event has no execution id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	event.Sequence = int64(len(m.events[event.ExecutionID])) + 1
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	m.events[event.ExecutionID] = append(m.events[event.ExecutionID], *event)
	return nil
}

func (m *Memory) ListEvents(_ context.Context, executionID string, since int64) ([]schema.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []schema.Event
	for _, e := range m.events[executionID] {
		if e.Sequence > since {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

func workflowKey(id string, version int) string {
	return fmt.Sprintf("%s@%d", id, version)
}

func cloneExecution(exec *schema.Execution) (*schema.Execution, error) {
	raw, err := json.Marshal(exec)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "failed to encode execution").WithCause(err)
	}
	clone := &schema.Execution{}
	if err := json.Unmarshal(raw, clone); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "failed to decode execution").WithCause(err)
	}
	return clone, nil
}

func cloneWorkflow(wf *schema.Workflow) (*schema.Workflow, error) {
	raw, err := json.Marshal(wf)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "failed to encode workflow").WithCause(err)
	}
	clone := &schema.Workflow{}
	if err := json.Unmarshal(raw, clone); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "failed to decode workflow").WithCause(err)
	}
	return clone, nil
}

func cloneSchedule(sched *schema.Schedule) (*schema.Schedule, error) {
	raw, err := json.Marshal(sched)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "failed to encode schedule").WithCause(err)
	}
	clone := &schema.Schedule{}
	if err := json.Unmarshal(raw, clone); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "failed to decode schedule").WithCause(err)
	}
	return clone, nil
}

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}
