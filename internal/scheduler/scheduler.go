package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomworks/loom/pkg/schema"
)

// WorkflowRunner starts one workflow run. Satisfied by *engine.Engine.
type WorkflowRunner interface {
	Run(ctx context.Context, wf *schema.Workflow, trigger schema.TriggerInfo) (*schema.Execution, error)
}

// Store is the slice of the repository the scheduler needs.
// Satisfied by store.Repository.
type Store interface {
	GetWorkflow(ctx context.Context, id string, version int) (*schema.Workflow, error)
	SaveSchedule(ctx context.Context, sched *schema.Schedule) error
	GetSchedule(ctx context.Context, id string) (*schema.Schedule, error)
	ListSchedules(ctx context.Context, enabledOnly bool) ([]*schema.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
}

// Scheduler polls the store for due cron schedules and runs their workflows.
type Scheduler struct {
	store  Store
	runner WorkflowRunner
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently executing (dedup)
}

// New creates a stopped Scheduler; call Start to begin ticking.
func New(s Store, runner WorkflowRunner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Register validates the cron expression, stamps the next fire time and
// persists the schedule.
func (s *Scheduler) Register(ctx context.Context, sched *schema.Schedule) error {
	if sched.WorkflowID == "" {
		return schema.NewError(schema.ErrCodeValidation, "schedule has no workflow id")
	}
	next, err := s.CalculateNextRun(sched.CronExpr, time.Now().UTC())
	if err != nil {
		return err
	}
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = time.Now().UTC()
	}
	sched.NextRunAt = &next
	return s.store.SaveSchedule(ctx, sched)
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks all enabled schedules and runs those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	schedules, err := s.store.ListSchedules(ctx, true)
	if err != nil {
		s.logger.Error("failed to list schedules", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, sched := range schedules {
		if sched.NextRunAt == nil || !sched.NextRunAt.After(now) {
			if !s.tryAcquire(sched.ID) {
				continue // already running (dedup)
			}
			if err := s.runSchedule(ctx, sched, now); err != nil {
				s.logger.Error("failed to run schedule",
					slog.String("schedule_id", sched.ID),
					slog.String("error", err.Error()),
				)
			}
			s.release(sched.ID)
		}
	}
}

// runSchedule starts one workflow run for a due schedule and updates its
// timestamps.
func (s *Scheduler) runSchedule(ctx context.Context, sched *schema.Schedule, now time.Time) error {
	s.logger.Info("running schedule",
		slog.String("schedule_id", sched.ID),
		slog.String("workflow_id", sched.WorkflowID),
	)

	wf, err := s.store.GetWorkflow(ctx, sched.WorkflowID, sched.WorkflowVersion)
	if err != nil {
		return s.updateStatus(ctx, sched, now, "error")
	}

	_, err = s.runner.Run(ctx, wf, schema.TriggerInfo{
		TriggerType: "schedule",
		TriggerData: sched.TriggerData,
		Timestamp:   now,
	})
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled run failed",
			slog.String("schedule_id", sched.ID),
			slog.String("error", err.Error()),
		)
	}

	return s.updateStatus(ctx, sched, now, status)
}

func (s *Scheduler) updateStatus(ctx context.Context, sched *schema.Schedule, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(sched.CronExpr, now)
	if err != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", sched.ID, err)
	}

	sched.LastRunAt = &now
	sched.NextRunAt = &nextRun
	sched.LastRunStatus = status
	return s.store.SaveSchedule(ctx, sched)
}

// tryAcquire returns true and marks the schedule in-flight if it is not
// already running.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

// release removes the schedule from the in-flight set.
func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next fire time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid cron expression %q: %s", cronExpr, err.Error()).WithCause(err)
	}
	return sched.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed runs enabled schedules whose next fire time passed while the
// process was down, once each.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	schedules, err := s.store.ListSchedules(ctx, true)
	if err != nil {
		return fmt.Errorf("list missed schedules: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, sched := range schedules {
		if sched.NextRunAt != nil && sched.NextRunAt.Before(now) {
			if !s.tryAcquire(sched.ID) {
				continue
			}
			if err := s.runSchedule(ctx, sched, now); err != nil {
				s.logger.Error("failed to recover missed schedule",
					slog.String("schedule_id", sched.ID),
					slog.String("error", err.Error()),
				)
				s.release(sched.ID)
				continue
			}
			s.release(sched.ID)
			recovered++
		}
	}

	if recovered > 0 {
		s.logger.Info("recovered missed schedules", slog.Int("count", recovered))
	}
	return nil
}
