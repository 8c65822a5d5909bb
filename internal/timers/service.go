// Package timers schedules wall-clock resumes for suspended executions and
// recurring workflow triggers. Nothing here sleeps: the engine polls Due.
package timers

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/schema"
)

// Store is the persistence the service needs.
type Store interface {
	SaveTimer(ctx context.Context, timer schema.Timer) error
	DueTimers(ctx context.Context, now time.Time) ([]schema.Timer, error)
	DeleteTimer(ctx context.Context, id string) error
}

// Service persists timers and surfaces the due ones.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a timer service backed by store.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Schedule persists a timer, assigning an id when the caller left it empty.
func (s *Service) Schedule(ctx context.Context, timer schema.Timer) error {
	if timer.ExecutionID == "" || timer.NodeID == "" {
		return schema.NewError(schema.ErrCodeValidation,
			"timer needs an execution id and a node id")
	}
	if timer.FireAt.IsZero() {
		return schema.NewError(schema.ErrCodeValidation, "timer has no fire time")
	}
	if timer.ID == "" {
		timer.ID = uuid.NewString()
	}
	if err := s.store.SaveTimer(ctx, timer); err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to persist timer").WithCause(err)
	}
	s.logger.DebugContext(ctx, "timer scheduled",
		slog.String("timer_id", timer.ID),
		slog.String("execution_id", timer.ExecutionID),
		slog.Time("fire_at", timer.FireAt),
		slog.String("reason", timer.Reason),
	)
	return nil
}

// Due returns timers whose fire time has passed, soonest first.
func (s *Service) Due(ctx context.Context, now time.Time) ([]schema.Timer, error) {
	due, err := s.store.DueTimers(ctx, now)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "failed to list due timers").WithCause(err)
	}
	return due, nil
}

// Cancel removes a scheduled timer.
func (s *Service) Cancel(ctx context.Context, timerID string) error {
	return s.store.DeleteTimer(ctx, timerID)
}
