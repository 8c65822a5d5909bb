package store

import (
	"context"
	"log/slog"

	"github.com/loomworks/loom/pkg/schema"
)

// Recorder is an event publisher that appends every engine event to the
// repository's log. Append failures are logged, never surfaced: persistence
// of the audit trail must not fail an execution.
type Recorder struct {
	repo   Repository
	logger *slog.Logger
}

// NewRecorder creates a Recorder writing to repo.
func NewRecorder(repo Repository, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{repo: repo, logger: logger}
}

// Publish appends the event to the log.
func (r *Recorder) Publish(ctx context.Context, event schema.Event) {
	if err := r.repo.AppendEvent(ctx, &event); err != nil {
		r.logger.WarnContext(ctx, "failed to append event",
			slog.String("event_type", event.Type),
			slog.String("execution_id", event.ExecutionID),
			slog.String("error", err.Error()),
		)
	}
}

// Fanout publishes each event to several publishers in order.
type Fanout []interface {
	Publish(ctx context.Context, event schema.Event)
}

// Publish delivers the event to every publisher.
func (f Fanout) Publish(ctx context.Context, event schema.Event) {
	for _, p := range f {
		p.Publish(ctx, event)
	}
}
