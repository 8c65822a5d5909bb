package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/loomworks/loom/pkg/schema"
)

// WorkerPool bounds how many Runner calls may be in flight at once and
// enforces per-attempt timeouts by running the call off the driver and
// bounding the wait. The driver itself stays sequential; the pool exists for
// cancellation, not parallelism.
type WorkerPool struct {
	sem chan struct{}
}

// NewWorkerPool creates a pool admitting up to size concurrent calls.
func NewWorkerPool(size int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{sem: make(chan struct{}, size)}
}

type workResult struct {
	outputs map[string]any
	err     error
}

// Do runs fn on the pool. If timeout > 0 the attempt is abandoned after it
// elapses and a TIMEOUT_ERROR is returned; the goroutine finishes on its own
// with its result discarded. A zero timeout waits for fn or ctx.
func (p *WorkerPool) Do(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (map[string]any, error)) (map[string]any, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, schema.NewError(schema.ErrCodeCancelled, "execution cancelled while waiting for a worker").
			WithCause(ctx.Err())
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}

	// Buffered so an abandoned call can still deliver and release its slot.
	resultCh := make(chan workResult, 1)
	go func() {
		defer func() { <-p.sem }()
		if cancel != nil {
			defer cancel()
		}
		defer func() {
			if r := recover(); r != nil {
				resultCh <- workResult{err: schema.NewErrorf(schema.ErrCodeNodeFailed,
					"runner panicked: %v", r)}
			}
		}()
		outputs, err := fn(callCtx)
		resultCh <- workResult{outputs: outputs, err: err}
	}()

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case r := <-resultCh:
			return r.outputs, r.err
		case <-timer.C:
			return nil, schema.NewError(schema.ErrCodeTimeout,
				fmt.Sprintf("runner did not finish within %s", timeout))
		case <-ctx.Done():
			return nil, schema.NewError(schema.ErrCodeCancelled, "execution cancelled mid-attempt").
				WithCause(ctx.Err())
		}
	}

	select {
	case r := <-resultCh:
		return r.outputs, r.err
	case <-ctx.Done():
		return nil, schema.NewError(schema.ErrCodeCancelled, "execution cancelled mid-attempt").
			WithCause(ctx.Err())
	}
}
