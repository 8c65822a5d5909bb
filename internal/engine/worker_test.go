package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/schema"
)

func TestWorkerPoolReturnsResult(t *testing.T) {
	pool := NewWorkerPool(1)
	out, err := pool.Do(context.Background(), 0, func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, out)
}

func TestWorkerPoolPropagatesError(t *testing.T) {
	pool := NewWorkerPool(1)
	boom := errors.New("boom")
	_, err := pool.Do(context.Background(), 0, func(ctx context.Context) (map[string]any, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestWorkerPoolTimesOut(t *testing.T) {
	pool := NewWorkerPool(1)
	_, err := pool.Do(context.Background(), 20*time.Millisecond, func(ctx context.Context) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.Error(t, err)
	ferr, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeTimeout, ferr.Code)
}

func TestWorkerPoolRecoversPanic(t *testing.T) {
	pool := NewWorkerPool(1)
	_, err := pool.Do(context.Background(), 0, func(ctx context.Context) (map[string]any, error) {
		panic("unexpected")
	})
	require.Error(t, err)
	ferr, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNodeFailed, ferr.Code)
	assert.Contains(t, ferr.Message, "panicked")
}

func TestWorkerPoolHonorsCancelledContext(t *testing.T) {
	pool := NewWorkerPool(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = pool.Do(context.Background(), 0, func(ctx context.Context) (map[string]any, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started
	defer close(release)

	// Pool is full and the context already cancelled: acquisition fails fast.
	_, err := pool.Do(ctx, 0, func(ctx context.Context) (map[string]any, error) {
		return nil, nil
	})
	require.Error(t, err)
	ferr, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeCancelled, ferr.Code)
}
