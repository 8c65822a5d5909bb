package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/loomworks/loom/pkg/schema"
)

func TestPolicyForDefaults(t *testing.T) {
	p := PolicyFor(schema.NodeConfig{})
	assert.Equal(t, 0, p.Attempts)
	assert.Equal(t, time.Second, p.Backoff)
	assert.Equal(t, 2.0, p.Factor)
	assert.Equal(t, time.Duration(0), p.Timeout)
}

func TestPolicyForReadsConfig(t *testing.T) {
	p := PolicyFor(schema.NodeConfig{
		RetryAttempts:       3,
		RetryBackoffSeconds: 0.5,
		RetryBackoffFactor:  3,
		RetryJitterSeconds:  0.1,
		TimeoutSeconds:      2,
	})
	assert.Equal(t, 3, p.Attempts)
	assert.Equal(t, 500*time.Millisecond, p.Backoff)
	assert.Equal(t, 3.0, p.Factor)
	assert.Equal(t, 100*time.Millisecond, p.Jitter)
	assert.Equal(t, 2*time.Second, p.Timeout)
}

func TestDelayGrowsExponentially(t *testing.T) {
	p := RetryPolicy{Backoff: time.Second, Factor: 2}
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
}

func TestDelayIsCapped(t *testing.T) {
	p := RetryPolicy{Backoff: time.Second, Factor: 10, Jitter: time.Second}
	assert.LessOrEqual(t, p.Delay(10), maxRetryDelay)
}

func TestDelayJitterStaysInRange(t *testing.T) {
	p := RetryPolicy{Backoff: time.Second, Factor: 2, Jitter: 500 * time.Millisecond}
	for i := 0; i < 50; i++ {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, time.Second+500*time.Millisecond)
	}
}
