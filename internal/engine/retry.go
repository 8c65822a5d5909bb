package engine

import (
	"math"
	"math/rand"
	"time"

	"github.com/loomworks/loom/pkg/schema"
)

// maxRetryDelay caps the backoff so a misconfigured factor cannot stall a
// driver for minutes between attempts.
const maxRetryDelay = 60 * time.Second

// RetryPolicy is the per-node retry configuration with defaults resolved.
type RetryPolicy struct {
	// Attempts is the number of EXTRA tries after the first invocation:
	// Attempts=2 means up to 3 invocations total.
	Attempts int
	Backoff  time.Duration
	Factor   float64
	Jitter   time.Duration
	Timeout  time.Duration
}

// PolicyFor resolves a node's retry policy from its config bag.
func PolicyFor(cfg schema.NodeConfig) RetryPolicy {
	p := RetryPolicy{
		Attempts: cfg.RetryAttempts,
		Backoff:  secondsToDuration(cfg.RetryBackoffSeconds),
		Factor:   cfg.RetryBackoffFactor,
		Jitter:   secondsToDuration(cfg.RetryJitterSeconds),
		Timeout:  secondsToDuration(cfg.TimeoutSeconds),
	}
	if p.Attempts < 0 {
		p.Attempts = 0
	}
	if p.Backoff <= 0 {
		p.Backoff = time.Second
	}
	if p.Factor <= 0 {
		p.Factor = 2.0
	}
	return p
}

// Delay computes the pause before retry attempt n (1-based):
// backoff * factor^(n-1) plus uniform jitter, capped.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(p.Backoff) * math.Pow(p.Factor, float64(attempt-1)))
	if d < 0 || d > maxRetryDelay {
		d = maxRetryDelay
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.Jitter) + 1))
	}
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}
