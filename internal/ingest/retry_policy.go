package ingest

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// ExponentialBackoff implements RetryPolicy with jittered exponential delays.
type ExponentialBackoff struct {
	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewExponentialBackoff builds a policy. Non-positive values fall back to 30s/15m.
func NewExponentialBackoff(base, maxDelay time.Duration) *ExponentialBackoff {
	if base <= 0 {
		base = 30 * time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 15 * time.Minute
	}
	if maxDelay < base {
		maxDelay = base
	}
	return &ExponentialBackoff{baseDelay: base, maxDelay: maxDelay}
}

// Backoff returns the wait before redelivering attempt (1-based). The result lies
// in [d/2, d) where d = min(base*2^(attempt-1), max).
func (p *ExponentialBackoff) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func (p *ExponentialBackoff) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
