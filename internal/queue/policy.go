package queue

import (
	"math"
	"math/rand/v2"
	"time"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 5 * time.Second
	DefaultMultiplier  = 2.0
	DefaultJitterMin   = 2 * time.Second
	DefaultJitterMax   = 5 * time.Second

	maxBackoff = time.Hour
)

// RetryPolicy decides when a failed job runs again and when it gives up.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		Multiplier:  DefaultMultiplier,
	}
}

// Exhausted reports whether a job that has made attempts tries must not be
// retried again.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// Backoff returns the delay after the attempt-th failed attempt:
// BaseDelay * Multiplier^(attempt-1), capped at one hour.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if d > float64(maxBackoff) {
		return maxBackoff
	}
	return time.Duration(d)
}

// JitterPolicy spreads provider calls out. The delay is taken before every
// send, first attempt included, and is independent of retry backoff.
type JitterPolicy struct {
	Min time.Duration
	Max time.Duration
}

func DefaultJitterPolicy() JitterPolicy {
	return JitterPolicy{Min: DefaultJitterMin, Max: DefaultJitterMax}
}

// Delay returns a uniformly distributed duration in [Min, Max].
func (j JitterPolicy) Delay() time.Duration {
	if j.Max <= j.Min {
		if j.Min < 0 {
			return 0
		}
		return j.Min
	}
	return j.Min + time.Duration(rand.Int64N(int64(j.Max-j.Min)+1))
}
