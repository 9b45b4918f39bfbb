// Package retrypolicy computes the backoff delay applied to a failed step
// before its workflow run is rescheduled. The formula is the standard
// exponential backoff: delay(attempt) = min(initial * multiplier^(attempt-1), max).
package retrypolicy

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Default retry policy values, applied when a step.run call does not
// override them.
const (
	DefaultInitialInterval = time.Second
	DefaultMultiplier      = 2.0
	DefaultMaxInterval     = 100 * time.Second
)

// Policy is the per-step retry policy consulted by the execution engine
// when a step attempt fails. MaxAttempts of 0 means unlimited.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
}

// Default returns the engine's default retry policy: 1s initial interval,
// 2x multiplier, 100s cap, unlimited attempts.
func Default() Policy {
	return Policy{
		InitialInterval: DefaultInitialInterval,
		Multiplier:      DefaultMultiplier,
		MaxInterval:     DefaultMaxInterval,
	}
}

// IsRetryable reports whether a step that has already failed
// failedAttempts times should get another attempt under this policy.
func (p Policy) IsRetryable(failedAttempts int) bool {
	if p.MaxAttempts <= 0 {
		return true
	}
	return failedAttempts < p.MaxAttempts
}

// Delay returns the backoff delay before the given 1-indexed attempt
// number. Delay(1) is always InitialInterval.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.withDefaults().InitialInterval,
		RandomizationFactor: 0,
		Multiplier:          p.withDefaults().Multiplier,
		MaxInterval:         p.withDefaults().MaxInterval,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
		Stop:                backoff.Stop,
	}
	b.Reset()

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (p Policy) withDefaults() Policy {
	out := p
	if out.InitialInterval <= 0 {
		out.InitialInterval = DefaultInitialInterval
	}
	if out.Multiplier <= 0 {
		out.Multiplier = DefaultMultiplier
	}
	if out.MaxInterval <= 0 {
		out.MaxInterval = DefaultMaxInterval
	}
	return out
}
