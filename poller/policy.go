package poller

import (
	"fmt"
	"math"
	"time"
)

const (
	// DefaultMaxAttempts is the read budget of one poll.
	DefaultMaxAttempts = 30
	// DefaultDelay is the wait between reads.
	DefaultDelay = 2 * time.Second
)

// Policy bounds a poll: at most MaxAttempts reads, separated by Delay. A
// Multiplier above 1 grows the delay geometrically, capped by MaxDelay when
// set.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// DefaultPolicy returns 30 attempts two seconds apart with no backoff.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, Delay: DefaultDelay, Multiplier: 1}
}

// Validate reports an unusable policy.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("poll policy: max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.Delay < 0 {
		return fmt.Errorf("poll policy: delay must be >= 0, got %s", p.Delay)
	}
	if p.Multiplier < 0 {
		return fmt.Errorf("poll policy: multiplier must be >= 0, got %v", p.Multiplier)
	}
	return nil
}

// DelayAfter returns the wait following the given 1-based attempt.
func (p Policy) DelayAfter(attempt int) time.Duration {
	d := p.Delay
	if p.Multiplier > 1 && attempt > 1 {
		d = time.Duration(float64(p.Delay) * math.Pow(p.Multiplier, float64(attempt-1)))
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
