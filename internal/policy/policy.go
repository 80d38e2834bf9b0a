// Package policy holds the automatic-restart decision logic. It is a pure
// decision function: attempt counting belongs to the supervisor.
package policy

import "time"

// DefaultDelay is used when a policy is constructed without one.
const DefaultDelay = 2 * time.Second

// Policy decides whether and when the supervisor may attempt another
// automatic restart. The zero value never restarts.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration

	// ExponentialBackoff doubles the delay per attempt when set. The default
	// is a constant delay; tests and the configuration surface rely on that
	// deterministic floor.
	ExponentialBackoff bool
	MaxDelay           time.Duration
}

// ShouldRestart reports whether another automatic restart is allowed given
// the number of attempts already made since the last confirmed-healthy run.
func (p Policy) ShouldRestart(attempts int) bool {
	return attempts < p.MaxAttempts
}

// NextDelay returns the wait before the given attempt (1-based). With
// backoff disabled it is the configured constant delay.
func (p Policy) NextDelay(attempt int) time.Duration {
	d := p.Delay
	if d <= 0 {
		d = DefaultDelay
	}
	if !p.ExponentialBackoff {
		return d
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
