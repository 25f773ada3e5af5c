package api

import "time"

// RetryPolicy controls how the scheduler retries a failing activity.
// MaxAttempts includes the first attempt. For example:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
//
// The delay before retry n (n >= 1 is the attempt that just failed) is
// BackoffFunc(n) when set, otherwise InitialBackoff * BackoffMultiplier^(n-1)
// capped at MaxBackoff. BackoffFunc is not persisted by durable task queues;
// tasks restored from storage fall back to the numeric fields.
type RetryPolicy struct {
	MaxAttempts       int                             `msgpack:"max_attempts"`
	InitialBackoff    time.Duration                   `msgpack:"initial_backoff"`
	BackoffMultiplier float64                         `msgpack:"multiplier"`
	MaxBackoff        time.Duration                   `msgpack:"max_backoff"`
	BackoffFunc       func(attempt int) time.Duration `msgpack:"-"`
}

// Attempts returns the effective number of attempts (at least 1).
func (p *RetryPolicy) Attempts() int {
	if p == nil || p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the backoff to apply after the given failed attempt.
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	if p == nil {
		return 0
	}
	if p.BackoffFunc != nil {
		return p.BackoffFunc(attempt)
	}
	if p.InitialBackoff <= 0 {
		return 0
	}
	multiplier := p.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	delay := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		delay *= multiplier
		if p.MaxBackoff > 0 && time.Duration(delay) >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	d := time.Duration(delay)
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}
