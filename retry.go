package conductor

import "time"

// RetryBuilder builds a RetryPolicy step by step. Builders are values; every
// method returns a modified copy.
//
//	conductor.Retry(3).WithExponentialBackoff(100*time.Millisecond, 2, 2*time.Second)
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry starts a policy allowing maxAttempts attempts in total. Values below
// one mean a single attempt.
func Retry(maxAttempts int) RetryBuilder {
	return RetryBuilder{policy: RetryPolicy{MaxAttempts: max(maxAttempts, 1)}}
}

func (r RetryBuilder) with(fn func(p *RetryPolicy)) RetryBuilder {
	p := r.policy
	fn(&p)
	return RetryBuilder{policy: p}
}

// WithExponentialBackoff waits initial before the first retry and grows the
// wait by multiplier (2 when not positive) up to limit. A limit <= 0 leaves
// the wait uncapped.
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, limit time.Duration) RetryBuilder {
	if multiplier <= 0 {
		multiplier = 2
	}
	return r.with(func(p *RetryPolicy) {
		p.InitialBackoff, p.BackoffMultiplier, p.MaxBackoff = initial, multiplier, limit
		p.BackoffFunc = nil
	})
}

// WithConstantBackoff waits delay between every attempt.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	return r.with(func(p *RetryPolicy) {
		p.InitialBackoff, p.BackoffMultiplier, p.MaxBackoff = delay, 1, 0
		p.BackoffFunc = nil
	})
}

// WithBackoffFunc computes the delay after each failed attempt with fn.
// Durable queues don't persist fn; tasks reloaded after a restart use the
// numeric backoff fields instead.
func (r RetryBuilder) WithBackoffFunc(fn func(attempt int) time.Duration) RetryBuilder {
	return r.with(func(p *RetryPolicy) { p.BackoffFunc = fn })
}

// Immediate retries without waiting.
func (r RetryBuilder) Immediate() RetryBuilder {
	return r.with(func(p *RetryPolicy) {
		p.InitialBackoff, p.BackoffMultiplier, p.MaxBackoff = 0, 0, 0
		p.BackoffFunc = nil
	})
}

func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}

// ForCall returns the policy as a per-call option for CallActivity.
func (r RetryBuilder) ForCall() CallOption {
	return WithRetryPolicy(r.policy)
}
