package queue

import "time"

// RetryDecision is the verdict of the retry policy for one failure.
type RetryDecision int

const (
	// DecisionRetry re-enqueues the job at the back of its priority tier.
	DecisionRetry RetryDecision = iota
	// DecisionTerminal marks the job failed.
	DecisionTerminal
)

// RetryPolicy decides whether a failed attempt is retried and how long to
// wait before the retry becomes eligible. Decide is a pure function of the
// attempt counters.
type RetryPolicy struct {
	// BackoffBase enables exponential backoff between attempts when
	// positive: base * 2^(attempts-1). The in-memory backend runs with
	// zero base (immediate re-eligibility); the durable backend applies
	// backoff. Exposed identically through the facade either way.
	BackoffBase time.Duration
}

// Decide returns Retry while attempts < maxAttempts, else Terminal.
func (p RetryPolicy) Decide(attempts, maxAttempts int) RetryDecision {
	if attempts < maxAttempts {
		return DecisionRetry
	}
	return DecisionTerminal
}

// Delay returns the backoff delay before the given (1-based) attempt may
// run again. Zero when backoff is disabled.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if p.BackoffBase <= 0 || attempts < 1 {
		return 0
	}
	d := p.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	return d
}
