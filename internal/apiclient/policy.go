package apiclient

import "time"

// Policy controls the retry loop of Client.Call: attempt count and the
// exponential backoff between failed attempts (base * 2^attempt, capped).
type Policy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// DefaultPolicy matches the upstream behavior providers tolerate:
// 3 attempts, 1s/2s between them, never more than 30s.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	BackoffBase: 1 * time.Second,
	BackoffCap:  30 * time.Second,
}

// Backoff returns the sleep before retrying after the given zero-based attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.BackoffBase << uint(attempt)
	if d <= 0 || d > p.BackoffCap {
		return p.BackoffCap
	}
	return d
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = DefaultPolicy.BackoffBase
	}
	if p.BackoffCap < p.BackoffBase {
		p.BackoffCap = DefaultPolicy.BackoffCap
	}
	return p
}
