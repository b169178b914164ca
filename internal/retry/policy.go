package retry

import (
	"time"

	"github.com/cuongbtq/grievance-pipeline/internal/domain"
)

const (
	defaultBaseDelay = time.Second
	defaultMaxDelay  = time.Minute
)

// Action is what a worker does after a failed attempt
type Action int

const (
	ActionRetry Action = iota
	ActionDeadLetter
	ActionFailPermanent
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionDeadLetter:
		return "dead_letter"
	case ActionFailPermanent:
		return "fail_permanent"
	default:
		return "unknown"
	}
}

// Decision is the outcome of Policy.Decide
type Decision struct {
	Action  Action
	Delay   time.Duration
	RetryAt time.Time
}

// Policy holds the retry parameters for one queue class.
// Retryable overrides the default error classification when set.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Retryable   func(error) bool
}

// WithDefaults fills zero fields
func (p Policy) WithDefaults() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = domain.DefaultMaxAttempts
	}
	return p
}

// Backoff returns BaseDelay * 2^(attempt-1), capped at MaxDelay
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.WithDefaults()
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if delay >= p.MaxDelay/2 {
			return p.MaxDelay
		}
		delay *= 2
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// IsRetryable classifies an execution error
func (p Policy) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return DefaultRetryable(err)
}

// DefaultRetryable treats everything as transient unless flagged permanent
func DefaultRetryable(err error) bool {
	return !domain.IsPermanent(err)
}

// Decide picks the next step after attempt number `attempt` failed with err.
// maxAttempts is the job's own limit; zero falls back to the policy.
func (p Policy) Decide(attempt, maxAttempts int, err error, now time.Time) Decision {
	p = p.WithDefaults()
	if maxAttempts <= 0 {
		maxAttempts = p.MaxAttempts
	}
	if !p.IsRetryable(err) {
		return Decision{Action: ActionFailPermanent}
	}
	if attempt >= maxAttempts {
		return Decision{Action: ActionDeadLetter}
	}
	delay := p.Backoff(attempt)
	return Decision{Action: ActionRetry, Delay: delay, RetryAt: now.Add(delay)}
}
