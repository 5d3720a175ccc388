package ingest

import "time"

// RetryPolicy bounds redelivery of a failing job.
type RetryPolicy struct {
	MaxAttempts int           // deliveries before the job is dead-lettered
	BaseBackoff time.Duration // delay after the first failure; doubles each time
	MaxBackoff  time.Duration // cap on the delay
}

// DefaultRetryPolicy returns production defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseBackoff: 2 * time.Second,
		MaxBackoff:  time.Minute,
	}
}

// Backoff returns the delay before the next delivery after attempt failed:
// base × 2^(attempt-1), capped at MaxBackoff.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxBackoff > 0 && delay > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && delay > p.MaxBackoff {
		delay = p.MaxBackoff
	}
	return delay
}

// Exhausted reports whether a job that just failed attempt may not run again.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}
