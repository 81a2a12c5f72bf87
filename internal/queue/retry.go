package queue

import "time"

// DefaultRetryDelay is the wait before a failed record becomes eligible again.
const DefaultRetryDelay = 15 * time.Minute

// RetryPolicy decides between another attempt and a terminal failure.
type RetryPolicy struct {
	Delay time.Duration
}

// NewRetryPolicy creates a RetryPolicy. A non-positive delay uses
// DefaultRetryDelay.
func NewRetryPolicy(delay time.Duration) RetryPolicy {
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	return RetryPolicy{Delay: delay}
}

// Decide is called after a failed attempt. attempts is the failure count
// before this attempt and limit the maximum allowed attempts; a limit of
// zero or less never ends in a terminal failure. When terminal is false,
// next is the earliest time of the following attempt.
func (p RetryPolicy) Decide(attempts, limit int, now time.Time) (terminal bool, next time.Time) {
	if limit > 0 && attempts+1 > limit {
		return true, time.Time{}
	}
	delay := p.Delay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	return false, now.Add(delay)
}
