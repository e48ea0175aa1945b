package dispatch

import "time"

// RetryPolicy bounds how often a transaction is resubmitted after a retryable
// failure and how long it waits between attempts.
type RetryPolicy struct {
	// Ceiling is the maximum recorded retry count. A retryable failure at the
	// ceiling fails the transaction and quarantines its identity.
	Ceiling int
	Base    time.Duration
	Cap     time.Duration
}

// DefaultRetryPolicy uses a ceiling of five with delays between half a second
// and five seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Ceiling: 5, Base: 500 * time.Millisecond, Cap: 5 * time.Second}
}

// Delay returns min(Base * 2^retryCount, Cap).
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	delay := p.Base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if p.Cap > 0 && delay >= p.Cap {
			return p.Cap
		}
	}
	if p.Cap > 0 && delay > p.Cap {
		return p.Cap
	}
	return delay
}
