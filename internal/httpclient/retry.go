package httpclient

import "time"

// RetryPolicy bounds the refresh-and-retry loop of a logical call.
type RetryPolicy struct {
	MaxRetries int           `json:"max_retries"`
	BaseDelay  time.Duration `json:"base_delay"`
	MaxDelay   time.Duration `json:"max_delay"`
	// RetryTransient also retries retryable non-auth failures (network, timeout,
	// 5xx) with the same backoff and the same retry counter.
	RetryTransient bool `json:"retry_transient"`
}

// DefaultRetryPolicy is used when neither the client nor the call sets one.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 3,
	BaseDelay:  time.Second,
	MaxDelay:   10 * time.Second,
}

// Delay returns the sleep before retry n: min(BaseDelay*2^(n-1), MaxDelay).
// There is no delay before the first attempt (n = 0).
func (p RetryPolicy) Delay(n int) time.Duration {
	if n <= 0 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		if d >= p.MaxDelay || d > d*2 {
			break
		}
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
