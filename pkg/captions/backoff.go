package captions

import "time"

// BackoffPolicy computes reconnection delays: Base doubled per attempt,
// never above Cap. Past MaxAttempts the session is terminated instead of
// retried.
type BackoffPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

func NewBackoffPolicy(base, cap time.Duration, maxAttempts int) BackoffPolicy {
	if base <= 0 {
		base = time.Second
	}
	if cap <= 0 {
		cap = 10 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return BackoffPolicy{Base: base, Cap: cap, MaxAttempts: maxAttempts}
}

// Delay returns the wait before the given attempt (1-based). The first
// retry waits Base, then doubles, so delays are non-decreasing and capped.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// Shift overflow past ~63 doublings wraps negative; treat as capped.
	d := p.Base << (attempt - 1)
	if d <= 0 || d > p.Cap {
		return p.Cap
	}
	return d
}

// Exhausted reports whether the attempt counter has passed the cap.
func (p BackoffPolicy) Exhausted(attempt int) bool {
	return attempt > p.MaxAttempts
}
