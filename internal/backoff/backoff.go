// Package backoff computes reconnect delays for the connection lifecycle.
//
// Delays double with every consecutive failure:
//
//	attempt 1 -> base
//	attempt 2 -> base * 2
//	attempt 3 -> base * 4
//
// A Policy bounds the number of attempts; once the bound is passed the
// caller stops reconnecting.
package backoff

import "time"

// maxShift keeps base << (attempt-1) from overflowing time.Duration.
const maxShift = 30

// Delay returns base * 2^(attempt-1). Attempts below 1 are treated as 1.
func Delay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > maxShift {
		shift = maxShift
	}
	d := base << uint(shift)
	if d < base {
		// overflow
		return time.Duration(1<<63 - 1)
	}
	return d
}

// Policy is a bounded exponential backoff.
type Policy struct {
	Base        time.Duration // Delay before the first reconnect attempt
	MaxAttempts int           // Reconnect attempts allowed before giving up
}

// Next returns the delay before reconnect attempt number attempt (1-based).
// ok is false once attempt exceeds MaxAttempts.
func (p Policy) Next(attempt int) (delay time.Duration, ok bool) {
	if attempt < 1 || attempt > p.MaxAttempts {
		return 0, false
	}
	return Delay(p.Base, attempt), true
}

// Exhausted reports whether no further attempt may follow attempt.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}
