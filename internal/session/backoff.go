package session

import "time"

// maxBackoffShift keeps base<<shift from overflowing for any sane base.
const maxBackoffShift = 20

// Backoff returns the wait before reconnect attempt n (1-based):
// base * 2^(n-1).
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return base << uint(shift)
}
