package jobwire

import (
	"math"
	"time"
)

// maxBackoff caps exponential growth so the delayed score never overflows.
const maxBackoff = 24 * time.Hour

// DelayFor returns how long to wait before retry attempt n (1-indexed).
// Attempt 1 is the first retry after the initial failure.
func (b Backoff) DelayFor(attempt int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	switch b.Type {
	case BackoffExponential:
		d := float64(b.Delay) * math.Pow(2, float64(attempt-1))
		if d > float64(maxBackoff) {
			return maxBackoff
		}
		return time.Duration(d)
	default:
		return b.Delay
	}
}
