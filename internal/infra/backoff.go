package infra

import "time"

const (
	backoffBase = 1 * time.Second
	backoffMax  = 60 * time.Second
)

// CalculateBackoff returns the reconnect delay for the given attempt number:
// backoffBase * 2^attempt, capped at backoffMax. Negative attempts get the
// base delay.
func CalculateBackoff(attempt int) time.Duration {
	if attempt < 0 {
		return backoffBase
	}
	// 2^30s already exceeds the cap, avoid shift overflow past that
	if attempt > 30 {
		return backoffMax
	}

	d := backoffBase << uint(attempt)
	if d > backoffMax {
		return backoffMax
	}
	return d
}
