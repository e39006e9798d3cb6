package writeback

import "time"

const (
	DefaultBaseDelay = 5 * time.Second
	DefaultMaxDelay  = 15 * time.Minute
)

// Backoff returns the delay before the next attempt once retryCount
// failures have been recorded: base, 2*base, 4*base, ... capped at max
func Backoff(retryCount int, base, max time.Duration) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}

	d := base
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}

	if d > max {
		return max
	}
	return d
}
