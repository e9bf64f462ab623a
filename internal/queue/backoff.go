package queue

import "time"

// Backoff returns the delay before the next attempt after the given attempt
// number failed: base, 2*base, 4*base, ... capped at the configured maximum.
func (q *Queue) Backoff(attempt int) time.Duration {
	return calculateBackoffDelay(attempt, q.cfg.BackoffBase, q.cfg.BackoffMax)
}

func calculateBackoffDelay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = 30 * time.Second
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}

	if max > 0 && delay > max {
		delay = max
	}
	return delay
}
