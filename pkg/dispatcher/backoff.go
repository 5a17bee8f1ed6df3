package dispatcher

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// BackoffDelay returns how long to wait before retrying attempt, using
// exponential backoff with jitter bounded by [base, max].
func BackoffDelay(attempt int, base, max time.Duration) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = max
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2

	var delay time.Duration
	for i := 0; i <= attempt; i++ {
		next := b.NextBackOff()
		if next == backoff.Stop {
			return max
		}
		delay = next
	}
	if delay <= 0 || delay > max {
		delay = max
	}
	if delay < base {
		delay = base
	}
	return delay
}
