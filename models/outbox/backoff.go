package outbox

import (
	"math/rand"
	"time"
)

// Default retry policy for outbox dispatch
const (
	DefaultBackoffBase = 5 * time.Second
	DefaultBackoffCap  = time.Hour
	DefaultMaxAttempts = 12
)

// NextDelay computes the exponential backoff delay before attempt number
// `attempt` (zero-based): min(cap, base * 2^attempt) * uniform(0.5, 1.5)
func NextDelay(attempt int, base, cap time.Duration) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			delay = cap
			break
		}
	}
	if delay > cap {
		delay = cap
	}
	jitter := 0.5 + rand.Float64()
	return time.Duration(float64(delay) * jitter)
}
