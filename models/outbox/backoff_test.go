package outbox_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/stanislawq/Cryptocurrency-gateway/models/outbox"
)

func TestNextDelay(t *testing.T) {
	t.Parallel()

	base := 5 * time.Second
	cap := time.Hour

	t.Run("grows exponentially within the jitter bounds", func(t *testing.T) {
		t.Parallel()
		for attempt := 0; attempt < 8; attempt++ {
			expected := base << uint(attempt)
			for i := 0; i < 100; i++ {
				delay := outbox.NextDelay(attempt, base, cap)
				assert.GreaterOrEqual(t, delay, expected/2,
					"attempt %d below jitter floor", attempt)
				assert.Less(t, delay, expected+expected/2,
					"attempt %d above jitter ceiling", attempt)
			}
		}
	})

	t.Run("never exceeds one and a half times the cap", func(t *testing.T) {
		t.Parallel()
		for i := 0; i < 100; i++ {
			delay := outbox.NextDelay(40, base, cap)
			assert.GreaterOrEqual(t, delay, cap/2)
			assert.Less(t, delay, cap+cap/2)
		}
	})
}
