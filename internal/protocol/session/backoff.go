package session

import (
	"math"
	"math/rand"
	"time"
)

// Delay is the wait after failed delivery attempt n (1-based): InitialDelay
// grown by Multiplier per attempt and capped at MaxDelay. With Jitter the
// result is scaled into [0.5, 1.5) of that value.
func (b BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(b.InitialDelay) * math.Pow(max(b.Multiplier, 1.0), float64(attempt-1))
	if b.MaxDelay > 0 {
		delay = min(delay, float64(b.MaxDelay))
	}
	if b.Jitter {
		scale := 0.5
		if rng != nil {
			scale += rng.Float64()
		}
		delay *= scale
	}
	return time.Duration(delay)
}

// Retry reports the wait before the next upstream post after attempt failed.
// It returns false once maxAttempts posts were made; maxAttempts <= 0 never
// gives up.
func (b BackoffConfig) Retry(attempt, maxAttempts int, rng *rand.Rand) (time.Duration, bool) {
	if maxAttempts > 0 && attempt >= maxAttempts {
		return 0, false
	}
	return b.Delay(attempt, rng), true
}
