package router

import (
	"math"
	"math/rand"
	"time"
)

const jitterFraction = 0.25

// calculateBackoffDelay computes the retry delay as an exponential backoff:
// clamp(base * 2^attempt * (1 + uniform(-0.25, +0.25)), 0, commandTimeout/2). attempt is
// 0-based. Jitter is independently sampled per call so concurrent retries don't thunder.
func calculateBackoffDelay(attempt int, base, commandTimeout time.Duration) time.Duration {
	raw := float64(base) * math.Pow(2, float64(attempt))
	jitter := 1 + (rand.Float64()*2-1)*jitterFraction
	delay := time.Duration(raw * jitter)

	if delay < 0 {
		delay = 0
	}
	if ceiling := commandTimeout / 2; delay > ceiling {
		delay = ceiling
	}
	return delay
}
