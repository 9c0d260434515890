package syncengine

import (
	"math/rand"
	"time"
)

// BackoffDelay returns the pre-jitter delay before the given attempt
// (1-based). With the default base of 1s and multiplier of 2 the sequence
// is 1s, 2s, 4s, 8s, 16s.
func BackoffDelay(base time.Duration, multiplier float64, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(base)
	for i := 1; i < attempt; i++ {
		delay *= multiplier
	}
	return time.Duration(delay)
}

// defaultJitter spreads retries from many devices reconnecting at once.
func defaultJitter() time.Duration {
	return time.Duration(rand.Intn(1000)) * time.Millisecond
}
