package client

import (
	"math/rand/v2"
	"time"
)

// Backoff is capped exponential backoff with full jitter.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	// MaxAttempts bounds consecutive failed connects. Zero retries forever.
	MaxAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{Base: 250 * time.Millisecond, Max: 10 * time.Second, MaxAttempts: 12}
}

// Exhausted reports whether failed connects in a row reached the cap.
func (b Backoff) Exhausted(failed int) bool {
	return b.MaxAttempts > 0 && failed >= b.MaxAttempts
}

// Delay returns a random wait in [0, min(Max, Base*2^attempt)).
func (b Backoff) Delay(attempt int) time.Duration {
	ceil := b.Max
	if attempt < 0 {
		attempt = 0
	}
	if attempt < 32 {
		if d := b.Base << attempt; d > 0 && d < ceil {
			ceil = d
		}
	}
	if ceil <= 0 {
		return 0
	}
	return rand.N(ceil)
}
