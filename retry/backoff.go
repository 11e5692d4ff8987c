// Package retry implements the exponential backoff policy: a small pure
// function, After, plus a github.com/cenkalti/backoff/v4 wrapper that
// the ingester uses for the bounded-attempt envelopes around its I/O.
package retry

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// After returns the exponential delay for retry attempt k (1-indexed):
// base 2, no jitter — 2^k seconds.
func After(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(1<<uint(attempt)) * time.Second
}

// AfterWithJitter is the same exponential schedule with up to 20%
// jitter layered on top, for callers that want to avoid synchronized
// retry storms across many workers.
func AfterWithJitter(attempt int) time.Duration {
	base := After(attempt)
	jitter := time.Duration(rand.Int63n(int64(base) / 5))
	return base + jitter
}

// NewExponentialBackOff builds a cenkalti/backoff policy matching the
// base-2, no-jitter schedule of After, capped at maxAttempts retries.
// It backs the ingester's bounded-attempt envelopes (receive errors and
// per-message processing, both capped at 3 attempts).
func NewExponentialBackOff(maxAttempts int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(maxAttempts))
}
