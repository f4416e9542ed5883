package realtime

import (
	"math"
	"math/rand"
	"time"
)

// backoff computes reconnect delays: base doubling per attempt, plus up to
// 30% one-sided jitter, clamped to max. Jitter is one-sided so the delay for
// attempt n always falls in [base·2^(n-1), base·2^(n-1)·1.3] before the
// clamp, which keeps the sequence non-decreasing.
type backoff struct {
	base   time.Duration
	max    time.Duration
	jitter func() float64 // in [0, 1); injectable for tests
}

const jitterFraction = 0.3

func newBackoff(base, max time.Duration) *backoff {
	return &backoff{base: base, max: max, jitter: rand.Float64}
}

// delay returns the wait before attempt n (1-based).
func (b *backoff) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	raw := float64(b.base) * math.Pow(2, float64(attempt-1))
	raw += raw * jitterFraction * b.jitter()
	if raw > float64(b.max) {
		raw = float64(b.max)
	}
	return time.Duration(raw)
}
