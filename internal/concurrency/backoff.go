package concurrency

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

const maxShift = 62

// exponential returns base * 2^attempt, saturating instead of overflowing.
func exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	attempt = min(max(attempt, 0), maxShift)

	multiplier := int64(1) << attempt
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}
	return base * time.Duration(multiplier)
}

// withJitter spreads d over [d/2, d) so contenders that lost the same race do
// not wake up together.
func withJitter(d time.Duration) time.Duration {
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
