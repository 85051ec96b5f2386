package syncer

import (
	"context"
	"time"
)

// backoffDelay returns min(maxDelay, base * 2^attempt) without overflowing.
func backoffDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		if d >= maxDelay/2 {
			return maxDelay
		}
		d *= 2
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// jittered shortens d by up to jitter of its length. random returns a
// value in [0, 1).
func jittered(d time.Duration, jitter float64, random func() float64) time.Duration {
	if jitter <= 0 || d <= 0 {
		return d
	}
	return d - time.Duration(float64(d)*jitter*random())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
