package slave

import (
	"context"
	"time"
)

// retryInterval is base * 2^retry capped at max.
func retryInterval(base, max time.Duration, retry uint) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := uint(0); i < retry; i++ {
		d *= 2
		if d <= 0 || d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// sleepCtx waits for d or until ctx is done, whichever comes first.
// It reports whether the full interval elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
