package orders

import (
	"context"
	"math/rand"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RETRY BACKOFF - base 250ms, doubling, cap 4s, jitter ±25%
// ═══════════════════════════════════════════════════════════════════════════════

const (
	backoffBase = 250 * time.Millisecond
	backoffCap  = 4 * time.Second
)

// backoffDelay returns the sleep before retry `attempt` (0-based).
func backoffDelay(attempt int) time.Duration {
	d := backoffBase << attempt
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	// jitter ±25%
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * jitter)
}

// sleepBackoff waits out the backoff or returns early on cancellation.
func sleepBackoff(ctx context.Context, attempt int) error {
	t := time.NewTimer(backoffDelay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
