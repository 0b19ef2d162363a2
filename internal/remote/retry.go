package remote

import (
	"context"
	"log"
	"time"
)

// DefaultBackoff is the retry schedule for transient remote failures.
var DefaultBackoff = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

// WithRetry runs op, retrying transient failures per the backoff schedule.
// Non-transient errors return immediately. The final transient error is
// returned after the schedule is exhausted.
func WithRetry(ctx context.Context, logger *log.Logger, backoff []time.Duration, name string, op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt >= len(backoff) {
			return err
		}
		if logger != nil {
			logger.Printf("%s failed (attempt %d/%d), retrying in %v: %v",
				name, attempt+1, len(backoff)+1, backoff[attempt], err)
		}
		if serr := sleepContext(ctx, backoff[attempt]); serr != nil {
			return serr
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
