package shared

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryPolicy bounds how often a unit of work is re-run after ErrConflict.
type RetryPolicy struct {
	Retries int
	Backoff time.Duration
	OnRetry func()
}

// DefaultRetryPolicy is used by services that are not configured explicitly.
var DefaultRetryPolicy = RetryPolicy{Retries: 3, Backoff: 10 * time.Millisecond}

// RetryConflicts runs fn until it returns something other than ErrConflict. The
// n-th retry waits n*Backoff. When the budget is spent the result wraps ErrBusy.
func RetryConflicts(ctx context.Context, op string, p RetryPolicy, fn func(context.Context) error) error {
	if p.Retries < 0 {
		p.Retries = 0
	}
	if p.Backoff <= 0 {
		p.Backoff = DefaultRetryPolicy.Backoff
	}
	var err error
	for attempt := 0; attempt <= p.Retries; attempt++ {
		if attempt > 0 {
			if p.OnRetry != nil {
				p.OnRetry()
			}
			timer := time.NewTimer(p.Backoff * time.Duration(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return &StorageError{Op: op, Err: ctx.Err(), Transient: true}
			case <-timer.C:
			}
		}
		err = fn(ctx)
		if !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("%s: %w (last: %v)", op, ErrBusy, err)
}
