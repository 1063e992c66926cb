package directory

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// retryPolicy is the reconnect state machine for remote mode: an attempt
// counter and a doubling delay, driven by an injectable clock so tests run
// without real timers.
type retryPolicy struct {
	clk  clock.Clock
	max  int
	base time.Duration

	attempt int
}

func newRetryPolicy(clk clock.Clock, max int, base time.Duration) *retryPolicy {
	return &retryPolicy{clk: clk, max: max, base: base}
}

// Delay returns the wait before the given attempt (0-based).
func (r *retryPolicy) Delay(attempt int) time.Duration {
	return r.base << attempt
}

// Next consumes one attempt, sleeping its backoff delay first. It returns
// false when the budget is exhausted or the context ended, at which point
// the caller degrades.
func (r *retryPolicy) Next(ctx context.Context) bool {
	if r.attempt >= r.max {
		return false
	}
	delay := r.Delay(r.attempt)
	r.attempt++

	t := r.clk.Timer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
