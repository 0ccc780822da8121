// Package retry wraps gateway calls with a bounded exponential
// backoff, following the teacher pack's use of jpillora/backoff for
// Binance REST call retries.
package retry

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
)

// Policy bounds how many times a call is retried and how the delay
// between attempts grows. Attempts counts retries only: Attempts=3
// means up to 4 total tries (the spec's "no gateway call exceeds
// retries+1 attempts" invariant).
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	Factor    float64
	MaxDelay  time.Duration
}

// Default is the engine-wide policy used unless a call site opts out.
var Default = Policy{
	Attempts:  3,
	BaseDelay: 300 * time.Millisecond,
	Factor:    2,
	MaxDelay:  5 * time.Second,
}

// IsRetryable decides whether a given error/attempt should be retried.
type IsRetryable func(err error) bool

// Do calls fn, retrying while isRetryable(err) and attempts remain.
// It returns the last error if every attempt fails, or nil as soon as
// fn succeeds. ctx cancellation aborts immediately between attempts.
func (p Policy) Do(ctx context.Context, isRetryable IsRetryable, fn func() error) error {
	if p.Attempts < 0 {
		p.Attempts = 0
	}
	b := &backoff.Backoff{
		Min:    p.BaseDelay,
		Max:    p.MaxDelay,
		Factor: p.Factor,
	}

	var lastErr error
	for attempt := 0; attempt <= p.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == p.Attempts || !isRetryable(lastErr) {
			return lastErr
		}
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
