// Package retry runs an operation repeatedly with deterministic exponential backoff.
package retry

import (
	"context"
	"time"
)

// Options controls the retry loop. Zero fields take the defaults.
type Options struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64

	// ShouldRetry decides whether a failed attempt is retried. Nil retries every error.
	ShouldRetry func(error) bool

	// Sleep waits between attempts. Nil waits on a timer bound to the context.
	Sleep func(ctx context.Context, d time.Duration) error
}

const (
	defaultMaxAttempts   = 3
	defaultInitialDelay  = 100 * time.Millisecond
	defaultMaxDelay      = 2 * time.Second
	defaultBackoffFactor = 2.0
)

func (o Options) withDefaults() Options {
	if o.MaxAttempts < 1 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.InitialDelay < 0 {
		o.InitialDelay = 0
	} else if o.InitialDelay == 0 {
		o.InitialDelay = defaultInitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = defaultMaxDelay
	}
	if o.BackoffFactor < 1 {
		o.BackoffFactor = defaultBackoffFactor
	}
	if o.Sleep == nil {
		o.Sleep = Wait
	}
	return o
}

// NoDelay returns o with every wait collapsed to zero.
func (o Options) NoDelay() Options {
	o.InitialDelay = -1
	o.MaxDelay = time.Nanosecond
	return o
}

// Delay returns the wait before attempt n+1, where n counts failed attempts from 1.
func (o Options) Delay(n int) time.Duration {
	o = o.withDefaults()
	return delay(o, n)
}

func delay(o Options, n int) time.Duration {
	if o.InitialDelay <= 0 || n < 1 {
		return 0
	}
	d := float64(o.InitialDelay)
	for i := 1; i < n; i++ {
		d *= o.BackoffFactor
		if d >= float64(o.MaxDelay) {
			return o.MaxDelay
		}
	}
	if d > float64(o.MaxDelay) {
		return o.MaxDelay
	}
	return time.Duration(d)
}

// Delays returns the full wait schedule for a call that fails on every attempt.
func Delays(o Options) []time.Duration {
	o = o.withDefaults()
	out := make([]time.Duration, 0, o.MaxAttempts-1)
	for n := 1; n < o.MaxAttempts; n++ {
		out = append(out, delay(o, n))
	}
	return out
}

// Do calls fn until it succeeds, a non-retryable error occurs, attempts run
// out, or ctx ends. When attempts run out the last error is returned unchanged.
func Do(ctx context.Context, opts Options, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, opts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, opts Options, fn func(ctx context.Context) (T, error)) (T, error) {
	opts = opts.withDefaults()

	var zero T
	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if attempt == opts.MaxAttempts {
			break
		}
		if opts.ShouldRetry != nil && !opts.ShouldRetry(err) {
			break
		}
		if err := opts.Sleep(ctx, delay(opts, attempt)); err != nil {
			return zero, lastErr
		}
	}
	return zero, lastErr
}

// Wait blocks for d or until ctx ends.
func Wait(ctx context.Context, d time.Duration) error {
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
