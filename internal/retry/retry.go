// Package retry provides a generic bounded/unbounded retry driver with
// exponential backoff and additive jitter, used by the broker and KV store
// connectors wherever a resilient operation needs its own retry schedule
// rather than a one-shot call.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Options configures a retry run. MaxAttempts of 0 means unlimited attempts
// (bounded only by ctx or Deadline, if set).
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Jitter      time.Duration
	// Deadline, if non-zero, bounds total elapsed wall-clock time across all
	// attempts regardless of MaxAttempts.
	Deadline time.Duration
	// ShouldRetry decides whether a returned error is retryable. Nil means
	// every non-nil error is retryable.
	ShouldRetry func(err error) bool
	// OnRetry is invoked before each sleep with the attempt number (1-based)
	// and the delay about to be slept.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// scheduleBackOff adapts Options onto backoff.BackOff, reproducing
// base*(multiplier^(attempt-1)) capped at MaxDelay plus additive jitter in
// [0, Jitter) — the same formula as the shared retry helper this driver is
// modeled on.
type scheduleBackOff struct {
	attempt int
	opts    Options
}

func (s *scheduleBackOff) Reset() { s.attempt = 0 }

func (s *scheduleBackOff) NextBackOff() time.Duration {
	s.attempt++
	if s.opts.MaxAttempts > 0 && s.attempt >= s.opts.MaxAttempts {
		return backoff.Stop
	}
	delay := float64(s.opts.BaseDelay) * math.Pow(s.opts.Multiplier, float64(s.attempt-1))
	if s.opts.MaxDelay > 0 && delay > float64(s.opts.MaxDelay) {
		delay = float64(s.opts.MaxDelay)
	}
	if s.opts.Jitter > 0 {
		delay += float64(time.Duration(rand.Int63n(int64(s.opts.Jitter)))) //nolint:gosec // jitter does not need CSPRNG
	}
	return time.Duration(delay)
}

// Do runs op until it succeeds, the retry predicate rejects the error, the
// attempt budget is exhausted, Deadline elapses, or ctx is done. It returns
// nil on success, the context's error when ctx is done or Deadline elapses,
// and otherwise the last error op returned.
func Do(ctx context.Context, opts Options, op func(ctx context.Context) error) error {
	sched := &scheduleBackOff{opts: opts}
	var bo backoff.BackOff = sched
	if opts.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Deadline)
		defer cancel()
	}
	bo = backoff.WithContext(bo, ctx)

	wrapped := func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if opts.ShouldRetry != nil && !opts.ShouldRetry(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, delay time.Duration) {
		if opts.OnRetry != nil {
			opts.OnRetry(sched.attempt, delay, err)
		}
	}

	err := backoff.RetryNotify(wrapped, bo, notify)
	if err == nil {
		return nil
	}
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	return err
}

// DefaultOptions mirrors the shared connector's default schedule: base 5s,
// multiplier 1.5, cap 60s, no jitter unless supplied by the caller.
func DefaultOptions() Options {
	return Options{
		BaseDelay:  5 * time.Second,
		Multiplier: 1.5,
		MaxDelay:   60 * time.Second,
	}
}
