// Package timing provides jittered delays, bounded waits, and countdown
// helpers shared by the controller and its collaborators.
package timing

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/koltyakov/proxyvpn/internal/domain"
)

// Clock returns the current time. Components take a Clock so tests can
// drive TTL and backoff logic without sleeping.
type Clock func() time.Time

// Now returns c(), or [time.Now] when c is nil.
func (c Clock) Now() time.Time {
	if c == nil {
		return time.Now()
	}
	return c()
}

// Jitter returns d shifted by a uniform offset in [-jitter, +jitter],
// clamped at zero.
func Jitter(d, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return max(d, 0)
	}
	offset := time.Duration(rand.Int64N(int64(2*jitter)+1)) - jitter
	return max(d+offset, 0)
}

// Delay blocks for d ± jitter, or until ctx is done.
func Delay(ctx context.Context, d, jitter time.Duration) error {
	timer := time.NewTimer(Jitter(d, jitter))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// TimeoutAfter runs fn and returns its result unless after elapses first, in
// which case it returns timeoutErr (a [domain.TimeoutError] for op when nil).
// fn is not cancelled on timeout: it keeps running on a context detached
// from ctx's cancellation and its late result is dropped.
func TimeoutAfter[T any](ctx context.Context, after time.Duration, op string, timeoutErr error, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(context.WithoutCancel(ctx))
		done <- result{v: v, err: err}
	}()

	timer := time.NewTimer(after)
	defer timer.Stop()

	var zero T
	select {
	case r := <-done:
		return r.v, r.err
	case <-timer.C:
		if timeoutErr == nil {
			timeoutErr = &domain.TimeoutError{Op: op, After: after}
		}
		return zero, timeoutErr
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Remaining returns until-now clamped at zero.
func Remaining(until, now time.Time) time.Duration {
	return max(until.Sub(now), 0)
}

// FormatRemaining renders d as m:ss, or h:mm:ss above one hour.
func FormatRemaining(d time.Duration) string {
	d = max(d, 0).Round(time.Second)
	h := int(d / time.Hour)
	m := int(d%time.Hour) / int(time.Minute)
	s := int(d%time.Minute) / int(time.Second)
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
