// Package retry wraps idempotent reads with bounded exponential backoff.
// Writes must not go through here.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"taskbot/internal/apperr"
)

type Policy struct {
	Attempts uint64
	Initial  time.Duration
	Max      time.Duration
}

var Default = Policy{Attempts: 3, Initial: 100 * time.Millisecond, Max: 2 * time.Second}

// Do runs fn until it succeeds, returns a permanent error, or the attempt
// budget is spent. NotFound, Validation, Forbidden and context errors are
// permanent. The final error is marked transient.
func Do[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Initial
	eb.MaxInterval = p.Max
	eb.MaxElapsedTime = 0

	var b backoff.BackOff = eb
	if p.Attempts > 0 {
		b = backoff.WithMaxRetries(b, p.Attempts-1)
	}
	b = backoff.WithContext(b, ctx)

	var out T
	err := backoff.Retry(func() error {
		v, err := fn(ctx)
		if err == nil {
			out = v
			return nil
		}
		if permanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	if err != nil {
		if permanent(err) {
			return out, err
		}
		return out, apperr.Transient(err)
	}
	return out, nil
}

func permanent(err error) bool {
	return errors.Is(err, apperr.ErrNotFound) ||
		errors.Is(err, apperr.ErrValidation) ||
		errors.Is(err, apperr.ErrForbidden) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
