package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/rentguntur/project-school/internal/apperr"
)

// withRetry calls fn until it succeeds, returns a non-transient error or
// p.MaxAttempts is used up. Exhausted transient failures are returned as a
// non-transient upstream error so callers stop retrying.
func withRetry[T any](ctx context.Context, p RetryPolicy, fn func() (T, error), notify func(error, time.Duration)) (T, error) {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}

	attempts := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		v, err := fn()
		if err == nil {
			return v, nil
		}
		if apperr.IsTransient(err) {
			return v, err
		}
		return v, backoff.Permanent(err)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithNotify(notify),
	)
	if err != nil && apperr.IsTransient(err) {
		return res, &apperr.Error{
			Kind: apperr.KindUpstream,
			Msg:  fmt.Sprintf("giving up after %d attempts", attempts),
			Err:  err,
		}
	}
	return res, err
}
