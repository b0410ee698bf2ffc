package hrfsring

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"go-hrfsring/coord"
)

// retry runs fn until it succeeds, fails with a non-transient error, or the
// context ends. Failures are wrapped into *CoordinationError.
func retry[T any](ctx context.Context, o options, op, path string, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		b         = backoff.WithContext(o.newBackOff(), ctx)
		operation = func() (T, error) {
			var result, err = fn(ctx)
			if err != nil && coord.Classify(err) != coord.KindRetryable {
				return result, backoff.Permanent(err)
			}
			return result, err
		}
		notify = func(err error, delay time.Duration) {
			o.logger.Warn("transient coordination failure, retrying",
				"op", op,
				"path", path,
				"delay", delay,
				"error", err)
		}
	)

	var result, err = backoff.RetryNotifyWithData(operation, b, notify)
	if err != nil {
		return result, wrapCoordError(op, path, err)
	}
	return result, nil
}

// retryErr is retry for operations without a result.
func retryErr(ctx context.Context, o options, op, path string, fn func(ctx context.Context) error) error {
	var _, err = retry(ctx, o, op, path, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
