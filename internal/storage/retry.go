package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/lehigh-university-libraries/dermtune/internal/metrics"
)

// RetryPolicy bounds how often a transfer is attempted.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Retrying decorates an ObjectStore with exponential backoff. Missing objects and
// read-only stores fail immediately; everything else is retried until MaxAttempts.
type Retrying struct {
	store   ObjectStore
	policy  RetryPolicy
	metrics *metrics.Recorder
}

func NewRetrying(store ObjectStore, policy RetryPolicy, rec *metrics.Recorder) *Retrying {
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = 1
	}
	return &Retrying{store: store, policy: policy, metrics: rec}
}

func (r *Retrying) Download(ctx context.Context, key, dstPath string) error {
	return r.do(ctx, "download", key, func() error {
		return r.store.Download(ctx, key, dstPath)
	})
}

func (r *Retrying) Upload(ctx context.Context, srcPath, key string) error {
	return r.do(ctx, "upload", key, func() error {
		return r.store.Upload(ctx, srcPath, key)
	})
}

func (r *Retrying) URI(key string) string {
	return r.store.URI(key)
}

func (r *Retrying) do(ctx context.Context, op, key string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	if r.policy.InitialInterval > 0 {
		b.InitialInterval = r.policy.InitialInterval
	}
	if r.policy.MaxInterval > 0 {
		b.MaxInterval = r.policy.MaxInterval
	}

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := fn()
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrReadOnly) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.policy.MaxAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.metrics.TransferRetried(op)
			slog.Warn("Transfer failed, retrying", "op", op, "key", key, "attempt", attempts, "wait", wait, "error", err)
		}),
	)
	if err == nil {
		return nil
	}

	// Missing objects are reported as-is so callers can tell absence from a fault.
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return &TransferError{Op: op, Key: key, Attempts: attempts, Err: err}
}
