package collab

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/jackc/pgx/v5/pgconn"
)

type RetrySettings struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetrySettings() *RetrySettings {
	return &RetrySettings{
		MaxRetries:      4,
		InitialInterval: 20 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
	}
}

// IsTransient reports whether a store error is worth retrying:
// serialization conflicts, deadlocks, and network timeouts.
func IsTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return true
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// readTx retries transient failures transparently.
func readTx(ctx context.Context, store Store, settings *RetrySettings, fn func(StoreTx) error) error {
	return retryTx(ctx, store, settings, true, fn)
}

// writeTx retries only when the caller declares the transaction
// idempotent. leave is; join is not.
func writeTx(ctx context.Context, store Store, settings *RetrySettings, idempotent bool, fn func(StoreTx) error) error {
	return retryTx(ctx, store, settings, idempotent, fn)
}

func retryTx(ctx context.Context, store Store, settings *RetrySettings, retryable bool, fn func(StoreTx) error) error {
	if !retryable {
		return store.WithTx(ctx, fn)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = settings.InitialInterval
	b.MaxInterval = settings.MaxInterval
	return backoff.Retry(
		func() error {
			err := store.WithTx(ctx, fn)
			if err != nil && !IsTransient(err) {
				return backoff.Permanent(err)
			}
			if err != nil {
				glog.V(1).Infof("[store]transient error, will retry = %s\n", err)
			}
			return err
		},
		backoff.WithContext(backoff.WithMaxRetries(b, settings.MaxRetries), ctx),
	)
}
