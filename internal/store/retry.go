package store

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/myuser/typedkv/internal/metrics"
	"github.com/myuser/typedkv/internal/storage"
)

// RetryPolicy shapes the backoff between conflict retries in auto-commit
// mode. Retries are unbounded; only ctx ends them.
type RetryPolicy struct {
	Base time.Duration
	Cap  time.Duration
}

func (p RetryPolicy) backoff() retry.Backoff {
	base := p.Base
	if base <= 0 {
		base = time.Millisecond
	}
	limit := p.Cap
	if limit < base {
		limit = 50 * base
	}
	return retry.WithCappedDuration(limit, retry.WithJitterPercent(10, retry.NewExponential(base)))
}

// runner applies the conflict policy for one store or index.
type runner struct {
	env    *storage.Env
	policy RetryPolicy
	name   string
}

// fatal turns a conflict inside a bound transaction into a ConflictError.
func (r runner) fatal(txn *storage.Txn, op string, err error) error {
	if err == nil || !errors.Is(err, ErrConflict) {
		return err
	}
	metrics.Inc(metrics.StoreConflictsFatal)
	return &ConflictError{Txn: txn.ID(), Op: op, Err: err}
}

// retryable marks a conflict for another attempt.
func (r runner) retryable(ctx context.Context, op string, err error) error {
	if err == nil || !errors.Is(err, ErrConflict) {
		return err
	}
	metrics.Inc(metrics.StoreConflictRetries)
	logger(ctx).Debug().Err(err).Str("name", r.name).Str("op", op).Msg("conflict, retrying")
	return retry.RetryableError(err)
}

// readOp runs fn once inside the bound transaction, or retries it on
// conflict without one.
func readOp[T any](ctx context.Context, r runner, op string, fn func(txn *storage.Txn) (T, error)) (T, error) {
	if txn := TxnFromContext(ctx); txn != nil {
		v, err := fn(txn)
		if err != nil {
			var zero T
			return zero, r.fatal(txn, op, err)
		}
		return v, nil
	}
	return retry.DoValue(ctx, r.policy.backoff(), func(ctx context.Context) (T, error) {
		v, err := fn(nil)
		if err != nil {
			return v, r.retryable(ctx, op, err)
		}
		return v, nil
	})
}

// writeOp is readOp for operations made of several engine writes. Without
// a bound transaction each attempt runs in its own transaction.
func writeOp[T any](ctx context.Context, r runner, op string, fn func(txn *storage.Txn) (T, error)) (T, error) {
	if TxnFromContext(ctx) != nil {
		return readOp(ctx, r, op, fn)
	}
	return retry.DoValue(ctx, r.policy.backoff(), func(ctx context.Context) (T, error) {
		var zero T
		txn := r.env.Begin()
		v, err := fn(txn)
		if err != nil {
			_ = txn.Abort()
			return zero, r.retryable(ctx, op, err)
		}
		if err := txn.Commit(); err != nil {
			return zero, err
		}
		return v, nil
	})
}

// step retries one cursor movement. The cursor keeps its position when a
// movement fails, so repeating it is safe.
func step(ctx context.Context, r runner, op string, fn func() (storage.Record, bool, error)) (storage.Record, bool, error) {
	type result struct {
		rec storage.Record
		ok  bool
	}
	res, err := readOp(ctx, r, op, func(*storage.Txn) (result, error) {
		rec, ok, err := fn()
		return result{rec, ok}, err
	})
	return res.rec, res.ok, err
}
