package store

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/myuser/typedkv/internal/codec"
	"github.com/myuser/typedkv/internal/log"
	"github.com/myuser/typedkv/internal/storage"
)

type ctxKey int

const (
	txnKey ctxKey = iota
	versionKey
)

// WithTxn binds an explicit transaction to ctx. Operations run inside it
// and report conflicts instead of retrying; the caller commits or aborts.
func WithTxn(ctx context.Context, txn *storage.Txn) context.Context {
	return context.WithValue(ctx, txnKey, txn)
}

// TxnFromContext returns the bound transaction, or nil in auto-commit mode.
func TxnFromContext(ctx context.Context) *storage.Txn {
	txn, _ := ctx.Value(txnKey).(*storage.Txn)
	return txn
}

// WithEncodingVersion sets the version values are encoded with.
func WithEncodingVersion(ctx context.Context, v codec.Version) context.Context {
	return context.WithValue(ctx, versionKey, v)
}

func EncodingVersion(ctx context.Context) codec.Version {
	if v, ok := ctx.Value(versionKey).(codec.Version); ok {
		return v
	}
	return codec.DefaultVersion
}

func logger(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &log.Store
}
