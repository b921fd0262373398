package store

import (
	"errors"
	"fmt"

	"github.com/myuser/typedkv/internal/storage"
)

var (
	ErrInvalidRange  = errors.New("invalid range")
	ErrUnsupported   = errors.New("unsupported operation")
	ErrNoSuchElement = errors.New("no such element")
	ErrConflict      = storage.ErrConflict
)

// ConflictError is a conflict met inside an explicit transaction. The
// transaction must be aborted and retried as a whole.
type ConflictError struct {
	Txn string
	Op  string
	Err error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("store: %s: conflict in txn %s: %v", e.Op, e.Txn, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

func invalidRange(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRange, fmt.Sprintf(format, args...))
}
