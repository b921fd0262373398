package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict is returned when an operation touches a record locked by
	// another transaction. The operation had no effect and may be retried.
	ErrConflict = errors.New("lock conflict")

	ErrClosed    = errors.New("closed")
	ErrTxnDone   = errors.New("transaction already committed or aborted")
	ErrReadOnly  = errors.New("secondary database is read-only")
	ErrExists    = errors.New("database already open")
	ErrNoCurrent = errors.New("cursor not positioned")
	ErrReserved  = errors.New("reserved database name")
)

// Op names an engine operation. It is passed to the interceptor and
// recorded in errors.
type Op string

const (
	OpGet           Op = "get"
	OpPut           Op = "put"
	OpDelete        Op = "delete"
	OpLen           Op = "len"
	OpCursor        Op = "cursor"
	OpFirst         Op = "first"
	OpLast          Op = "last"
	OpSeekGE        Op = "seek_ge"
	OpSeekGT        Op = "seek_gt"
	OpSeekLE        Op = "seek_le"
	OpSeekLT        Op = "seek_lt"
	OpNext          Op = "next"
	OpPrev          Op = "prev"
	OpNextDup       Op = "next_dup"
	OpNextNoDup     Op = "next_nodup"
	OpPrevNoDup     Op = "prev_nodup"
	OpCurrent       Op = "current"
	OpCount         Op = "count"
	OpPutCurrent    Op = "put_current"
	OpDeleteCurrent Op = "delete_current"
	OpPopulate      Op = "populate"
	OpCommit        Op = "commit"
	OpAbort         Op = "abort"
	OpOpen          Op = "open"
	OpRemove        Op = "remove"
)

// Error wraps a failure with the database and operation it came from.
type Error struct {
	Database string
	Op       Op
	Err      error
}

func (e *Error) Error() string {
	if e.Database == "" {
		return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage: %s %s: %v", e.Database, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(database string, op Op, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Database: database, Op: op, Err: err}
}

func conflict(holder *Txn) error {
	return fmt.Errorf("%w: key locked by txn %s", ErrConflict, holder.id)
}
