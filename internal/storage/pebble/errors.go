package pebble

import "errors"

var (
	ErrClosed     = errors.New("pebble persister: closed")
	ErrMalformed  = errors.New("pebble persister: malformed record key")
	ErrNameTooBig = errors.New("pebble persister: database name too long")
)
