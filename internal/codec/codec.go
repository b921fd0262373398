// Package codec turns typed keys and values into the byte strings the
// storage engine orders and persists.
//
// Codecs used for keys must be deterministic, and when a store relies on the
// default byte ordering they must also be order preserving: the byte order
// of two encodings has to match the natural order of the values. Int64,
// Uint64, Int and String below satisfy that; JSON and CBOR do not and are
// meant for values.
package codec

import (
	"errors"
	"fmt"
	"reflect"
)

// Version is the encoding-version token a caller supplies with every
// operation. Codecs may ignore it.
type Version uint16

const DefaultVersion Version = 1

var (
	ErrInvalidLength  = errors.New("invalid encoded length")
	ErrUnknownVersion = errors.New("unknown encoding version")
)

// Codec encodes and decodes values of type T.
type Codec[T any] interface {
	Encode(v T, version Version) ([]byte, error)
	Decode(data []byte, version Version) (T, error)
}

// Error reports an encode or decode failure. It is never retried.
type Error struct {
	Op   string
	Type string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("codec: %s %s: %v", e.Op, e.Type, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func typeName[T any]() string {
	var zero T
	t := reflect.TypeOf(&zero).Elem()
	return t.String()
}

func encodeErr[T any](err error) error {
	return &Error{Op: "encode", Type: typeName[T](), Err: err}
}

func decodeErr[T any](err error) error {
	return &Error{Op: "decode", Type: typeName[T](), Err: err}
}

// Funcs adapts a pair of plain functions to Codec.
type Funcs[T any] struct {
	EncodeFunc func(v T) ([]byte, error)
	DecodeFunc func(data []byte) (T, error)
}

func (f Funcs[T]) Encode(v T, _ Version) ([]byte, error) {
	b, err := f.EncodeFunc(v)
	if err != nil {
		return nil, encodeErr[T](err)
	}
	return b, nil
}

func (f Funcs[T]) Decode(data []byte, _ Version) (T, error) {
	v, err := f.DecodeFunc(data)
	if err != nil {
		var zero T
		return zero, decodeErr[T](err)
	}
	return v, nil
}

// Versioned dispatches to a codec per encoding version.
type Versioned[T any] struct {
	codecs map[Version]Codec[T]
}

func NewVersioned[T any](codecs map[Version]Codec[T]) *Versioned[T] {
	m := make(map[Version]Codec[T], len(codecs))
	for v, c := range codecs {
		m[v] = c
	}
	return &Versioned[T]{codecs: m}
}

func (v *Versioned[T]) Encode(val T, version Version) ([]byte, error) {
	c, ok := v.codecs[version]
	if !ok {
		return nil, encodeErr[T](fmt.Errorf("%w %d", ErrUnknownVersion, version))
	}
	return c.Encode(val, version)
}

func (v *Versioned[T]) Decode(data []byte, version Version) (T, error) {
	c, ok := v.codecs[version]
	if !ok {
		var zero T
		return zero, decodeErr[T](fmt.Errorf("%w %d", ErrUnknownVersion, version))
	}
	return c.Decode(data, version)
}
