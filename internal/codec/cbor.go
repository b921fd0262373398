package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CBOR encodes values with core deterministic CBOR encoding, so equal values
// always produce equal bytes.
type CBOR[T any] struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func NewCBOR[T any]() (*CBOR[T], error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encode mode: %w", err)
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor decode mode: %w", err)
	}
	return &CBOR[T]{enc: enc, dec: dec}, nil
}

func (c *CBOR[T]) Encode(v T, _ Version) ([]byte, error) {
	b, err := c.enc.Marshal(v)
	if err != nil {
		return nil, encodeErr[T](err)
	}
	return b, nil
}

func (c *CBOR[T]) Decode(data []byte, _ Version) (T, error) {
	var v T
	if err := c.dec.Unmarshal(data, &v); err != nil {
		return v, decodeErr[T](err)
	}
	return v, nil
}
