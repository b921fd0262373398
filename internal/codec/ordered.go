package codec

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Int64 encodes as 8 big-endian bytes with the sign bit flipped so negative
// numbers sort before positive ones.
type Int64 struct{}

func (Int64) Encode(v int64, _ Version) ([]byte, error) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v)^(1<<63))
	return buf, nil
}

func (Int64) Decode(data []byte, _ Version) (int64, error) {
	if len(data) != 8 {
		return 0, decodeErr[int64](fmt.Errorf("%w: want 8, got %d", ErrInvalidLength, len(data)))
	}
	return int64(binary.BigEndian.Uint64(data) ^ (1 << 63)), nil
}

// Int is Int64 for the platform int type.
type Int struct{}

func (Int) Encode(v int, version Version) ([]byte, error) {
	return Int64{}.Encode(int64(v), version)
}

func (Int) Decode(data []byte, version Version) (int, error) {
	v, err := Int64{}.Decode(data, version)
	if err != nil {
		return 0, decodeErr[int](err)
	}
	if v > math.MaxInt || v < math.MinInt {
		return 0, decodeErr[int](fmt.Errorf("value %d overflows int", v))
	}
	return int(v), nil
}

// Uint64 encodes as 8 big-endian bytes.
type Uint64 struct{}

func (Uint64) Encode(v uint64, _ Version) ([]byte, error) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf, nil
}

func (Uint64) Decode(data []byte, _ Version) (uint64, error) {
	if len(data) != 8 {
		return 0, decodeErr[uint64](fmt.Errorf("%w: want 8, got %d", ErrInvalidLength, len(data)))
	}
	return binary.BigEndian.Uint64(data), nil
}

// String stores the raw UTF-8 bytes; Go compares strings bytewise so the
// byte order is the string order.
type String struct{}

func (String) Encode(v string, _ Version) ([]byte, error) {
	return []byte(v), nil
}

func (String) Decode(data []byte, _ Version) (string, error) {
	return string(data), nil
}

// Bytes copies the slice in both directions.
type Bytes struct{}

func (Bytes) Encode(v []byte, _ Version) ([]byte, error) {
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (Bytes) Decode(data []byte, _ Version) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}
