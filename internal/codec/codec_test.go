package codec

import (
	"bytes"
	"errors"
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	Name  string            `json:"name" cbor:"name"`
	Tags  []string          `json:"tags" cbor:"tags"`
	Attrs map[string]string `json:"attrs" cbor:"attrs"`
}

func TestRoundTrip(t *testing.T) {
	cb, err := NewCBOR[doc]()
	require.NoError(t, err)

	d := doc{Name: "a", Tags: []string{"x", "y"}, Attrs: map[string]string{"k": "v"}}

	tests := []struct {
		name string
		fn   func(t *testing.T)
	}{
		{"int64", func(t *testing.T) {
			for _, v := range []int64{math.MinInt64, -1, 0, 1, 42, math.MaxInt64} {
				b, err := Int64{}.Encode(v, DefaultVersion)
				require.NoError(t, err)
				got, err := Int64{}.Decode(b, DefaultVersion)
				require.NoError(t, err)
				assert.Equal(t, v, got)
			}
		}},
		{"int", func(t *testing.T) {
			for _, v := range []int{-7, 0, 7} {
				b, err := Int{}.Encode(v, DefaultVersion)
				require.NoError(t, err)
				got, err := Int{}.Decode(b, DefaultVersion)
				require.NoError(t, err)
				assert.Equal(t, v, got)
			}
		}},
		{"uint64", func(t *testing.T) {
			for _, v := range []uint64{0, 1, math.MaxUint64} {
				b, err := Uint64{}.Encode(v, DefaultVersion)
				require.NoError(t, err)
				got, err := Uint64{}.Decode(b, DefaultVersion)
				require.NoError(t, err)
				assert.Equal(t, v, got)
			}
		}},
		{"string", func(t *testing.T) {
			for _, v := range []string{"", "a", "héllo"} {
				b, err := String{}.Encode(v, DefaultVersion)
				require.NoError(t, err)
				got, err := String{}.Decode(b, DefaultVersion)
				require.NoError(t, err)
				assert.Equal(t, v, got)
			}
		}},
		{"bytes copy", func(t *testing.T) {
			src := []byte{1, 2, 3}
			b, err := Bytes{}.Encode(src, DefaultVersion)
			require.NoError(t, err)
			src[0] = 9
			got, err := Bytes{}.Decode(b, DefaultVersion)
			require.NoError(t, err)
			assert.Equal(t, []byte{1, 2, 3}, got)
		}},
		{"json", func(t *testing.T) {
			b, err := JSON[doc]{}.Encode(d, DefaultVersion)
			require.NoError(t, err)
			got, err := JSON[doc]{}.Decode(b, DefaultVersion)
			require.NoError(t, err)
			assert.Equal(t, d, got)
		}},
		{"cbor", func(t *testing.T) {
			b, err := cb.Encode(d, DefaultVersion)
			require.NoError(t, err)
			got, err := cb.Decode(b, DefaultVersion)
			require.NoError(t, err)
			assert.Equal(t, d, got)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.fn)
	}
}

func TestOrderPreserving(t *testing.T) {
	ints := []int64{5, -3, 0, math.MaxInt64, -1 << 40, 17, math.MinInt64}
	enc := make([][]byte, len(ints))
	for i, v := range ints {
		b, err := Int64{}.Encode(v, DefaultVersion)
		require.NoError(t, err)
		enc[i] = b
	}
	sort.Slice(ints, func(i, j int) bool { return ints[i] < ints[j] })
	sort.Slice(enc, func(i, j int) bool { return bytes.Compare(enc[i], enc[j]) < 0 })
	for i, b := range enc {
		v, err := Int64{}.Decode(b, DefaultVersion)
		require.NoError(t, err)
		assert.Equal(t, ints[i], v)
	}

	a, _ := String{}.Encode("apple", DefaultVersion)
	b, _ := String{}.Encode("banana", DefaultVersion)
	assert.Negative(t, bytes.Compare(a, b))
}

func TestCBORDeterministic(t *testing.T) {
	cb, err := NewCBOR[map[string]int]()
	require.NoError(t, err)
	m := map[string]int{"z": 1, "a": 2, "m": 3}
	first, err := cb.Encode(m, DefaultVersion)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := cb.Encode(m, DefaultVersion)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestDecodeErrors(t *testing.T) {
	_, err := Int64{}.Decode([]byte{1, 2}, DefaultVersion)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "decode", cerr.Op)
	assert.ErrorIs(t, err, ErrInvalidLength)

	_, err = JSON[doc]{}.Decode([]byte("{"), DefaultVersion)
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "codec.doc", cerr.Type)

	_, err = JSON[chan int]{}.Encode(make(chan int), DefaultVersion)
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "encode", cerr.Op)
}

func TestVersioned(t *testing.T) {
	v1 := Funcs[string]{
		EncodeFunc: func(s string) ([]byte, error) { return []byte("v1:" + s), nil },
		DecodeFunc: func(b []byte) (string, error) {
			if !bytes.HasPrefix(b, []byte("v1:")) {
				return "", errors.New("missing prefix")
			}
			return string(b[3:]), nil
		},
	}
	c := NewVersioned(map[Version]Codec[string]{1: v1, 2: String{}})

	b, err := c.Encode("x", 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1:x"), b)
	got, err := c.Decode(b, 1)
	require.NoError(t, err)
	assert.Equal(t, "x", got)

	b, err = c.Encode("x", 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), b)

	_, err = c.Encode("x", 3)
	assert.ErrorIs(t, err, ErrUnknownVersion)
	_, err = c.Decode([]byte("zz"), 1)
	var cerr *Error
	assert.ErrorAs(t, err, &cerr)
}
