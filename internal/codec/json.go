package codec

import (
	"encoding/json"
)

// JSON encodes values with encoding/json. Not order preserving.
type JSON[T any] struct{}

func (JSON[T]) Encode(v T, _ Version) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, encodeErr[T](err)
	}
	return b, nil
}

func (JSON[T]) Decode(data []byte, _ Version) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, decodeErr[T](err)
	}
	return v, nil
}
