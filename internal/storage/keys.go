package storage

import (
	"encoding/binary"
	"errors"
)

var errMalformedKey = errors.New("malformed secondary key")

// EncodeSecondaryKey joins a secondary key and its primary key into the
// single byte string persistence backends store.
// Format: skey + pkey + uint32(len(skey))
func EncodeSecondaryKey(skey, pkey []byte) []byte {
	buf := make([]byte, len(skey)+len(pkey)+4)
	copy(buf, skey)
	copy(buf[len(skey):], pkey)
	binary.BigEndian.PutUint32(buf[len(skey)+len(pkey):], uint32(len(skey)))
	return buf
}

// DecodeSecondaryKey splits a key produced by EncodeSecondaryKey.
func DecodeSecondaryKey(joined []byte) (skey, pkey []byte, err error) {
	if len(joined) < 4 {
		return nil, nil, errMalformedKey
	}
	n := len(joined) - 4
	slen := int(binary.BigEndian.Uint32(joined[n:]))
	if slen > n {
		return nil, nil, errMalformedKey
	}
	return joined[:slen], joined[slen:n], nil
}

const catalogName = "\x00catalog"

const (
	kindPrimary   byte = 'p'
	kindSecondary byte = 's'
)

type catalogEntry struct {
	secondary bool
	primary   string
}

func encodeCatalogEntry(e catalogEntry) []byte {
	if !e.secondary {
		return []byte{kindPrimary}
	}
	return append([]byte{kindSecondary}, e.primary...)
}

func decodeCatalogEntry(b []byte) (catalogEntry, error) {
	if len(b) == 0 {
		return catalogEntry{}, errors.New("empty catalog entry")
	}
	switch b[0] {
	case kindPrimary:
		return catalogEntry{}, nil
	case kindSecondary:
		return catalogEntry{secondary: true, primary: string(b[1:])}, nil
	}
	return catalogEntry{}, errors.New("unknown catalog entry kind")
}
