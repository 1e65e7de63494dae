package mmapcache

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// Codec serializes structured values for storage. It is only consulted for
// values on caches without the Strings flag; keys and strings-mode values
// bypass it entirely.
//
// The cache requires nothing of the wire format beyond round-tripping:
// Unmarshal(Marshal(v)) must reproduce v.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte) (any, error)
}

// JSONCodec is the default [Codec]. JSON round-trips the basic types
// (strings, numbers as float64, bools, maps, slices); callers storing
// richer types supply their own Codec.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}

	return data, nil
}

func (JSONCodec) Unmarshal(data []byte) (any, error) {
	var v any

	err := json.Unmarshal(data, &v)
	if err != nil {
		return nil, fmt.Errorf("unmarshal value: %w", err)
	}

	return v, nil
}

// Value encoding tags. Every non-empty stored byte string starts with one
// tag byte; the empty byte string encodes the absent value (nil).
const (
	// tagPlain prefixes raw bytes (keys, strings-mode values) and
	// codec-serialized structured values.
	tagPlain = ' '

	// tagUnicode prefixes text whose in-memory form required multi-byte
	// character encoding. Go strings are UTF-8 already, so the remainder
	// is stored and restored verbatim.
	tagUnicode = 'U'
)

// encodeValue maps a caller value to its on-disk byte representation.
//
// nil encodes as the empty byte string. With the strings flag, or for
// keys, string and []byte values pass through behind a one-byte tag and
// any other type is rejected with ErrInvalidInput. Otherwise the value is
// serialized by the codec behind the plain tag.
func (c *Cache) encodeValue(v any, isKey bool) ([]byte, error) {
	if v == nil {
		return nil, nil
	}

	if c.strings || isKey {
		var s string

		switch t := v.(type) {
		case string:
			s = t
		case []byte:
			s = string(t)
		default:
			return nil, fmt.Errorf("strings cache requires string or []byte value, got %T: %w", v, ErrInvalidInput)
		}

		return append([]byte{stringTag(s)}, s...), nil
	}

	data, err := c.codec.Marshal(v)
	if err != nil {
		return nil, err
	}

	return append([]byte{tagPlain}, data...), nil
}

// decodeValue maps stored bytes back to the caller value.
func (c *Cache) decodeValue(data []byte, isKey bool) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}

	tag, rest := data[0], data[1:]

	if tag == tagUnicode || c.strings || isKey {
		return string(rest), nil
	}

	return c.codec.Unmarshal(rest)
}

// decodeKey recovers the raw key string from its encoded form.
func (c *Cache) decodeKey(data []byte) (string, error) {
	v, err := c.decodeValue(data, true)
	if err != nil {
		return "", err
	}

	s, ok := v.(string)
	if !ok {
		return "", nil
	}

	return s, nil
}

// stringTag picks the tag byte for a pass-through string: 'U' for text
// containing multi-byte characters, ' ' for plain bytes. Invalid UTF-8 is
// treated as plain bytes so arbitrary binary strings round-trip.
func stringTag(s string) byte {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			if utf8.ValidString(s) {
				return tagUnicode
			}

			return tagPlain
		}
	}

	return tagPlain
}
