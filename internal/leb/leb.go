// Package leb decodes ULEB128 and SLEB128 scalars from a byte cursor,
// the variable-length integer encoding used throughout dyld's bind,
// rebase, and export-trie bytecode streams.
package leb

import "errors"

// ErrTruncated is returned when the byte range ends before a LEB128
// sequence terminates.
var ErrTruncated = errors.New("leb128: truncated sequence")

// ErrOverflow is returned when a decoded value does not fit in 64 bits.
var ErrOverflow = errors.New("leb128: value overflows 64 bits")

// Uleb128 decodes an unsigned LEB128 value starting at data[0]. It
// returns the value, the number of bytes consumed, and an error.
func Uleb128(data []byte) (value uint64, n int, err error) {
	var shift uint
	for {
		if n >= len(data) {
			return 0, n, ErrTruncated
		}
		b := data[n]
		n++
		if shift >= 64 {
			return 0, n, ErrOverflow
		}
		if shift == 63 && b&0x7f > 1 {
			return 0, n, ErrOverflow
		}
		value |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return value, n, nil
		}
		shift += 7
	}
}

// Sleb128 decodes a signed LEB128 value starting at data[0]. It returns
// the value, the number of bytes consumed, and an error.
func Sleb128(data []byte) (value int64, n int, err error) {
	var result int64
	var shift uint
	var b byte
	for {
		if n >= len(data) {
			return 0, n, ErrTruncated
		}
		b = data[n]
		n++
		if shift >= 64 {
			return 0, n, ErrOverflow
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift < 64 && b&0x40 != 0 {
		result |= -1 << shift
	}
	return result, n, nil
}
