// Package encoding implements the wire framing shared by the remote,
// callback and server surfaces. Batches are framed as a LEB128 count
// followed by the rows; value bytes carry their own LEB128 length prefix
// so that an absent old value ("the caller believes the row does not
// exist yet") serializes as length zero.
package encoding

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-edx/pkg/types"
)

var (
	ErrTruncated = errors.New("encoding: truncated input")
	ErrTrailing  = errors.New("encoding: trailing bytes after batch")
)

// UvarintLen returns the encoded size of v.
func UvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

func appendUvarint(b []byte, v uint64) []byte {
	return binary.AppendUvarint(b, v)
}

func readUvarint(b []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, nil, ErrTruncated
	}
	return v, b[n:], nil
}

func readBytes(b []byte, n int) ([]byte, []byte, error) {
	if len(b) < n {
		return nil, nil, ErrTruncated
	}
	return b[:n], b[n:], nil
}

// readCount reads a batch count and rejects counts that cannot fit in
// the remaining input, before anything is sized from them. minRowLen is
// the smallest possible serialized row.
func readCount(b []byte, minRowLen int) (uint64, []byte, error) {
	count, rest, err := readUvarint(b)
	if err != nil {
		return 0, nil, err
	}
	if count > uint64(len(rest))/uint64(minRowLen) {
		return 0, nil, ErrTruncated
	}
	return count, rest, nil
}

// readLengthPrefixed reads a length-prefixed byte string. The length is
// checked against the remaining input while still unsigned, so a hostile
// length can neither overflow an int nor slice out of range.
func readLengthPrefixed(b []byte) ([]byte, []byte, error) {
	vlen, rest, err := readUvarint(b)
	if err != nil {
		return nil, nil, err
	}
	if vlen > uint64(len(rest)) {
		return nil, nil, ErrTruncated
	}
	return rest[:vlen], rest[vlen:], nil
}

// SerializeTokens frames a token batch as count || token*.
func SerializeTokens(ts types.Tokens) []byte {
	out := make([]byte, 0, UvarintLen(uint64(len(ts)))+len(ts)*types.TokenLength)
	out = appendUvarint(out, uint64(len(ts)))
	for _, t := range ts {
		out = append(out, t[:]...)
	}
	return out
}

// DeserializeTokens parses a token batch, rejecting truncated or
// trailing input.
func DeserializeTokens(b []byte) (types.Tokens, error) {
	count, rest, err := readCount(b, types.TokenLength)
	if err != nil {
		return nil, err
	}
	out := make(types.Tokens, 0, count)
	for i := uint64(0); i < count; i++ {
		var raw []byte
		raw, rest, err = readBytes(rest, types.TokenLength)
		if err != nil {
			return nil, fmt.Errorf("encoding: token %d: %w", i, err)
		}
		tok, err := types.TokenFromBytes(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
	}
	if len(rest) != 0 {
		return nil, ErrTrailing
	}
	return out, nil
}

// SerializeValues frames token/value rows as
// count || (token || len(value) || value)*.
func SerializeValues(m types.TokenValueMap) []byte {
	out := appendUvarint(nil, uint64(len(m)))
	for t, v := range m {
		out = append(out, t[:]...)
		raw := v.Bytes()
		out = appendUvarint(out, uint64(len(raw)))
		out = append(out, raw...)
	}
	return out
}

// DeserializeValues parses token/value rows whose ciphertexts are
// ciphertextLen bytes long.
func DeserializeValues(b []byte, ciphertextLen int) (types.TokenValueMap, error) {
	// a row is at least a token plus a one-byte value length
	count, rest, err := readCount(b, types.TokenLength+1)
	if err != nil {
		return nil, err
	}
	out := make(types.TokenValueMap, count)
	for i := uint64(0); i < count; i++ {
		var raw []byte
		raw, rest, err = readBytes(rest, types.TokenLength)
		if err != nil {
			return nil, fmt.Errorf("encoding: row %d token: %w", i, err)
		}
		tok, err := types.TokenFromBytes(raw)
		if err != nil {
			return nil, err
		}
		raw, rest, err = readLengthPrefixed(rest)
		if err != nil {
			return nil, fmt.Errorf("encoding: row %d value: %w", i, err)
		}
		val, err := types.ParseEncryptedValue(raw, ciphertextLen)
		if err != nil {
			return nil, err
		}
		out[tok] = val
	}
	if len(rest) != 0 {
		return nil, ErrTrailing
	}
	return out, nil
}

// SerializeUpsert frames an upsert write set as
// count || (token || len(old) || old || len(new) || new)*, where an
// absent old value serializes with length zero.
func SerializeUpsert(old, new types.TokenValueMap) []byte {
	out := appendUvarint(nil, uint64(len(new)))
	for t, nv := range new {
		out = append(out, t[:]...)
		if ov, ok := old[t]; ok {
			raw := ov.Bytes()
			out = appendUvarint(out, uint64(len(raw)))
			out = append(out, raw...)
		} else {
			out = appendUvarint(out, 0)
		}
		raw := nv.Bytes()
		out = appendUvarint(out, uint64(len(raw)))
		out = append(out, raw...)
	}
	return out
}

// DeserializeUpsert parses an upsert write set back into its old and
// new maps. Tokens without a claimed old value are absent from old.
func DeserializeUpsert(b []byte, ciphertextLen int) (old, new types.TokenValueMap, err error) {
	// a row is at least a token plus two one-byte value lengths
	count, rest, err := readCount(b, types.TokenLength+2)
	if err != nil {
		return nil, nil, err
	}
	old = make(types.TokenValueMap, count)
	new = make(types.TokenValueMap, count)
	for i := uint64(0); i < count; i++ {
		var raw []byte
		raw, rest, err = readBytes(rest, types.TokenLength)
		if err != nil {
			return nil, nil, fmt.Errorf("encoding: upsert row %d token: %w", i, err)
		}
		tok, err := types.TokenFromBytes(raw)
		if err != nil {
			return nil, nil, err
		}
		raw, rest, err = readLengthPrefixed(rest)
		if err != nil {
			return nil, nil, fmt.Errorf("encoding: upsert row %d old value: %w", i, err)
		}
		if len(raw) > 0 {
			ov, err := types.ParseEncryptedValue(raw, ciphertextLen)
			if err != nil {
				return nil, nil, err
			}
			old[tok] = ov
		}
		raw, rest, err = readLengthPrefixed(rest)
		if err != nil {
			return nil, nil, fmt.Errorf("encoding: upsert row %d new value: %w", i, err)
		}
		nv, err := types.ParseEncryptedValue(raw, ciphertextLen)
		if err != nil {
			return nil, nil, err
		}
		new[tok] = nv
	}
	if len(rest) != 0 {
		return nil, nil, ErrTrailing
	}
	return old, new, nil
}

// ValueBatchSizeBound returns an upper bound on the serialized size of
// a batch of n rows with the given ciphertext length. The callback
// adapter uses it for its first-attempt output buffer.
func ValueBatchSizeBound(n, ciphertextLen int) int {
	row := types.TokenLength +
		UvarintLen(uint64(types.ValueLength(ciphertextLen))) +
		types.ValueLength(ciphertextLen)
	return UvarintLen(uint64(n)) + n*row
}

// TokenBatchSizeBound returns the exact serialized size of an n-token
// batch.
func TokenBatchSizeBound(n int) int {
	return UvarintLen(uint64(n)) + n*types.TokenLength
}
