// Package types holds the value objects shared by every index backend:
// tokens, authenticated-encrypted values and the batch collections built
// from them. Values are opaque to this layer; only their lengths are
// checked.
package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// TokenLength is the fixed byte length of an index token.
const TokenLength = 32

// NonceLength and TagLength are the fixed AEAD framing lengths of an
// encrypted value. The ciphertext length in between is a per-table
// parameter.
const (
	NonceLength = 12
	TagLength   = 16
)

// Token is the opaque primary key of one index row. Equality is byte
// equality; tokens carry no ordering semantics.
type Token [TokenLength]byte

// TokenFromBytes copies b into a Token. It fails if b is not exactly
// TokenLength bytes.
func TokenFromBytes(b []byte) (Token, error) {
	var t Token
	if len(b) != TokenLength {
		return t, fmt.Errorf("types: invalid token length: got %d, want %d", len(b), TokenLength)
	}
	copy(t[:], b)
	return t, nil
}

// String returns a short hex form for logs.
func (t Token) String() string {
	return hex.EncodeToString(t[:8])
}

// Tokens is a batch of tokens. Duplicates are allowed on input and
// collapse naturally through the map-based results.
type Tokens []Token

// Contains reports whether tok is present in the batch.
func (ts Tokens) Contains(tok Token) bool {
	for _, t := range ts {
		if t == tok {
			return true
		}
	}
	return false
}

// EncryptedValue is one authenticated-encrypted index row. The
// ciphertext length is fixed per table role; an update is always a full
// replacement of the value.
type EncryptedValue struct {
	Nonce      [NonceLength]byte
	Ciphertext []byte
	Tag        [TagLength]byte
}

// ValueLength returns the serialized length of a value whose ciphertext
// is ciphertextLen bytes long.
func ValueLength(ciphertextLen int) int {
	return NonceLength + ciphertextLen + TagLength
}

// Bytes serializes the value as nonce || ciphertext || tag.
func (v EncryptedValue) Bytes() []byte {
	out := make([]byte, 0, ValueLength(len(v.Ciphertext)))
	out = append(out, v.Nonce[:]...)
	out = append(out, v.Ciphertext...)
	out = append(out, v.Tag[:]...)
	return out
}

// Equal reports byte equality of two values.
func (v EncryptedValue) Equal(o EncryptedValue) bool {
	return v.Nonce == o.Nonce && v.Tag == o.Tag && bytes.Equal(v.Ciphertext, o.Ciphertext)
}

// ParseEncryptedValue parses nonce || ciphertext || tag, checking that
// the ciphertext has exactly the expected length.
func ParseEncryptedValue(b []byte, ciphertextLen int) (EncryptedValue, error) {
	var v EncryptedValue
	if len(b) != ValueLength(ciphertextLen) {
		return v, fmt.Errorf("types: invalid value length: got %d, want %d", len(b), ValueLength(ciphertextLen))
	}
	copy(v.Nonce[:], b[:NonceLength])
	v.Ciphertext = append([]byte(nil), b[NonceLength:NonceLength+ciphertextLen]...)
	copy(v.Tag[:], b[NonceLength+ciphertextLen:])
	return v, nil
}

// TokenValueMap maps tokens to their encrypted values. It is the input
// and output shape of every batch operation.
type TokenValueMap map[Token]EncryptedValue

// TokensOf returns the key set of the map in unspecified order.
func (m TokenValueMap) TokensOf() Tokens {
	out := make(Tokens, 0, len(m))
	for t := range m {
		out = append(out, t)
	}
	return out
}

// Clone returns a deep copy; ciphertext slices are not shared.
func (m TokenValueMap) Clone() TokenValueMap {
	out := make(TokenValueMap, len(m))
	for t, v := range m {
		out[t] = EncryptedValue{
			Nonce:      v.Nonce,
			Ciphertext: append([]byte(nil), v.Ciphertext...),
			Tag:        v.Tag,
		}
	}
	return out
}
