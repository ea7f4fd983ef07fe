package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	// SignatureLength is the byte length of a request MAC.
	SignatureLength = 32

	// ExpirationLength is the byte length of the big-endian unix
	// timestamp embedded in a signed request.
	ExpirationLength = 8

	// RequestValidity bounds replay: a captured request becomes useless
	// once its embedded expiration has passed, without any server-side
	// nonce bookkeeping on the client side.
	RequestValidity = 60 * time.Second
)

var (
	// ErrExpired is returned by VerifyEnvelope for an envelope whose
	// expiration lies in the past.
	ErrExpired = errors.New("auth: request signature expired")

	// ErrBadSignature is returned by VerifyEnvelope when the MAC does
	// not match.
	ErrBadSignature = errors.New("auth: invalid request signature")
)

// SigningKey derives the per-request signing key for op. The
// derivation is deterministic over (seed, index id, operation); the
// seed, not the derived key, is the stored secret. The second return
// is false when the token holds no seed for op.
func (t *Token) SigningKey(op Operation) ([]byte, bool) {
	seed, ok := t.seeds[op]
	if !ok {
		return nil, false
	}
	kdf := hkdf.New(sha256.New, seed[:], []byte(t.indexID), []byte("request signing key"))
	key := make([]byte, SignatureLength)
	if _, err := io.ReadFull(kdf, key); err != nil {
		// hkdf.Reader only fails past its output limit, far above 32 bytes.
		panic(err)
	}
	return key, true
}

// Sign computes the request MAC over expiration || payload.
func Sign(key []byte, expiration uint64, payload []byte) [SignatureLength]byte {
	mac := hmac.New(sha256.New, key)
	var exp [ExpirationLength]byte
	binary.BigEndian.PutUint64(exp[:], expiration)
	mac.Write(exp[:])
	mac.Write(payload)
	var out [SignatureLength]byte
	mac.Sum(out[:0])
	return out
}

// SealEnvelope builds the request body signature || expiration ||
// payload with expiration = now + RequestValidity.
func SealEnvelope(key []byte, now time.Time, payload []byte) []byte {
	expiration := uint64(now.Add(RequestValidity).Unix())
	sig := Sign(key, expiration, payload)
	body := make([]byte, 0, SignatureLength+ExpirationLength+len(payload))
	body = append(body, sig[:]...)
	body = binary.BigEndian.AppendUint64(body, expiration)
	body = append(body, payload...)
	return body
}

// OpenEnvelope splits a request body into its signature, expiration
// and payload without verifying anything.
func OpenEnvelope(body []byte) (sig [SignatureLength]byte, expiration uint64, payload []byte, err error) {
	if len(body) < SignatureLength+ExpirationLength {
		return sig, 0, nil, fmt.Errorf("auth: envelope too short: %d bytes", len(body))
	}
	copy(sig[:], body[:SignatureLength])
	expiration = binary.BigEndian.Uint64(body[SignatureLength : SignatureLength+ExpirationLength])
	payload = body[SignatureLength+ExpirationLength:]
	return sig, expiration, payload, nil
}

// VerifyEnvelope checks a request body against the signing key: the
// expiration must lie in the future and the MAC must match. It returns
// the payload on success. The expiration check comes first so that a
// replayed capture fails even with a valid signature.
func VerifyEnvelope(key []byte, now time.Time, body []byte) ([]byte, error) {
	sig, expiration, payload, err := OpenEnvelope(body)
	if err != nil {
		return nil, err
	}
	if expiration <= uint64(now.Unix()) {
		return nil, ErrExpired
	}
	want := Sign(key, expiration, payload)
	if !hmac.Equal(sig[:], want[:]) {
		return nil, ErrBadSignature
	}
	return payload, nil
}
