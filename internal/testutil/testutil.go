// Package testutil provides shared helpers for backend tests: random
// tokens and values, an in-memory reference store, and the contract
// suite every backend must pass.
package testutil

import (
	"crypto/rand"
	"flag"
	"testing"

	"github.com/i5heu/ouroboros-edx/pkg/types"
)

var RunLong = flag.Bool("long", false, "run long/heavy tests")

func RequireLong(t *testing.T) {
	t.Helper()
	if !*RunLong {
		t.Skip("skipping long test (use -long to enable)")
	}
}

// RandomToken returns a fresh random token.
func RandomToken(t *testing.T) types.Token {
	t.Helper()
	var tok types.Token
	if _, err := rand.Read(tok[:]); err != nil {
		t.Fatalf("reading randomness: %v", err)
	}
	return tok
}

// RandomValue returns a fresh random value with the given ciphertext
// length.
func RandomValue(t *testing.T, ciphertextLen int) types.EncryptedValue {
	t.Helper()
	v := types.EncryptedValue{Ciphertext: make([]byte, ciphertextLen)}
	if _, err := rand.Read(v.Nonce[:]); err != nil {
		t.Fatalf("reading randomness: %v", err)
	}
	if _, err := rand.Read(v.Ciphertext); err != nil {
		t.Fatalf("reading randomness: %v", err)
	}
	if _, err := rand.Read(v.Tag[:]); err != nil {
		t.Fatalf("reading randomness: %v", err)
	}
	return v
}
