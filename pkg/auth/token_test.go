package auth

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestTokenStringRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		indexID := string(rapid.SliceOfN(rapid.ByteRange('a', 'z'), IndexIDLength, IndexIDLength).Draw(t, "id"))
		var master [MasterKeyLength]byte
		copy(master[:], rapid.SliceOfN(rapid.Byte(), MasterKeyLength, MasterKeyLength).Draw(t, "master"))

		seeds := make(map[Operation][SeedLength]byte)
		for _, op := range Operations() {
			if rapid.Bool().Draw(t, "has") {
				var seed [SeedLength]byte
				copy(seed[:], rapid.SliceOfN(rapid.Byte(), SeedLength, SeedLength).Draw(t, "seed"))
				seeds[op] = seed
			}
		}

		tok, err := NewToken(indexID, master, seeds)
		if err != nil {
			t.Fatalf("NewToken: %v", err)
		}
		got, err := ParseToken(tok.String())
		if err != nil {
			t.Fatalf("ParseToken: %v", err)
		}
		if got.IndexID() != indexID {
			t.Fatalf("index id mismatch: %q != %q", got.IndexID(), indexID)
		}
		if got.MasterKey() != master {
			t.Fatal("master key mismatch")
		}
		for _, op := range Operations() {
			_, want := seeds[op]
			if got.HasSeed(op) != want {
				t.Fatalf("seed presence mismatch for %s", op)
			}
			if want && got.seeds[op] != seeds[op] {
				t.Fatalf("seed bytes mismatch for %s", op)
			}
		}
	})
}

func TestParseTokenRejectsDamage(t *testing.T) {
	tok, err := GenerateToken("gamma")
	require.NoError(t, err)
	s := tok.String()

	_, err = ParseToken("ab")
	assert.Error(t, err, "shorter than index id")

	_, err = ParseToken(s[:IndexIDLength] + "$$not-base64$$")
	assert.Error(t, err)

	// Truncate inside a seed entry.
	_, err = ParseToken(s[:len(s)-4])
	assert.Error(t, err)

	// Keys section shorter than the master key.
	_, err = ParseToken("gamma" + strings.Repeat("A", 8))
	assert.Error(t, err)

	// Unknown seed tag after the master key.
	raw := make([]byte, MasterKeyLength, MasterKeyLength+1+SeedLength)
	raw = append(raw, 0xff)
	raw = append(raw, make([]byte, SeedLength)...)
	_, err = ParseToken("gamma" + base64.StdEncoding.EncodeToString(raw))
	assert.Error(t, err)
}

func TestReduceNarrowsOnly(t *testing.T) {
	full, err := GenerateToken("delta")
	require.NoError(t, err)

	readOnly, err := full.Reduce(OpFetchEntry, OpFetchChain)
	require.NoError(t, err)
	assert.True(t, readOnly.HasSeed(OpFetchEntry))
	assert.True(t, readOnly.HasSeed(OpFetchChain))
	assert.False(t, readOnly.HasSeed(OpUpsert))
	assert.False(t, readOnly.HasSeed(OpInsert))
	assert.False(t, readOnly.HasSeed(OpDelete))

	// The source token is unchanged.
	assert.True(t, full.HasSeed(OpUpsert))

	// A reduced token cannot widen itself again.
	_, err = readOnly.Reduce(OpUpsert)
	assert.Error(t, err)
}

func TestSigningKeyDeterministic(t *testing.T) {
	tok, err := GenerateToken("omega")
	require.NoError(t, err)

	k1, ok := tok.SigningKey(OpUpsert)
	require.True(t, ok)
	k2, ok := tok.SigningKey(OpUpsert)
	require.True(t, ok)
	assert.Equal(t, k1, k2)

	k3, ok := tok.SigningKey(OpInsert)
	require.True(t, ok)
	assert.NotEqual(t, k1, k3)

	reduced, err := tok.Reduce(OpFetchEntry)
	require.NoError(t, err)
	_, ok = reduced.SigningKey(OpUpsert)
	assert.False(t, ok)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	tok, err := GenerateToken("alpha")
	require.NoError(t, err)
	key, ok := tok.SigningKey(OpFetchEntry)
	require.True(t, ok)

	now := time.Now()
	payload := []byte("the payload")
	body := SealEnvelope(key, now, payload)

	got, err := VerifyEnvelope(key, now, body)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, expiration, _, err := OpenEnvelope(body)
	require.NoError(t, err)
	assert.Equal(t, uint64(now.Add(RequestValidity).Unix()), expiration)
}

func TestEnvelopeRejectsExpired(t *testing.T) {
	tok, err := GenerateToken("alpha")
	require.NoError(t, err)
	key, ok := tok.SigningKey(OpFetchEntry)
	require.True(t, ok)

	payload := []byte("stale")
	body := SealEnvelope(key, time.Now().Add(-2*RequestValidity), payload)

	// Correct signature, past expiration: must be rejected.
	_, err = VerifyEnvelope(key, time.Now(), body)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestEnvelopeRejectsBadSignature(t *testing.T) {
	tok, err := GenerateToken("alpha")
	require.NoError(t, err)
	key, ok := tok.SigningKey(OpFetchEntry)
	require.True(t, ok)

	body := SealEnvelope(key, time.Now(), []byte("payload"))
	body[0] ^= 0x01

	_, err = VerifyEnvelope(key, time.Now(), body)
	assert.ErrorIs(t, err, ErrBadSignature)

	_, err = VerifyEnvelope(key, time.Now(), body[:10])
	assert.Error(t, err)
}
