// Package auth implements the capability-scoped authorization token
// used by the remote-service backend, and the request signing built on
// it. A token carries one long-lived master key plus zero or more
// short-lived per-operation signing seeds; holding a seed grants the
// ability to sign requests for exactly that operation kind, and absence
// of a seed is equivalent to revocation.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sort"
)

const (
	// IndexIDLength is the fixed character length of an index id.
	IndexIDLength = 5

	// MasterKeyLength is the byte length of the master key. The master
	// key is kept only by a fully privileged client and is never
	// transmitted.
	MasterKeyLength = 32

	// SeedLength is the byte length of one per-operation signing seed.
	SeedLength = 16
)

// Operation identifies one remotely authorizable operation kind. The
// numeric values are the wire tags of the token text format.
type Operation uint8

const (
	OpFetchEntry Operation = iota
	OpFetchChain
	OpUpsert
	OpInsert
	OpDelete

	numOperations = 5
)

// Operations lists every operation kind, in tag order.
func Operations() []Operation {
	return []Operation{OpFetchEntry, OpFetchChain, OpUpsert, OpInsert, OpDelete}
}

func (op Operation) String() string {
	switch op {
	case OpFetchEntry:
		return "fetch_entries"
	case OpFetchChain:
		return "fetch_chains"
	case OpUpsert:
		return "upsert"
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	}
	return fmt.Sprintf("operation(%d)", uint8(op))
}

// Token is a serializable capability. It is a value object: narrowing
// permissions produces a new token and never mutates one visible to
// other holders.
type Token struct {
	indexID   string
	masterKey [MasterKeyLength]byte
	seeds     map[Operation][SeedLength]byte
}

// NewToken builds a token from its parts. The seeds map is copied.
func NewToken(indexID string, masterKey [MasterKeyLength]byte, seeds map[Operation][SeedLength]byte) (*Token, error) {
	if len(indexID) != IndexIDLength {
		return nil, fmt.Errorf("auth: wrong index id length: got %d, want %d", len(indexID), IndexIDLength)
	}
	t := &Token{
		indexID:   indexID,
		masterKey: masterKey,
		seeds:     make(map[Operation][SeedLength]byte, len(seeds)),
	}
	for op, seed := range seeds {
		if uint8(op) >= numOperations {
			return nil, fmt.Errorf("auth: unknown operation tag %d", uint8(op))
		}
		t.seeds[op] = seed
	}
	return t, nil
}

// GenerateToken returns a fully privileged token for indexID with a
// fresh random master key and one fresh seed per operation kind.
func GenerateToken(indexID string) (*Token, error) {
	var master [MasterKeyLength]byte
	if _, err := rand.Read(master[:]); err != nil {
		return nil, fmt.Errorf("auth: generating master key: %w", err)
	}
	seeds := make(map[Operation][SeedLength]byte, numOperations)
	for _, op := range Operations() {
		var seed [SeedLength]byte
		if _, err := rand.Read(seed[:]); err != nil {
			return nil, fmt.Errorf("auth: generating seed for %s: %w", op, err)
		}
		seeds[op] = seed
	}
	return NewToken(indexID, master, seeds)
}

// IndexID returns the index id the token authorizes.
func (t *Token) IndexID() string { return t.indexID }

// MasterKey returns the long-lived master key.
func (t *Token) MasterKey() [MasterKeyLength]byte { return t.masterKey }

// HasSeed reports whether the token carries a seed for op.
func (t *Token) HasSeed(op Operation) bool {
	_, ok := t.seeds[op]
	return ok
}

// SeededOperations returns the operation kinds the token can sign for,
// in tag order.
func (t *Token) SeededOperations() []Operation {
	out := make([]Operation, 0, len(t.seeds))
	for op := range t.seeds {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Reduce returns a new token retaining only the named seeds. A token
// can only narrow its own capabilities: asking to keep a seed the
// source token does not hold is an error.
func (t *Token) Reduce(keep ...Operation) (*Token, error) {
	seeds := make(map[Operation][SeedLength]byte, len(keep))
	for _, op := range keep {
		seed, ok := t.seeds[op]
		if !ok {
			return nil, fmt.Errorf("auth: cannot retain %s: seed not present in source token", op)
		}
		seeds[op] = seed
	}
	return NewToken(t.indexID, t.masterKey, seeds)
}

// String serializes the token as
// index_id || base64(master_key || (tag || seed)*).
func (t *Token) String() string {
	raw := make([]byte, 0, MasterKeyLength+len(t.seeds)*(1+SeedLength))
	raw = append(raw, t.masterKey[:]...)
	for _, op := range t.SeededOperations() {
		seed := t.seeds[op]
		raw = append(raw, byte(op))
		raw = append(raw, seed[:]...)
	}
	return t.indexID + base64.StdEncoding.EncodeToString(raw)
}

// ParseToken parses the text form produced by String. Truncated input
// and unknown seed tags are rejected.
func ParseToken(s string) (*Token, error) {
	if len(s) < IndexIDLength {
		return nil, fmt.Errorf("auth: malformed token: shorter than the %d-char index id", IndexIDLength)
	}
	indexID := s[:IndexIDLength]
	raw, err := base64.StdEncoding.DecodeString(s[IndexIDLength:])
	if err != nil {
		return nil, fmt.Errorf("auth: malformed token: keys section is not base64: %w", err)
	}
	if len(raw) < MasterKeyLength {
		return nil, fmt.Errorf("auth: malformed token: cannot read the master key: %d bytes left", len(raw))
	}
	var master [MasterKeyLength]byte
	copy(master[:], raw[:MasterKeyLength])
	raw = raw[MasterKeyLength:]

	seeds := make(map[Operation][SeedLength]byte)
	for len(raw) > 0 {
		if len(raw) < 1+SeedLength {
			return nil, fmt.Errorf("auth: malformed token: %d trailing bytes, a seed entry needs %d", len(raw), 1+SeedLength)
		}
		tag := raw[0]
		if tag >= numOperations {
			return nil, fmt.Errorf("auth: malformed token: unknown seed tag %d", tag)
		}
		var seed [SeedLength]byte
		copy(seed[:], raw[1:1+SeedLength])
		seeds[Operation(tag)] = seed
		raw = raw[1+SeedLength:]
	}
	return NewToken(indexID, master, seeds)
}
