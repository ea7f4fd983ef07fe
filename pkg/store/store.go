// Package store defines the contract every index backend implements,
// the error taxonomy crossing that boundary, and the exclusion guard
// that serializes compaction against concurrent upserts.
package store

import (
	"context"

	"github.com/i5heu/ouroboros-edx/pkg/types"
)

// Role distinguishes the two table roles of a logical index. The
// contract is identical for both; only the fixed value length and the
// keyspace differ.
type Role uint8

const (
	RoleEntry Role = iota
	RoleChain
)

func (r Role) String() string {
	if r == RoleChain {
		return "chain"
	}
	return "entry"
}

// Store is the operation set of one index table. Implementations run
// each call to completion before returning and never expose partial
// results. Rejected upsert rows are a normal outcome, not an error.
type Store interface {
	// DumpTokens returns every token currently present. It is used only
	// for enumeration during compaction and either returns all tokens or
	// an explicit error, never a partial set. Chain-role stores do not
	// support it and return ErrUnsupported.
	DumpTokens(ctx context.Context) (types.Tokens, error)

	// Fetch returns the subset of the requested tokens that exist.
	// Requested-but-absent tokens are silently omitted. Empty input
	// returns an empty map without touching storage.
	Fetch(ctx context.Context, tokens types.Tokens) (types.TokenValueMap, error)

	// Upsert conditionally writes newValues. For each token the stored
	// value is compared byte-wise against the caller's claimed old value
	// (absence of a claim means the caller believes the row does not
	// exist); on a match the new value is written, otherwise the token
	// maps to the currently stored value in the returned rejected map and
	// the row is left untouched. Returns ErrBusy while a compaction holds
	// the exclusion guard.
	Upsert(ctx context.Context, oldValues, newValues types.TokenValueMap) (types.TokenValueMap, error)

	// Insert writes values unconditionally. Backends that can detect a
	// duplicate token fail loudly with ErrDuplicate instead of silently
	// overwriting; backends that cannot tolerate duplicates for
	// idempotent retries.
	Insert(ctx context.Context, values types.TokenValueMap) error

	// Delete removes rows if present. Deleting an absent token is not an
	// error.
	Delete(ctx context.Context, tokens types.Tokens) error
}

// Replacer is an optional fast path for the compaction bulk replace: a
// backend that can apply adds and removes in one native transaction
// implements it, and the coordinator prefers it over the generic
// insert-then-delete sequence.
type Replacer interface {
	Replace(ctx context.Context, add types.TokenValueMap, remove types.Tokens) error
}
