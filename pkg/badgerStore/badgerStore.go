// Package badgerStore implements the index backend contract over an
// embedded BadgerDB. Both table roles can share one database; rows are
// keyed by a 2-byte table discriminant followed by the token, so entry
// and chain rows never collide in the shared keyspace.
package badgerStore

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"github.com/i5heu/ouroboros-edx/pkg/store"
	"github.com/i5heu/ouroboros-edx/pkg/types"
)

const backendName = "badger"

// Table discriminants, shared with the cache-service backend so that
// dumps and migrations see the same key layout.
var (
	entryPrefix = []byte{0x00, 0xee}
	chainPrefix = []byte{0x00, 0xef}
)

// Store is one index table persisted in BadgerDB.
type Store struct {
	db            *badger.DB
	role          store.Role
	prefix        []byte
	ciphertextLen int
	guard         *store.Guard
	log           *slog.Logger
}

var _ store.Store = (*Store)(nil)
var _ store.Replacer = (*Store)(nil)

// Open opens a Badger database at path, or an in-memory one when path
// is empty. Badger's own logging is disabled; this layer logs through
// slog.
func Open(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	return badger.Open(opts)
}

// New creates a Store over db for the given role. A nil guard
// allocates a private one.
func New(db *badger.DB, role store.Role, ciphertextLen int, guard *store.Guard, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if guard == nil {
		guard = store.NewGuard()
	}
	prefix := entryPrefix
	if role == store.RoleChain {
		prefix = chainPrefix
	}
	return &Store{
		db:            db,
		role:          role,
		prefix:        prefix,
		ciphertextLen: ciphertextLen,
		guard:         guard,
		log:           logger,
	}
}

// Guard exposes the exclusion guard shared with the compaction
// coordinator.
func (s *Store) Guard() *store.Guard { return s.guard }

func (s *Store) key(tok types.Token) []byte {
	out := make([]byte, 0, len(s.prefix)+types.TokenLength)
	out = append(out, s.prefix...)
	return append(out, tok[:]...)
}

func (s *Store) DumpTokens(ctx context.Context) (types.Tokens, error) {
	if s.role == store.RoleChain {
		return nil, store.E(backendName, "dump_tokens", store.ErrUnsupported)
	}
	var out types.Tokens
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = s.prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			tok, err := types.TokenFromBytes(it.Item().Key()[len(s.prefix):])
			if err != nil {
				return err
			}
			out = append(out, tok)
		}
		return nil
	})
	if err != nil {
		return nil, store.E(backendName, "dump_tokens", err)
	}
	return out, nil
}

func (s *Store) Fetch(ctx context.Context, tokens types.Tokens) (types.TokenValueMap, error) {
	if len(tokens) == 0 {
		return types.TokenValueMap{}, nil
	}
	out := make(types.TokenValueMap, len(tokens))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, tok := range tokens {
			item, err := txn.Get(s.key(tok))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			val, err := types.ParseEncryptedValue(raw, s.ciphertextLen)
			if err != nil {
				return err
			}
			out[tok] = val
		}
		return nil
	})
	if err != nil {
		return nil, store.E(backendName, "fetch", err)
	}
	return out, nil
}

// Upsert applies the whole batch in one Badger transaction. Badger
// detects read-write conflicts at commit; a conflicting commit is
// retried from scratch so that the loser re-reads the winner's rows
// and reports them as rejections instead of failing.
func (s *Store) Upsert(ctx context.Context, oldValues, newValues types.TokenValueMap) (types.TokenValueMap, error) {
	if err := s.guard.BeginUpsert(); err != nil {
		return nil, store.E(backendName, "upsert", err)
	}
	defer s.guard.EndUpsert()

	for {
		rejected, err := s.tryUpsert(oldValues, newValues)
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, store.E(backendName, "upsert", err)
		}
		return rejected, nil
	}
}

func (s *Store) tryUpsert(oldValues, newValues types.TokenValueMap) (types.TokenValueMap, error) {
	rejected := make(types.TokenValueMap)
	err := s.db.Update(func(txn *badger.Txn) error {
		for tok, nv := range newValues {
			var current []byte
			item, err := txn.Get(s.key(tok))
			exists := true
			if errors.Is(err, badger.ErrKeyNotFound) {
				exists = false
			} else if err != nil {
				return err
			} else if current, err = item.ValueCopy(nil); err != nil {
				return err
			}

			var claimed []byte
			if ov, ok := oldValues[tok]; ok {
				claimed = ov.Bytes()
			}

			match := (!exists && claimed == nil) ||
				(exists && claimed != nil && string(current) == string(claimed))
			if match {
				if err := txn.Set(s.key(tok), nv.Bytes()); err != nil {
					return err
				}
				continue
			}
			if !exists {
				return errors.New("row vanished while upserting")
			}
			val, err := types.ParseEncryptedValue(current, s.ciphertextLen)
			if err != nil {
				return err
			}
			rejected[tok] = val
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rejected, nil
}

// Insert fails loudly on duplicate tokens; the whole batch is checked
// and written inside one transaction.
func (s *Store) Insert(ctx context.Context, values types.TokenValueMap) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		for tok := range values {
			_, err := txn.Get(s.key(tok))
			if err == nil {
				return store.ErrDuplicate
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		for tok, v := range values {
			if err := txn.Set(s.key(tok), v.Bytes()); err != nil {
				return err
			}
		}
		return nil
	})
	return store.E(backendName, "insert", err)
}

func (s *Store) Delete(ctx context.Context, tokens types.Tokens) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, tok := range tokens {
			if err := txn.Delete(s.key(tok)); err != nil {
				return err
			}
		}
		return nil
	})
	return store.E(backendName, "delete", err)
}

// Replace applies the compaction bulk replace in one transaction.
func (s *Store) Replace(ctx context.Context, add types.TokenValueMap, remove types.Tokens) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		for tok, v := range add {
			if err := txn.Set(s.key(tok), v.Bytes()); err != nil {
				return err
			}
		}
		for _, tok := range remove {
			if err := txn.Delete(s.key(tok)); err != nil {
				return err
			}
		}
		return nil
	})
	return store.E(backendName, "replace", err)
}
