// Package edx pairs the entry and chain tables of an encrypted index
// behind one handle. The handle owns the shared exclusion guard, the
// backend lifecycle, and the compaction entry point; the encrypted
// contents of the rows never become visible at this layer.
package edx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/i5heu/ouroboros-edx/internal/handles"
	"github.com/i5heu/ouroboros-edx/pkg/auth"
	"github.com/i5heu/ouroboros-edx/pkg/badgerStore"
	"github.com/i5heu/ouroboros-edx/pkg/callbackStore"
	"github.com/i5heu/ouroboros-edx/pkg/compact"
	"github.com/i5heu/ouroboros-edx/pkg/redisStore"
	"github.com/i5heu/ouroboros-edx/pkg/restStore"
	"github.com/i5heu/ouroboros-edx/pkg/sqliteStore"
	"github.com/i5heu/ouroboros-edx/pkg/store"
)

var (
	ErrUnknownHandle = errors.New("edx: unknown index handle")
	ErrClosed        = errors.New("edx: index closed")
)

// Config configures an index handle.
type Config struct {
	// EntryCiphertextLen is the fixed ciphertext length of entry-table
	// values, excluding nonce and tag. All entry rows share it.
	EntryCiphertextLen int
	// ChainCiphertextLen is the fixed ciphertext length of chain-table
	// values. Chains may use a different length than entries.
	ChainCiphertextLen int
	// Logger is an optional structured logger. If nil, a stderr logger
	// is used.
	Logger *slog.Logger
}

// defaultLogger returns a logger that writes text logs to stderr at Info
// level. Applications can inject their own slog.Logger for JSON,
// different levels, etc.
func defaultLogger() *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(h)
}

func (c *Config) fill() error {
	if c.EntryCiphertextLen <= 0 {
		return fmt.Errorf("edx: entry ciphertext length must be positive, got %d", c.EntryCiphertextLen)
	}
	if c.ChainCiphertextLen <= 0 {
		return fmt.Errorf("edx: chain ciphertext length must be positive, got %d", c.ChainCiphertextLen)
	}
	if c.Logger == nil {
		c.Logger = defaultLogger()
	}
	return nil
}

// Index is one encrypted index: an entry store and a chain store
// sharing an exclusion guard.
type Index struct {
	log     *slog.Logger
	entries store.Store
	chains  store.Store
	guard   *store.Guard
	closer  func() error
	closed  atomic.Bool
}

// Entries returns the entry-table store.
func (ix *Index) Entries() store.Store { return ix.entries }

// Chains returns the chain-table store.
func (ix *Index) Chains() store.Store { return ix.chains }

// Guard returns the exclusion guard shared by both stores.
func (ix *Index) Guard() *store.Guard { return ix.guard }

// Compact rebuilds both tables through rw. It fails fast with
// store.ErrBusy while any upsert is in flight.
func (ix *Index) Compact(ctx context.Context, rw compact.Rewriter) error {
	if ix.closed.Load() {
		return ErrClosed
	}
	return compact.New(ix.entries, ix.chains, ix.guard, ix.log).Run(ctx, rw)
}

// Close releases the backing resources. Further use of the index is
// invalid. Safe to call more than once and concurrently with Compact.
func (ix *Index) Close() error {
	if ix.closed.Swap(true) {
		return nil
	}
	if ix.closer == nil {
		return nil
	}
	return ix.closer()
}

// NewSQLite opens an index persisted in the SQLite database at path.
// Both tables live in the same file.
func NewSQLite(path string, conf Config) (*Index, error) {
	if err := conf.fill(); err != nil {
		return nil, err
	}
	db, err := sqliteStore.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	guard := store.NewGuard()
	entries, err := sqliteStore.New(db, store.RoleEntry, conf.EntryCiphertextLen, guard, conf.Logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	chains, err := sqliteStore.New(db, store.RoleChain, conf.ChainCiphertextLen, guard, conf.Logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Index{
		log:     conf.Logger,
		entries: entries,
		chains:  chains,
		guard:   guard,
		closer:  db.Close,
	}, nil
}

// NewBadger opens an index persisted in a BadgerDB at path, or held in
// memory when path is empty.
func NewBadger(path string, conf Config) (*Index, error) {
	if err := conf.fill(); err != nil {
		return nil, err
	}
	db, err := badgerStore.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening badger database: %w", err)
	}
	guard := store.NewGuard()
	return &Index{
		log:     conf.Logger,
		entries: badgerStore.New(db, store.RoleEntry, conf.EntryCiphertextLen, guard, conf.Logger),
		chains:  badgerStore.New(db, store.RoleChain, conf.ChainCiphertextLen, guard, conf.Logger),
		guard:   guard,
		closer:  db.Close,
	}, nil
}

// NewRedis opens an index held by the Redis deployment behind client.
// The client's lifecycle stays with the caller.
func NewRedis(client redis.UniversalClient, conf Config) (*Index, error) {
	if err := conf.fill(); err != nil {
		return nil, err
	}
	guard := store.NewGuard()
	return &Index{
		log:     conf.Logger,
		entries: redisStore.New(client, store.RoleEntry, conf.EntryCiphertextLen, guard, conf.Logger),
		chains:  redisStore.New(client, store.RoleChain, conf.ChainCiphertextLen, guard, conf.Logger),
		guard:   guard,
	}, nil
}

// NewRest opens an index served remotely at baseURL, authorized by
// token. A nil client uses http.DefaultClient.
func NewRest(baseURL string, token *auth.Token, client *http.Client, conf Config) (*Index, error) {
	if err := conf.fill(); err != nil {
		return nil, err
	}
	guard := store.NewGuard()
	return &Index{
		log:     conf.Logger,
		entries: restStore.New(baseURL, client, token, store.RoleEntry, conf.EntryCiphertextLen, guard, conf.Logger),
		chains:  restStore.New(baseURL, client, token, store.RoleChain, conf.ChainCiphertextLen, guard, conf.Logger),
		guard:   guard,
	}, nil
}

// NewCallback opens an index whose tables are held by the embedding
// host. entryCount is a buffer sizing hint, not a limit.
func NewCallback(entry, chain callbackStore.Callbacks, entryCount int, conf Config) (*Index, error) {
	if err := conf.fill(); err != nil {
		return nil, err
	}
	guard := store.NewGuard()
	return &Index{
		log:     conf.Logger,
		entries: callbackStore.New(entry, store.RoleEntry, conf.EntryCiphertextLen, entryCount, guard, conf.Logger),
		chains:  callbackStore.New(chain, store.RoleChain, conf.ChainCiphertextLen, entryCount, guard, conf.Logger),
		guard:   guard,
	}, nil
}

// registry maps live indexes to integer handles for embeddings that
// cannot hold Go pointers across their boundary.
var registry = handles.NewRegistry[*Index]()

// Register hands out a handle for ix.
func Register(ix *Index) int { return registry.Insert(ix) }

// Lookup resolves a previously registered handle.
func Lookup(h int) (*Index, error) {
	ix, ok := registry.Get(h)
	if !ok {
		return nil, ErrUnknownHandle
	}
	return ix, nil
}

// Unregister removes the handle and closes its index.
func Unregister(h int) error {
	ix, ok := registry.Remove(h)
	if !ok {
		return ErrUnknownHandle
	}
	return ix.Close()
}
