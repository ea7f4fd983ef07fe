// Package compact coordinates rebuilding an index's entry and chain
// tables. The coordinator owns the storage choreography only: reading
// the current tables, handing their rows to a collaborator that
// understands the encrypted contents, and writing the rebuilt rows
// back. It never interprets a value itself.
//
// While a rebuild runs, concurrent upserts against the same store pair
// fail fast with store.ErrBusy rather than queueing; the caller decides
// whether to retry.
package compact

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/i5heu/ouroboros-edx/pkg/store"
	"github.com/i5heu/ouroboros-edx/pkg/types"
)

// Result is the rebuilt state a Rewriter hands back: the full new
// entry table, the chain rows to add, and the chain rows that the
// rebuild made obsolete.
type Result struct {
	Entries        types.TokenValueMap
	Chains         types.TokenValueMap
	ObsoleteChains types.Tokens
}

// Rewriter is the collaborator holding the index keys. ChainTokens
// derives, from decrypted entry rows, the chain rows the rebuild needs;
// Rewrite produces the replacement state.
type Rewriter interface {
	ChainTokens(entries types.TokenValueMap) (types.Tokens, error)
	Rewrite(entries, chains types.TokenValueMap) (Result, error)
}

// Coordinator rebuilds one entry/chain store pair.
type Coordinator struct {
	entries store.Store
	chains  store.Store
	guard   *store.Guard
	log     *slog.Logger
}

// New creates a Coordinator. guard must be the same guard the stores
// check in their upsert paths, otherwise the exclusion does not hold.
func New(entries, chains store.Store, guard *store.Guard, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{entries: entries, chains: chains, guard: guard, log: logger}
}

// Run performs one full rebuild. It returns store.ErrBusy without
// touching storage when an upsert is in flight.
func (c *Coordinator) Run(ctx context.Context, rw Rewriter) error {
	if err := c.guard.BeginCompact(); err != nil {
		return err
	}
	defer c.guard.EndCompact()

	entryTokens, err := c.entries.DumpTokens(ctx)
	if err != nil {
		return fmt.Errorf("dumping entry tokens: %w", err)
	}
	entryRows, err := c.entries.Fetch(ctx, entryTokens)
	if err != nil {
		return fmt.Errorf("fetching entry rows: %w", err)
	}

	chainTokens, err := rw.ChainTokens(entryRows)
	if err != nil {
		return fmt.Errorf("deriving chain tokens: %w", err)
	}
	chainRows, err := c.chains.Fetch(ctx, chainTokens)
	if err != nil {
		return fmt.Errorf("fetching chain rows: %w", err)
	}

	result, err := rw.Rewrite(entryRows, chainRows)
	if err != nil {
		return fmt.Errorf("rewriting index: %w", err)
	}

	// The old entry table is dropped wholesale; rebuilt rows carry
	// fresh tokens, so any old token absent from the result goes.
	obsoleteEntries := make(types.Tokens, 0, len(entryTokens))
	for _, tok := range entryTokens {
		if _, kept := result.Entries[tok]; !kept {
			obsoleteEntries = append(obsoleteEntries, tok)
		}
	}

	if err := replace(ctx, c.entries, result.Entries, obsoleteEntries); err != nil {
		return fmt.Errorf("replacing entry rows: %w", err)
	}
	if err := replace(ctx, c.chains, result.Chains, result.ObsoleteChains); err != nil {
		return fmt.Errorf("replacing chain rows: %w", err)
	}

	c.log.Info("index rebuilt",
		"entriesBefore", len(entryTokens),
		"entriesAfter", len(result.Entries),
		"chainsAdded", len(result.Chains),
		"chainsRemoved", len(result.ObsoleteChains))
	return nil
}

// replace prefers a backend-native bulk replace and falls back to
// writing the new rows before deleting the old ones, so a fault in
// between leaves extra rows rather than missing ones.
func replace(ctx context.Context, s store.Store, add types.TokenValueMap, remove types.Tokens) error {
	if r, ok := s.(store.Replacer); ok {
		return r.Replace(ctx, add, remove)
	}
	if len(add) > 0 {
		if err := s.Insert(ctx, add); err != nil {
			return err
		}
	}
	if len(remove) > 0 {
		return s.Delete(ctx, remove)
	}
	return nil
}
