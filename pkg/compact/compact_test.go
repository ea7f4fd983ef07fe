package compact

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-edx/internal/testutil"
	"github.com/i5heu/ouroboros-edx/pkg/store"
	"github.com/i5heu/ouroboros-edx/pkg/types"
)

const testCiphertextLen = 32

type fixture struct {
	entries *testutil.MemStore
	chains  *testutil.MemStore
	guard   *store.Guard
	coord   *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	guard := store.NewGuard()
	f := &fixture{
		entries: testutil.NewMemStore(store.RoleEntry, guard),
		chains:  testutil.NewMemStore(store.RoleChain, guard),
		guard:   guard,
	}
	f.coord = New(f.entries, f.chains, guard, nil)
	return f
}

// staticRewriter swaps the whole index for a fixed replacement state,
// recording what it was shown.
type staticRewriter struct {
	chainTokens types.Tokens
	result      Result

	sawEntries types.TokenValueMap
	sawChains  types.TokenValueMap
}

func (r *staticRewriter) ChainTokens(entries types.TokenValueMap) (types.Tokens, error) {
	r.sawEntries = entries.Clone()
	return r.chainTokens, nil
}

func (r *staticRewriter) Rewrite(entries, chains types.TokenValueMap) (Result, error) {
	r.sawChains = chains.Clone()
	return r.result, nil
}

func TestRunReplacesBothTables(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	oldEntry := testutil.RandomToken(t)
	oldEntryVal := testutil.RandomValue(t, testCiphertextLen)
	require.NoError(t, f.entries.Insert(ctx, types.TokenValueMap{oldEntry: oldEntryVal}))

	liveChain := testutil.RandomToken(t)
	staleChain := testutil.RandomToken(t)
	liveChainVal := testutil.RandomValue(t, testCiphertextLen)
	require.NoError(t, f.chains.Insert(ctx, types.TokenValueMap{
		liveChain:  liveChainVal,
		staleChain: testutil.RandomValue(t, testCiphertextLen),
	}))

	newEntry := testutil.RandomToken(t)
	newEntryVal := testutil.RandomValue(t, testCiphertextLen)
	newChain := testutil.RandomToken(t)
	newChainVal := testutil.RandomValue(t, testCiphertextLen)

	rw := &staticRewriter{
		chainTokens: types.Tokens{liveChain, staleChain},
		result: Result{
			Entries:        types.TokenValueMap{newEntry: newEntryVal},
			Chains:         types.TokenValueMap{newChain: newChainVal},
			ObsoleteChains: types.Tokens{staleChain},
		},
	}
	require.NoError(t, f.coord.Run(ctx, rw))

	// the rewriter saw the live state
	require.True(t, rw.sawEntries[oldEntry].Equal(oldEntryVal))
	require.True(t, rw.sawChains[liveChain].Equal(liveChainVal))

	// entry table fully swapped
	got, err := f.entries.Fetch(ctx, types.Tokens{oldEntry, newEntry})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.True(t, got[newEntry].Equal(newEntryVal))

	// stale chain gone, live and new chains present
	got, err = f.chains.Fetch(ctx, types.Tokens{liveChain, staleChain, newChain})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.True(t, got[liveChain].Equal(liveChainVal))
	require.True(t, got[newChain].Equal(newChainVal))
}

func TestRunBusyWhileUpsertInFlight(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.guard.BeginUpsert())
	defer f.guard.EndUpsert()

	err := f.coord.Run(context.Background(), &staticRewriter{})
	require.ErrorIs(t, err, store.ErrBusy)
}

func TestUpsertBusyWhileRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tok := testutil.RandomToken(t)
	require.NoError(t, f.entries.Insert(ctx, types.TokenValueMap{
		tok: testutil.RandomValue(t, testCiphertextLen),
	}))

	blocking := &blockingRewriter{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	done := make(chan error, 1)
	go func() { done <- f.coord.Run(ctx, blocking) }()

	<-blocking.entered
	_, err := f.entries.Upsert(ctx, nil, types.TokenValueMap{
		testutil.RandomToken(t): testutil.RandomValue(t, testCiphertextLen),
	})
	require.ErrorIs(t, err, store.ErrBusy)

	close(blocking.release)
	require.NoError(t, <-done)
}

type blockingRewriter struct {
	entered chan struct{}
	release chan struct{}
}

func (r *blockingRewriter) ChainTokens(entries types.TokenValueMap) (types.Tokens, error) {
	close(r.entered)
	<-r.release
	return nil, nil
}

func (r *blockingRewriter) Rewrite(entries, chains types.TokenValueMap) (Result, error) {
	return Result{Entries: entries}, nil
}

func TestRewriterErrorAborts(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("keys unavailable")
	err := f.coord.Run(context.Background(), &failingRewriter{err: boom})
	require.ErrorIs(t, err, boom)

	// guard must be released after a failed run
	require.NoError(t, f.guard.BeginUpsert())
	f.guard.EndUpsert()
}

type failingRewriter struct{ err error }

func (r *failingRewriter) ChainTokens(types.TokenValueMap) (types.Tokens, error) {
	return nil, r.err
}

func (r *failingRewriter) Rewrite(types.TokenValueMap, types.TokenValueMap) (Result, error) {
	return Result{}, r.err
}
