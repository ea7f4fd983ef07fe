package callbackStore

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-edx/internal/testutil"
	"github.com/i5heu/ouroboros-edx/pkg/encoding"
	"github.com/i5heu/ouroboros-edx/pkg/store"
	"github.com/i5heu/ouroboros-edx/pkg/types"
)

const testCiphertextLen = 32

// memCallbacks adapts a MemStore into the callback ABI, the way an
// embedding host would expose its own tables.
func memCallbacks(t *testing.T, mem *testutil.MemStore) Callbacks {
	t.Helper()
	ctx := context.Background()
	respond := func(output, response []byte) (int, int32) {
		if len(response) > len(output) {
			return len(response), StatusBufferTooSmall
		}
		copy(output, response)
		return len(response), StatusSuccess
	}
	return Callbacks{
		DumpTokens: func(output, input []byte) (int, int32) {
			tokens, err := mem.DumpTokens(ctx)
			require.NoError(t, err)
			return respond(output, encoding.SerializeTokens(tokens))
		},
		Fetch: func(output, input []byte) (int, int32) {
			tokens, err := encoding.DeserializeTokens(input)
			if err != nil {
				return 0, StatusSerialization
			}
			values, err := mem.Fetch(ctx, tokens)
			require.NoError(t, err)
			return respond(output, encoding.SerializeValues(values))
		},
		Upsert: func(output, input []byte) (int, int32) {
			oldValues, newValues, err := encoding.DeserializeUpsert(input, testCiphertextLen)
			if err != nil {
				return 0, StatusSerialization
			}
			rejected, err := mem.Upsert(ctx, oldValues, newValues)
			require.NoError(t, err)
			return respond(output, encoding.SerializeValues(rejected))
		},
		Insert: func(output, input []byte) (int, int32) {
			values, err := encoding.DeserializeValues(input, testCiphertextLen)
			if err != nil {
				return 0, StatusSerialization
			}
			// host tables overwrite on insert
			if err := mem.Replace(ctx, values, nil); err != nil {
				return 0, 42
			}
			return 0, StatusSuccess
		},
		Delete: func(output, input []byte) (int, int32) {
			tokens, err := encoding.DeserializeTokens(input)
			if err != nil {
				return 0, StatusSerialization
			}
			require.NoError(t, mem.Delete(ctx, tokens))
			return 0, StatusSuccess
		},
	}
}

func newCallbackStore(t *testing.T) *Store {
	mem := testutil.NewMemStore(store.RoleEntry, nil)
	return New(memCallbacks(t, mem), store.RoleEntry, testCiphertextLen, 0, nil, nil)
}

func TestCallbackStoreContract(t *testing.T) {
	testutil.RunStoreSuite(t, testutil.SuiteConfig{
		NewStore: func(t *testing.T) store.Store {
			return newCallbackStore(t)
		},
		CiphertextLen:  testCiphertextLen,
		LoudDuplicates: false,
	})
}

func TestHostStatusSurfacesAsError(t *testing.T) {
	failing := Callbacks{
		Insert: func(output, input []byte) (int, int32) {
			return 0, 42
		},
	}
	s := New(failing, store.RoleEntry, testCiphertextLen, 0, nil, nil)
	tok := testutil.RandomToken(t)
	err := s.Insert(context.Background(), types.TokenValueMap{
		tok: testutil.RandomValue(t, testCiphertextLen),
	})
	require.ErrorContains(t, err, "status 42")
}

func TestBufferResizeRetry(t *testing.T) {
	mem := testutil.NewMemStore(store.RoleEntry, nil)
	// entryCount 1 forces the dump buffer too small once more than one
	// row exists
	s := New(memCallbacks(t, mem), store.RoleEntry, testCiphertextLen, 1, nil, nil)
	ctx := context.Background()

	want := make(map[types.Token]bool)
	for i := 0; i < 16; i++ {
		tok := testutil.RandomToken(t)
		want[tok] = true
		require.NoError(t, s.Insert(ctx, types.TokenValueMap{
			tok: testutil.RandomValue(t, testCiphertextLen),
		}))
	}

	dumped, err := s.DumpTokens(ctx)
	require.NoError(t, err)
	require.Len(t, dumped, len(want))
	for _, tok := range dumped {
		require.True(t, want[tok])
	}
}

func TestResizeRetriesOnlyOnce(t *testing.T) {
	var calls atomic.Int64
	greedy := Callbacks{
		DumpTokens: func(output, input []byte) (int, int32) {
			calls.Add(1)
			return len(output) + 1, StatusBufferTooSmall
		},
	}
	s := New(greedy, store.RoleEntry, testCiphertextLen, 1, nil, nil)
	_, err := s.DumpTokens(context.Background())
	require.Error(t, err)
	require.Equal(t, int64(2), calls.Load())
}

func TestMissingCallback(t *testing.T) {
	s := New(Callbacks{}, store.RoleEntry, testCiphertextLen, 0, nil, nil)
	ctx := context.Background()

	_, err := s.Fetch(ctx, types.Tokens{testutil.RandomToken(t)})
	require.ErrorIs(t, err, store.ErrMissingCallback)

	err = s.Delete(ctx, types.Tokens{testutil.RandomToken(t)})
	require.ErrorIs(t, err, store.ErrMissingCallback)
}

func TestSerializationStatus(t *testing.T) {
	bad := Callbacks{
		Fetch: func(output, input []byte) (int, int32) {
			return 0, StatusSerialization
		},
	}
	s := New(bad, store.RoleEntry, testCiphertextLen, 0, nil, nil)
	_, err := s.Fetch(context.Background(), types.Tokens{testutil.RandomToken(t)})
	require.ErrorIs(t, err, store.ErrMalformed)
}

func TestChainDumpUnsupported(t *testing.T) {
	s := New(Callbacks{}, store.RoleChain, testCiphertextLen, 0, nil, nil)
	_, err := s.DumpTokens(context.Background())
	require.ErrorIs(t, err, store.ErrUnsupported)
}
