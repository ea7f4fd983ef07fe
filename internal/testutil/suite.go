package testutil

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/i5heu/ouroboros-edx/pkg/store"
	"github.com/i5heu/ouroboros-edx/pkg/types"
)

// SuiteConfig drives RunStoreSuite for one backend.
type SuiteConfig struct {
	// NewStore returns a fresh, empty entry-role store.
	NewStore func(t *testing.T) store.Store

	// CiphertextLen is the fixed ciphertext length the store was
	// provisioned with.
	CiphertextLen int

	// LoudDuplicates is set for backends that detect duplicate inserts
	// (sqlite, badger, memory) and unset for those that tolerate them
	// for idempotent retries (redis, callback).
	LoudDuplicates bool
}

// RunStoreSuite checks the observable contract properties shared by
// every backend against a fresh store per subtest.
func RunStoreSuite(t *testing.T, cfg SuiteConfig) {
	ctx := context.Background()

	t.Run("InsertThenFetch", func(t *testing.T) {
		s := cfg.NewStore(t)
		tok := RandomToken(t)
		val := RandomValue(t, cfg.CiphertextLen)
		if err := s.Insert(ctx, types.TokenValueMap{tok: val}); err != nil {
			t.Fatalf("insert: %v", err)
		}
		got, err := s.Fetch(ctx, types.Tokens{tok})
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if len(got) != 1 || !got[tok].Equal(val) {
			t.Fatalf("fetch returned %d rows, value match: %v", len(got), got[tok].Equal(val))
		}
	})

	t.Run("FetchOmitsAbsent", func(t *testing.T) {
		s := cfg.NewStore(t)
		tok := RandomToken(t)
		val := RandomValue(t, cfg.CiphertextLen)
		if err := s.Insert(ctx, types.TokenValueMap{tok: val}); err != nil {
			t.Fatalf("insert: %v", err)
		}
		absent := RandomToken(t)
		got, err := s.Fetch(ctx, types.Tokens{tok, absent})
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("expected the absent token to be omitted, got %d rows", len(got))
		}
		if _, ok := got[absent]; ok {
			t.Fatal("absent token present in result")
		}
	})

	t.Run("FetchEmptyInput", func(t *testing.T) {
		s := cfg.NewStore(t)
		got, err := s.Fetch(ctx, nil)
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("expected empty map, got %d rows", len(got))
		}
	})

	t.Run("DeleteIdempotent", func(t *testing.T) {
		s := cfg.NewStore(t)
		tok := RandomToken(t)
		val := RandomValue(t, cfg.CiphertextLen)
		if err := s.Insert(ctx, types.TokenValueMap{tok: val}); err != nil {
			t.Fatalf("insert: %v", err)
		}
		for i := 0; i < 2; i++ {
			if err := s.Delete(ctx, types.Tokens{tok}); err != nil {
				t.Fatalf("delete %d: %v", i, err)
			}
		}
		// Deleting a never-existing token is not an error either.
		if err := s.Delete(ctx, types.Tokens{RandomToken(t)}); err != nil {
			t.Fatalf("delete absent: %v", err)
		}
		got, err := s.Fetch(ctx, types.Tokens{tok})
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if len(got) != 0 {
			t.Fatal("token still present after delete")
		}
	})

	t.Run("UpsertRoundTrip", func(t *testing.T) {
		s := cfg.NewStore(t)
		tok := RandomToken(t)
		v1 := RandomValue(t, cfg.CiphertextLen)
		v2 := RandomValue(t, cfg.CiphertextLen)

		rejected, err := s.Upsert(ctx, nil, types.TokenValueMap{tok: v1})
		if err != nil {
			t.Fatalf("first upsert: %v", err)
		}
		if len(rejected) != 0 {
			t.Fatalf("first upsert rejected %d rows", len(rejected))
		}

		rejected, err = s.Upsert(ctx, types.TokenValueMap{tok: v1}, types.TokenValueMap{tok: v2})
		if err != nil {
			t.Fatalf("second upsert: %v", err)
		}
		if len(rejected) != 0 {
			t.Fatalf("second upsert rejected %d rows", len(rejected))
		}

		got, err := s.Fetch(ctx, types.Tokens{tok})
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if !got[tok].Equal(v2) {
			t.Fatal("stored value is not the last written one")
		}
	})

	t.Run("UpsertConflict", func(t *testing.T) {
		s := cfg.NewStore(t)
		tok := RandomToken(t)
		actual := RandomValue(t, cfg.CiphertextLen)
		stale := RandomValue(t, cfg.CiphertextLen)
		next := RandomValue(t, cfg.CiphertextLen)

		if _, err := s.Upsert(ctx, nil, types.TokenValueMap{tok: actual}); err != nil {
			t.Fatalf("seed upsert: %v", err)
		}

		rejected, err := s.Upsert(ctx, types.TokenValueMap{tok: stale}, types.TokenValueMap{tok: next})
		if err != nil {
			t.Fatalf("conflicting upsert: %v", err)
		}
		if len(rejected) != 1 {
			t.Fatalf("expected 1 rejected row, got %d", len(rejected))
		}
		if !rejected[tok].Equal(actual) {
			t.Fatal("rejected map must carry the currently stored value")
		}

		got, err := s.Fetch(ctx, types.Tokens{tok})
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if !got[tok].Equal(actual) {
			t.Fatal("storage must be left at the current value")
		}
	})

	t.Run("ConcurrentUpsertSingleWinner", func(t *testing.T) {
		s := cfg.NewStore(t)
		tok := RandomToken(t)
		base := RandomValue(t, cfg.CiphertextLen)
		if _, err := s.Upsert(ctx, nil, types.TokenValueMap{tok: base}); err != nil {
			t.Fatalf("seed upsert: %v", err)
		}

		const writers = 8
		values := make([]types.EncryptedValue, writers)
		for i := range values {
			values[i] = RandomValue(t, cfg.CiphertextLen)
		}

		var wg sync.WaitGroup
		rejections := make([]types.TokenValueMap, writers)
		errs := make([]error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				rejections[i], errs[i] = s.Upsert(ctx,
					types.TokenValueMap{tok: base},
					types.TokenValueMap{tok: values[i]})
			}(i)
		}
		wg.Wait()

		winners := 0
		for i := 0; i < writers; i++ {
			if errs[i] != nil {
				t.Fatalf("writer %d: %v", i, errs[i])
			}
			if len(rejections[i]) == 0 {
				winners++
			} else if _, ok := rejections[i][tok]; !ok {
				t.Fatalf("writer %d rejected without the contested token", i)
			}
		}
		if winners != 1 {
			t.Fatalf("expected exactly one winner, got %d", winners)
		}

		got, err := s.Fetch(ctx, types.Tokens{tok})
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		stored := got[tok]
		found := false
		for i := range values {
			if stored.Equal(values[i]) {
				found = true
			}
		}
		if !found {
			t.Fatal("stored value is not one of the contending writes")
		}
	})

	t.Run("DuplicateInsert", func(t *testing.T) {
		s := cfg.NewStore(t)
		tok := RandomToken(t)
		val := RandomValue(t, cfg.CiphertextLen)
		if err := s.Insert(ctx, types.TokenValueMap{tok: val}); err != nil {
			t.Fatalf("insert: %v", err)
		}
		err := s.Insert(ctx, types.TokenValueMap{tok: val})
		if cfg.LoudDuplicates {
			if !errors.Is(err, store.ErrDuplicate) {
				t.Fatalf("expected ErrDuplicate, got %v", err)
			}
		} else if err != nil {
			t.Fatalf("idempotent retry must not fail: %v", err)
		}
	})

	t.Run("DumpTokens", func(t *testing.T) {
		s := cfg.NewStore(t)
		want := make(map[types.Token]bool)
		batch := make(types.TokenValueMap)
		for i := 0; i < 16; i++ {
			tok := RandomToken(t)
			want[tok] = true
			batch[tok] = RandomValue(t, cfg.CiphertextLen)
		}
		if err := s.Insert(ctx, batch); err != nil {
			t.Fatalf("insert: %v", err)
		}
		tokens, err := s.DumpTokens(ctx)
		if err != nil {
			t.Fatalf("dump: %v", err)
		}
		if len(tokens) != len(want) {
			t.Fatalf("dump returned %d tokens, want %d", len(tokens), len(want))
		}
		for _, tok := range tokens {
			if !want[tok] {
				t.Fatalf("dump returned unknown token %s", tok)
			}
		}
	})
}
