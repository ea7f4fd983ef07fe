package testutil

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/i5heu/ouroboros-edx/pkg/store"
	"github.com/i5heu/ouroboros-edx/pkg/types"
)

// MemStore is the in-memory reference implementation of the backend
// contract. It honors the exclusion guard and the per-token
// compare-and-write semantics and exists only for tests.
type MemStore struct {
	role  store.Role
	guard *store.Guard

	mu   sync.Mutex
	rows map[types.Token][]byte
}

var _ store.Store = (*MemStore)(nil)
var _ store.Replacer = (*MemStore)(nil)

// NewMemStore returns an empty store. A nil guard allocates a private
// one.
func NewMemStore(role store.Role, guard *store.Guard) *MemStore {
	if guard == nil {
		guard = store.NewGuard()
	}
	return &MemStore{
		role:  role,
		guard: guard,
		rows:  make(map[types.Token][]byte),
	}
}

// Guard exposes the exclusion guard for coordination tests.
func (m *MemStore) Guard() *store.Guard { return m.guard }

func (m *MemStore) DumpTokens(ctx context.Context) (types.Tokens, error) {
	if m.role == store.RoleChain {
		return nil, store.E("memory", "dump_tokens", store.ErrUnsupported)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(types.Tokens, 0, len(m.rows))
	for tok := range m.rows {
		out = append(out, tok)
	}
	return out, nil
}

func (m *MemStore) Fetch(ctx context.Context, tokens types.Tokens) (types.TokenValueMap, error) {
	if len(tokens) == 0 {
		return types.TokenValueMap{}, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(types.TokenValueMap)
	for _, tok := range tokens {
		raw, ok := m.rows[tok]
		if !ok {
			continue
		}
		v, err := types.ParseEncryptedValue(raw, len(raw)-types.NonceLength-types.TagLength)
		if err != nil {
			return nil, store.E("memory", "fetch", err)
		}
		out[tok] = v
	}
	return out, nil
}

func (m *MemStore) Upsert(ctx context.Context, oldValues, newValues types.TokenValueMap) (types.TokenValueMap, error) {
	if err := m.guard.BeginUpsert(); err != nil {
		return nil, store.E("memory", "upsert", err)
	}
	defer m.guard.EndUpsert()

	m.mu.Lock()
	defer m.mu.Unlock()
	rejected := make(types.TokenValueMap)
	for tok, nv := range newValues {
		current, exists := m.rows[tok]
		var claimed []byte
		if ov, ok := oldValues[tok]; ok {
			claimed = ov.Bytes()
		}
		if (exists && bytes.Equal(current, claimed)) || (!exists && claimed == nil) {
			m.rows[tok] = nv.Bytes()
			continue
		}
		if !exists {
			return nil, store.E("memory", "upsert", errors.New("row vanished while upserting"))
		}
		v, err := types.ParseEncryptedValue(current, len(current)-types.NonceLength-types.TagLength)
		if err != nil {
			return nil, store.E("memory", "upsert", err)
		}
		rejected[tok] = v
	}
	return rejected, nil
}

func (m *MemStore) Insert(ctx context.Context, values types.TokenValueMap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for tok := range values {
		if _, exists := m.rows[tok]; exists {
			return store.E("memory", "insert", store.ErrDuplicate)
		}
	}
	for tok, v := range values {
		m.rows[tok] = v.Bytes()
	}
	return nil
}

func (m *MemStore) Delete(ctx context.Context, tokens types.Tokens) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tok := range tokens {
		delete(m.rows, tok)
	}
	return nil
}

func (m *MemStore) Replace(ctx context.Context, add types.TokenValueMap, remove types.Tokens) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for tok, v := range add {
		m.rows[tok] = v.Bytes()
	}
	for _, tok := range remove {
		delete(m.rows, tok)
	}
	return nil
}

// Len returns the row count.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}
