// Package redisStore implements the index backend contract over a
// Redis server. Rows live under a 2-byte table discriminant so that
// entry and chain tables of the same index can share one database.
//
// Conditional writes run server-side as a Lua script, one invocation
// per token. Atomicity therefore holds per token, not across a batch;
// callers that lose a race on some tokens get those rows back as
// rejections and retry only them.
package redisStore

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/i5heu/ouroboros-edx/pkg/store"
	"github.com/i5heu/ouroboros-edx/pkg/types"
)

const backendName = "redis"

var (
	entryPrefix = []byte{0x00, 0xee}
	chainPrefix = []byte{0x00, 0xef}
)

// conditionalSet writes ARGV[3] under ARGV[1] when the stored value is
// absent or equals ARGV[2], and otherwise returns the stored value.
var conditionalSet = redis.NewScript(`
local value = redis.call('GET', ARGV[1])
if ((value == false) or (ARGV[2] == value)) then
	redis.call('SET', ARGV[1], ARGV[3])
	return
else
	return value
end
`)

// Store is one index table held in Redis.
type Store struct {
	client        redis.UniversalClient
	role          store.Role
	prefix        []byte
	ciphertextLen int
	guard         *store.Guard
	log           *slog.Logger
}

var _ store.Store = (*Store)(nil)

// New creates a Store over client for the given role. A nil guard
// allocates a private one.
func New(client redis.UniversalClient, role store.Role, ciphertextLen int, guard *store.Guard, logger *slog.Logger) *Store {
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
		client:        client,
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

func (s *Store) key(tok types.Token) string {
	out := make([]byte, 0, len(s.prefix)+types.TokenLength)
	out = append(out, s.prefix...)
	return string(append(out, tok[:]...))
}

func (s *Store) DumpTokens(ctx context.Context) (types.Tokens, error) {
	if s.role == store.RoleChain {
		return nil, store.E(backendName, "dump_tokens", store.ErrUnsupported)
	}
	keys, err := s.client.Keys(ctx, string(s.prefix)+"*").Result()
	if err != nil {
		return nil, store.E(backendName, "dump_tokens", err)
	}
	out := make(types.Tokens, 0, len(keys))
	for _, k := range keys {
		tok, err := types.TokenFromBytes([]byte(k)[len(s.prefix):])
		if err != nil {
			return nil, store.E(backendName, "dump_tokens", err)
		}
		out = append(out, tok)
	}
	return out, nil
}

func (s *Store) Fetch(ctx context.Context, tokens types.Tokens) (types.TokenValueMap, error) {
	if len(tokens) == 0 {
		return types.TokenValueMap{}, nil
	}
	keys := make([]string, len(tokens))
	for i, tok := range tokens {
		keys[i] = s.key(tok)
	}
	rows, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, store.E(backendName, "fetch", err)
	}
	out := make(types.TokenValueMap, len(tokens))
	for i, row := range rows {
		raw, ok := row.(string)
		if !ok || raw == "" {
			continue
		}
		val, err := types.ParseEncryptedValue([]byte(raw), s.ciphertextLen)
		if err != nil {
			return nil, store.E(backendName, "fetch", err)
		}
		out[tokens[i]] = val
	}
	return out, nil
}

// Upsert runs the conditional-set script once per token. The script
// treats an empty claimed value as "row must be absent".
func (s *Store) Upsert(ctx context.Context, oldValues, newValues types.TokenValueMap) (types.TokenValueMap, error) {
	if err := s.guard.BeginUpsert(); err != nil {
		return nil, store.E(backendName, "upsert", err)
	}
	defer s.guard.EndUpsert()

	rejected := make(types.TokenValueMap)
	for tok, nv := range newValues {
		var claimed []byte
		if ov, ok := oldValues[tok]; ok {
			claimed = ov.Bytes()
		}
		res, err := conditionalSet.Run(ctx, s.client, nil,
			s.key(tok), claimed, nv.Bytes()).Result()
		if err == redis.Nil {
			continue // write accepted
		}
		if err != nil {
			return nil, store.E(backendName, "upsert", err)
		}
		raw, _ := res.(string)
		val, err := types.ParseEncryptedValue([]byte(raw), s.ciphertextLen)
		if err != nil {
			return nil, store.E(backendName, "upsert", err)
		}
		rejected[tok] = val
	}
	return rejected, nil
}

// Insert writes the batch through one pipeline. Silent on duplicates:
// Redis SET overwrites, matching the original cache-table behavior.
func (s *Store) Insert(ctx context.Context, values types.TokenValueMap) error {
	pipe := s.client.TxPipeline()
	for tok, v := range values {
		pipe.Set(ctx, s.key(tok), v.Bytes(), 0)
	}
	_, err := pipe.Exec(ctx)
	return store.E(backendName, "insert", err)
}

func (s *Store) Delete(ctx context.Context, tokens types.Tokens) error {
	if len(tokens) == 0 {
		return nil
	}
	keys := make([]string, len(tokens))
	for i, tok := range tokens {
		keys[i] = s.key(tok)
	}
	err := s.client.Del(ctx, keys...).Err()
	return store.E(backendName, "delete", err)
}
