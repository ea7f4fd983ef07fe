// Package restStore implements the index backend contract against a
// remote index server over HTTP. Every request body is a signed
// envelope; the signing key for each operation is derived from the
// matching seed of the caller's authorization token, so a token
// narrowed to a subset of operations cannot even form the request.
package restStore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/i5heu/ouroboros-edx/pkg/auth"
	"github.com/i5heu/ouroboros-edx/pkg/encoding"
	"github.com/i5heu/ouroboros-edx/pkg/store"
	"github.com/i5heu/ouroboros-edx/pkg/types"
)

const backendName = "rest"

// Store is one remote index table.
type Store struct {
	baseURL       string
	client        *http.Client
	token         *auth.Token
	role          store.Role
	ciphertextLen int
	guard         *store.Guard
	log           *slog.Logger
}

var _ store.Store = (*Store)(nil)

// New creates a Store talking to the server at baseURL. A nil client
// uses http.DefaultClient, a nil guard allocates a private one.
func New(baseURL string, client *http.Client, token *auth.Token, role store.Role, ciphertextLen int, guard *store.Guard, logger *slog.Logger) *Store {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	if guard == nil {
		guard = store.NewGuard()
	}
	return &Store{
		baseURL:       baseURL,
		client:        client,
		token:         token,
		role:          role,
		ciphertextLen: ciphertextLen,
		guard:         guard,
		log:           logger,
	}
}

// Guard exposes the exclusion guard shared with the compaction
// coordinator.
func (s *Store) Guard() *store.Guard { return s.guard }

// endpoint names, per table role
func (s *Store) opPath(op string) string {
	if op == "dump_tokens" {
		return op
	}
	if s.role == store.RoleChain {
		return op + "_chains"
	}
	return op + "_entries"
}

func (s *Store) opSeed(op string) auth.Operation {
	switch op {
	case "fetch", "dump_tokens":
		if s.role == store.RoleChain {
			return auth.OpFetchChain
		}
		return auth.OpFetchEntry
	case "upsert":
		return auth.OpUpsert
	case "insert":
		return auth.OpInsert
	default:
		return auth.OpDelete
	}
}

// post signs payload for op and returns the response body. A token
// lacking the operation's seed fails before any network traffic.
func (s *Store) post(ctx context.Context, op string, payload []byte) ([]byte, error) {
	key, ok := s.token.SigningKey(s.opSeed(op))
	if !ok {
		return nil, store.ErrMissingPermission
	}
	body := auth.SealEnvelope(key, time.Now(), payload)

	url := fmt.Sprintf("%s/indexes/%s/%s", s.baseURL, s.token.IndexID(), s.opPath(op))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %s: %s", resp.Status, out)
	}
	return out, nil
}

func (s *Store) DumpTokens(ctx context.Context) (types.Tokens, error) {
	if s.role == store.RoleChain {
		return nil, store.E(backendName, "dump_tokens", store.ErrUnsupported)
	}
	body, err := s.post(ctx, "dump_tokens", nil)
	if err != nil {
		return nil, store.E(backendName, "dump_tokens", err)
	}
	tokens, err := encoding.DeserializeTokens(body)
	if err != nil {
		return nil, store.E(backendName, "dump_tokens", err)
	}
	return tokens, nil
}

func (s *Store) Fetch(ctx context.Context, tokens types.Tokens) (types.TokenValueMap, error) {
	if len(tokens) == 0 {
		return types.TokenValueMap{}, nil
	}
	body, err := s.post(ctx, "fetch", encoding.SerializeTokens(tokens))
	if err != nil {
		return nil, store.E(backendName, "fetch", err)
	}
	values, err := encoding.DeserializeValues(body, s.ciphertextLen)
	if err != nil {
		return nil, store.E(backendName, "fetch", err)
	}
	return values, nil
}

func (s *Store) Upsert(ctx context.Context, oldValues, newValues types.TokenValueMap) (types.TokenValueMap, error) {
	if err := s.guard.BeginUpsert(); err != nil {
		return nil, store.E(backendName, "upsert", err)
	}
	defer s.guard.EndUpsert()

	body, err := s.post(ctx, "upsert", encoding.SerializeUpsert(oldValues, newValues))
	if err != nil {
		return nil, store.E(backendName, "upsert", err)
	}
	rejected, err := encoding.DeserializeValues(body, s.ciphertextLen)
	if err != nil {
		return nil, store.E(backendName, "upsert", err)
	}
	return rejected, nil
}

func (s *Store) Insert(ctx context.Context, values types.TokenValueMap) error {
	_, err := s.post(ctx, "insert", encoding.SerializeValues(values))
	return store.E(backendName, "insert", err)
}

func (s *Store) Delete(ctx context.Context, tokens types.Tokens) error {
	_, err := s.post(ctx, "delete", encoding.SerializeTokens(tokens))
	return store.E(backendName, "delete", err)
}
