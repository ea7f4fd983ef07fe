// Package callbackStore implements the index backend contract over
// caller-supplied callbacks exchanging serialized byte buffers. This is
// the embedding surface for hosts that keep the actual tables
// themselves: every operation is serialized with the wire codec, handed
// to the host callback together with an output buffer, and the
// callback's status code decides how the result is interpreted.
package callbackStore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/i5heu/ouroboros-edx/pkg/encoding"
	"github.com/i5heu/ouroboros-edx/pkg/store"
	"github.com/i5heu/ouroboros-edx/pkg/types"
)

const backendName = "callback"

// Callback status codes, part of the embedding ABI.
const (
	StatusSuccess        int32 = 0
	StatusBufferTooSmall int32 = 1
	StatusMissing        int32 = 2
	StatusSerialization  int32 = 3
)

// Func is one host callback. It reads the serialized request from
// input, writes its serialized response into output, and returns the
// number of bytes it needs together with a status code. On
// StatusBufferTooSmall the returned n tells the caller how large a
// buffer to retry with.
type Func func(output []byte, input []byte) (n int, status int32)

// Callbacks holds the host entry points for one table. Any entry may
// be nil; calling an operation whose callback is nil fails with
// store.ErrMissingCallback.
type Callbacks struct {
	DumpTokens Func
	Fetch      Func
	Upsert     Func
	Insert     Func
	Delete     Func
}

// Store is one index table held by the embedding host.
type Store struct {
	callbacks     Callbacks
	role          store.Role
	ciphertextLen int
	guard         *store.Guard
	log           *slog.Logger

	// entryCount sizes the output buffer for dumps and fetches; hosts
	// that hold more rows than this still work through the resize
	// retry, just with one extra round trip.
	entryCount int
}

var _ store.Store = (*Store)(nil)

// New creates a Store over the host callbacks. entryCount is a sizing
// hint for output buffers, not a limit. A nil guard allocates a
// private one.
func New(callbacks Callbacks, role store.Role, ciphertextLen, entryCount int, guard *store.Guard, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if guard == nil {
		guard = store.NewGuard()
	}
	if entryCount <= 0 {
		entryCount = 1 << 10
	}
	return &Store{
		callbacks:     callbacks,
		role:          role,
		ciphertextLen: ciphertextLen,
		guard:         guard,
		log:           logger,
		entryCount:    entryCount,
	}
}

// Guard exposes the exclusion guard shared with the compaction
// coordinator.
func (s *Store) Guard() *store.Guard { return s.guard }

// call invokes cb with an output buffer of sizeHint bytes, retrying
// exactly once with the callback's requested size when the first
// buffer was too small.
func (s *Store) call(op string, cb Func, input []byte, sizeHint int) ([]byte, error) {
	if cb == nil {
		return nil, store.E(backendName, op, store.ErrMissingCallback)
	}
	output := make([]byte, sizeHint)
	n, status := cb(output, input)
	if status == StatusBufferTooSmall {
		s.log.Debug("callback buffer resized", "operation", op, "need", n, "had", sizeHint)
		output = make([]byte, n)
		n, status = cb(output, input)
	}
	switch status {
	case StatusSuccess:
		if n > len(output) {
			return nil, store.E(backendName, op,
				fmt.Errorf("callback wrote %d bytes into a %d byte buffer", n, len(output)))
		}
		return output[:n], nil
	case StatusBufferTooSmall:
		return nil, store.E(backendName, op,
			fmt.Errorf("callback still needs %d bytes after resize", n))
	case StatusMissing:
		return nil, store.E(backendName, op, store.ErrMissingCallback)
	case StatusSerialization:
		return nil, store.E(backendName, op, store.ErrMalformed)
	default:
		return nil, store.E(backendName, op, fmt.Errorf("callback failed with status %d", status))
	}
}

func (s *Store) DumpTokens(ctx context.Context) (types.Tokens, error) {
	if s.role == store.RoleChain {
		return nil, store.E(backendName, "dump_tokens", store.ErrUnsupported)
	}
	body, err := s.call("dump_tokens", s.callbacks.DumpTokens, nil,
		encoding.TokenBatchSizeBound(s.entryCount))
	if err != nil {
		return nil, err
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
	body, err := s.call("fetch", s.callbacks.Fetch, encoding.SerializeTokens(tokens),
		encoding.ValueBatchSizeBound(len(tokens), s.ciphertextLen))
	if err != nil {
		return nil, err
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

	body, err := s.call("upsert", s.callbacks.Upsert,
		encoding.SerializeUpsert(oldValues, newValues),
		encoding.ValueBatchSizeBound(len(newValues), s.ciphertextLen))
	if err != nil {
		return nil, err
	}
	rejected, err := encoding.DeserializeValues(body, s.ciphertextLen)
	if err != nil {
		return nil, store.E(backendName, "upsert", err)
	}
	return rejected, nil
}

func (s *Store) Insert(ctx context.Context, values types.TokenValueMap) error {
	_, err := s.call("insert", s.callbacks.Insert, encoding.SerializeValues(values), 1)
	return err
}

func (s *Store) Delete(ctx context.Context, tokens types.Tokens) error {
	_, err := s.call("delete", s.callbacks.Delete, encoding.SerializeTokens(tokens), 1)
	return err
}
