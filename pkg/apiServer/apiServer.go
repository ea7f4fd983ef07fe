// Package apiServer serves the index tables over HTTP for remote
// clients. Every request body is a signed envelope; the server derives
// the expected signing key from the index's authorization token and
// rejects anything expired or mis-signed before touching storage.
package apiServer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/i5heu/ouroboros-edx/pkg/auth"
	"github.com/i5heu/ouroboros-edx/pkg/encoding"
	"github.com/i5heu/ouroboros-edx/pkg/store"
)

// maxRequestBytes bounds a request body; a batch near this size is far
// beyond anything the client serializer produces.
const maxRequestBytes = 64 << 20

// index is one served index: its authorization token and its two
// tables.
type index struct {
	token   *auth.Token
	entries store.Store
	chains  store.Store
}

// Server routes index requests. Register indexes before serving; the
// zero value is not usable, use New.
type Server struct {
	log *slog.Logger
	// each table role carries its own fixed ciphertext length
	entryCiphertextLen int
	chainCiphertextLen int

	mu      sync.RWMutex
	indexes map[string]*index
}

var _ http.Handler = (*Server)(nil)

func New(entryCiphertextLen, chainCiphertextLen int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		log:                logger,
		entryCiphertextLen: entryCiphertextLen,
		chainCiphertextLen: chainCiphertextLen,
		indexes:            make(map[string]*index),
	}
}

// Register makes the index authorized by token reachable under its
// index id. Registering the same id again replaces the previous
// stores.
func (s *Server) Register(token *auth.Token, entries, chains store.Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexes[token.IndexID()] = &index{token: token, entries: entries, chains: chains}
}

// operation resolves an endpoint name to the store it acts on, the
// seed that signs it, and the table's value length.
func (s *Server) operation(ix *index, name string) (store.Store, auth.Operation, int, bool) {
	if name == "dump_tokens" {
		return ix.entries, auth.OpFetchEntry, s.entryCiphertextLen, true
	}
	verb, table, ok := strings.Cut(name, "_")
	if !ok {
		return nil, 0, 0, false
	}
	var target store.Store
	fetchOp := auth.OpFetchEntry
	ciphertextLen := s.entryCiphertextLen
	switch table {
	case "entries":
		target = ix.entries
	case "chains":
		target = ix.chains
		fetchOp = auth.OpFetchChain
		ciphertextLen = s.chainCiphertextLen
	default:
		return nil, 0, 0, false
	}
	switch verb {
	case "fetch":
		return target, fetchOp, ciphertextLen, true
	case "upsert":
		return target, auth.OpUpsert, ciphertextLen, true
	case "insert":
		return target, auth.OpInsert, ciphertextLen, true
	case "delete":
		return target, auth.OpDelete, ciphertextLen, true
	}
	return nil, 0, 0, false
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[0] != "indexes" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	indexID, opName := parts[1], parts[2]

	s.mu.RLock()
	ix := s.indexes[indexID]
	s.mu.RUnlock()
	if ix == nil {
		http.Error(w, "unknown index", http.StatusNotFound)
		return
	}
	target, op, ciphertextLen, ok := s.operation(ix, opName)
	if !ok {
		http.Error(w, "unknown operation", http.StatusNotFound)
		return
	}

	key, ok := ix.token.SigningKey(op)
	if !ok {
		// the server-side token is the full one; a missing seed is a
		// deployment mistake, not a client fault
		s.log.Error("token lacks seed", "index", indexID, "operation", op.String())
		http.Error(w, "index misconfigured", http.StatusInternalServerError)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, "reading request", http.StatusBadRequest)
		return
	}
	payload, err := auth.VerifyEnvelope(key, time.Now(), body)
	if err != nil {
		s.log.Warn("rejected request", "index", indexID, "operation", opName, "error", err)
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	response, err := s.dispatch(r, target, opName, ciphertextLen, payload)
	if err != nil {
		s.fail(w, indexID, opName, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(response)
}

func (s *Server) dispatch(r *http.Request, target store.Store, opName string, ciphertextLen int, payload []byte) ([]byte, error) {
	ctx := r.Context()
	switch {
	case opName == "dump_tokens":
		tokens, err := target.DumpTokens(ctx)
		if err != nil {
			return nil, err
		}
		return encoding.SerializeTokens(tokens), nil

	case strings.HasPrefix(opName, "fetch"):
		tokens, err := encoding.DeserializeTokens(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrMalformed, err)
		}
		values, err := target.Fetch(ctx, tokens)
		if err != nil {
			return nil, err
		}
		return encoding.SerializeValues(values), nil

	case strings.HasPrefix(opName, "upsert"):
		oldValues, newValues, err := encoding.DeserializeUpsert(payload, ciphertextLen)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrMalformed, err)
		}
		rejected, err := target.Upsert(ctx, oldValues, newValues)
		if err != nil {
			return nil, err
		}
		return encoding.SerializeValues(rejected), nil

	case strings.HasPrefix(opName, "insert"):
		values, err := encoding.DeserializeValues(payload, ciphertextLen)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrMalformed, err)
		}
		return nil, target.Insert(ctx, values)

	default: // delete
		tokens, err := encoding.DeserializeTokens(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrMalformed, err)
		}
		return nil, target.Delete(ctx, tokens)
	}
}

func (s *Server) fail(w http.ResponseWriter, indexID, opName string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrMalformed):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrBusy), errors.Is(err, store.ErrDuplicate):
		status = http.StatusConflict
	case errors.Is(err, store.ErrUnsupported):
		status = http.StatusNotImplemented
	}
	if status == http.StatusInternalServerError {
		s.log.Error("operation failed", "index", indexID, "operation", opName, "error", err)
	}
	http.Error(w, err.Error(), status)
}
