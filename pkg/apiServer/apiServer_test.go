package apiServer

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-edx/internal/testutil"
	"github.com/i5heu/ouroboros-edx/pkg/auth"
	"github.com/i5heu/ouroboros-edx/pkg/encoding"
	"github.com/i5heu/ouroboros-edx/pkg/restStore"
	"github.com/i5heu/ouroboros-edx/pkg/store"
	"github.com/i5heu/ouroboros-edx/pkg/types"
)

const (
	testCiphertextLen      = 32
	testChainCiphertextLen = 16
)

type fixture struct {
	token  *auth.Token
	server *Server
	http   *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	token, err := auth.GenerateToken("demo1")
	require.NoError(t, err)

	guard := store.NewGuard()
	srv := New(testCiphertextLen, testChainCiphertextLen, nil)
	srv.Register(token,
		testutil.NewMemStore(store.RoleEntry, guard),
		testutil.NewMemStore(store.RoleChain, guard))

	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	return &fixture{token: token, server: srv, http: hs}
}

func (f *fixture) client(t *testing.T, role store.Role) *restStore.Store {
	t.Helper()
	ciphertextLen := testCiphertextLen
	if role == store.RoleChain {
		ciphertextLen = testChainCiphertextLen
	}
	return restStore.New(f.http.URL, f.http.Client(), f.token, role, ciphertextLen, nil, nil)
}

func TestEndToEndRoundTrip(t *testing.T) {
	f := newFixture(t)
	entries := f.client(t, store.RoleEntry)
	chains := f.client(t, store.RoleChain)
	ctx := context.Background()

	// each role round-trips with its own value length
	tok := testutil.RandomToken(t)
	entryVal := testutil.RandomValue(t, testCiphertextLen)
	chainVal := testutil.RandomValue(t, testChainCiphertextLen)

	rejected, err := entries.Upsert(ctx, nil, types.TokenValueMap{tok: entryVal})
	require.NoError(t, err)
	require.Empty(t, rejected)

	require.NoError(t, chains.Insert(ctx, types.TokenValueMap{tok: chainVal}))

	got, err := entries.Fetch(ctx, types.Tokens{tok})
	require.NoError(t, err)
	require.True(t, got[tok].Equal(entryVal))

	got, err = chains.Fetch(ctx, types.Tokens{tok})
	require.NoError(t, err)
	require.True(t, got[tok].Equal(chainVal))

	dumped, err := entries.DumpTokens(ctx)
	require.NoError(t, err)
	require.Equal(t, types.Tokens{tok}, dumped)

	require.NoError(t, chains.Delete(ctx, types.Tokens{tok}))
	got, err = chains.Fetch(ctx, types.Tokens{tok})
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestEndToEndUpsertConflict(t *testing.T) {
	f := newFixture(t)
	entries := f.client(t, store.RoleEntry)
	ctx := context.Background()

	tok := testutil.RandomToken(t)
	stored := testutil.RandomValue(t, testCiphertextLen)
	_, err := entries.Upsert(ctx, nil, types.TokenValueMap{tok: stored})
	require.NoError(t, err)

	// claim the row is still absent; the server must reject and return
	// the stored value
	rejected, err := entries.Upsert(ctx, nil, types.TokenValueMap{
		tok: testutil.RandomValue(t, testCiphertextLen),
	})
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	require.True(t, rejected[tok].Equal(stored))
}

func post(t *testing.T, url string, body []byte) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/octet-stream", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRejectsBadSignature(t *testing.T) {
	f := newFixture(t)

	wrongKey := make([]byte, auth.SignatureLength)
	body := auth.SealEnvelope(wrongKey, time.Now(), encoding.SerializeTokens(nil))
	resp := post(t, f.http.URL+"/indexes/demo1/fetch_entries", body)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRejectsExpiredEnvelope(t *testing.T) {
	f := newFixture(t)
	key, ok := f.token.SigningKey(auth.OpFetchEntry)
	require.True(t, ok)

	stale := auth.SealEnvelope(key, time.Now().Add(-2*auth.RequestValidity),
		encoding.SerializeTokens(nil))
	resp := post(t, f.http.URL+"/indexes/demo1/fetch_entries", stale)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUnknownIndexAndOperation(t *testing.T) {
	f := newFixture(t)

	resp := post(t, f.http.URL+"/indexes/nope0/fetch_entries", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = post(t, f.http.URL+"/indexes/demo1/explode_entries", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMalformedPayload(t *testing.T) {
	f := newFixture(t)
	key, ok := f.token.SigningKey(auth.OpFetchEntry)
	require.True(t, ok)

	body := auth.SealEnvelope(key, time.Now(), []byte{0xff})
	resp := post(t, f.http.URL+"/indexes/demo1/fetch_entries", body)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBusyDuringCompact(t *testing.T) {
	f := newFixture(t)
	entries := f.client(t, store.RoleEntry)

	mem, ok := f.server.indexes["demo1"].entries.(*testutil.MemStore)
	require.True(t, ok)
	require.NoError(t, mem.Guard().BeginCompact())
	defer mem.Guard().EndCompact()

	tok := testutil.RandomToken(t)
	_, err := entries.Upsert(context.Background(), nil, types.TokenValueMap{
		tok: testutil.RandomValue(t, testCiphertextLen),
	})
	require.Error(t, err)
}
