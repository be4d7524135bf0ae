package etl

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mDuo13/clio/internal/xrpl"
)

func TestForwardingCachePutGet(t *testing.T) {
	cache, err := NewForwardingCache(16, time.Minute)
	require.NoError(t, err)

	cache.Put("key1", 100, []byte(`{"result":"ok"}`))

	got, ok := cache.Get("key1")
	require.True(t, ok)
	require.Equal(t, `{"result":"ok"}`, string(got))
}

func TestForwardingCacheMiss(t *testing.T) {
	cache, err := NewForwardingCache(16, time.Minute)
	require.NoError(t, err)

	_, ok := cache.Get("absent")
	require.False(t, ok)
}

func TestForwardingCacheTTLExpiry(t *testing.T) {
	cache, err := NewForwardingCache(16, time.Millisecond)
	require.NoError(t, err)

	cache.Put("key1", 100, []byte("payload"))
	time.Sleep(5 * time.Millisecond)

	_, ok := cache.Get("key1")
	require.False(t, ok, "entry should have expired")
}

func TestForwardingCacheInvalidate(t *testing.T) {
	cache, err := NewForwardingCache(16, time.Minute)
	require.NoError(t, err)

	cache.Put("old", 50, []byte("stale"))
	cache.Put("new", 150, []byte("fresh"))

	cache.Invalidate(100)

	_, ok := cache.Get("old")
	require.False(t, ok, "entries at or before the invalidated ledger must be dropped")

	_, ok = cache.Get("new")
	require.True(t, ok, "entries after the invalidated ledger must survive")
}

func TestCacheableRejectsMethodsNotInAllowList(t *testing.T) {
	require.False(t, Cacheable(xrpl.JSONRPCRequest{Method: "submit"}))
	require.False(t, Cacheable(xrpl.JSONRPCRequest{Method: "subscribe"}))
}

func TestCacheableAcceptsAllowListedMethodWithNoLedgerParam(t *testing.T) {
	require.True(t, Cacheable(xrpl.JSONRPCRequest{Method: "account_info", Params: []byte(`[{"account":"rAbc"}]`)}))
}

func TestCacheableAcceptsValidatedAndCurrentShorthand(t *testing.T) {
	require.True(t, Cacheable(xrpl.JSONRPCRequest{Method: "account_info", Params: []byte(`[{"ledger_index":"validated"}]`)}))
	require.True(t, Cacheable(xrpl.JSONRPCRequest{Method: "account_info", Params: []byte(`[{"ledger_index":"current"}]`)}))
}

func TestCacheableRejectsSpecificLedgerIndexOrHash(t *testing.T) {
	require.False(t, Cacheable(xrpl.JSONRPCRequest{Method: "account_info", Params: []byte(`[{"ledger_index":12345}]`)}))
	require.False(t, Cacheable(xrpl.JSONRPCRequest{Method: "account_info", Params: []byte(`[{"ledger_hash":"ABCD"}]`)}))
}

// fakeWSClient is a minimal xrpl.WSClient stub for ForwardToRippled tests.
type fakeWSClient struct {
	result json.RawMessage
}

func (f *fakeWSClient) Subscribe(context.Context, func(xrpl.ValidatedLedger)) error { return nil }
func (f *fakeWSClient) Forward(context.Context, xrpl.JSONRPCRequest, string, string) (xrpl.JSONRPCResponse, error) {
	return xrpl.JSONRPCResponse{Result: f.result}, nil
}
func (f *fakeWSClient) Close() error { return nil }

// TestForwardToRippledNeverCachesNonAllowListedMethod proves that a method
// outside the fixed allow-list is never stored in or served from the
// forwarding cache, even when the upstream forward itself succeeds.
func TestForwardToRippledNeverCachesNonAllowListedMethod(t *testing.T) {
	cache, err := NewForwardingCache(16, time.Minute)
	require.NoError(t, err)

	lb := NewLoadBalancer(cache, nil, 4)

	sink := make(chan ValidatedLedgerEvent, 1)
	src := NewSource("s1", Endpoints{}, sink, nil,
		func(Endpoints) (xrpl.GRPCClient, error) { return nil, nil },
		func(ctx context.Context, addr string) (xrpl.WSClient, error) {
			return &fakeWSClient{result: []byte(`{"fresh":"result"}`)}, nil
		})
	src.rng.Store(1, 100, true)
	lb.sources = []*Source{src}

	req := xrpl.JSONRPCRequest{Method: "submit", Params: []byte(`[{"tx_blob":"beef"}]`)}
	key := fingerprint(req.Method, req.Params)
	cache.Put(key, 1, []byte(`{"cached":"yes"}`))

	resp, err := lb.ForwardToRippled(context.Background(), req, "1.2.3.4", "")
	require.NoError(t, err)
	require.Equal(t, `{"fresh":"result"}`, string(resp.Result), "a non-allow-listed method must always hit the upstream, never the cache")

	cached, ok := cache.Get(key)
	require.True(t, ok, "the pre-seeded entry must be untouched")
	require.Equal(t, `{"cached":"yes"}`, string(cached), "ForwardToRippled must never overwrite it via Put for a non-allow-listed method")
}
