package etl

import (
	"context"
	"testing"
	"time"

	"github.com/mDuo13/clio/internal/bufpool"
	"github.com/mDuo13/clio/internal/errs"
	"github.com/mDuo13/clio/internal/xrpl"
)

func TestEligibleSourcesExcludesDisconnectedAndOutOfRange(t *testing.T) {
	lb := NewLoadBalancer(nil, nil, 4)

	connected := newTestSource("connected")
	connected.rng.Store(1, 100, true)

	outOfRange := newTestSource("out-of-range")
	outOfRange.rng.Store(200, 300, true)

	disconnected := newTestSource("disconnected")
	disconnected.rng.Store(1, 100, false)

	lb.sources = []*Source{connected, outOfRange, disconnected}

	eligible := lb.eligibleSources(50)
	if len(eligible) != 1 || eligible[0].ID() != "connected" {
		t.Fatalf("expected only the connected in-range source, got %v", eligible)
	}
}

func TestRefreshForwardingKeepsAffinityWhileHealthy(t *testing.T) {
	lb := NewLoadBalancer(nil, nil, 4)
	a := newTestSource("a")
	a.rng.Store(1, 100, true)
	b := newTestSource("b")
	b.rng.Store(1, 100, true)
	lb.sources = []*Source{a, b}

	lb.refreshForwarding()
	first := lb.forwarding

	for i := 0; i < 10; i++ {
		lb.refreshForwarding()
		if lb.forwarding != first {
			t.Fatalf("forwarding source changed while still connected")
		}
	}
}

func TestRefreshForwardingFailsOverWhenCurrentDisconnects(t *testing.T) {
	lb := NewLoadBalancer(nil, nil, 4)
	a := newTestSource("a")
	a.rng.Store(1, 100, true)
	lb.sources = []*Source{a}

	lb.refreshForwarding()
	if lb.forwarding != a {
		t.Fatal("expected a to become the forwarder")
	}

	a.rng.Store(1, 100, false)
	lb.refreshForwarding()
	if lb.forwarding != nil {
		t.Fatal("forwarding source must clear once its only candidate disconnects")
	}
}

func TestExecuteRetriesPoolUntilSuccess(t *testing.T) {
	lb := NewLoadBalancer(nil, nil, 4)
	a := newTestSource("a")
	a.rng.Store(1, 100, true)
	lb.sources = []*Source{a}

	attempts := 0
	result, err := lb.execute(context.Background(), 50, time.Millisecond, func(ctx context.Context, src *Source) (any, error) {
		attempts++
		if attempts < 2 {
			return nil, errTransientForTest
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if result.(string) != "ok" {
		t.Fatalf("unexpected result %v", result)
	}
	if attempts < 2 {
		t.Fatalf("expected at least 2 attempts across pool passes, got %d", attempts)
	}
}

func TestExecuteStopsOnContextCancel(t *testing.T) {
	lb := NewLoadBalancer(nil, nil, 4)
	a := newTestSource("a")
	a.rng.Store(1, 100, true)
	lb.sources = []*Source{a}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := lb.execute(ctx, 50, time.Hour, func(ctx context.Context, src *Source) (any, error) {
		return nil, errTransientForTest
	})
	if err == nil {
		t.Fatal("expected context cancellation to surface as an error")
	}
	if !errs.Is(err, errs.KindShutdown) {
		t.Fatalf("expected a Shutdown-kind error, got %v", err)
	}
}

var errTransientForTest = contextlikeError("transient")

type contextlikeError string

func (e contextlikeError) Error() string { return string(e) }

// fakeGRPCClient is a minimal xrpl.GRPCClient stub for FetchLedger and
// LoadInitialLedger tests.
type fakeGRPCClient struct {
	ledgerResp xrpl.LedgerResponse
	ledgerErr  error
	dataResp   xrpl.GetLedgerDataResponse
	dataErr    error
}

func (f *fakeGRPCClient) GetLedger(context.Context, xrpl.GetLedgerRequest) (xrpl.LedgerResponse, error) {
	return f.ledgerResp, f.ledgerErr
}
func (f *fakeGRPCClient) GetLedgerData(context.Context, xrpl.GetLedgerDataRequest) (xrpl.GetLedgerDataResponse, error) {
	return f.dataResp, f.dataErr
}
func (f *fakeGRPCClient) GetLedgerEntry(context.Context, xrpl.GetLedgerEntryRequest) (xrpl.GetLedgerEntryResponse, error) {
	return xrpl.GetLedgerEntryResponse{}, nil
}
func (f *fakeGRPCClient) GetLedgerDiff(context.Context, xrpl.GetLedgerDiffRequest) (xrpl.GetLedgerDiffResponse, error) {
	return xrpl.GetLedgerDiffResponse{}, nil
}
func (f *fakeGRPCClient) Close() error { return nil }

// TestFetchLedgerReturnsNilOnAlreadyPresent proves the AlreadyPresent
// sentinel from an upstream GetLedger call surfaces as an empty optional
// (nil, nil), not an error (spec §4.1, §4.3, §6).
func TestFetchLedgerReturnsNilOnAlreadyPresent(t *testing.T) {
	lb := NewLoadBalancer(nil, nil, 4)

	sink := make(chan ValidatedLedgerEvent, 1)
	client := &fakeGRPCClient{ledgerResp: xrpl.LedgerResponse{ErrorCode: xrpl.ErrorCodeAlreadyExists}}
	src := NewSource("a", Endpoints{}, sink, nil,
		func(Endpoints) (xrpl.GRPCClient, error) { return client, nil },
		func(ctx context.Context, addr string) (xrpl.WSClient, error) { return nil, nil })
	src.rng.Store(1, 100, true)
	src.grpc = client
	lb.sources = []*Source{src}

	resp, err := lb.FetchLedger(context.Background(), 50, true, false, time.Millisecond)
	if err != nil {
		t.Fatalf("expected a nil error, got %v", err)
	}
	if resp != nil {
		t.Fatal("AlreadyPresent must surface as an empty optional, not a response")
	}
}

// TestLoadInitialLedgerRetriesAcrossSourcesOnFailure proves the first
// failing source does not sink the whole call: execute retries against
// another eligible source until it streams to completion (spec §4.3).
func TestLoadInitialLedgerRetriesAcrossSourcesOnFailure(t *testing.T) {
	lb := NewLoadBalancer(nil, nil, 1)
	pool := bufpool.New(1 << 20)

	sinkA := make(chan ValidatedLedgerEvent, 1)
	failing := NewSource("failing", Endpoints{}, sinkA, pool,
		func(Endpoints) (xrpl.GRPCClient, error) { return nil, nil },
		func(ctx context.Context, addr string) (xrpl.WSClient, error) { return nil, nil })
	failing.rng.Store(1, 100, true) // s.grpc stays nil: LoadInitialLedger reports Unavailable

	sinkB := make(chan ValidatedLedgerEvent, 1)
	succeeding := NewSource("succeeding", Endpoints{}, sinkB, pool,
		func(Endpoints) (xrpl.GRPCClient, error) { return nil, nil },
		func(ctx context.Context, addr string) (xrpl.WSClient, error) { return nil, nil })
	succeeding.rng.Store(1, 100, true)
	succeeding.grpc = &fakeGRPCClient{
		dataResp: xrpl.GetLedgerDataResponse{Objects: []xrpl.RawObject{{Key: []byte("k"), Data: []byte("v")}}},
	}

	lb.sources = []*Source{failing, succeeding}

	out, errCh := lb.LoadInitialLedger(context.Background(), 50, time.Millisecond)

	var got []LoadedObject
	for obj := range out {
		got = append(got, obj)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("expected eventual success across the pool, got %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 object from the succeeding source, got %d", len(got))
	}
	got[0].Release()
}
