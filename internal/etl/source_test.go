package etl

import (
	"context"
	"testing"

	"github.com/mDuo13/clio/internal/xrpl"
)

func newTestSource(id string) *Source {
	sink := make(chan ValidatedLedgerEvent, 1)
	return NewSource(id, Endpoints{}, sink, nil,
		func(Endpoints) (xrpl.GRPCClient, error) { return nil, nil },
		func(ctx context.Context, addr string) (xrpl.WSClient, error) { return nil, nil })
}

func TestSourceHasLedgerRespectsRangeAndConnectedness(t *testing.T) {
	src := newTestSource("s1")
	src.rng.Store(10, 20, true)

	if !src.HasLedger(15) {
		t.Fatal("15 is within [10,20] and connected, should be held")
	}
	if src.HasLedger(25) {
		t.Fatal("25 is outside the range")
	}

	src.rng.Store(10, 20, false)
	if src.HasLedger(15) {
		t.Fatal("disconnected source must not report holding any ledger")
	}
}

func TestSourceStateTransitionsAreVisible(t *testing.T) {
	src := newTestSource("s1")
	if src.State() != StateDisconnected {
		t.Fatalf("new source should start disconnected, got %v", src.State())
	}
	src.setState(StateStreaming)
	if src.State() != StateStreaming {
		t.Fatalf("expected streaming, got %v", src.State())
	}
}

func TestPartitionKeySpaceCoversEvenlySpacedStarts(t *testing.T) {
	markers := partitionKeySpace(4)
	if len(markers) != 4 {
		t.Fatalf("expected 4 markers, got %d", len(markers))
	}
	if markers[0] != (xrpl.Marker{}) {
		t.Fatal("first marker must start at the zero key")
	}
	for i := 1; i < len(markers); i++ {
		if markers[i] == markers[i-1] {
			t.Fatalf("marker %d duplicates marker %d", i, i-1)
		}
	}
}

func TestPartitionKeySpaceSingleMarkerStartsAtZero(t *testing.T) {
	markers := partitionKeySpace(1)
	if len(markers) != 1 || markers[0] != (xrpl.Marker{}) {
		t.Fatal("a single marker must start at the zero key")
	}
}
