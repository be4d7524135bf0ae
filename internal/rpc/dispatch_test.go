package rpc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mDuo13/clio/internal/storage"
	"github.com/mDuo13/clio/internal/xrpl"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	return NewDispatcher(Deps{
		Backend: storage.NewMemoryBackend(),
	}, DefaultForwardPolicy())
}

func TestDispatchUnknownCommand(t *testing.T) {
	d := newTestDispatcher(t)

	resp, err := d.Dispatch(context.Background(), xrpl.JSONRPCRequest{Method: "wat"}, "1.2.3.4", xrpl.UserNormal, nil)
	require.NoError(t, err)

	var body map[string]string
	require.NoError(t, json.Unmarshal(resp.Result, &body))
	require.Equal(t, "Unknown command: wat", body["error"])
	require.Equal(t, 1, resp.Cost)
}

func TestLedgerDataCostIsOneForEmptyObjects(t *testing.T) {
	resp, err := handleLedgerData(context.Background(), Deps{}, json.RawMessage(`{"ledger_index":5}`))
	require.NoError(t, err)
	require.Equal(t, 1, resp.Cost, "an empty objects collection still costs 1")
}

func TestAccountCurrenciesCostIsOneWhenBothArraysEmpty(t *testing.T) {
	resp, err := handleAccountCurrencies(context.Background(), Deps{}, json.RawMessage(`{}`))
	require.NoError(t, err)
	require.Equal(t, 1, resp.Cost)
}

func TestTxCostIsFlatOne(t *testing.T) {
	resp, err := handleTx(context.Background(), Deps{}, json.RawMessage(`{"transaction":"ABCD"}`))
	require.NoError(t, err)
	require.Equal(t, 1, resp.Cost)
}
