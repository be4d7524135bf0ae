// Package rpc implements the request dispatch boundary (spec §4.7): a
// fixed command table, the should-forward decision, and the per-command
// cost model used by the external workload limiter.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mDuo13/clio/internal/errs"
	"github.com/mDuo13/clio/internal/etl"
	"github.com/mDuo13/clio/internal/feed"
	"github.com/mDuo13/clio/internal/logging"
	"github.com/mDuo13/clio/internal/storage"
	"github.com/mDuo13/clio/internal/xrpl"
)

// Deps are the collaborators a Handler is given, mirroring what
// session.cpp's buildResponse passes each do* function: the storage
// backend, the feed engine, and (for subscribe/unsubscribe) the calling
// subscriber's handle.
type Deps struct {
	Backend  storage.Backend
	Feed     *feed.Engine
	Balancer *etl.LoadBalancer
	Handle   *feed.Handle // nil unless the request arrived over a stateful (WebSocket) connection
}

// Response pairs a handler's JSON result with its cost (spec §4.7, §8
// property 8).
type Response struct {
	Result json.RawMessage
	Cost   int
}

// Handler implements one locally-indexable command.
type Handler func(ctx context.Context, deps Deps, params json.RawMessage) (Response, error)

// ForwardPolicy decides whether to forward a command instead of handling
// it locally, and what flat cost to charge a forward (spec §4.7: "method
// not locally indexable, or explicitly proxied"; SPEC_FULL.md keeps this
// as an overridable table rather than a pinned constant, since
// session.cpp's P2P-proxy decision is itself request-shape-dependent, not
// just a fixed command set).
type ForwardPolicy struct {
	ForwardCost int
	// AlwaysForward lists commands handled only by forwarding.
	AlwaysForward map[string]bool
}

// DefaultForwardPolicy lists no command in AlwaysForward, so nothing is
// forwarded and a command outside the locally-implemented method set gets
// the Unknown command response. ForwardCost is the cost session.cpp
// charges p2p-proxied calls.
func DefaultForwardPolicy() ForwardPolicy {
	return ForwardPolicy{ForwardCost: 10, AlwaysForward: map[string]bool{}}
}

// Dispatcher holds the fixed command table (spec §4.7).
type Dispatcher struct {
	logger  *logging.ComponentLogger
	deps    Deps
	policy  ForwardPolicy
	handler map[string]Handler
}

// NewDispatcher builds the dispatcher with every locally-implemented
// handler registered (spec §6's downstream method list).
func NewDispatcher(deps Deps, policy ForwardPolicy) *Dispatcher {
	d := &Dispatcher{
		logger: logging.NewComponentLogger("rpc"),
		deps:   deps,
		policy: policy,
	}
	d.handler = map[string]Handler{
		"tx":                 handleTx,
		"account_tx":         handleAccountTx,
		"ledger":             handleLedger,
		"ledger_entry":       handleLedgerEntry,
		"ledger_range":       handleLedgerRange,
		"ledger_data":        handleLedgerData,
		"account_info":       handleAccountInfo,
		"book_offers":        handleBookOffers,
		"account_channels":   handleAccountChannels,
		"account_lines":      handleAccountLines,
		"account_currencies": handleAccountCurrencies,
		"account_offers":     handleAccountOffers,
		"account_objects":    handleAccountObjects,
		"channel_authorize":  handleChannelAuthorize,
		"channel_verify":     handleChannelVerify,
		"server_info":        handleServerInfo,
		"subscribe":          handleSubscribe,
		"unsubscribe":        handleUnsubscribe,
		"feature":            handleFeature,
	}
	return d
}

// Dispatch implements spec §4.7: forward the command if the policy lists
// it in AlwaysForward; otherwise look it up, answering an unknown command
// with the Unknown command error, and call its handler with Deps. handle is
// the calling connection's subscriber handle, used only by
// subscribe/unsubscribe; stateless (HTTP) callers pass nil.
func (d *Dispatcher) Dispatch(ctx context.Context, req xrpl.JSONRPCRequest, clientIP, xUser string, handle *feed.Handle) (Response, error) {
	command := req.Method

	if d.policy.AlwaysForward[command] {
		return d.forward(ctx, req, clientIP, xUser)
	}

	handler, ok := d.handler[command]
	if !ok {
		errMsg := fmt.Sprintf("Unknown command: %s", command)
		body, _ := json.Marshal(map[string]string{"error": errMsg})
		return Response{Result: body, Cost: 1}, nil
	}

	deps := d.deps
	deps.Handle = handle
	resp, err := handler(ctx, deps, req.Params)
	if err != nil {
		return Response{}, err
	}
	return resp, nil
}

func (d *Dispatcher) forward(ctx context.Context, req xrpl.JSONRPCRequest, clientIP, xUser string) (Response, error) {
	resp, err := d.deps.Balancer.ForwardToRippled(ctx, req, clientIP, xUser)
	if err != nil {
		return Response{}, errs.Wrap(errs.KindForwardingFailed, err)
	}
	if resp.Error != "" {
		body, _ := json.Marshal(map[string]string{"error": resp.Error})
		return Response{Result: body, Cost: d.policy.ForwardCost}, nil
	}
	return Response{Result: resp.Result, Cost: d.policy.ForwardCost}, nil
}
