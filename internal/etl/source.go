// Package etl implements the ETL load balancer: a pool of upstream
// Sources (spec §4.1), a forwarding cache (§4.2), and the LoadBalancer
// that routes fetches and forwards across them (§4.3).
package etl

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mDuo13/clio/internal/bufpool"
	"github.com/mDuo13/clio/internal/errs"
	"github.com/mDuo13/clio/internal/logging"
	"github.com/mDuo13/clio/internal/resilience"
	"github.com/mDuo13/clio/internal/xrpl"
	"golang.org/x/sync/errgroup"
)

// State is a Source's connection lifecycle state (spec §4.1).
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateStreaming
	StateStalled
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateStreaming:
		return "streaming"
	case StateStalled:
		return "stalled"
	default:
		return "disconnected"
	}
}

// stallTimeout is how long a Source waits without a validated-ledger
// notification before declaring itself Stalled (spec §4.1, §5).
const stallTimeout = 20 * time.Second

// ValidatedLedgerEvent is what a Source sends on its owning LoadBalancer's
// sink channel each time it observes a new validated ledger (spec §9
// "Callback-to-balancer from Source": modeled as message passing instead
// of an upward pointer).
type ValidatedLedgerEvent struct {
	Source *Source
	Ledger xrpl.ValidatedLedger
}

// Endpoints are the three addresses a Source dials (spec §3).
type Endpoints struct {
	GRPCAddr      string
	WSAddr        string
	ForwardAddr   string
}

// Source is one upstream full-node connection (spec §3, §4.1).
type Source struct {
	id        string
	endpoints Endpoints
	logger    *logging.ComponentLogger
	pool      *bufpool.Pool

	dialGRPC func(Endpoints) (xrpl.GRPCClient, error)
	dialWS   func(ctx context.Context, addr string) (xrpl.WSClient, error)

	grpcMu sync.Mutex
	grpc   xrpl.GRPCClient

	rng   rangeSeqlock
	state atomic.Int32

	forwarding atomic.Bool

	sink chan<- ValidatedLedgerEvent

	backoff resilience.BackoffPolicy

	fetchRetry *resilience.RetryManager
	forwardCB  *resilience.CircuitBreaker

	etlStateOnce sync.Once
	etlState     *xrpl.ETLState
}

// NewSource constructs a Source wired to the given sink, the channel its
// owning LoadBalancer drains for validated-ledger notifications.
func NewSource(
	id string,
	endpoints Endpoints,
	sink chan<- ValidatedLedgerEvent,
	pool *bufpool.Pool,
	dialGRPC func(Endpoints) (xrpl.GRPCClient, error),
	dialWS func(ctx context.Context, addr string) (xrpl.WSClient, error),
) *Source {
	sourceLogger := logging.NewComponentLogger("source").With("source", id)
	return &Source{
		id:         id,
		endpoints:  endpoints,
		logger:     sourceLogger,
		pool:       pool,
		dialGRPC:   dialGRPC,
		dialWS:     dialWS,
		sink:       sink,
		backoff:    resilience.DefaultBackoffPolicy(),
		fetchRetry: resilience.NewRetryManager(resilience.DefaultRetryPolicy(), sourceLogger),
		forwardCB:  resilience.NewCircuitBreaker(id, 5, 30*time.Second, sourceLogger),
	}
}

// ID returns the Source's stable identity.
func (s *Source) ID() string { return s.id }

// State returns the Source's current lifecycle state.
func (s *Source) State() State { return State(s.state.Load()) }

func (s *Source) setState(st State) { s.state.Store(int32(st)) }

// HasLedger reports whether seq is within the Source's advertised range
// and the Source is currently connected (spec §4.1).
func (s *Source) HasLedger(seq uint32) bool {
	snap := s.rng.Load()
	return snap.Connected && snap.Lo <= seq && seq <= snap.Hi
}

// Range returns the Source's current advertised range and connectedness.
func (s *Source) Range() (lo, hi uint32, connected bool) {
	snap := s.rng.Load()
	return snap.Lo, snap.Hi, snap.Connected
}

// IsForwarding reports whether this Source is the designated forwarder.
func (s *Source) IsForwarding() bool { return s.forwarding.Load() }

// SetForwarding toggles the "this source is the designated forwarder" bit.
func (s *Source) SetForwarding(v bool) { s.forwarding.Store(v) }

// ETLState returns the cached chain-parameter snapshot, if this Source has
// reported one yet.
func (s *Source) ETLState() *xrpl.ETLState { return s.etlState }

// Run begins the Source's background activity: connect, subscribe to the
// validated-ledgers stream, and reconnect forever on any error with
// exponential backoff (spec §4.1). It returns only when ctx is cancelled.
func (s *Source) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			s.rng.Store(s.rng.Load().Lo, s.rng.Load().Hi, false)
			return
		}

		s.setState(StateConnecting)
		if err := s.connectAndStream(ctx); err != nil {
			attempt++
			s.logger.Warn().Err(err).Int("attempt", attempt).Msg("source disconnected, reconnecting")
		} else {
			attempt = 0
		}

		snap := s.rng.Load()
		s.rng.Store(snap.Lo, snap.Hi, false) // connected=false; range retained but stale (spec §3 invariant)
		s.setState(StateDisconnected)

		delay := s.backoff.Next(max(attempt, 1))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (s *Source) connectAndStream(ctx context.Context) error {
	grpcClient, err := s.dialGRPC(s.endpoints)
	if err != nil {
		return fmt.Errorf("dialing grpc: %w", err)
	}
	s.grpcMu.Lock()
	s.grpc = grpcClient
	s.grpcMu.Unlock()
	defer func() {
		_ = grpcClient.Close()
	}()

	ws, err := s.dialWS(ctx, s.endpoints.WSAddr)
	if err != nil {
		return fmt.Errorf("dialing ws: %w", err)
	}
	defer ws.Close()

	s.setState(StateSubscribed)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lastSeen := make(chan struct{}, 1)
	go s.watchStall(streamCtx, cancel, lastSeen)

	return ws.Subscribe(streamCtx, func(vl xrpl.ValidatedLedger) {
		s.setState(StateStreaming)
		snap := s.rng.Load()
		hi := snap.Hi
		lo := snap.Lo
		if lo == 0 || vl.Sequence < lo {
			lo = vl.Sequence
		}
		if vl.Sequence > hi {
			hi = vl.Sequence
		}
		s.rng.Store(lo, hi, true)

		if vl.ETLState != nil {
			s.etlStateOnce.Do(func() { s.etlState = vl.ETLState })
		}

		select {
		case lastSeen <- struct{}{}:
		default:
		}

		select {
		case s.sink <- ValidatedLedgerEvent{Source: s, Ledger: vl}:
		case <-streamCtx.Done():
		}
	})
}

// watchStall transitions to Stalled and cancels the stream after
// stallTimeout without a validated-ledger notification (spec §4.1).
func (s *Source) watchStall(ctx context.Context, cancel context.CancelFunc, lastSeen <-chan struct{}) {
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-lastSeen:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(stallTimeout)
		case <-timer.C:
			s.setState(StateStalled)
			s.logger.Warn().Dur("stall_timeout", stallTimeout).Msg("no validated ledger seen, reconnecting")
			cancel()
			return
		}
	}
}

// FetchLedger issues a gRPC GetLedger call, retried locally by the
// Source's RetryManager on retryable transport errors (spec §4.1).
func (s *Source) FetchLedger(ctx context.Context, seq uint32, getObjects, getObjectNeighbors bool) (xrpl.LedgerResponse, error) {
	s.grpcMu.Lock()
	client := s.grpc
	s.grpcMu.Unlock()
	if client == nil {
		return xrpl.LedgerResponse{}, errs.New(errs.KindUnavailable)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// A bounded local retry absorbs transient gRPC hiccups (spec §5) before
	// the failure ever reaches LoadBalancer.execute's pool-level retry.
	var resp xrpl.LedgerResponse
	err := s.fetchRetry.Execute(fetchCtx, "fetch_ledger", func() error {
		var rpcErr error
		resp, rpcErr = client.GetLedger(fetchCtx, xrpl.GetLedgerRequest{
			LedgerIndex:        seq,
			Transactions:       true,
			Expand:             true,
			GetObjects:         getObjects,
			GetObjectNeighbors: getObjectNeighbors,
		})
		return rpcErr
	})
	if err != nil {
		return xrpl.LedgerResponse{}, errs.Wrap(errs.KindUnavailable, err)
	}
	if resp.ErrorCode == xrpl.ErrorCodeAlreadyExists {
		return xrpl.LedgerResponse{}, errs.New(errs.KindAlreadyPresent)
	}
	return resp, nil
}

// LoadedObject is one object streamed by LoadInitialLedger. Release must be
// called once the consumer has copied or persisted Data, returning any
// pooled buffer backing it (internal/bufpool) to the budget; Release is a
// no-op when Data was never pool-backed (the pool was at its budget when
// this object was fetched).
type LoadedObject struct {
	xrpl.RawObject
	Release func()
}

// LoadInitialLedger issues parallelMarkers concurrent ranged GetLedgerData
// queries partitioning the key space evenly and streams extracted objects
// in an unspecified order (spec §4.1). parallelMarkers is clamped [1,256]
// by the caller (LoadBalancer) and again here since Source is reachable
// directly in tests.
func (s *Source) LoadInitialLedger(ctx context.Context, seq uint32, parallelMarkers int) (<-chan LoadedObject, <-chan error) {
	if parallelMarkers < 1 {
		parallelMarkers = 1
	}
	if parallelMarkers > 256 {
		parallelMarkers = 256
	}

	if !s.HasLedger(seq) {
		errCh := make(chan error, 1)
		errCh <- errs.New(errs.KindUnavailable)
		close(errCh)
		ch := make(chan LoadedObject)
		close(ch)
		return ch, errCh
	}

	out := make(chan LoadedObject, parallelMarkers)
	errCh := make(chan error, 1)

	markers := partitionKeySpace(parallelMarkers)

	go func() {
		defer close(out)
		defer close(errCh)

		g, gctx := errgroup.WithContext(ctx)
		s.grpcMu.Lock()
		client := s.grpc
		s.grpcMu.Unlock()
		if client == nil {
			errCh <- errs.New(errs.KindUnavailable)
			return
		}

		for _, start := range markers {
			start := start
			g.Go(func() error {
				return s.drainMarker(gctx, client, seq, start, out)
			})
		}
		if err := g.Wait(); err != nil {
			errCh <- errs.Wrap(errs.KindUnavailable, err)
		}
	}()

	return out, errCh
}

func (s *Source) drainMarker(ctx context.Context, client xrpl.GRPCClient, seq uint32, start xrpl.Marker, out chan<- LoadedObject) error {
	req := xrpl.GetLedgerDataRequest{LedgerIndex: seq, Marker: start, HasMarker: true}
	for {
		resp, err := client.GetLedgerData(ctx, req)
		if err != nil {
			return err
		}
		for _, obj := range resp.Objects {
			buf := s.pool.Get(len(obj.Data))
			release := func() {}
			if buf != nil {
				copy(buf, obj.Data)
				obj.Data = buf
				release = func() { s.pool.Put(buf) }
			}
			select {
			case out <- LoadedObject{RawObject: obj, Release: release}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if !resp.HasMarker {
			return nil
		}
		req.Marker = resp.Marker
	}
}

// partitionKeySpace splits the 256-bit key space into n evenly spaced
// starting markers.
func partitionKeySpace(n int) []xrpl.Marker {
	markers := make([]xrpl.Marker, n)
	if n == 1 {
		return markers // single marker starts at the zero key
	}
	step := ^uint64(0) / uint64(n) // even partition over the high 64 bits
	for i := 0; i < n; i++ {
		var m xrpl.Marker
		v := step * uint64(i)
		for b := 0; b < 8; b++ {
			m[b] = byte(v >> (56 - 8*b))
		}
		markers[i] = m
	}
	return markers
}

// Forward sends a JSON-RPC request upstream over WebSocket with the
// identity headers populated (spec §4.1, §6).
func (s *Source) Forward(ctx context.Context, req xrpl.JSONRPCRequest, clientIP, xUser string) (xrpl.JSONRPCResponse, error) {
	if !s.forwardCB.Allow() {
		return xrpl.JSONRPCResponse{}, errs.WithReason(errs.KindUnavailable, errs.ReasonCircuitOpen)
	}

	forwardCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	ws, err := s.dialWS(forwardCtx, s.endpoints.ForwardAddr)
	if err != nil {
		s.forwardCB.RecordResult(err)
		return xrpl.JSONRPCResponse{}, errs.Wrap(errs.KindUnavailable, err)
	}
	defer ws.Close()

	resp, err := ws.Forward(forwardCtx, req, clientIP, xUser)
	s.forwardCB.RecordResult(err)
	if err != nil {
		return xrpl.JSONRPCResponse{}, errs.Wrap(errs.KindUnavailable, err)
	}
	return resp, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
