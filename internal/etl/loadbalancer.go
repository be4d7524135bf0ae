package etl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"sync"
	"time"

	"github.com/mDuo13/clio/internal/errs"
	"github.com/mDuo13/clio/internal/logging"
	"github.com/mDuo13/clio/internal/metrics"
	"github.com/mDuo13/clio/internal/xrpl"
)

// fetchFunc is the shape of a retryable per-Source operation execute runs
// across the pool (spec §4.3).
type fetchFunc func(ctx context.Context, src *Source) (any, error)

// LoadBalancer owns the Source pool, the ForwardingCache, and the retry
// algorithm that tries each eligible Source in turn and, when all have
// failed, polls the pool again until one succeeds or shutdown (spec §4.3).
type LoadBalancer struct {
	logger *logging.ComponentLogger
	cache  *ForwardingCache
	coll   *metrics.Collector

	mu      sync.RWMutex
	sources []*Source

	forwardingMu sync.Mutex
	forwarding   *Source

	sink chan ValidatedLedgerEvent

	numMarkers int
}

// NewLoadBalancer builds a LoadBalancer over an empty pool; call AddSource
// for each configured upstream before calling Run.
func NewLoadBalancer(cache *ForwardingCache, coll *metrics.Collector, numMarkers int) *LoadBalancer {
	return &LoadBalancer{
		logger:     logging.NewComponentLogger("loadbalancer"),
		cache:      cache,
		coll:       coll,
		sink:       make(chan ValidatedLedgerEvent, 256),
		numMarkers: clampMarkers(numMarkers),
	}
}

func clampMarkers(n int) int {
	if n < 1 {
		return 1
	}
	if n > 256 {
		return 256
	}
	return n
}

// Sink returns the channel a Source notifies on every validated ledger
// (spec §9 "Callback-to-balancer from Source"). Pass this to NewSource.
func (lb *LoadBalancer) Sink() chan<- ValidatedLedgerEvent { return lb.sink }

// AddSource registers src with the pool and starts its background Run loop.
func (lb *LoadBalancer) AddSource(ctx context.Context, src *Source) {
	lb.mu.Lock()
	lb.sources = append(lb.sources, src)
	lb.mu.Unlock()
	go src.Run(ctx)
}

// Run drains validated-ledger notifications from the Source pool,
// invalidates the forwarding cache, refreshes forwarding-source selection,
// and publishes metrics until ctx is cancelled (spec §4.3, §9).
func (lb *LoadBalancer) Run(ctx context.Context, onValidated func(xrpl.ValidatedLedger)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-lb.sink:
			lb.cache.Invalidate(ev.Ledger.Sequence)
			lb.refreshForwarding()
			lb.publishMetrics()
			if onValidated != nil {
				onValidated(ev.Ledger)
			}
		}
	}
}

func (lb *LoadBalancer) publishMetrics() {
	if lb.coll == nil {
		return
	}
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	connected := 0
	for _, src := range lb.sources {
		lo, hi, ok := src.Range()
		lb.coll.SetSourceRange(src.ID(), lo, hi)
		if ok {
			connected++
		}
		lb.coll.SetForwarding(src.ID(), src.IsForwarding())
	}
	lb.coll.SetSourcesConnected(connected)
}

// refreshForwarding picks a new forwarding source at random among those
// currently connected, with affinity: if the current forwarding source is
// still connected it keeps the role (spec §4.3 "randomized-with-affinity").
func (lb *LoadBalancer) refreshForwarding() {
	lb.mu.RLock()
	candidates := make([]*Source, 0, len(lb.sources))
	for _, src := range lb.sources {
		if _, _, connected := src.Range(); connected {
			candidates = append(candidates, src)
		}
	}
	lb.mu.RUnlock()

	lb.forwardingMu.Lock()
	defer lb.forwardingMu.Unlock()

	if lb.forwarding != nil {
		for _, src := range candidates {
			if src == lb.forwarding {
				return // affinity: keep the current forwarder while it's healthy
			}
		}
	}

	if len(candidates) == 0 {
		if lb.forwarding != nil {
			lb.forwarding.SetForwarding(false)
			lb.forwarding = nil
		}
		return
	}

	if lb.forwarding != nil {
		lb.forwarding.SetForwarding(false)
	}
	next := candidates[rand.Intn(len(candidates))]
	next.SetForwarding(true)
	lb.forwarding = next
}

// eligibleSources returns every connected Source holding seq, in a random
// order so repeated calls fan load out evenly (spec §4.3).
func (lb *LoadBalancer) eligibleSources(seq uint32) []*Source {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	eligible := make([]*Source, 0, len(lb.sources))
	for _, src := range lb.sources {
		if src.HasLedger(seq) {
			eligible = append(eligible, src)
		}
	}
	rand.Shuffle(len(eligible), func(i, j int) { eligible[i], eligible[j] = eligible[j], eligible[i] })
	return eligible
}

// execute tries fn against every Source holding seq, in randomized order,
// retrying the whole pool every retryAfter until ctx is cancelled or one
// call succeeds (spec §4.3).
func (lb *LoadBalancer) execute(ctx context.Context, seq uint32, retryAfter time.Duration, fn fetchFunc) (any, error) {
	for {
		for _, src := range lb.eligibleSources(seq) {
			result, err := fn(ctx, src)
			if err == nil {
				if lb.coll != nil {
					lb.coll.IncLedgersFetched()
				}
				return result, nil
			}
			if errs.Is(err, errs.KindShutdown) {
				return nil, err
			}
			if lb.coll != nil {
				lb.coll.IncFetchRetry()
			}
			lb.logger.Warn().Str("source", src.ID()).Uint32("seq", seq).Err(err).Msg("fetch attempt failed")
		}

		select {
		case <-ctx.Done():
			return nil, errs.Wrap(errs.KindShutdown, ctx.Err())
		case <-time.After(retryAfter):
		}
	}
}

// FetchLedger returns a single ledger, retrying across the pool until one
// connected Source advertising seq succeeds (spec §4.1, §4.3). It returns a
// nil response with a nil error when the underlying fetch reports the
// ledger is already present in the local DB (Source.FetchLedger's
// AlreadyPresent sentinel) or when shutdown is requested — both cases are
// the "empty optional" spec §4.3 contracts fetchLedger to return rather
// than an error.
func (lb *LoadBalancer) FetchLedger(ctx context.Context, seq uint32, getObjects, getObjectNeighbors bool, retryAfter time.Duration) (*xrpl.LedgerResponse, error) {
	result, err := lb.execute(ctx, seq, retryAfter, func(ctx context.Context, src *Source) (any, error) {
		resp, err := src.FetchLedger(ctx, seq, getObjects, getObjectNeighbors)
		if errs.Is(err, errs.KindAlreadyPresent) {
			return (*xrpl.LedgerResponse)(nil), nil
		}
		if err != nil {
			return nil, err
		}
		return &resp, nil
	})
	if err != nil {
		if errs.Is(err, errs.KindShutdown) {
			return nil, nil
		}
		return nil, err
	}
	return result.(*xrpl.LedgerResponse), nil
}

// LoadInitialLedger fans out the full-ledger download over numMarkers
// parallel markers, retrying across the pool via execute until one
// eligible Source streams to completion or shutdown is requested (spec
// §4.3 "loadInitialLedger...calls execute(f, seq, retryAfter)").
func (lb *LoadBalancer) LoadInitialLedger(ctx context.Context, seq uint32, retryAfter time.Duration) (<-chan LoadedObject, <-chan error) {
	out := make(chan LoadedObject, lb.numMarkers)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		_, err := lb.execute(ctx, seq, retryAfter, func(ctx context.Context, src *Source) (any, error) {
			srcOut, srcErrCh := src.LoadInitialLedger(ctx, seq, lb.numMarkers)
			for obj := range srcOut {
				select {
				case out <- obj:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			if err := <-srcErrCh; err != nil {
				return nil, err
			}
			return nil, nil
		})
		if err != nil && !errs.Is(err, errs.KindShutdown) {
			errCh <- err
		}
	}()

	return out, errCh
}

// fingerprint derives a stable cache key from a command name and its raw
// JSON params (spec §4.2).
func fingerprint(method string, params []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write(params)
	return hex.EncodeToString(h.Sum(nil))
}

// ForwardToRippled forwards req to the current forwarding source, falling
// back to a random other connected source on failure, exhausting the pool
// before reporting ForwardingFailed (spec §4.3, §7).
func (lb *LoadBalancer) ForwardToRippled(ctx context.Context, req xrpl.JSONRPCRequest, clientIP, xUser string) (xrpl.JSONRPCResponse, error) {
	cacheable := Cacheable(req)
	key := fingerprint(req.Method, req.Params)
	if cacheable {
		if cached, ok := lb.cache.Get(key); ok {
			if lb.coll != nil {
				lb.coll.IncCacheHit()
			}
			return xrpl.JSONRPCResponse{Result: cached}, nil
		}
		if lb.coll != nil {
			lb.coll.IncCacheMiss()
		}
	}

	start := time.Now()
	lb.forwardingMu.Lock()
	primary := lb.forwarding
	lb.forwardingMu.Unlock()

	lb.mu.RLock()
	all := append([]*Source(nil), lb.sources...)
	lb.mu.RUnlock()

	if len(all) == 0 {
		if lb.coll != nil {
			lb.coll.IncForwardFailure()
		}
		return xrpl.JSONRPCResponse{}, errs.WithReason(errs.KindForwardingFailed, errs.ReasonNoSources)
	}

	ordered := make([]*Source, 0, len(all))
	if primary != nil {
		ordered = append(ordered, primary)
	}
	rest := append([]*Source(nil), all...)
	rand.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
	for _, src := range rest {
		if src == primary {
			continue
		}
		if _, _, connected := src.Range(); connected {
			ordered = append(ordered, src)
		}
	}

	var lastErr error
	for _, src := range ordered {
		resp, err := src.Forward(ctx, req, clientIP, xUser)
		if err == nil {
			if lb.coll != nil {
				lb.coll.ObserveForward(time.Since(start))
			}
			if cacheable {
				lb.cache.Put(key, lb.highestKnownLedger(), resp.Result)
			}
			return resp, nil
		}
		lastErr = err
		lb.logger.Warn().Str("source", src.ID()).Err(err).Msg("forward attempt failed")
	}

	if lb.coll != nil {
		lb.coll.IncForwardFailure()
	}
	return xrpl.JSONRPCResponse{}, errs.Wrap(errs.KindForwardingFailed, lastErr)
}

func (lb *LoadBalancer) highestKnownLedger() uint32 {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	var hi uint32
	for _, src := range lb.sources {
		_, h, _ := src.Range()
		if h > hi {
			hi = h
		}
	}
	return hi
}

// GetETLState returns the first reported chain-parameter snapshot from any
// Source in the pool, or nil if none has reported one yet (spec §3).
func (lb *LoadBalancer) GetETLState() *xrpl.ETLState {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	for _, src := range lb.sources {
		if st := src.ETLState(); st != nil {
			return st
		}
	}
	return nil
}
