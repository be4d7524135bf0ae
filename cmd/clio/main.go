// Command clio runs the ETL load balancer, the subscription feed engine,
// and the client-facing JSON-RPC dispatcher as one process (spec §1, §2).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mDuo13/clio/internal/bufpool"
	"github.com/mDuo13/clio/internal/config"
	"github.com/mDuo13/clio/internal/errs"
	"github.com/mDuo13/clio/internal/etl"
	"github.com/mDuo13/clio/internal/feed"
	"github.com/mDuo13/clio/internal/logging"
	"github.com/mDuo13/clio/internal/metrics"
	"github.com/mDuo13/clio/internal/rpc"
	"github.com/mDuo13/clio/internal/storage"
	"github.com/mDuo13/clio/internal/transport"
	"github.com/mDuo13/clio/internal/xrpl"
)

const (
	initialLedgerBudgetBytes = 512 << 20
	shutdownGrace            = 10 * time.Second
)

func main() {
	root := &cobra.Command{
		Use:   "clio",
		Short: "ETL load balancer and subscription feed engine for an XRPL read replica",
		RunE:  run,
	}
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger := logging.NewComponentLogger("main")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	coll := metrics.NewCollector()
	backend := storage.NewMemoryBackend()

	cache, err := etl.NewForwardingCache(4096, cfg.ForwardingCacheTimeout)
	if err != nil {
		return fmt.Errorf("building forwarding cache: %w", err)
	}

	balancer := etl.NewLoadBalancer(cache, coll, cfg.NumMarkers)
	pool := bufpool.New(initialLedgerBudgetBytes)

	for _, sc := range cfg.ETLSources {
		endpoints := etl.Endpoints{
			GRPCAddr:    fmt.Sprintf("%s:%d", sc.IP, sc.GRPCPort),
			WSAddr:      fmt.Sprintf("ws://%s:%d", sc.IP, sc.WSPort),
			ForwardAddr: fmt.Sprintf("ws://%s:%d", sc.IP, sc.WSPort),
		}
		src := etl.NewSource(sc.String(), endpoints, balancer.Sink(), pool, dialGRPC, xrpl.DialWS)
		balancer.AddSource(ctx, src)
	}

	feedEngine := feed.NewEngine(coll)

	go balancer.Run(ctx, func(vl xrpl.ValidatedLedger) {
		feedEngine.PubLedger(feed.LedgerClosedEvent{LedgerIndex: vl.Sequence, LedgerHash: vl.Hash})
		go func(seq uint32) {
			lo, hi, err := backend.LedgerRange(ctx)
			if err == nil && lo == 0 && hi == 0 {
				bootstrapInitialLedger(ctx, logger, balancer, backend, seq, cfg.RetryAfter)
				return
			}
			extractAndPersist(ctx, logger, balancer, backend, seq, cfg.RetryAfter)
		}(vl.Sequence)
	})

	dispatcher := rpc.NewDispatcher(rpc.Deps{
		Backend:  backend,
		Feed:     feedEngine,
		Balancer: balancer,
	}, rpc.DefaultForwardPolicy())

	wsServer := transport.NewServer(dispatcher)

	mux := http.NewServeMux()
	mux.Handle("/", wsServer)
	mux.Handle("/metrics", coll.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

// extractAndPersist fetches one validated ledger through the load balancer
// and writes it to the storage backend. A nil, nil result from FetchLedger
// is the empty optional spec §4.3 contracts: the ledger is already present
// locally, or shutdown was requested mid-fetch; either way there is nothing
// to persist.
func extractAndPersist(ctx context.Context, logger *logging.ComponentLogger, balancer *etl.LoadBalancer, backend storage.Backend, seq uint32, retryAfter time.Duration) {
	resp, err := balancer.FetchLedger(ctx, seq, true, false, retryAfter)
	if err != nil {
		logger.Warn().Uint32("seq", seq).Err(err).Msg("extraction failed")
		return
	}
	if resp == nil {
		return
	}
	if err := backend.PutLedger(ctx, resp.Header, resp.Objects); err != nil {
		logger.Error().Uint32("seq", seq).Err(err).Msg("persisting ledger failed")
	}
}

// bootstrapInitialLedger runs for each validated ledger that arrives while
// the backend still has no ledger range at all, to fill in the full object
// set for seq via the
// parallel-marker downloader (spec §4.3 loadInitialLedger) rather than the
// single-ledger GetLedger path extractAndPersist uses for steady-state
// ledgers. Pooled buffers are returned once PutLedger has copied their
// contents (internal/bufpool).
func bootstrapInitialLedger(ctx context.Context, logger *logging.ComponentLogger, balancer *etl.LoadBalancer, backend storage.Backend, seq uint32, retryAfter time.Duration) {
	out, errCh := balancer.LoadInitialLedger(ctx, seq, retryAfter)

	objects := make([]xrpl.RawObject, 0, 1024)
	releases := make([]func(), 0, 1024)
	for obj := range out {
		objects = append(objects, obj.RawObject)
		releases = append(releases, obj.Release)
	}
	if err := <-errCh; err != nil {
		logger.Warn().Uint32("seq", seq).Err(err).Msg("initial ledger load failed")
		return
	}

	if err := backend.PutLedger(ctx, xrpl.LedgerHeader{Sequence: seq}, objects); err != nil {
		logger.Error().Uint32("seq", seq).Err(err).Msg("persisting initial ledger failed")
	}
	for _, release := range releases {
		release()
	}
}

// dialGRPC dials a Source's gRPC endpoint and wraps it behind the
// GRPCClient interface. No .proto toolchain is available to generate the
// real XRPL ledger-service stub, so the adapter underneath answers
// Unavailable until one is wired in; the transport (a live
// *grpc.ClientConn) is real (spec §6, internal/xrpl.NewGRPCClient doc).
func dialGRPC(endpoints etl.Endpoints) (xrpl.GRPCClient, error) {
	conn, err := xrpl.DialGRPC(endpoints.GRPCAddr)
	if err != nil {
		return nil, err
	}
	return xrpl.NewGRPCClient(conn, unimplementedLedgerService{}), nil
}

// unimplementedLedgerService is the placeholder adapter dialGRPC wires in
// pending a generated protobuf stub for the XRPL ledger service.
type unimplementedLedgerService struct{}

func (unimplementedLedgerService) GetLedger(context.Context, xrpl.GetLedgerRequest) (xrpl.LedgerResponse, error) {
	return xrpl.LedgerResponse{}, errs.New(errs.KindUnavailable)
}

func (unimplementedLedgerService) GetLedgerData(context.Context, xrpl.GetLedgerDataRequest) (xrpl.GetLedgerDataResponse, error) {
	return xrpl.GetLedgerDataResponse{}, errs.New(errs.KindUnavailable)
}

func (unimplementedLedgerService) GetLedgerEntry(context.Context, xrpl.GetLedgerEntryRequest) (xrpl.GetLedgerEntryResponse, error) {
	return xrpl.GetLedgerEntryResponse{}, errs.New(errs.KindUnavailable)
}

func (unimplementedLedgerService) GetLedgerDiff(context.Context, xrpl.GetLedgerDiffRequest) (xrpl.GetLedgerDiffResponse, error) {
	return xrpl.GetLedgerDiffResponse{}, errs.New(errs.KindUnavailable)
}

func (unimplementedLedgerService) Close() error { return nil }
