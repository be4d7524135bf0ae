package xrpl

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// GRPCClient is the subset of the XRPL gRPC service a Source calls.
// Modeled directly on the protobuf schema spec §6 names (GetLedger,
// GetLedgerData, GetLedgerEntry, GetLedgerDiff); a generated stub can
// satisfy this interface without changing Source's code.
type GRPCClient interface {
	GetLedger(ctx context.Context, req GetLedgerRequest) (LedgerResponse, error)
	GetLedgerData(ctx context.Context, req GetLedgerDataRequest) (GetLedgerDataResponse, error)
	GetLedgerEntry(ctx context.Context, req GetLedgerEntryRequest) (GetLedgerEntryResponse, error)
	GetLedgerDiff(ctx context.Context, req GetLedgerDiffRequest) (GetLedgerDiffResponse, error)
	Close() error
}

// DialGRPC opens an insecure gRPC connection to a source's gRPC endpoint,
// the way ttp-processor/go/server/server.go dials its raw ledger source.
func DialGRPC(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("xrpl: dialing %s: %w", addr, err)
	}
	return conn, nil
}

// grpcClient is the concrete GRPCClient backed by a live *grpc.ClientConn.
// The actual protobuf-generated stub methods are out of this module's
// scope (spec §1: "it does not define the wire syntax of individual RPC
// methods"); this wraps whatever generated client the deployment links in
// behind the interface above via a small adapter function set.
type grpcClient struct {
	conn    *grpc.ClientConn
	adapter GRPCClient
}

// NewGRPCClient wraps a dialed connection and a generated-stub adapter
// (constructed by the caller, once a .proto toolchain is wired in) behind
// the GRPCClient interface Source depends on.
func NewGRPCClient(conn *grpc.ClientConn, adapter GRPCClient) GRPCClient {
	return &grpcClient{conn: conn, adapter: adapter}
}

func (c *grpcClient) GetLedger(ctx context.Context, req GetLedgerRequest) (LedgerResponse, error) {
	return c.adapter.GetLedger(ctx, req)
}

func (c *grpcClient) GetLedgerData(ctx context.Context, req GetLedgerDataRequest) (GetLedgerDataResponse, error) {
	return c.adapter.GetLedgerData(ctx, req)
}

func (c *grpcClient) GetLedgerEntry(ctx context.Context, req GetLedgerEntryRequest) (GetLedgerEntryResponse, error) {
	return c.adapter.GetLedgerEntry(ctx, req)
}

func (c *grpcClient) GetLedgerDiff(ctx context.Context, req GetLedgerDiffRequest) (GetLedgerDiffResponse, error) {
	return c.adapter.GetLedgerDiff(ctx, req)
}

func (c *grpcClient) Close() error {
	return c.conn.Close()
}
