// Package xrpl models the upstream XRPL node's gRPC and JSON-RPC
// interfaces (spec §6). It owns no policy: it is the external-interface
// boundary Source and LoadBalancer are built against.
package xrpl

import (
	"encoding/json"
	"time"
)

// LedgerRange is a Source's advertised [Lo, Hi] ledger range. An empty
// range (Lo == 0 && Hi == 0) means the source has not yet reported one.
type LedgerRange struct {
	Lo uint32
	Hi uint32
}

// Contains reports whether seq falls within [Lo, Hi] inclusive.
func (r LedgerRange) Contains(seq uint32) bool {
	if r.Lo == 0 && r.Hi == 0 {
		return false
	}
	return seq >= r.Lo && seq <= r.Hi
}

// ValidatedLedger is one "ledgers" stream notification (spec §4.1, §6).
type ValidatedLedger struct {
	Sequence uint32
	Hash     string
	// ETLState is non-nil whenever the notification carries chain
	// parameters (a non-zero network id); Source keeps only the first one
	// it sees (spec §3 LoadBalancer.ETLState).
	ETLState *ETLState
}

// ETLState is the upstream-advertised chain parameters tagging local state.
type ETLState struct {
	NetworkID      uint32
	FeeBaseReserve uint64
	FeeBaseInc     uint64
}

// Marker partitions the key space for loadInitialLedger's parallel ranged
// queries (spec §4.1, §4.3 "Parallel-marker count is clamped to [1,256]").
type Marker [16]byte

// RawObject is one extracted ledger object as returned by GetLedgerData /
// loadInitialLedger, keyed by its ledger object key.
type RawObject struct {
	Key  []byte
	Data []byte
}

// GetLedgerRequest models the XRPL gRPC GetLedger request fields spec §6
// names explicitly.
type GetLedgerRequest struct {
	LedgerIndex        uint32
	Transactions       bool
	Expand             bool
	GetObjects         bool
	GetObjectNeighbors bool
}

// LedgerHeader is the serialized ledger header included in a LedgerResponse.
type LedgerHeader struct {
	Sequence   uint32
	Hash       []byte
	ParentHash []byte
	CloseTime  time.Time
}

// LedgerResponse is GetLedger's response shape (spec §4.1 fetchLedger).
type LedgerResponse struct {
	Validated    bool
	Header       LedgerHeader
	Transactions [][]byte // serialized transactions, when requested
	Objects      []RawObject
	IsUnlimited  bool
	ErrorCode    ErrorCode
}

// ErrorCode is GetLedger's out-of-band result discriminator (spec §4.1:
// "may fail with...AlreadyExists, from an agreed sentinel meaning the
// caller should prefer the local DB"). ErrorCodeNone means Header/
// Transactions/Objects are populated and valid.
type ErrorCode int32

const (
	ErrorCodeNone ErrorCode = iota
	ErrorCodeAlreadyExists
)

// GetLedgerDataRequest models a single paginated GetLedgerData call.
type GetLedgerDataRequest struct {
	LedgerIndex uint32
	Marker      Marker
	HasMarker   bool
}

// GetLedgerDataResponse is one page of GetLedgerData results.
type GetLedgerDataResponse struct {
	Objects   []RawObject
	Marker    Marker
	HasMarker bool
}

// GetLedgerEntryRequest fetches a single ledger entry by key.
type GetLedgerEntryRequest struct {
	LedgerIndex uint32
	Key         []byte
}

// GetLedgerEntryResponse is the response to GetLedgerEntryRequest.
type GetLedgerEntryResponse struct {
	Object RawObject
}

// GetLedgerDiffRequest fetches the set of keys that changed between
// consecutive ledgers.
type GetLedgerDiffRequest struct {
	BaseLedger uint32
}

// GetLedgerDiffResponse is the response to GetLedgerDiffRequest.
type GetLedgerDiffResponse struct {
	Keys [][]byte
}

// JSONRPCRequest is a forwarded client request (spec §4.1 forward).
type JSONRPCRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is the forwarded upstream's reply.
type JSONRPCResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}
