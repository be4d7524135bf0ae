// Package storage defines the persistence boundary the request dispatcher
// and ETL pipeline read and write through. Per spec §1's non-goals, this
// module does not implement a real storage engine: Backend is the seam a
// production deployment would back with a real database, and the
// in-memory implementation here exists to make the rest of the module
// exercisable and testable.
package storage

import (
	"context"
	"sync"

	"github.com/mDuo13/clio/internal/errs"
	"github.com/mDuo13/clio/internal/xrpl"
)

// Backend is the storage collaborator spec §4.7 hands to request
// handlers. The ETL fetch path does not consult it: AlreadyPresent comes
// from the upstream's GetLedger sentinel (Source.FetchLedger).
type Backend interface {
	// HasLedger reports whether seq is already indexed locally.
	HasLedger(ctx context.Context, seq uint32) (bool, error)
	// PutLedger persists a fetched ledger's header and objects.
	PutLedger(ctx context.Context, header xrpl.LedgerHeader, objects []xrpl.RawObject) error
	// GetLedgerEntry looks up a single object by key at or before seq.
	GetLedgerEntry(ctx context.Context, seq uint32, key []byte) (xrpl.RawObject, error)
	// LedgerRange returns the contiguous range of ledgers held locally.
	LedgerRange(ctx context.Context) (lo, hi uint32, err error)
}

// memoryBackend is a process-local Backend good enough to drive handler
// and dispatcher tests without a real database dependency.
type memoryBackend struct {
	mu      sync.RWMutex
	headers map[uint32]xrpl.LedgerHeader
	objects map[uint32]map[string][]byte
	lo, hi  uint32
}

// NewMemoryBackend constructs an in-memory Backend.
func NewMemoryBackend() Backend {
	return &memoryBackend{
		headers: make(map[uint32]xrpl.LedgerHeader),
		objects: make(map[uint32]map[string][]byte),
	}
}

func (b *memoryBackend) HasLedger(_ context.Context, seq uint32) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.headers[seq]
	return ok, nil
}

func (b *memoryBackend) PutLedger(_ context.Context, header xrpl.LedgerHeader, objects []xrpl.RawObject) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.headers[header.Sequence] = header
	byKey := make(map[string][]byte, len(objects))
	for _, obj := range objects {
		// Copy: callers may return obj.Data to a buffer pool once PutLedger
		// returns (internal/bufpool), so the backend must not retain an alias.
		data := make([]byte, len(obj.Data))
		copy(data, obj.Data)
		byKey[string(obj.Key)] = data
	}
	b.objects[header.Sequence] = byKey

	if b.lo == 0 || header.Sequence < b.lo {
		b.lo = header.Sequence
	}
	if header.Sequence > b.hi {
		b.hi = header.Sequence
	}
	return nil
}

func (b *memoryBackend) GetLedgerEntry(_ context.Context, seq uint32, key []byte) (xrpl.RawObject, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if seq > b.hi {
		seq = b.hi
	}
	for s := seq; s != 0 && s >= b.lo; s-- {
		byKey, ok := b.objects[s]
		if !ok {
			continue
		}
		if data, ok := byKey[string(key)]; ok {
			return xrpl.RawObject{Key: key, Data: data}, nil
		}
	}
	return xrpl.RawObject{}, errs.New(errs.KindNotFound)
}

func (b *memoryBackend) LedgerRange(_ context.Context) (uint32, uint32, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lo, b.hi, nil
}
