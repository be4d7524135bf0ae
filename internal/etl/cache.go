package etl

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/mDuo13/clio/internal/errs"
	"github.com/mDuo13/clio/internal/xrpl"
)

// cacheableMethods is the fixed allow-list of forwarded commands eligible
// for the forwarding cache (spec §4.2): read-only commands whose result is
// a pure function of ledger state. submit and account-session commands are
// deliberately absent.
var cacheableMethods = map[string]bool{
	"account_info":     true,
	"account_lines":    true,
	"account_objects":  true,
	"account_tx":       true,
	"book_offers":      true,
	"gateway_balances": true,
	"ledger":           true,
	"ledger_entry":     true,
	"noripple_check":   true,
	"tx":               true,
}

// cacheableParams is the subset of a forwarded request's params this module
// inspects to decide cacheability; unknown fields are ignored.
type cacheableParams struct {
	LedgerHash  string          `json:"ledger_hash,omitempty"`
	LedgerIndex json.RawMessage `json:"ledger_index,omitempty"`
}

// Cacheable reports whether req may be served from or stored in the
// forwarding cache: the method must be in the fixed allow-list, and carry
// no ledger-specific parameter beyond "validated" or "current" (spec §4.2)
// — a request pinned to a specific historical ledger would otherwise be
// served stale forever once invalidation has moved past it.
func Cacheable(req xrpl.JSONRPCRequest) bool {
	if !cacheableMethods[req.Method] {
		return false
	}

	var params []cacheableParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return false
		}
	}
	for _, p := range params {
		if p.LedgerHash != "" {
			return false
		}
		if len(p.LedgerIndex) == 0 {
			continue
		}
		var shorthand string
		if err := json.Unmarshal(p.LedgerIndex, &shorthand); err != nil {
			return false // numeric ledger index: pinned to a specific ledger
		}
		if shorthand != "validated" && shorthand != "current" {
			return false
		}
	}
	return true
}

// cacheEntry is one compressed, cached forwarded response (spec §4.2).
type cacheEntry struct {
	compressed []byte
	ledgerSeq  uint32
	storedAt   time.Time
}

// ForwardingCache memoizes forwarded command responses by a fingerprint of
// (command, params) so that identical requests arriving close together
// don't each cost a round trip upstream (spec §4.2). Entries are
// compressed with zstd to keep the cache's memory footprint small, evicted
// by recency via an LRU, and invalidated wholesale whenever a newer
// ledger closes than the entries were cached against.
type ForwardingCache struct {
	mu      sync.RWMutex
	entries *lru.Cache[string, cacheEntry]
	ttl     time.Duration

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	maxLedger uint32
}

// NewForwardingCache builds a cache holding up to capacity entries, each
// valid for ttl (spec §4.2's "forwarding cache timeout").
func NewForwardingCache(capacity int, ttl time.Duration) (*ForwardingCache, error) {
	entries, err := lru.New[string, cacheEntry](capacity)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	return &ForwardingCache{entries: entries, ttl: ttl, encoder: enc, decoder: dec}, nil
}

// Get returns the cached response for fingerprint, if present and not
// expired by ttl or invalidated by a later ledger close.
func (c *ForwardingCache) Get(fingerprint string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries.Get(fingerprint)
	if !ok {
		return nil, false
	}
	if time.Since(entry.storedAt) > c.ttl {
		return nil, false
	}
	raw, err := c.decoder.DecodeAll(entry.compressed, nil)
	if err != nil {
		return nil, false
	}
	return raw, true
}

// Put stores raw against fingerprint, tagged with the ledger sequence the
// response reflects (used by Invalidate).
func (c *ForwardingCache) Put(fingerprint string, ledgerSeq uint32, raw []byte) {
	compressed := c.encoder.EncodeAll(raw, nil)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Add(fingerprint, cacheEntry{compressed: compressed, ledgerSeq: ledgerSeq, storedAt: time.Now()})
	if ledgerSeq > c.maxLedger {
		c.maxLedger = ledgerSeq
	}
}

// Invalidate drops every entry cached against a ledger at or before
// upToLedger, called once per newly validated ledger (spec §4.2).
func (c *ForwardingCache) Invalidate(upToLedger uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range c.entries.Keys() {
		entry, ok := c.entries.Peek(key)
		if ok && entry.ledgerSeq <= upToLedger {
			c.entries.Remove(key)
		}
	}
}

// Len reports the number of entries currently cached.
func (c *ForwardingCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries.Len()
}
