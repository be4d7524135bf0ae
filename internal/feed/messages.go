package feed

import "encoding/json"

// LedgerClosedEvent is one validated-ledger header, the payload of the
// ledger feed (spec §4.6 "one precomputed header message").
type LedgerClosedEvent struct {
	LedgerIndex uint32 `json:"ledger_index"`
	LedgerHash  string `json:"ledger_hash"`
	TxnCount    int    `json:"txn_count"`
}

// TransactionEvent is one transaction entering either the validated or
// the proposed stream. Accounts and Books carry the affected parties so
// the engine can fan it out across the right signal maps (spec §4.6).
type TransactionEvent struct {
	Validated   bool
	LedgerIndex uint32
	Hash        string
	EngineResult string
	MetaJSON    json.RawMessage
	TxJSON      json.RawMessage
	Accounts    []string
	Books       []BookKey
}

// BookKey identifies an order book by its base and counter currency pair
// (spec §3 topic "book(base,counter)").
type BookKey struct {
	Base    string
	Counter string
}

// renderedMessage holds the two API-version renderings produced once per
// pub and shared by reference across every matching slot (spec §3
// TransactionEvent, §4.6 "Both renderings are produced once per pub").
type renderedMessage struct {
	v1 []byte
	v2 []byte
}

func (r renderedMessage) forVersion(apiVersion int) []byte {
	if apiVersion >= 2 && r.v2 != nil {
		return r.v2
	}
	return r.v1
}

// txStreamShape is the wire shape of one transaction-stream message. v1
// and v2 differ only in field naming conventions, matching the kind of
// divergence XRPL's api_version migrations generally introduce.
type txStreamShape struct {
	Type         string          `json:"type"`
	Validated    bool            `json:"validated"`
	LedgerIndex  uint32          `json:"ledger_index"`
	EngineResult string          `json:"engine_result,omitempty"`
	Meta         json.RawMessage `json:"meta,omitempty"`
	Transaction  json.RawMessage `json:"transaction,omitempty"`
	Tx           json.RawMessage `json:"tx_json,omitempty"`
}

func renderTransaction(ev TransactionEvent) renderedMessage {
	// Proposed and validated transactions both arrive as type "transaction";
	// the Validated field is what distinguishes them (spec §4.6, S6).
	v1 := txStreamShape{
		Type:         "transaction",
		Validated:    ev.Validated,
		LedgerIndex:  ev.LedgerIndex,
		EngineResult: ev.EngineResult,
		Meta:         ev.MetaJSON,
		Transaction:  ev.TxJSON,
	}
	v2 := txStreamShape{
		Type:         "transaction",
		Validated:    ev.Validated,
		LedgerIndex:  ev.LedgerIndex,
		EngineResult: ev.EngineResult,
		Meta:         ev.MetaJSON,
		Tx:           ev.TxJSON,
	}

	v1b, _ := json.Marshal(v1)
	v2b, _ := json.Marshal(v2)
	return renderedMessage{v1: v1b, v2: v2b}
}

func renderLedgerClosed(ev LedgerClosedEvent) renderedMessage {
	type shape struct {
		Type string `json:"type"`
		LedgerClosedEvent
	}
	b, _ := json.Marshal(shape{Type: "ledgerClosed", LedgerClosedEvent: ev})
	return renderedMessage{v1: b, v2: b}
}

func renderVerbatim(payload json.RawMessage) renderedMessage {
	return renderedMessage{v1: payload, v2: payload}
}
