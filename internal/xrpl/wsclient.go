package xrpl

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Identity values for the X-User header (spec §6).
const (
	UserAdmin = "clio_admin"
	UserNormal = "clio_user"
)

// WSClient is the subset of the upstream's WebSocket JSON-RPC surface a
// Source uses: the validated-ledgers/manifests/validations subscription
// and request forwarding.
type WSClient interface {
	// Subscribe opens the "ledgers","manifests","validations" stream and
	// delivers each ledgerClosed notification to onLedger until ctx is
	// cancelled or the connection drops; other stream messages are skipped.
	Subscribe(ctx context.Context, onLedger func(ValidatedLedger)) error
	// Forward sends a single JSON-RPC request with the given identity
	// headers and returns the raw response.
	Forward(ctx context.Context, req JSONRPCRequest, clientIP, xUser string) (JSONRPCResponse, error)
	Close() error
}

type wsClient struct {
	wsAddr string
	conn   *websocket.Conn
}

// DialWS opens a WebSocket connection to addr for both the subscription
// feed and forwarding, the way a browser client would connect to rippled.
func DialWS(ctx context.Context, addr string) (WSClient, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("xrpl: dialing ws %s: %w", addr, err)
	}
	return &wsClient{wsAddr: addr, conn: conn}, nil
}

type subscribeRequest struct {
	Command string   `json:"command"`
	Streams []string `json:"streams"`
}

type ledgerStreamMessage struct {
	Type             string `json:"type"`
	LedgerIndex      uint32 `json:"ledger_index"`
	LedgerHash       string `json:"ledger_hash"`
	NetworkID        uint32 `json:"network_id,omitempty"`
	ReserveBaseXRP   uint64 `json:"reserve_base_xrp,omitempty"`
	ReserveIncXRP    uint64 `json:"reserve_inc_xrp,omitempty"`
}

// Subscribe issues {"command":"subscribe","streams":["ledgers","manifests","validations"]}
// and decodes each "ledgerClosed" notification into a ValidatedLedger.
func (c *wsClient) Subscribe(ctx context.Context, onLedger func(ValidatedLedger)) error {
	sub := subscribeRequest{Command: "subscribe", Streams: []string{"ledgers", "manifests", "validations"}}
	if err := c.conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("xrpl: sending subscribe: %w", err)
	}

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		_ = c.conn.Close()
		close(done)
	}()

	for {
		var msg ledgerStreamMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-done:
				return ctx.Err()
			default:
				return fmt.Errorf("xrpl: reading ledger stream: %w", err)
			}
		}
		if msg.Type != "ledgerClosed" {
			continue
		}
		vl := ValidatedLedger{Sequence: msg.LedgerIndex, Hash: msg.LedgerHash}
		if msg.NetworkID != 0 {
			vl.ETLState = &ETLState{
				NetworkID:      msg.NetworkID,
				FeeBaseReserve: msg.ReserveBaseXRP,
				FeeBaseInc:     msg.ReserveIncXRP,
			}
		}
		onLedger(vl)
	}
}

// Forward sends req over a dedicated short-lived WebSocket connection
// carrying the X-User and X-Forwarded-For headers (spec §6), honoring
// ctx's deadline (forward timeout is 10s per spec §5).
func (c *wsClient) Forward(ctx context.Context, req JSONRPCRequest, clientIP, xUser string) (JSONRPCResponse, error) {
	header := http.Header{}
	header.Set("X-User", xUser)
	header.Set("X-Forwarded-For", clientIP)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.wsAddr, header)
	if err != nil {
		return JSONRPCResponse{}, fmt.Errorf("xrpl: dialing forward ws: %w", err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if ok {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.SetReadDeadline(deadline)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return JSONRPCResponse{}, fmt.Errorf("xrpl: marshaling forward request: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return JSONRPCResponse{}, fmt.Errorf("xrpl: writing forward request: %w", err)
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return JSONRPCResponse{}, fmt.Errorf("xrpl: reading forward response: %w", err)
	}

	var resp JSONRPCResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return JSONRPCResponse{}, fmt.Errorf("xrpl: decoding forward response: %w", err)
	}
	return resp, nil
}

func (c *wsClient) Close() error {
	return c.conn.Close()
}
