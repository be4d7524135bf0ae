// Package transport implements the downstream client-facing interface
// (spec §6): a WebSocket listener that decodes JSON-RPC frames, routes
// them through the rpc.Dispatcher, and gives each connection's lifetime
// a feed.Handle so its subscriptions die with the socket.
package transport

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mDuo13/clio/internal/feed"
	"github.com/mDuo13/clio/internal/logging"
	"github.com/mDuo13/clio/internal/rpc"
	"github.com/mDuo13/clio/internal/xrpl"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server owns the listener and the dispatcher it routes requests to.
type Server struct {
	logger     *logging.ComponentLogger
	dispatcher *rpc.Dispatcher
}

// NewServer builds a transport Server over an already-wired dispatcher.
func NewServer(dispatcher *rpc.Dispatcher) *Server {
	return &Server{
		logger:     logging.NewComponentLogger("transport"),
		dispatcher: dispatcher,
	}
}

// ServeHTTP upgrades to a WebSocket connection and serves JSON-RPC
// requests on it until the client disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	clientIP := r.Header.Get("X-Forwarded-For")
	if clientIP == "" {
		clientIP = r.RemoteAddr
	}
	xUser := xrpl.UserNormal

	sub := &connSubscriber{conn: conn, apiVersion: 1}
	handle := feed.NewHandle(sub)
	// The connection goroutine keeps handle alive for as long as it's
	// reading; once this function returns, handle becomes unreachable and
	// every feed it was on prunes it lazily on next publish (spec §9).

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var req xrpl.JSONRPCRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			writeError(conn, "Unknown command: ")
			continue
		}
		if v, ok := apiVersionOf(raw); ok {
			sub.apiVersion = v
		}

		resp, err := s.dispatcher.Dispatch(r.Context(), req, clientIP, xUser, handle)
		if err != nil {
			writeError(conn, err.Error())
			continue
		}
		_ = conn.WriteMessage(websocket.TextMessage, resp.Result)
	}
}

func writeError(conn *websocket.Conn, msg string) {
	body, _ := json.Marshal(map[string]string{"error": msg})
	_ = conn.WriteMessage(websocket.TextMessage, body)
}

func apiVersionOf(raw []byte) (int, bool) {
	var probe struct {
		APIVersion int `json:"api_version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.APIVersion == 0 {
		return 0, false
	}
	return probe.APIVersion, true
}

// connSubscriber adapts a live WebSocket connection to feed.Subscriber.
type connSubscriber struct {
	conn       *websocket.Conn
	apiVersion int
}

func (c *connSubscriber) Send(message []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, message)
}

func (c *connSubscriber) APIVersion() int { return c.apiVersion }
