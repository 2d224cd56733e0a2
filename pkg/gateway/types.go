package gateway

import (
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RPCRequest represents a JSON-RPC 2.0 request
type RPCRequest struct {
	ID             string                 `json:"id"`
	Method         string                 `json:"method"`
	Params         map[string]interface{} `json:"params,omitempty"`
	JSONRPC        string                 `json:"jsonrpc"`
	IdempotencyKey string                 `json:"idempotencyKey,omitempty"`
}

// RPCResponse represents a JSON-RPC 2.0 response
type RPCResponse struct {
	ID      string      `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	JSONRPC string      `json:"jsonrpc"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	return e.Message
}

// EventMessage is a server-initiated websocket event.
type EventMessage struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	Seq       int64       `json:"seq"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// ClientInfo describes a connected websocket client.
type ClientInfo struct {
	ID           string    `json:"id"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	IPAddress    string    `json:"ipAddress"`
	Idle         bool      `json:"idle"`
}

// RPC error codes
const (
	ParseError        = -32700
	InvalidRequest    = -32600
	MethodNotFound    = -32601
	InvalidParams     = -32602
	InternalError     = -32603
	RateLimitExceeded = -32005
	TooManyConcurrent = -32006
)

// Method names served by the gateway.
const (
	MethodChatSend      = "chat.send"
	MethodChatReset     = "chat.reset"
	MethodSessionStatus = "session.status"
	MethodBusUpdate     = "bus.update"
	MethodBusList       = "bus.list"
	MethodRoutesList    = "routes.list"
	MethodBusWatch      = "bus.watch"

	EventBusPosition = "bus.position"
	EventConnected   = "connected"
	EventShutdown    = "server.shutdown"
)

// Client is a connected websocket client. Writes are serialized because
// responses and broadcasts share the connection.
type Client struct {
	ID           string
	Conn         *websocket.Conn
	ConnectedAt  time.Time
	LastActivity time.Time
	IPAddress    string
	RateLimiter  *ClientRateLimiter

	writeMu sync.Mutex

	watchMu sync.RWMutex
	watch   map[string]bool // lowercased bus ids; empty means every bus
}

// Watch limits bus.position events to the given buses. An empty list
// restores every bus.
func (c *Client) Watch(busIDs []string) {
	watch := make(map[string]bool, len(busIDs))
	for _, id := range busIDs {
		if id = strings.ToLower(strings.TrimSpace(id)); id != "" {
			watch[id] = true
		}
	}

	c.watchMu.Lock()
	c.watch = watch
	c.watchMu.Unlock()
}

// Watches reports whether bus.position events for busID reach this client.
func (c *Client) Watches(busID string) bool {
	c.watchMu.RLock()
	defer c.watchMu.RUnlock()
	return len(c.watch) == 0 || c.watch[strings.ToLower(busID)]
}

// WriteJSON sends one JSON frame.
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.Conn.WriteJSON(v)
}

// WriteMessage sends one raw frame.
func (c *Client) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.Conn.WriteMessage(messageType, data)
}

const writeTimeout = 10 * time.Second
