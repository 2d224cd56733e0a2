package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/halte/internal/observability"
	"github.com/harun/halte/internal/tracing"
	"github.com/harun/halte/pkg/agent"
	"github.com/harun/halte/pkg/livestate"
	"github.com/harun/halte/pkg/session"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const maxRequestBytes = 64 << 10

// TurnHandler is the conversational core served over chat.* methods.
type TurnHandler interface {
	HandleTurn(ctx context.Context, userID, text string, location *session.Location) agent.TurnResult
	ResetSession(ctx context.Context, userID string) error
	Status(userID string) session.Summary
}

// LiveState is the bus tracker served over bus.* and routes.* methods.
type LiveState interface {
	UpdatePosition(p livestate.BusPosition) error
	ActiveBuses() []livestate.BusPosition
	Routes() []livestate.Route
	Subscribe(l livestate.PositionListener) func()
}

// Config holds server configuration
type Config struct {
	Address string
	Turns   TurnHandler
	// Live is optional; bus methods are not registered without it.
	Live LiveState

	RateLimit      float64
	RateBurst      int
	MaxConcurrent  int
	AllowedOrigins []string

	Logger *zerolog.Logger
}

// Server is the HTTP and websocket JSON-RPC gateway.
type Server struct {
	address  string
	turns    TurnHandler
	live     LiveState
	upgrader websocket.Upgrader
	router   *RPCRouter
	clients  *ClientRegistry
	logger   zerolog.Logger

	broadcaster *EventBroadcaster
	unsubscribe func()

	rateLimit     float64
	rateBurst     int
	maxConcurrent int
	httpLimitMu   sync.Mutex
	httpLimiters  map[string]*ClientRateLimiter

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
}

// NewServer creates a new Gateway Server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Turns == nil {
		return nil, fmt.Errorf("turn handler is required")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("component", "gateway").Logger()

	clients := NewClientRegistry()
	s := &Server{
		address:       cfg.Address,
		turns:         cfg.Turns,
		live:          cfg.Live,
		router:        NewRPCRouter(),
		clients:       clients,
		logger:        logger,
		broadcaster:   NewEventBroadcaster(clients, logger),
		rateLimit:     cfg.RateLimit,
		rateBurst:     cfg.RateBurst,
		maxConcurrent: cfg.MaxConcurrent,
		httpLimiters:  make(map[string]*ClientRateLimiter),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: originChecker(cfg.AllowedOrigins)}

	s.registerBuiltinMethods()

	if s.live != nil {
		s.unsubscribe = s.live.Subscribe(func(p livestate.BusPosition) {
			s.broadcaster.BroadcastPosition(p)
		})
	}

	return s, nil
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimRight(o, "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[strings.TrimRight(origin, "/")]
	}
}

func (s *Server) newLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(s.rateLimit, s.rateBurst, s.maxConcurrent)
}

// Handler returns the gateway's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	s.logger.Info().Str("address", listener.Addr().String()).Msg("Starting Gateway Server")

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("gateway server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx, srv)
}

// Shutdown stops accepting work, waits for in-flight requests and closes
// every client. srv may be nil when the handler is mounted elsewhere.
func (s *Server) Shutdown(ctx context.Context, srv *http.Server) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down Gateway Server")

	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.broadcaster.Broadcast(EventShutdown, map[string]interface{}{
		"message": "Server is shutting down",
	})

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, client := range s.clients.GetAll() {
		client.Conn.Close()
	}

	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	s.logger.Info().Msg("Gateway Server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.shuttingDown() {
		status = "shutting_down"
		code = http.StatusServiceUnavailable
	}

	body := map[string]interface{}{
		"status":  status,
		"clients": s.clients.Count(),
		"methods": s.router.GetMethods(),
	}
	if s.live != nil {
		body["activeBuses"] = len(s.live.ActiveBuses())
		body["routes"] = len(s.live.Routes())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}
	conn.SetReadLimit(maxRequestBytes)

	clientID, err := gonanoid.New()
	if err != nil {
		clientID = tracing.NewTraceID()
	}
	now := time.Now()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    r.RemoteAddr,
		RateLimiter:  s.newLimiter(),
	}
	s.clients.Add(client)

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	hello := EventMessage{
		Type:      "event",
		Event:     EventConnected,
		Data:      map[string]interface{}{"clientId": clientID},
		Timestamp: now.UnixMilli(),
	}
	if err := client.WriteJSON(hello); err != nil {
		s.logger.Error().Err(err).Str("clientId", clientID).Msg("Failed to greet client")
		conn.Close()
		s.clients.Remove(clientID)
		return
	}

	go s.handleClient(client)
}

// handleClient handles messages from a client
func (s *Server) handleClient(client *Client) {
	defer func() {
		client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		s.clients.UpdateActivity(client.ID)
		s.handleMessage(client, message)
	}
}

// handleMessage handles a single message from a client
func (s *Server) handleMessage(client *Client, message []byte) {
	req, err := s.router.ParseRequest(message)
	if err != nil {
		s.sendError(client, "", err)
		return
	}

	allowed, reason := client.RateLimiter.CheckRequestAllowed()
	if !allowed {
		s.sendError(client, req.ID, limitError(reason))
		return
	}

	client.RateLimiter.RecordRequestStart()
	s.inFlightReqs.Add(1)

	go func() {
		defer client.RateLimiter.RecordRequestEnd()
		defer s.inFlightReqs.Done()

		ctx := withClientID(tracing.NewRequestContext(context.Background()), client.ID)
		response := s.router.RouteRequest(ctx, req)
		if err := client.WriteJSON(response); err != nil {
			s.logger.Error().
				Err(err).
				Str("clientId", client.ID).
				Str("requestId", req.ID).
				Msg("Failed to send response")
		}
	}()
}

func limitError(reason string) *RPCError {
	code := RateLimitExceeded
	if reason == "too many concurrent requests" {
		code = TooManyConcurrent
	}
	return &RPCError{Code: code, Message: reason}
}

func (s *Server) httpLimiter(r *http.Request) *ClientRateLimiter {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	s.httpLimitMu.Lock()
	defer s.httpLimitMu.Unlock()

	l, ok := s.httpLimiters[host]
	if !ok {
		l = s.newLimiter()
		s.httpLimiters[host] = l
	}
	return l
}

// handleRPC handles single-shot HTTP JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	req, err := s.router.ParseRequest(body)
	if err != nil {
		writeRPC(w, http.StatusBadRequest, errorResponse("", err))
		return
	}

	limiter := s.httpLimiter(r)
	if allowed, reason := limiter.CheckRequestAllowed(); !allowed {
		writeRPC(w, http.StatusTooManyRequests, errorResponse(req.ID, limitError(reason)))
		return
	}
	limiter.RecordRequestStart()
	defer limiter.RecordRequestEnd()

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	ctx := tracing.NewRequestContext(r.Context())
	if traceID := r.Header.Get("X-Trace-Id"); traceID != "" {
		ctx = tracing.WithTraceID(ctx, traceID)
	}
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("rpc_id", req.ID).
		Str("method", req.Method).
		Msg("Gateway received HTTP RPC request")

	writeRPC(w, http.StatusOK, s.router.RouteRequest(ctx, req))
}

func writeRPC(w http.ResponseWriter, status int, resp *RPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func errorResponse(id string, err error) *RPCResponse {
	rpcErr := &RPCError{Code: ParseError, Message: err.Error()}
	var typed *RPCError
	if errors.As(err, &typed) {
		rpcErr = typed
	}
	return &RPCResponse{ID: id, JSONRPC: "2.0", Error: rpcErr}
}

// sendError sends an error response to a client
func (s *Server) sendError(client *Client, requestID string, err error) {
	if err := client.WriteJSON(errorResponse(requestID, err)); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID).
			Msg("Failed to send error response")
	}
}

// Broadcast sends an event to every connected client.
func (s *Server) Broadcast(event string, data interface{}) Delivery {
	return s.broadcaster.Broadcast(event, data)
}

// RegisterMethod registers an RPC method handler
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}
