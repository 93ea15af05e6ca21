package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bvandewe/tools-provider-sub004/internal/observability"
	"github.com/bvandewe/tools-provider-sub004/pkg/protocol"
	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// ConnectParams carries the identifiers a client presents at handshake time.
type ConnectParams struct {
	UserID         string
	ConversationID string
	DefinitionID   string
}

// OnConnectFunc is invoked after the handshake completes and the connection
// is Open. The orchestrator uses it to bind a conversation/session and to
// kick off templated or proactive flows.
type OnConnectFunc func(ctx context.Context, conn *Connection, params ConnectParams) error

// OnDisconnectFunc is invoked after a connection leaves the registry.
type OnDisconnectFunc func(conn *Connection)

// Config holds server configuration.
type Config struct {
	Addr              string
	HeartbeatInterval time.Duration
	IdleAfter         time.Duration
	Logger            zerolog.Logger
}

// Server terminates WebSocket connections and runs the per-connection
// cooperative task: one read loop per connection, messages processed
// strictly in arrival order.
type Server struct {
	addr         string
	upgrader     websocket.Upgrader
	registry     *Registry
	router       *Router
	heartbeat    *HeartbeatMonitor
	onConnect    OnConnectFunc
	onDisconnect OnDisconnectFunc
	logger       zerolog.Logger

	server       *http.Server
	baseCtx      context.Context
	baseCancel   context.CancelFunc
	shutdownMu   sync.RWMutex
	shuttingDown bool
	readLoops    sync.WaitGroup
}

// NewServer creates a gateway server around an externally wired registry
// and router.
func NewServer(cfg Config, registry *Registry, router *Router) (*Server, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if router == nil {
		return nil, fmt.Errorf("router is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:       cfg.Addr,
		registry:   registry,
		router:     router,
		heartbeat:  NewHeartbeatMonitor(cfg.HeartbeatInterval, cfg.IdleAfter, cfg.Logger),
		logger:     cfg.Logger,
		baseCtx:    ctx,
		baseCancel: cancel,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

// SetOnConnect installs the handshake callback. Must be called before Start.
func (s *Server) SetOnConnect(f OnConnectFunc) { s.onConnect = f }

// SetOnDisconnect installs the disconnect callback. Must be called before Start.
func (s *Server) SetOnDisconnect(f OnDisconnectFunc) { s.onDisconnect = f }

// Router returns the message router for handler registration.
func (s *Server) Router() *Router { return s.router }

// Registry returns the connection registry.
func (s *Server) Registry() *Registry { return s.registry }

// Start begins serving. It does not block.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	s.server = &http.Server{Addr: s.addr, Handler: mux}

	s.logger.Info().Str("addr", s.addr).Msg("Starting gateway server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Stop drains read loops and shuts the listener down.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.shuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")
	s.baseCancel()

	for _, conn := range s.registry.All() {
		conn.TransitionTo(StateClosing)
		conn.TransitionTo(StateClosed)
		_ = conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.readLoops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, abandoning read loops")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.shuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	connID, _ := gonanoid.New()
	conn := NewConnection(connID, sock)
	conn.UserID = r.URL.Query().Get("user_id")

	params := ConnectParams{
		UserID:         conn.UserID,
		ConversationID: r.URL.Query().Get("conversation_id"),
		DefinitionID:   r.URL.Query().Get("definition_id"),
	}

	s.registry.Add(conn)
	observability.IncActiveConnections()

	if !conn.TransitionTo(StateOpen) {
		s.teardown(conn)
		return
	}

	established := protocol.MustNewMessage(protocol.TypeConnectionEstablished, protocol.ConnectionEstablishedPayload{
		ConnectionID:   conn.ID,
		ConversationID: params.ConversationID,
	})
	if err := conn.Send(established); err != nil {
		s.logger.Error().Err(err).Str("connection_id", conn.ID).Msg("Failed to send connection.established")
		s.teardown(conn)
		return
	}

	s.logger.Info().
		Str("connection_id", conn.ID).
		Str("ip", r.RemoteAddr).
		Str("conversation_id", params.ConversationID).
		Msg("Client connected")

	if s.onConnect != nil {
		if err := s.onConnect(s.baseCtx, conn, params); err != nil {
			s.logger.Error().Err(err).Str("connection_id", conn.ID).Msg("Connect hook failed")
			errMsg := protocol.MustNewMessage(protocol.TypeConnectionError, protocol.ConnectionErrorPayload{
				Code:    "connect_failed",
				Message: err.Error(),
			})
			_ = conn.Send(errMsg)
			s.teardown(conn)
			return
		}
	}

	go s.heartbeat.Watch(s.baseCtx, conn)

	s.readLoops.Add(1)
	go s.readLoop(conn, sock)
}

// readLoop is the connection's single cooperative task: it dispatches
// messages strictly in arrival order. Agent turns run on their own goroutine
// behind the per-conversation run slot, so a long turn never blocks the
// connection's control traffic.
func (s *Server) readLoop(conn *Connection, sock *websocket.Conn) {
	defer s.readLoops.Done()
	defer s.teardown(conn)

	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("connection_id", conn.ID).Msg("WebSocket error")
			}
			return
		}

		s.router.Dispatch(s.baseCtx, conn, data)

		if conn.State() == StateClosed {
			return
		}
	}
}

func (s *Server) teardown(conn *Connection) {
	conn.TransitionTo(StateClosing)
	conn.TransitionTo(StateClosed)
	_ = conn.Close()
	s.registry.Remove(conn.ID)
	observability.DecActiveConnections()
	if s.onDisconnect != nil {
		s.onDisconnect(conn)
	}
	s.logger.Info().Str("connection_id", conn.ID).Msg("Client disconnected")
}
