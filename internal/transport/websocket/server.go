package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/meshrouter/pkg/address"
	"github.com/rmacdonaldsmith/meshrouter/pkg/message"
	"github.com/rmacdonaldsmith/meshrouter/pkg/transport"
)

// ErrClientNotConnected is returned when a WebSocketClient address has no live connection.
var ErrClientNotConnected = errors.New("websocket client not connected")

// ServerConfig configures the controller side WebSocket endpoint.
type ServerConfig struct {
	// ListenAddr is the host:port to listen on
	ListenAddr string

	// Path is the HTTP path upgraded to WebSocket
	Path string

	// HandshakeTimeout bounds the wait for the client's address announcement
	HandshakeTimeout time.Duration

	// AdvertisedHost is the host peers dial; defaults to the listen host
	AdvertisedHost string

	// Protocol is "ws" or "wss"
	Protocol string
}

// SetDefaults fills zero values.
func (c *ServerConfig) SetDefaults() {
	if c.Path == "" {
		c.Path = "/"
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.Protocol == "" {
		c.Protocol = "ws"
	}
}

// Validate checks the listen address.
func (c *ServerConfig) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.ListenAddr, err)
	}
	if c.Protocol != "ws" && c.Protocol != "wss" {
		return fmt.Errorf("invalid protocol %q", c.Protocol)
	}
	return nil
}

// Server accepts library connections and routes their envelopes.
type Server struct {
	cfg      ServerConfig
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu         sync.RWMutex
	receiver   transport.Receiver
	clients    map[string]*connection
	httpServer *http.Server
	listener   net.Listener
	started    bool
	closed     bool
}

// NewServer creates a server; it does not listen until Start.
func NewServer(cfg ServerConfig, logger zerolog.Logger) (*Server, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: websocket server: %v", transport.ErrConfiguration, err)
	}
	return &Server{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// libraries are not browsers; origin checks do not apply
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*connection),
	}, nil
}

// SkeletonConstructor binds the server to the router as its skeleton.
func (s *Server) SkeletonConstructor() transport.SkeletonConstructor {
	return func(receiver transport.Receiver) (transport.Skeleton, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.receiver = receiver
		return s, nil
	}
}

// StubConstructor returns the constructor for stubs to connected clients.
func (s *Server) StubConstructor() transport.StubConstructor {
	return func(addr address.Address) (transport.Stub, error) {
		if addr.Kind != address.KindWebSocketClient {
			return nil, fmt.Errorf("%w: websocket client stub for %s", transport.ErrConfiguration, addr.Kind)
		}
		return &clientStub{server: s, id: addr.ID}, nil
	}
}

// Start listens and serves upgrades in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return transport.ErrClosed
	}
	if s.started {
		return nil
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleUpgrade)
	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: s.cfg.HandshakeTimeout}
	s.listener = listener
	s.started = true

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("websocket server stopped")
		}
	}()

	s.logger.Info().Str("addr", listener.Addr().String()).Str("path", s.cfg.Path).Msg("websocket server listening")
	return nil
}

// Addr returns the bound listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listenerAddr()
}

// OwnAddress returns the WebSocket address this server is reached at. Once
// listening, the bound port replaces a configured port of 0.
func (s *Server) OwnAddress() address.Address {
	host, portStr, _ := net.SplitHostPort(s.cfg.ListenAddr)
	port, _ := strconv.Atoi(portStr)

	s.mu.RLock()
	if tcp, ok := s.listenerAddr().(*net.TCPAddr); ok {
		port = tcp.Port
	}
	s.mu.RUnlock()

	switch {
	case s.cfg.AdvertisedHost != "":
		host = s.cfg.AdvertisedHost
	case host == "":
		host = "localhost"
	}
	return address.WebSocket(s.cfg.Protocol, host, port, s.cfg.Path)
}

func (s *Server) listenerAddr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnectedClients returns the ids of connected clients.
func (s *Server) ConnectedClients() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	return ids
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	id, err := readAnnouncement(conn, s.cfg.HandshakeTimeout)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("rejecting websocket client")
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()), time.Now().Add(WriteWait))
		conn.Close()
		return
	}

	logger := s.logger.With().Str("clientId", id).Logger()
	c := newConnection(conn, func(data []byte) { s.handleFrame(id, data) }, logger)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.close()
		return
	}
	previous := s.clients[id]
	s.clients[id] = c
	s.mu.Unlock()

	if previous != nil {
		previous.close()
	}
	logger.Info().Str("remote", r.RemoteAddr).Msg("websocket client connected")

	go func() {
		<-c.dead()
		s.mu.Lock()
		if s.clients[id] == c {
			delete(s.clients, id)
		}
		s.mu.Unlock()
		logger.Info().Msg("websocket client disconnected")
	}()
}

// readAnnouncement reads the client's WebSocketClient address from the first frame.
func readAnnouncement(conn *websocket.Conn, timeout time.Duration) (string, error) {
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	kind, data, err := conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("no address announcement: %w", err)
	}
	if kind != websocket.TextMessage {
		return "", fmt.Errorf("address announcement must be a text frame")
	}
	var addr address.Address
	if err := json.Unmarshal(data, &addr); err != nil {
		return "", fmt.Errorf("invalid address announcement: %w", err)
	}
	if addr.Kind != address.KindWebSocketClient {
		return "", fmt.Errorf("announced %s address, want %s", addr.Kind, address.KindWebSocketClient)
	}
	return addr.ID, nil
}

func (s *Server) handleFrame(clientID string, data []byte) {
	s.mu.RLock()
	receiver := s.receiver
	s.mu.RUnlock()
	deliverFrame(context.Background(), receiver, data, false, s.logger.With().Str("clientId", clientID).Logger())
}

func (s *Server) client(id string) (*connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	return c, ok && c.alive()
}

// Close stops listening and disconnects every client. Close is idempotent.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	clients := s.clients
	s.clients = make(map[string]*connection)
	httpServer := s.httpServer
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), WriteWait)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop websocket server: %w", err)
		}
	}
	return nil
}

// clientStub sends to a library connected to our server.
type clientStub struct {
	server *Server
	id     string
}

// Transmit fails transiently while the client is not connected; it may reconnect.
func (s *clientStub) Transmit(ctx context.Context, msg *message.Message) error {
	c, ok := s.server.client(s.id)
	if !ok {
		return transport.Delay(fmt.Errorf("%w: %s", ErrClientNotConnected, s.id), 0)
	}
	return c.write(ctx, msg.Bytes())
}

// Close is a no-op; the connection belongs to the client.
func (s *clientStub) Close() error { return nil }

// deliverFrame splits a frame into envelopes and routes each of them.
func deliverFrame(ctx context.Context, receiver transport.Receiver, data []byte, fromGlobal bool, logger zerolog.Logger) {
	if receiver == nil {
		logger.Error().Msg("dropping frame: no receiver bound")
		return
	}
	messages, err := message.Split(data)
	if err != nil {
		logger.Error().Err(err).Int("parsed", len(messages)).Msg("malformed frame, remaining envelopes dropped")
	}
	for _, msg := range messages {
		if fromGlobal {
			msg = msg.WithReceivedFromGlobal(true)
		}
		if err := receiver.RouteIn(ctx, msg); err != nil {
			logger.Warn().Err(err).Object("msg", msg).Msg("failed to route inbound message")
		}
	}
}

// Verify Server and clientStub implement the transport interfaces at compile time
var (
	_ transport.Skeleton = (*Server)(nil)
	_ transport.Stub     = (*clientStub)(nil)
)
