package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/meshrouter/pkg/address"
	"github.com/rmacdonaldsmith/meshrouter/pkg/message"
	"github.com/rmacdonaldsmith/meshrouter/pkg/transport"
)

// ClientConfig configures outbound WebSocket connections.
type ClientConfig struct {
	// ClientID is announced to every server we connect to
	ClientID string

	// Parent is dialed on Start when set; libraries use it for their controller
	Parent *address.Address

	// HandshakeTimeout bounds the WebSocket opening handshake
	HandshakeTimeout time.Duration
}

// SetDefaults fills zero values.
func (c *ClientConfig) SetDefaults() {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
}

// Validate checks the client id and parent address.
func (c *ClientConfig) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("client id cannot be empty")
	}
	if c.Parent != nil {
		if c.Parent.Kind != address.KindWebSocket {
			return fmt.Errorf("parent must be a websocket address, got %s", c.Parent.Kind)
		}
		if err := c.Parent.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Client dials WebSocket servers, keeping one connection per server address.
// Envelopes arriving on those connections come from upstream and are marked
// as received from global.
type Client struct {
	cfg    ClientConfig
	logger zerolog.Logger
	dialer websocket.Dialer

	mu       sync.Mutex
	receiver transport.Receiver
	conns    map[address.Address]*connection
	closed   bool
}

// NewClient creates a client; nothing is dialed until needed.
func NewClient(cfg ClientConfig, logger zerolog.Logger) (*Client, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: websocket client: %v", transport.ErrConfiguration, err)
	}
	return &Client{
		cfg:    cfg,
		logger: logger,
		dialer: websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		conns:  make(map[address.Address]*connection),
	}, nil
}

// OwnAddress returns the address servers know this client by.
func (c *Client) OwnAddress() address.Address {
	return address.WebSocketClient(c.cfg.ClientID)
}

// SkeletonConstructor binds the client to the router as its skeleton.
func (c *Client) SkeletonConstructor() transport.SkeletonConstructor {
	return func(receiver transport.Receiver) (transport.Skeleton, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.receiver = receiver
		return c, nil
	}
}

// StubConstructor returns the constructor for stubs to WebSocket servers.
func (c *Client) StubConstructor() transport.StubConstructor {
	return func(addr address.Address) (transport.Stub, error) {
		if addr.Kind != address.KindWebSocket {
			return nil, fmt.Errorf("%w: websocket stub for %s", transport.ErrConfiguration, addr.Kind)
		}
		return &serverStub{client: c, addr: addr}, nil
	}
}

// Start dials the parent, if configured.
func (c *Client) Start(ctx context.Context) error {
	if c.cfg.Parent == nil {
		return nil
	}
	if _, err := c.connect(ctx, *c.cfg.Parent); err != nil {
		return fmt.Errorf("failed to connect to parent %s: %w", c.cfg.Parent, err)
	}
	return nil
}

// connect returns a live connection to addr, dialing when there is none.
func (c *Client) connect(ctx context.Context, addr address.Address) (*connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, transport.ErrClosed
	}
	if existing, ok := c.conns[addr]; ok && existing.alive() {
		return existing, nil
	}

	conn, _, err := c.dialer.DialContext(ctx, addr.URL(), nil)
	if err != nil {
		return nil, err
	}

	announcement, err := json.Marshal(c.OwnAddress())
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(WriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, announcement); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to announce client address: %w", err)
	}

	logger := c.logger.With().Stringer("server", addr).Logger()
	receiver := c.receiver
	wc := newConnection(conn, func(data []byte) {
		deliverFrame(context.Background(), receiver, data, true, logger)
	}, logger)
	c.conns[addr] = wc
	logger.Info().Msg("connected to websocket server")
	return wc, nil
}

func (c *Client) disconnect(addr address.Address) {
	c.mu.Lock()
	wc, ok := c.conns[addr]
	delete(c.conns, addr)
	c.mu.Unlock()
	if ok {
		wc.close()
	}
}

// Close disconnects from every server. Close is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conns := c.conns
	c.conns = make(map[address.Address]*connection)
	c.mu.Unlock()

	for _, wc := range conns {
		wc.close()
	}
	return nil
}

// serverStub sends to a WebSocket server.
type serverStub struct {
	client *Client
	addr   address.Address
}

// Transmit dials on demand; dial failures are transient.
func (s *serverStub) Transmit(ctx context.Context, msg *message.Message) error {
	wc, err := s.client.connect(ctx, s.addr)
	if err != nil {
		return transport.Delay(fmt.Errorf("failed to connect to %s: %w", s.addr, err), 0)
	}
	return wc.write(ctx, msg.Bytes())
}

// Close drops the connection; the next Transmit redials.
func (s *serverStub) Close() error {
	s.client.disconnect(s.addr)
	return nil
}

// Verify Client and serverStub implement the transport interfaces at compile time
var (
	_ transport.Skeleton = (*Client)(nil)
	_ transport.Stub     = (*serverStub)(nil)
)
