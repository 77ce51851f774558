// Package binder carries envelopes between a controller and local
// applications over gRPC on unix domain sockets. Every binder address
// (package name, user id) owns one socket in a shared directory.
package binder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/rmacdonaldsmith/meshrouter/pkg/address"
	"github.com/rmacdonaldsmith/meshrouter/pkg/message"
	"github.com/rmacdonaldsmith/meshrouter/pkg/transport"
)

// Config holds configuration for the binder transport
type Config struct {
	// SocketDir holds one socket per binder address
	SocketDir string

	// PackageName and UserID form our own binder address
	PackageName string
	UserID      int

	// Upstream marks inbound messages as received from global; set it when
	// the peer on the other side is our parent controller
	Upstream bool

	CallTimeout    time.Duration
	MaxMessageSize int
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.SocketDir == "" {
		return errors.New("socket directory cannot be empty")
	}
	if c.PackageName == "" {
		return errors.New("package name cannot be empty")
	}
	if c.UserID < 0 {
		return errors.New("user id cannot be negative")
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4 * 1024 * 1024 // 4MB
	}
}

// SocketPath returns the socket of a binder address inside dir.
func SocketPath(dir string, addr address.Address) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%d.sock", addr.PackageName, addr.UserID))
}

// Transport serves our own binder socket and dials the sockets of others.
type Transport struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	receiver transport.Receiver
	server   *grpc.Server
	listener net.Listener
	conns    map[address.Address]*grpc.ClientConn
	started  bool
	closed   bool
}

// New creates a binder transport.
func New(cfg Config, logger zerolog.Logger) (*Transport, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: binder: %v", transport.ErrConfiguration, err)
	}
	dir, err := filepath.Abs(cfg.SocketDir)
	if err != nil {
		return nil, fmt.Errorf("%w: binder socket dir: %v", transport.ErrConfiguration, err)
	}
	cfg.SocketDir = dir
	return &Transport{
		cfg:    cfg,
		logger: logger,
		conns:  make(map[address.Address]*grpc.ClientConn),
	}, nil
}

// OwnAddress returns the binder address served by this transport.
func (t *Transport) OwnAddress() address.Address {
	return address.Binder(t.cfg.PackageName, t.cfg.UserID)
}

// SkeletonConstructor binds the transport to the router as its skeleton.
func (t *Transport) SkeletonConstructor() transport.SkeletonConstructor {
	return func(receiver transport.Receiver) (transport.Skeleton, error) {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.receiver = receiver
		return t, nil
	}
}

// StubConstructor returns the constructor for stubs to binder addresses.
func (t *Transport) StubConstructor() transport.StubConstructor {
	return func(addr address.Address) (transport.Stub, error) {
		if addr.Kind != address.KindBinder {
			return nil, fmt.Errorf("%w: binder stub for %s", transport.ErrConfiguration, addr.Kind)
		}
		return &Stub{transport: t, addr: addr}, nil
	}
}

// Start listens on our socket.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return transport.ErrClosed
	}
	if t.started {
		return nil
	}

	if err := os.MkdirAll(t.cfg.SocketDir, 0o700); err != nil {
		return fmt.Errorf("failed to create socket dir: %w", err)
	}
	path := SocketPath(t.cfg.SocketDir, t.OwnAddress())
	// a previous process may have left its socket behind
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "unix", path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", path, err)
	}

	server := grpc.NewServer(grpc.MaxRecvMsgSize(t.cfg.MaxMessageSize))
	server.RegisterService(&serviceDesc, &handler{transport: t})
	t.server = server
	t.listener = listener
	t.started = true

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.logger.Error().Err(err).Msg("binder server stopped")
		}
	}()

	t.logger.Info().Str("socket", path).Msg("binder transport listening")
	return nil
}

// Close stops the server and drops every client connection. Close is idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	server, conns := t.server, t.conns
	t.conns = make(map[address.Address]*grpc.ClientConn)
	t.mu.Unlock()

	// in-flight handlers take mu, so stop outside of it
	if server != nil {
		server.GracefulStop()
	}
	var errs []error
	for addr, conn := range conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", addr, err))
		}
	}
	return errors.Join(errs...)
}

func (t *Transport) conn(addr address.Address) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, transport.ErrClosed
	}
	if conn, ok := t.conns[addr]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient("unix://"+SocketPath(t.cfg.SocketDir, addr),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(t.cfg.MaxMessageSize)),
	)
	if err != nil {
		return nil, err
	}
	t.conns[addr] = conn
	return conn, nil
}

func (t *Transport) disconnect(addr address.Address) error {
	t.mu.Lock()
	conn, ok := t.conns[addr]
	delete(t.conns, addr)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.Close()
}

type handler struct {
	transport *Transport
}

// Transmit receives one frame of envelopes from a peer.
func (h *handler) Transmit(ctx context.Context, frame *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	t := h.transport
	t.mu.Lock()
	receiver := t.receiver
	t.mu.Unlock()
	if receiver == nil {
		return nil, status.Error(codes.Unavailable, "no receiver bound")
	}

	messages, err := message.Split(frame.GetValue())
	if err != nil {
		t.logger.Error().Err(err).Int("parsed", len(messages)).Msg("malformed binder frame, remaining envelopes dropped")
		if len(messages) == 0 {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
	}
	for _, msg := range messages {
		if t.cfg.Upstream {
			msg = msg.WithReceivedFromGlobal(true)
		}
		if err := receiver.RouteIn(ctx, msg); err != nil {
			t.logger.Warn().Err(err).Object("msg", msg).Msg("failed to route inbound message")
		}
	}
	return &emptypb.Empty{}, nil
}

// Stub calls Transmit on the socket of one binder address.
type Stub struct {
	transport *Transport
	addr      address.Address
}

// Transmit sends the envelope. Unavailable peers and timeouts are transient;
// a frame the peer cannot parse is permanent.
func (s *Stub) Transmit(ctx context.Context, msg *message.Message) error {
	conn, err := s.transport.conn(s.addr)
	if err != nil {
		return transport.Delay(err, 0)
	}

	ctx, cancel := context.WithTimeout(ctx, s.transport.cfg.CallTimeout)
	defer cancel()

	err = conn.Invoke(ctx, transmitMethod, wrapperspb.Bytes(msg.Bytes()), &emptypb.Empty{})
	switch status.Code(err) {
	case codes.OK:
		return nil
	case codes.InvalidArgument, codes.Unimplemented, codes.PermissionDenied:
		return transport.NotSent(err)
	default:
		return transport.Delay(err, 0)
	}
}

// Close drops the client connection; the next Transmit reconnects.
func (s *Stub) Close() error {
	return s.transport.disconnect(s.addr)
}

// Verify types implement the transport interfaces at compile time
var (
	_ transport.Skeleton = (*Transport)(nil)
	_ transport.Stub     = (*Stub)(nil)
	_ binderServer       = (*handler)(nil)
)
