// Package inprocess delivers messages between the router and dispatchers
// living in the same process.
package inprocess

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rmacdonaldsmith/meshrouter/pkg/address"
	"github.com/rmacdonaldsmith/meshrouter/pkg/message"
	"github.com/rmacdonaldsmith/meshrouter/pkg/transport"
)

// ErrNoReceiver is returned when no handler is registered under an address name.
var ErrNoReceiver = errors.New("no in-process receiver")

// Handler consumes a message addressed to an in-process receiver.
type Handler func(ctx context.Context, msg *message.Message) error

// Hub maps in-process address names to handlers.
type Hub struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{handlers: make(map[string]Handler)}
}

// Register binds name to handler and returns the address to route to it.
func (h *Hub) Register(name string, handler Handler) (address.Address, error) {
	addr := address.InProcess(name)
	if err := addr.Validate(); err != nil {
		return address.Address{}, err
	}
	if handler == nil {
		return address.Address{}, fmt.Errorf("handler for %q cannot be nil", name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[name] = handler
	return addr, nil
}

// Unregister removes the handler bound to name.
func (h *Hub) Unregister(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.handlers, name)
}

// Deliver passes msg to the handler bound to name.
func (h *Hub) Deliver(ctx context.Context, name string, msg *message.Message) error {
	h.mu.RLock()
	handler, ok := h.handlers[name]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoReceiver, name)
	}
	return handler(ctx, msg)
}

// NewStubConstructor returns the constructor for in-process stubs.
func (h *Hub) NewStubConstructor() transport.StubConstructor {
	return func(addr address.Address) (transport.Stub, error) {
		if addr.Kind != address.KindInProcess {
			return nil, fmt.Errorf("%w: in-process stub for %s", transport.ErrConfiguration, addr.Kind)
		}
		return &Stub{hub: h, name: addr.Name}, nil
	}
}

// NewSkeletonConstructor returns the constructor for the in-process skeleton.
func (h *Hub) NewSkeletonConstructor() transport.SkeletonConstructor {
	return func(receiver transport.Receiver) (transport.Skeleton, error) {
		return &Skeleton{receiver: receiver}, nil
	}
}

// Stub hands messages to a handler of the hub.
type Stub struct {
	hub  *Hub
	name string
}

// Transmit delivers synchronously. A missing handler is a transient failure
// since dispatchers may register after their route was announced.
func (s *Stub) Transmit(ctx context.Context, msg *message.Message) error {
	return s.hub.Deliver(ctx, s.name, msg)
}

// Close is a no-op.
func (s *Stub) Close() error { return nil }

// Skeleton is how local dispatchers hand outbound messages to the router.
type Skeleton struct {
	mu       sync.RWMutex
	receiver transport.Receiver
	closed   bool
}

// Start is a no-op; the skeleton is ready once created.
func (s *Skeleton) Start(ctx context.Context) error { return nil }

// Send routes a locally produced message.
func (s *Skeleton) Send(ctx context.Context, msg *message.Message) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return transport.ErrClosed
	}
	return s.receiver.RouteIn(ctx, msg)
}

// Close stops accepting messages. Close is idempotent.
func (s *Skeleton) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Verify types implement the transport interfaces at compile time
var (
	_ transport.Stub     = (*Stub)(nil)
	_ transport.Skeleton = (*Skeleton)(nil)
)
