package transport

import (
	"context"

	"github.com/rmacdonaldsmith/meshrouter/pkg/address"
	"github.com/rmacdonaldsmith/meshrouter/pkg/message"
)

// Stub sends messages to a single destination address.
type Stub interface {
	// Transmit hands msg to the transport. It may block for the duration of
	// one send attempt and is always called from a router worker.
	Transmit(ctx context.Context, msg *message.Message) error

	// Close releases the stub's resources. A closed stub may reconnect on the
	// next Transmit.
	Close() error
}

// StubConstructor builds the stub for an address of the kind it was registered for.
type StubConstructor func(addr address.Address) (Stub, error)

// StubFactory hands out cached stubs per destination address.
type StubFactory interface {
	// Get returns the stub for addr, creating it on first use.
	Get(addr address.Address) (Stub, error)

	// Supports reports whether a constructor is registered for kind.
	Supports(kind address.Kind) bool

	// Shutdown closes every cached stub; clear also forgets them.
	Shutdown(clear bool)
}

// Receiver accepts inbound messages from skeletons.
type Receiver interface {
	RouteIn(ctx context.Context, msg *message.Message) error
}

// Skeleton receives messages from one transport and passes them to a Receiver.
type Skeleton interface {
	// Start begins listening. It returns once the skeleton is ready.
	Start(ctx context.Context) error

	// Close stops listening. Close is idempotent.
	Close() error
}

// SkeletonConstructor builds a skeleton delivering to receiver.
type SkeletonConstructor func(receiver Receiver) (Skeleton, error)

// MulticastSubscriber is implemented by skeletons that must subscribe on the
// transport before multicasts from a remote provider reach this node.
type MulticastSubscriber interface {
	SubscribeMulticast(ctx context.Context, multicastID string) error
	UnsubscribeMulticast(ctx context.Context, multicastID string) error
}

// MulticastAddressCalculator derives the transport address a multicast is
// published to from the multicast itself.
type MulticastAddressCalculator interface {
	// Supports reports whether the calculator applies to msg, typically only
	// to multicasts that did not arrive from a global transport.
	Supports(msg *message.Message) bool

	// Calculate returns the address to publish msg to, if any.
	Calculate(msg *message.Message) (address.Address, bool)
}
