package router

import (
	"context"

	"github.com/rmacdonaldsmith/meshrouter/pkg/address"
	"github.com/rmacdonaldsmith/meshrouter/pkg/message"
	"github.com/rmacdonaldsmith/meshrouter/pkg/transport"
)

// Router resolves next hops for messages and delivers them.
// All methods are safe for concurrent use.
type Router interface {
	// RouteIn accepts a message received by a transport skeleton.
	transport.Receiver

	// Route accepts an outbound or forwarded message. It returns once the
	// message is queued; delivery happens on router workers.
	Route(ctx context.Context, msg *message.Message) error

	// AddNextHop registers the address of a participant with the default expiry.
	AddNextHop(participantID string, addr address.Address, isGloballyVisible bool) bool

	// AddNextHopWithExpiry registers the address of a participant until expiryDateMs.
	AddNextHopWithExpiry(participantID string, addr address.Address, isGloballyVisible bool, expiryDateMs int64) bool

	// AddProvisionedNextHop registers a sticky entry that never expires.
	AddProvisionedNextHop(participantID string, addr address.Address, isGloballyVisible bool) bool

	// RemoveNextHop forgets the address of a participant.
	RemoveNextHop(participantID string)

	// ResolveNextHop returns the address messages for a participant go to.
	ResolveNextHop(participantID string) (address.Address, bool)

	// AddMulticastReceiver subscribes subscriberID to multicasts of providerID
	// whose id matches multicastID.
	AddMulticastReceiver(ctx context.Context, multicastID, subscriberID, providerID string) error

	// RemoveMulticastReceiver reverses AddMulticastReceiver.
	RemoveMulticastReceiver(ctx context.Context, multicastID, subscriberID, providerID string) error

	// NumberOfRoutedMessages returns how many messages were accepted for routing.
	NumberOfRoutedMessages() int64

	// AddListener registers a state transition observer.
	AddListener(listener Listener)

	// Start restores persisted messages and starts housekeeping.
	Start(ctx context.Context) error

	// Shutdown stops delivery. With clear, routing state and cached stubs are
	// discarded as well.
	Shutdown(ctx context.Context, clear bool) error
}
