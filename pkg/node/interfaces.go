package node

import (
	"context"
	"io"

	"github.com/rmacdonaldsmith/meshrouter/pkg/router"
	"github.com/rmacdonaldsmith/meshrouter/pkg/routingtable"
)

// Node hosts a router and its transports.
type Node interface {
	io.Closer

	// Start brings the router and every configured transport up.
	Start(ctx context.Context) error

	// Stop gracefully shuts the transports and the router down.
	Stop(ctx context.Context) error

	// ID returns the participant id of this node.
	ID() string

	// Role returns the router role of this node.
	Role() router.Role

	// Router returns the hosted router.
	Router() router.Router

	// Routes returns a copy of the routing table.
	Routes() map[string]routingtable.Entry

	// MulticastReceivers returns the registered patterns and their receivers.
	MulticastReceivers() map[string][]string

	// Health returns the overall health status of this node.
	Health(ctx context.Context) (HealthStatus, error)
}

// HealthStatus represents the overall health of a node
type HealthStatus struct {
	// Healthy indicates if the node is functioning properly
	Healthy bool

	// Role is the router role
	Role router.Role

	// RouterRunning is true between Start and Stop
	RouterRunning bool

	// Transports maps each enabled transport kind to whether it is started
	Transports map[string]bool

	// RoutingEntries is the number of routing table entries
	RoutingEntries int

	// MulticastPatterns is the number of registered multicast patterns
	MulticastPatterns int

	// ConnectedClients is the number of libraries connected over WebSocket
	ConnectedClients int

	// RoutedMessages is the number of messages accepted by the router
	RoutedMessages int64

	// Message provides additional health information
	Message string
}
