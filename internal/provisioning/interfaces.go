// Package provisioning supplies the sticky routing entries a node is
// configured with, so that well known participants stay reachable regardless
// of what is learned at runtime.
package provisioning

import (
	"context"

	"github.com/rmacdonaldsmith/meshrouter/pkg/address"
)

// Entry is one provisioned next hop.
type Entry struct {
	ParticipantID   string          `yaml:"participantId"`
	Address         address.Address `yaml:"address"`
	GloballyVisible bool            `yaml:"globallyVisible"`
}

// Source defines the interface for provisioning mechanisms
type Source interface {
	// Entries returns the provisioned next hops
	Entries(ctx context.Context) ([]Entry, error)
}

// NextHopAdder is the part of the router provisioning writes to.
type NextHopAdder interface {
	AddProvisionedNextHop(participantID string, addr address.Address, isGloballyVisible bool) bool
}
