package router

import (
	"fmt"
	"time"

	"github.com/rmacdonaldsmith/meshrouter/pkg/address"
	"github.com/rmacdonaldsmith/meshrouter/pkg/message"
)

// Role selects the routing policy of a router.
type Role string

const (
	// RoleController routes for a cluster controller: it owns the global
	// transports and enforces access control.
	RoleController Role = "controller"

	// RoleLib routes for a library runtime: unknown recipients are forwarded
	// to the parent controller.
	RoleLib Role = "lib"
)

// ParseRole converts a configuration string into a Role.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleController, RoleLib:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown router role %q", s)
}

// State is a step in the lifecycle of a routed message.
type State int

const (
	StateQueued State = iota
	StateSending
	StateDelivered
	StateRetrying
	StateExpired
	StateExhausted
	StateDropped
)

var stateNames = [...]string{
	StateQueued:    "queued",
	StateSending:   "sending",
	StateDelivered: "delivered",
	StateRetrying:  "retrying",
	StateExpired:   "expired",
	StateExhausted: "exhausted",
	StateDropped:   "dropped",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// IsTerminal reports whether no further transitions follow s.
func (s State) IsTerminal() bool {
	switch s {
	case StateDelivered, StateExpired, StateExhausted, StateDropped:
		return true
	}
	return false
}

// Event describes one state transition of a message.
type Event struct {
	MessageID string
	Message   *message.Message
	State     State

	// Destinations still outstanding at the time of the transition
	Destinations []address.Address

	RetriesCount int

	// Delay before the next attempt; set for StateRetrying
	Delay time.Duration

	// Err explains terminal failures
	Err error

	Time time.Time
}

// Listener observes message state transitions. Listeners run on router
// goroutines and must not block.
type Listener func(Event)
