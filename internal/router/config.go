package router

import (
	"errors"
	"fmt"
	"time"

	"github.com/rmacdonaldsmith/meshrouter/pkg/address"
	"github.com/rmacdonaldsmith/meshrouter/pkg/router"
)

// Config holds configuration for the router
type Config struct {
	Role router.Role

	// SendMsgRetryInterval is the delay before a retry when the transport
	// suggests none
	SendMsgRetryInterval time.Duration

	// MaxRetryCount bounds retries per message; negative means unlimited and
	// zero disables retries
	MaxRetryCount int

	// MaxParallelSends is the number of delivery workers
	MaxParallelSends int

	// QueueSize bounds the number of messages waiting for a worker
	QueueSize int

	// RoutingTableCleanupInterval is the period of the expired entry purge
	RoutingTableCleanupInterval time.Duration

	// DefaultRouteTTL is the lifetime of entries added with AddNextHop;
	// zero means they never expire
	DefaultRouteTTL time.Duration

	// QueueID names the persistence queue of this router
	QueueID string

	// ParentAddress is the controller a library forwards unknown recipients to
	ParentAddress *address.Address

	// AccessControlEnabled enables consumer permission checks for requests
	// in the controller role
	AccessControlEnabled bool
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Role {
	case router.RoleController, router.RoleLib:
	default:
		return fmt.Errorf("unknown role %q", c.Role)
	}
	if c.QueueID == "" {
		return errors.New("queue ID cannot be empty")
	}
	if c.ParentAddress != nil {
		if c.Role != router.RoleLib {
			return errors.New("only the lib role has a parent address")
		}
		if err := c.ParentAddress.Validate(); err != nil {
			return fmt.Errorf("invalid parent address: %w", err)
		}
	}
	if c.AccessControlEnabled && c.Role != router.RoleController {
		return errors.New("access control requires the controller role")
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.SendMsgRetryInterval <= 0 {
		c.SendMsgRetryInterval = 3 * time.Second
	}
	if c.MaxParallelSends <= 0 {
		c.MaxParallelSends = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	if c.RoutingTableCleanupInterval <= 0 {
		c.RoutingTableCleanupInterval = time.Minute
	}
}
