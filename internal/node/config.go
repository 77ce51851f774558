package node

import (
	"errors"
	"fmt"

	"github.com/rmacdonaldsmith/meshrouter/pkg/address"
	"github.com/rmacdonaldsmith/meshrouter/pkg/router"

	irouter "github.com/rmacdonaldsmith/meshrouter/internal/router"
	"github.com/rmacdonaldsmith/meshrouter/internal/transport/binder"
	"github.com/rmacdonaldsmith/meshrouter/internal/transport/mqtt"
	"github.com/rmacdonaldsmith/meshrouter/internal/transport/websocket"
)

var (
	// ErrEmptyNodeID is returned when node ID is empty
	ErrEmptyNodeID = errors.New("node ID cannot be empty")
	// ErrMissingParent is returned when a library has no parent controller
	ErrMissingParent = errors.New("lib role requires a parent address")
)

// Persistence backends
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendBolt   = "bolt"
	BackendRedis  = "redis"
)

// Persistence policies
const (
	PolicyRequests = "requests"
	PolicyAll      = "all"
)

// PersistenceConfig selects where pending deliveries survive restarts.
type PersistenceConfig struct {
	// Backend is one of none, memory, file, bolt or redis
	Backend string

	// Path is the directory of the file backend or the database file of bolt
	Path string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string

	// Policy is requests or all
	Policy string
}

// AccessControlConfig enables consumer permission checks in the controller.
type AccessControlConfig struct {
	Enabled bool

	// Secret verifies the HS256 ac-token carried by requests
	Secret string
}

// Config represents configuration for a Node
type Config struct {
	// NodeID identifies this node and names its persistence queue
	NodeID string

	Role router.Role

	// Parent is the controller a library forwards to
	Parent *address.Address

	// Router tunes retries and workers; role, queue and parent are filled
	// from the node fields
	Router irouter.Config

	// Transports; nil disables the transport. In-process is always enabled.
	WebSocketServer *websocket.ServerConfig
	WebSocketClient *websocket.ClientConfig
	Mqtt            *mqtt.Config
	Binder          *binder.Config

	Persistence   PersistenceConfig
	AccessControl AccessControlConfig

	// RoutingTableFile keeps the routing table across restarts when set
	RoutingTableFile string

	// ProvisioningFile lists sticky routes applied on Start
	ProvisioningFile string
}

// NewConfig creates a new Node configuration with safe defaults
func NewConfig(nodeID string, role router.Role) *Config {
	cfg := &Config{NodeID: nodeID, Role: role}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults derives the router and transport settings from the node fields
func (c *Config) SetDefaults() {
	c.Router.Role = c.Role
	if c.Router.QueueID == "" {
		c.Router.QueueID = c.NodeID
	}
	c.Router.ParentAddress = c.Parent
	c.Router.AccessControlEnabled = c.AccessControl.Enabled
	c.Router.SetDefaults()

	if c.Persistence.Backend == "" {
		c.Persistence.Backend = BackendNone
	}
	if c.Persistence.Policy == "" {
		c.Persistence.Policy = PolicyRequests
	}
	if c.Persistence.KeyPrefix == "" {
		c.Persistence.KeyPrefix = "meshrouter:"
	}

	if c.Parent != nil && c.Parent.Kind == address.KindWebSocket {
		if c.WebSocketClient == nil {
			c.WebSocketClient = &websocket.ClientConfig{}
		}
		if c.WebSocketClient.Parent == nil {
			parent := *c.Parent
			c.WebSocketClient.Parent = &parent
		}
	}
	if c.Parent != nil && c.Parent.Kind == address.KindBinder && c.Binder != nil {
		c.Binder.Upstream = true
	}

	if c.WebSocketServer != nil {
		c.WebSocketServer.SetDefaults()
	}
	if c.WebSocketClient != nil {
		if c.WebSocketClient.ClientID == "" {
			c.WebSocketClient.ClientID = c.NodeID
		}
		c.WebSocketClient.SetDefaults()
	}
	if c.Mqtt != nil {
		if c.Mqtt.ClientID == "" {
			c.Mqtt.ClientID = c.NodeID
		}
		if c.Mqtt.OwnTopic == "" {
			c.Mqtt.OwnTopic = c.NodeID
		}
		c.Mqtt.SetDefaults()
	}
	if c.Binder != nil {
		if c.Binder.PackageName == "" {
			c.Binder.PackageName = c.NodeID
		}
		c.Binder.SetDefaults()
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return ErrEmptyNodeID
	}
	if c.Role == router.RoleLib && c.Parent == nil {
		return ErrMissingParent
	}
	if err := c.Router.Validate(); err != nil {
		return fmt.Errorf("invalid router config: %w", err)
	}
	if c.AccessControl.Enabled && c.AccessControl.Secret == "" {
		return errors.New("access control requires a secret")
	}

	switch c.Persistence.Backend {
	case BackendNone, BackendMemory:
	case BackendFile, BackendBolt:
		if c.Persistence.Path == "" {
			return fmt.Errorf("%s persistence requires a path", c.Persistence.Backend)
		}
	case BackendRedis:
		if c.Persistence.RedisAddr == "" {
			return errors.New("redis persistence requires an address")
		}
	default:
		return fmt.Errorf("unknown persistence backend %q", c.Persistence.Backend)
	}
	switch c.Persistence.Policy {
	case PolicyRequests, PolicyAll:
	default:
		return fmt.Errorf("unknown persistence policy %q", c.Persistence.Policy)
	}

	if c.WebSocketServer != nil {
		if err := c.WebSocketServer.Validate(); err != nil {
			return fmt.Errorf("invalid websocket server config: %w", err)
		}
	}
	if c.WebSocketClient != nil {
		if err := c.WebSocketClient.Validate(); err != nil {
			return fmt.Errorf("invalid websocket client config: %w", err)
		}
	}
	if c.Mqtt != nil {
		if err := c.Mqtt.Validate(); err != nil {
			return fmt.Errorf("invalid mqtt config: %w", err)
		}
	}
	if c.Binder != nil {
		if err := c.Binder.Validate(); err != nil {
			return fmt.Errorf("invalid binder config: %w", err)
		}
	}
	return nil
}
