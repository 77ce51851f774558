// Package config loads the meshrouter configuration from a YAML file, an
// optional .env file and MESHROUTER_* environment variables, in that order
// of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/rmacdonaldsmith/meshrouter/internal/logging"
	"github.com/rmacdonaldsmith/meshrouter/internal/node"
	irouter "github.com/rmacdonaldsmith/meshrouter/internal/router"
	"github.com/rmacdonaldsmith/meshrouter/internal/transport/binder"
	"github.com/rmacdonaldsmith/meshrouter/internal/transport/mqtt"
	"github.com/rmacdonaldsmith/meshrouter/internal/transport/websocket"
	"github.com/rmacdonaldsmith/meshrouter/pkg/address"
	"github.com/rmacdonaldsmith/meshrouter/pkg/router"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MESHROUTER_"

// Config is the file layout of a meshrouter configuration.
type Config struct {
	NodeID string           `yaml:"nodeId"`
	Role   string           `yaml:"role"`
	Parent *address.Address `yaml:"parent,omitempty"`

	Logging       logging.Config      `yaml:"logging"`
	Router        RouterConfig        `yaml:"router"`
	WebSocket     WebSocketConfig     `yaml:"websocket"`
	Mqtt          *MqttConfig         `yaml:"mqtt,omitempty"`
	Binder        *BinderConfig       `yaml:"binder,omitempty"`
	Persistence   PersistenceConfig   `yaml:"persistence"`
	AccessControl AccessControlConfig `yaml:"accessControl"`
	Admin         AdminConfig         `yaml:"admin"`

	RoutingTableFile string `yaml:"routingTableFile,omitempty"`
	ProvisioningFile string `yaml:"provisioningFile,omitempty"`
}

// RouterConfig tunes delivery.
type RouterConfig struct {
	SendMsgRetryInterval time.Duration `yaml:"sendMsgRetryInterval"`

	// MaxRetryCount is unlimited when unset or negative
	MaxRetryCount *int `yaml:"maxRetryCount,omitempty"`

	MaxParallelSends            int           `yaml:"maxParallelSends"`
	QueueSize                   int           `yaml:"queueSize"`
	RoutingTableCleanupInterval time.Duration `yaml:"routingTableCleanupInterval"`
	DefaultRouteTTL             time.Duration `yaml:"defaultRouteTtl"`
}

// WebSocketConfig enables the server when ListenAddr is set.
type WebSocketConfig struct {
	ListenAddr       string        `yaml:"listenAddr"`
	Path             string        `yaml:"path"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
	AdvertisedHost   string        `yaml:"advertisedHost"`
	Protocol         string        `yaml:"protocol"`
}

// MqttConfig mirrors the MQTT transport settings.
type MqttConfig struct {
	BrokerURI      string        `yaml:"brokerUri"`
	ClientID       string        `yaml:"clientId"`
	OwnTopic       string        `yaml:"ownTopic"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	QoS            byte          `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	KeepAlive      time.Duration `yaml:"keepAlive"`
	PublishTimeout time.Duration `yaml:"publishTimeout"`
	ReconnectDelay time.Duration `yaml:"reconnectDelay"`
	MaxMessageSize int           `yaml:"maxMessageSize"`
	PublishRate    float64       `yaml:"publishRate"`
	PublishBurst   int           `yaml:"publishBurst"`
}

// BinderConfig mirrors the binder transport settings.
type BinderConfig struct {
	SocketDir      string        `yaml:"socketDir"`
	PackageName    string        `yaml:"packageName"`
	UserID         int           `yaml:"userId"`
	CallTimeout    time.Duration `yaml:"callTimeout"`
	MaxMessageSize int           `yaml:"maxMessageSize"`
}

// PersistenceConfig selects the persistence backend.
type PersistenceConfig struct {
	Backend       string `yaml:"backend"`
	Path          string `yaml:"path"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDb"`
	KeyPrefix     string `yaml:"keyPrefix"`
	Policy        string `yaml:"policy"`
}

// AccessControlConfig enables consumer permission checks.
type AccessControlConfig struct {
	Enabled bool   `yaml:"enabled"`
	Secret  string `yaml:"secret"`
}

// AdminConfig enables the admin HTTP API when ListenAddr is set.
type AdminConfig struct {
	ListenAddr string `yaml:"listenAddr"`

	// Secret signs admin bearer tokens; empty disables authentication
	Secret string `yaml:"secret"`
}

// Load reads path, when set, applies the env files and the environment and
// returns a validated configuration with defaults filled in. Missing env
// files are an error; pass none to rely on the process environment only.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if len(envFiles) > 0 {
		// variables already set in the environment win over the files
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, fmt.Errorf("failed to load env files: %w", err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from MESHROUTER_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	overrideString(lookup, "NODE_ID", &c.NodeID)
	overrideString(lookup, "ROLE", &c.Role)
	overrideString(lookup, "LOG_LEVEL", &c.Logging.Level)
	overrideString(lookup, "LOG_FORMAT", &c.Logging.Format)
	overrideString(lookup, "ADMIN_ADDR", &c.Admin.ListenAddr)
	overrideString(lookup, "ADMIN_SECRET", &c.Admin.Secret)
	overrideString(lookup, "WEBSOCKET_ADDR", &c.WebSocket.ListenAddr)
	overrideString(lookup, "PERSISTENCE_BACKEND", &c.Persistence.Backend)
	overrideString(lookup, "PERSISTENCE_PATH", &c.Persistence.Path)
	overrideString(lookup, "REDIS_ADDR", &c.Persistence.RedisAddr)
	overrideString(lookup, "REDIS_PASSWORD", &c.Persistence.RedisPassword)
	overrideString(lookup, "ROUTING_TABLE_FILE", &c.RoutingTableFile)
	overrideString(lookup, "PROVISIONING_FILE", &c.ProvisioningFile)

	if v, ok := lookup(EnvPrefix + "ACCESS_CONTROL_SECRET"); ok {
		c.AccessControl.Secret = v
		c.AccessControl.Enabled = v != ""
	}
	if v, ok := lookup(EnvPrefix + "MQTT_BROKER"); ok {
		if c.Mqtt == nil {
			c.Mqtt = &MqttConfig{}
		}
		c.Mqtt.BrokerURI = v
	}
	if v, ok := lookup(EnvPrefix + "BINDER_SOCKET_DIR"); ok {
		if c.Binder == nil {
			c.Binder = &BinderConfig{}
		}
		c.Binder.SocketDir = v
	}

	if err := overrideInt(lookup, "MAX_PARALLEL_SENDS", &c.Router.MaxParallelSends); err != nil {
		return err
	}
	if v, ok := lookup(EnvPrefix + "MAX_RETRY_COUNT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sMAX_RETRY_COUNT %q: %w", EnvPrefix, v, err)
		}
		c.Router.MaxRetryCount = &n
	}
	if err := overrideDuration(lookup, "RETRY_INTERVAL", &c.Router.SendMsgRetryInterval); err != nil {
		return err
	}
	if err := overrideDuration(lookup, "DEFAULT_ROUTE_TTL", &c.Router.DefaultRouteTTL); err != nil {
		return err
	}
	return nil
}

func overrideString(lookup func(string) (string, bool), key string, field *string) {
	if v, ok := lookup(EnvPrefix + key); ok {
		*field = v
	}
}

func overrideInt(lookup func(string) (string, bool), key string, field *int) error {
	v, ok := lookup(EnvPrefix + key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s%s %q: %w", EnvPrefix, key, v, err)
	}
	*field = n
	return nil
}

func overrideDuration(lookup func(string) (string, bool), key string, field *time.Duration) error {
	v, ok := lookup(EnvPrefix + key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s%s %q: %w", EnvPrefix, key, v, err)
	}
	*field = d
	return nil
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.NodeID == "" {
		c.NodeID = defaultNodeID()
	}
	if c.Role == "" {
		c.Role = string(router.RoleController)
	}
	if c.Router.MaxRetryCount == nil {
		unlimited := -1
		c.Router.MaxRetryCount = &unlimited
	}
	c.Logging.SetDefaults()
}

// defaultNodeID derives an id from the hostname
func defaultNodeID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "meshrouter-1"
	}
	return "meshrouter-" + hostname
}

// Validate checks fields that the node configuration cannot check itself.
func (c *Config) Validate() error {
	if _, err := router.ParseRole(c.Role); err != nil {
		return err
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	if c.Admin.Secret != "" && c.Admin.ListenAddr == "" {
		return errors.New("admin secret set without an admin listen address")
	}
	return nil
}

// NodeConfig converts the file layout into the node configuration.
func (c *Config) NodeConfig() (*node.Config, error) {
	role, err := router.ParseRole(c.Role)
	if err != nil {
		return nil, err
	}

	nc := &node.Config{
		NodeID: c.NodeID,
		Role:   role,
		Parent: c.Parent,
		Router: irouter.Config{
			SendMsgRetryInterval:        c.Router.SendMsgRetryInterval,
			MaxRetryCount:               -1,
			MaxParallelSends:            c.Router.MaxParallelSends,
			QueueSize:                   c.Router.QueueSize,
			RoutingTableCleanupInterval: c.Router.RoutingTableCleanupInterval,
			DefaultRouteTTL:             c.Router.DefaultRouteTTL,
		},
		Persistence: node.PersistenceConfig{
			Backend:       c.Persistence.Backend,
			Path:          c.Persistence.Path,
			RedisAddr:     c.Persistence.RedisAddr,
			RedisPassword: c.Persistence.RedisPassword,
			RedisDB:       c.Persistence.RedisDB,
			KeyPrefix:     c.Persistence.KeyPrefix,
			Policy:        c.Persistence.Policy,
		},
		AccessControl: node.AccessControlConfig{
			Enabled: c.AccessControl.Enabled,
			Secret:  c.AccessControl.Secret,
		},
		RoutingTableFile: c.RoutingTableFile,
		ProvisioningFile: c.ProvisioningFile,
	}
	if c.Router.MaxRetryCount != nil {
		nc.Router.MaxRetryCount = *c.Router.MaxRetryCount
	}

	if c.WebSocket.ListenAddr != "" {
		nc.WebSocketServer = &websocket.ServerConfig{
			ListenAddr:       c.WebSocket.ListenAddr,
			Path:             c.WebSocket.Path,
			HandshakeTimeout: c.WebSocket.HandshakeTimeout,
			AdvertisedHost:   c.WebSocket.AdvertisedHost,
			Protocol:         c.WebSocket.Protocol,
		}
	}
	if m := c.Mqtt; m != nil {
		nc.Mqtt = &mqtt.Config{
			BrokerURI:      m.BrokerURI,
			ClientID:       m.ClientID,
			OwnTopic:       m.OwnTopic,
			Username:       m.Username,
			Password:       m.Password,
			QoS:            m.QoS,
			ConnectTimeout: m.ConnectTimeout,
			KeepAlive:      m.KeepAlive,
			PublishTimeout: m.PublishTimeout,
			ReconnectDelay: m.ReconnectDelay,
			MaxMessageSize: m.MaxMessageSize,
			PublishRate:    m.PublishRate,
			PublishBurst:   m.PublishBurst,
		}
	}
	if b := c.Binder; b != nil {
		nc.Binder = &binder.Config{
			SocketDir:      b.SocketDir,
			PackageName:    b.PackageName,
			UserID:         b.UserID,
			CallTimeout:    b.CallTimeout,
			MaxMessageSize: b.MaxMessageSize,
		}
	}

	nc.SetDefaults()
	if err := nc.Validate(); err != nil {
		return nil, err
	}
	return nc, nil
}
