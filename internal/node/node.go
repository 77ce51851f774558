// Package node assembles a router with its transports, persistence and
// access control for the controller and lib roles.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/meshrouter/internal/accesscontrol"
	"github.com/rmacdonaldsmith/meshrouter/internal/logging"
	"github.com/rmacdonaldsmith/meshrouter/internal/persistence"
	"github.com/rmacdonaldsmith/meshrouter/internal/provisioning"
	irouter "github.com/rmacdonaldsmith/meshrouter/internal/router"
	irt "github.com/rmacdonaldsmith/meshrouter/internal/routingtable"
	itransport "github.com/rmacdonaldsmith/meshrouter/internal/transport"
	"github.com/rmacdonaldsmith/meshrouter/internal/transport/binder"
	"github.com/rmacdonaldsmith/meshrouter/internal/transport/inprocess"
	"github.com/rmacdonaldsmith/meshrouter/internal/transport/mqtt"
	"github.com/rmacdonaldsmith/meshrouter/internal/transport/websocket"
	accesscontrolpkg "github.com/rmacdonaldsmith/meshrouter/pkg/accesscontrol"
	"github.com/rmacdonaldsmith/meshrouter/pkg/address"
	"github.com/rmacdonaldsmith/meshrouter/pkg/message"
	nodepkg "github.com/rmacdonaldsmith/meshrouter/pkg/node"
	persistencepkg "github.com/rmacdonaldsmith/meshrouter/pkg/persistence"
	"github.com/rmacdonaldsmith/meshrouter/pkg/router"
	routingtablepkg "github.com/rmacdonaldsmith/meshrouter/pkg/routingtable"
	"github.com/rmacdonaldsmith/meshrouter/pkg/transport"
)

// ErrClosed is returned by operations on a closed node.
var ErrClosed = errors.New("node is closed")

// Option customizes a Node.
type Option func(*options)

type options struct {
	registerer   prometheus.Registerer
	provisioning provisioning.Source
}

// WithRegisterer registers the router metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithProvisioning replaces the ProvisioningFile source.
func WithProvisioning(src provisioning.Source) Option {
	return func(o *options) { o.provisioning = src }
}

// Node hosts one router and the transports of its role.
type Node struct {
	mu     sync.RWMutex
	cfg    *Config
	logger zerolog.Logger

	table     *irt.InMemoryRoutingTable
	registry  *irt.InMemoryMulticastRegistry
	hub       *inprocess.Hub
	stubs     *itransport.StubFactory
	skeletons *itransport.SkeletonFactory
	router    *irouter.Router

	// controller is nil in the lib role
	controller *irt.ControllerValidator

	wsServer *websocket.Server
	wsClient *websocket.Client
	mqtt     *mqtt.Transport
	binder   *binder.Transport

	persister    persistencepkg.MessagePersister
	provisioning provisioning.Source

	// closers release storage on Close
	closers []io.Closer

	started bool
	stopped bool
	closed  bool
}

// New creates a node with the given configuration. Every transport, the
// router and the persistence backend are created but nothing is started.
// A parent or provisioned route whose address kind has no enabled
// transport is rejected with transport.ErrConfiguration.
func New(cfg *Config, opts ...Option) (*Node, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	n := &Node{
		cfg:          cfg,
		logger:       logging.New("node").With().Str(logging.FieldRole, string(cfg.Role)).Str("nodeId", cfg.NodeID).Logger(),
		registry:     irt.NewInMemoryMulticastRegistry(),
		hub:          inprocess.NewHub(),
		provisioning: o.provisioning,
	}
	if n.provisioning == nil && cfg.ProvisioningFile != "" {
		n.provisioning = provisioning.NewFileSource(cfg.ProvisioningFile)
	}

	if err := n.createTransports(); err != nil {
		return nil, err
	}

	var validator routingtablepkg.AddressValidator
	if cfg.Role == router.RoleController {
		controller := irt.NewControllerValidator()
		if n.mqtt != nil {
			controller.AddOwnAddress(n.mqtt.OwnAddress())
		}
		if n.binder != nil {
			controller.AddOwnAddress(n.binder.OwnAddress())
		}
		if n.wsServer != nil {
			controller.AddOwnAddress(n.wsServer.OwnAddress())
		}
		n.controller = controller
		validator = controller
	} else {
		validator = irt.NewLibValidator()
	}
	n.table = irt.NewInMemoryRoutingTable(validator).WithLogger(logging.New("routingtable"))

	n.stubs = itransport.NewStubFactory(n.stubConstructors(), logging.New("transport"))
	if cfg.Parent != nil {
		if err := n.stubs.Require(cfg.Parent.Kind); err != nil {
			return nil, fmt.Errorf("parent %s: %w", cfg.Parent, err)
		}
	}

	persister, err := n.createPersister()
	if err != nil {
		n.closeStorage()
		return nil, err
	}
	n.persister = persister

	var access accesscontrolpkg.AccessController
	if cfg.AccessControl.Enabled {
		access, err = accesscontrol.NewTokenAccessController(cfg.AccessControl.Secret, logging.New("accesscontrol"))
		if err != nil {
			n.closeStorage()
			return nil, fmt.Errorf("failed to create access controller: %w", err)
		}
	}

	deps := irouter.Deps{
		Table:                n.table,
		Registry:             n.registry,
		Stubs:                n.stubs,
		MulticastSubscribers: make(map[address.Kind]transport.MulticastSubscriber),
		Persister:            persister,
		AccessController:     access,
		Logger:               logging.New("router").With().Str(logging.FieldQueue, cfg.Router.QueueID).Logger(),
		Registerer:           o.registerer,
	}
	if n.mqtt != nil {
		deps.Calculators = append(deps.Calculators, n.mqtt.MulticastAddressCalculator())
		deps.MulticastSubscribers[address.KindMqtt] = n.mqtt
	}

	n.router, err = irouter.New(cfg.Router, deps)
	if err != nil {
		n.closeStorage()
		return nil, fmt.Errorf("failed to create router: %w", err)
	}

	n.skeletons, err = itransport.NewSkeletonFactory(n.skeletonConstructors(), n.router)
	if err != nil {
		_ = n.router.Shutdown(context.Background(), true)
		n.closeStorage()
		return nil, err
	}
	return n, nil
}

func (n *Node) createTransports() error {
	var err error
	if c := n.cfg.WebSocketServer; c != nil {
		if n.wsServer, err = websocket.NewServer(*c, logging.New("websocket")); err != nil {
			return err
		}
	}
	if c := n.cfg.WebSocketClient; c != nil {
		if n.wsClient, err = websocket.NewClient(*c, logging.New("websocket")); err != nil {
			return err
		}
	}
	if c := n.cfg.Mqtt; c != nil {
		if n.mqtt, err = mqtt.New(*c, logging.New("mqtt")); err != nil {
			return err
		}
	}
	if c := n.cfg.Binder; c != nil {
		if n.binder, err = binder.New(*c, logging.New("binder")); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) stubConstructors() map[address.Kind]transport.StubConstructor {
	ctors := map[address.Kind]transport.StubConstructor{
		address.KindInProcess: n.hub.NewStubConstructor(),
	}
	if n.wsServer != nil {
		ctors[address.KindWebSocketClient] = n.wsServer.StubConstructor()
	}
	if n.wsClient != nil {
		ctors[address.KindWebSocket] = n.wsClient.StubConstructor()
	}
	if n.mqtt != nil {
		ctors[address.KindMqtt] = n.mqtt.StubConstructor()
	}
	if n.binder != nil {
		ctors[address.KindBinder] = n.binder.StubConstructor()
	}
	return ctors
}

func (n *Node) skeletonConstructors() map[address.Kind]transport.SkeletonConstructor {
	ctors := map[address.Kind]transport.SkeletonConstructor{
		address.KindInProcess: n.hub.NewSkeletonConstructor(),
	}
	if n.wsServer != nil {
		ctors[address.KindWebSocketClient] = n.wsServer.SkeletonConstructor()
	}
	if n.wsClient != nil {
		ctors[address.KindWebSocket] = n.wsClient.SkeletonConstructor()
	}
	if n.mqtt != nil {
		ctors[address.KindMqtt] = n.mqtt.SkeletonConstructor()
	}
	if n.binder != nil {
		ctors[address.KindBinder] = n.binder.SkeletonConstructor()
	}
	return ctors
}

func (n *Node) createPersister() (persistencepkg.MessagePersister, error) {
	pc := n.cfg.Persistence
	policy := persistencepkg.Policy(persistencepkg.RequestsOnly)
	if pc.Policy == PolicyAll {
		policy = persistencepkg.All
	}

	switch pc.Backend {
	case BackendMemory:
		return persistence.NewInMemoryPersister(policy), nil
	case BackendFile:
		p, err := persistence.NewFilePersister(pc.Path, policy, logging.New("persistence"))
		if err != nil {
			return nil, err
		}
		return p, nil
	case BackendBolt:
		p, err := persistence.NewBoltPersister(pc.Path, policy, logging.New("persistence"))
		if err != nil {
			return nil, err
		}
		n.closers = append(n.closers, p)
		return p, nil
	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     pc.RedisAddr,
			Password: pc.RedisPassword,
			DB:       pc.RedisDB,
		})
		n.closers = append(n.closers, client)
		return persistence.NewRedisPersister(client, pc.KeyPrefix, policy, logging.New("persistence")), nil
	default:
		return nil, nil
	}
}

func (n *Node) closeStorage() error {
	var errs []error
	for _, c := range n.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	n.closers = nil
	return errors.Join(errs...)
}

// Start loads the routing table snapshot, applies provisioned routes, starts
// the router and then the transports.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed || n.stopped {
		return ErrClosed
	}
	if n.started {
		return nil // Already started, idempotent
	}

	if n.cfg.RoutingTableFile != "" {
		loaded, err := irt.LoadFile(n.cfg.RoutingTableFile, n.table)
		if err != nil {
			return err
		}
		n.logger.Info().Int("entries", loaded).Str("file", n.cfg.RoutingTableFile).Msg("loaded routing table")
	}

	if n.provisioning != nil {
		if err := n.applyProvisioning(ctx); err != nil {
			return err
		}
	}

	if err := n.router.Start(ctx); err != nil {
		return fmt.Errorf("failed to start router: %w", err)
	}
	if err := n.skeletons.Start(ctx); err != nil {
		return fmt.Errorf("failed to start transports: %w", err)
	}
	if n.controller != nil && n.wsServer != nil {
		// the bound port is only known once listening
		n.controller.AddOwnAddress(n.wsServer.OwnAddress())
	}

	n.started = true
	n.logger.Info().Msg("node started")
	return nil
}

func (n *Node) applyProvisioning(ctx context.Context) error {
	entries, err := n.provisioning.Entries(ctx)
	if err != nil {
		return fmt.Errorf("failed to load provisioned routes: %w", err)
	}
	for _, e := range entries {
		if err := n.stubs.Require(e.Address.Kind); err != nil {
			return fmt.Errorf("provisioned route %s: %w", e.ParticipantID, err)
		}
	}
	_, err = provisioning.Apply(ctx, provisioning.NewStaticSource(entries), n.router, n.logger)
	return err
}

// Stop shuts the router down, then the transports, and saves the routing
// table snapshot. Persisted deliveries are kept for the next start. A
// stopped node cannot be started again.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stop(ctx)
}

func (n *Node) stop(ctx context.Context) error {
	if n.stopped {
		return nil // Already stopped, idempotent
	}
	n.stopped = true

	var errs []error
	if err := n.router.Shutdown(ctx, false); err != nil {
		errs = append(errs, fmt.Errorf("router: %w", err))
	}
	if err := n.skeletons.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("transports: %w", err))
	}
	if n.started && n.cfg.RoutingTableFile != "" {
		if err := irt.SaveFile(n.cfg.RoutingTableFile, n.table); err != nil {
			errs = append(errs, err)
		}
	}
	n.started = false
	n.logger.Info().Msg("node stopped")
	return errors.Join(errs...)
}

// Close stops the node if needed and releases storage.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil // Already closed, idempotent
	}
	n.closed = true

	return errors.Join(n.stop(context.Background()), n.closeStorage(), n.table.Close())
}

// RegisterLocal binds a handler of this process to name and announces it in
// the routing table.
func (n *Node) RegisterLocal(name string, handler inprocess.Handler, isGloballyVisible bool) (address.Address, error) {
	addr, err := n.hub.Register(name, handler)
	if err != nil {
		return address.Address{}, err
	}
	if !n.router.AddNextHop(name, addr, isGloballyVisible) {
		n.hub.Unregister(name)
		return address.Address{}, fmt.Errorf("routing table refused %s for %s", addr, name)
	}
	return addr, nil
}

// UnregisterLocal reverses RegisterLocal.
func (n *Node) UnregisterLocal(name string) {
	n.router.RemoveNextHop(name)
	n.hub.Unregister(name)
}

// Send routes a message produced in this process.
func (n *Node) Send(ctx context.Context, msg *message.Message) error {
	sk, ok := n.skeletons.Get(address.KindInProcess)
	if !ok {
		return fmt.Errorf("%w: no in-process skeleton", transport.ErrConfiguration)
	}
	return sk.(*inprocess.Skeleton).Send(ctx, msg)
}

// ID returns the participant id of this node.
func (n *Node) ID() string {
	return n.cfg.NodeID
}

// Role returns the router role.
func (n *Node) Role() router.Role {
	return n.cfg.Role
}

// Router returns the hosted router.
func (n *Node) Router() router.Router {
	return n.router
}

// Routes returns a copy of the routing table.
func (n *Node) Routes() map[string]routingtablepkg.Entry {
	return n.table.Entries()
}

// MulticastReceivers returns the registered patterns and their receivers.
func (n *Node) MulticastReceivers() map[string][]string {
	return n.registry.Patterns()
}

// Persister returns the persistence backend, or nil when disabled.
func (n *Node) Persister() persistencepkg.MessagePersister {
	return n.persister
}

// Health returns the overall health status of this node.
func (n *Node) Health(ctx context.Context) (nodepkg.HealthStatus, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	transports := map[string]bool{address.KindInProcess.String(): n.started}
	clients := 0
	if n.wsServer != nil {
		transports["websocket-server"] = n.started
		clients = len(n.wsServer.ConnectedClients())
	}
	if n.wsClient != nil {
		transports["websocket-client"] = n.started
	}
	if n.mqtt != nil {
		transports[address.KindMqtt.String()] = n.started
	}
	if n.binder != nil {
		transports[address.KindBinder.String()] = n.started
	}

	status := nodepkg.HealthStatus{
		Healthy:           n.started && !n.closed,
		Role:              n.cfg.Role,
		RouterRunning:     n.started,
		Transports:        transports,
		RoutingEntries:    n.table.Len(),
		MulticastPatterns: len(n.registry.Patterns()),
		ConnectedClients:  clients,
		RoutedMessages:    n.router.NumberOfRoutedMessages(),
	}
	switch {
	case n.closed:
		status.Message = "node is closed"
	case n.stopped:
		status.Message = "node is stopped"
	case !n.started:
		status.Message = "node is not started"
	default:
		status.Message = "ok"
	}
	return status, nil
}

// Verify Node implements the node interface at compile time
var _ nodepkg.Node = (*Node)(nil)
