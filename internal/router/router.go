// Package router implements the message router: next hop resolution, the
// delivery state machine and its bounded retry scheduler.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/meshrouter/pkg/accesscontrol"
	"github.com/rmacdonaldsmith/meshrouter/pkg/address"
	"github.com/rmacdonaldsmith/meshrouter/pkg/message"
	"github.com/rmacdonaldsmith/meshrouter/pkg/persistence"
	"github.com/rmacdonaldsmith/meshrouter/pkg/router"
	"github.com/rmacdonaldsmith/meshrouter/pkg/routingtable"
	"github.com/rmacdonaldsmith/meshrouter/pkg/transport"
)

// Deps are the collaborators of a Router. Table, Registry and Stubs are
// required; everything else is optional.
type Deps struct {
	Table    routingtable.RoutingTable
	Registry routingtable.MulticastReceiverRegistry
	Stubs    transport.StubFactory

	// Calculators derive transport addresses for outgoing multicasts
	Calculators []transport.MulticastAddressCalculator

	// MulticastSubscribers subscribe on the transport of a remote provider
	MulticastSubscribers map[address.Kind]transport.MulticastSubscriber

	Persister        persistence.MessagePersister
	AccessController accesscontrol.AccessController

	Logger zerolog.Logger

	// Registerer receives the router metrics; nil skips registration
	Registerer prometheus.Registerer
}

// delivery is the router's handle on one accepted message. It is owned by
// exactly one of the queue, a retry timer or a worker at any time.
type delivery struct {
	item      *message.PendingDelivery
	persisted bool
	delivered int
}

// Router implements router.Router.
type Router struct {
	cfg         Config
	table       routingtable.RoutingTable
	registry    routingtable.MulticastReceiverRegistry
	stubs       transport.StubFactory
	calculators []transport.MulticastAddressCalculator
	subscribers map[address.Kind]transport.MulticastSubscriber
	persister   persistence.MessagePersister
	access      accesscontrol.AccessController
	logger      zerolog.Logger
	metrics     *metrics
	scheduler   *scheduler
	now         func() time.Time

	// ctx bounds transmits and access checks; cancelled by Shutdown
	ctx    context.Context
	cancel context.CancelFunc

	routed atomic.Int64

	listenersMu sync.RWMutex
	listeners   []router.Listener

	mu           sync.Mutex
	started      bool
	closed       bool
	checks       sync.WaitGroup
	housekeeping sync.WaitGroup
}

// New creates a router and starts its delivery workers.
func New(cfg Config, deps Deps) (*Router, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if deps.Table == nil || deps.Registry == nil || deps.Stubs == nil {
		return nil, errors.New("routing table, multicast registry and stub factory are required")
	}
	if cfg.AccessControlEnabled && deps.AccessController == nil {
		return nil, errors.New("access control enabled without an access controller")
	}
	if cfg.ParentAddress != nil && !deps.Stubs.Supports(cfg.ParentAddress.Kind) {
		return nil, fmt.Errorf("%w: no stub for parent address %s", transport.ErrConfiguration, cfg.ParentAddress)
	}

	m := newMetrics(deps.Table)
	if deps.Registerer != nil {
		if err := m.register(deps.Registerer); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		cfg:         cfg,
		table:       deps.Table,
		registry:    deps.Registry,
		stubs:       deps.Stubs,
		calculators: deps.Calculators,
		subscribers: deps.MulticastSubscribers,
		persister:   deps.Persister,
		access:      deps.AccessController,
		logger:      deps.Logger,
		metrics:     m,
		scheduler:   newScheduler(cfg.QueueSize),
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
	}
	r.scheduler.start(cfg.MaxParallelSends, r.process)
	return r, nil
}

// Route accepts a message for delivery.
//
// Expired messages and messages without a resolvable destination are
// rejected synchronously. Requests subject to access control are checked on
// a separate goroutine and Route returns before the check completes.
func (r *Router) Route(ctx context.Context, msg *message.Message) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", message.ErrInvalidMessage)
	}

	checkAccess := r.cfg.AccessControlEnabled && r.cfg.Role == router.RoleController && msg.IsRequest()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return router.ErrShutdown
	}
	if checkAccess {
		r.checks.Add(1)
	}
	r.mu.Unlock()

	r.routed.Add(1)
	r.metrics.routed.WithLabelValues(string(msg.Type())).Inc()

	if msg.IsExpired(r.now()) {
		if checkAccess {
			r.checks.Done()
		}
		r.logger.Error().Object("msg", msg).Msg("received expired message, dropping")
		r.emitMessage(msg, router.StateExpired, router.ErrExpired)
		return router.ErrExpired
	}

	if checkAccess {
		go r.checkAccess(msg)
		return nil
	}
	return r.accept(ctx, msg)
}

// RouteIn accepts a message received by a transport skeleton. In the
// controller role the replyTo address of a request from a global transport
// becomes the route back to its sender.
func (r *Router) RouteIn(ctx context.Context, msg *message.Message) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", message.ErrInvalidMessage)
	}
	if r.cfg.Role == router.RoleController && msg.ReceivedFromGlobal() && msg.IsRequest() {
		r.registerReplyTo(msg)
	}
	return r.Route(ctx, msg)
}

func (r *Router) registerReplyTo(msg *message.Message) {
	replyTo, ok := msg.ReplyTo()
	if !ok {
		if _, present := msg.Header(message.HeaderReplyTo); present {
			r.logger.Warn().Object("msg", msg).Msg("malformed replyTo header")
		}
		return
	}
	if msg.Sender() == "" {
		return
	}
	if !r.table.Put(msg.Sender(), replyTo, true, msg.ExpiryDateMs(), false) {
		r.logger.Debug().Object("msg", msg).Stringer("replyTo", replyTo).Msg("replyTo address not registered")
	}
}

func (r *Router) checkAccess(msg *message.Message) {
	defer r.checks.Done()

	if !r.access.HasConsumerPermission(r.ctx, msg) {
		r.logger.Warn().Object("msg", msg).Msg("consumer permission denied, dropping message")
		r.emitMessage(msg, router.StateDropped, router.ErrAccessDenied)
		return
	}
	// Route has already returned nil, so persist even once shutdown began
	if err := r.accept(context.Background(), msg); err != nil && !errors.Is(err, router.ErrRouteNotFound) {
		r.logger.Error().Err(err).Object("msg", msg).Msg("failed to queue message")
	}
}

// accept resolves destinations, persists and queues msg.
func (r *Router) accept(ctx context.Context, msg *message.Message) error {
	destinations, err := r.resolve(msg)
	if err != nil {
		r.logger.Error().Object("msg", msg).Msg("no destination address found, dropping message")
		r.emitMessage(msg, router.StateDropped, err)
		if msg.IsMulticast() {
			return nil
		}
		return err
	}

	d := &delivery{item: message.NewPendingDelivery(msg, destinations)}
	r.persist(ctx, d)
	r.metrics.pending.Inc()
	r.emit(d, router.StateQueued, nil)

	if err := r.scheduler.enqueue(ctx, d); err != nil {
		r.abandon(d, err)
		return err
	}
	return nil
}

// process makes one delivery attempt to every outstanding destination.
func (r *Router) process(d *delivery) {
	msg := d.item.Message
	if msg.IsExpired(r.now()) {
		r.logger.Error().Object("msg", msg).Msg("message expired before delivery, dropping")
		r.finish(d, router.StateExpired, router.ErrExpired)
		return
	}
	r.emit(d, router.StateSending, nil)

	var transient, permanent error
	var suggested time.Duration
	for _, dest := range append([]address.Address(nil), d.item.Destinations...) {
		err := r.transmit(dest, msg)
		switch {
		case err == nil:
			d.delivered++
			d.item.RemoveDestination(dest)
		case transport.IsPermanent(err) || errors.Is(err, transport.ErrConfiguration):
			r.logger.Error().Err(err).Object("msg", msg).Stringer("address", dest).Msg("message not sent, dropping destination")
			permanent = err
			d.item.RemoveDestination(dest)
		default:
			transient = err
			if delay, ok := transport.SuggestedDelay(err); ok && delay > suggested {
				suggested = delay
			}
		}
	}

	if len(d.item.Destinations) == 0 {
		if d.delivered > 0 {
			r.finish(d, router.StateDelivered, nil)
		} else {
			r.finish(d, router.StateDropped, permanent)
		}
		return
	}
	r.retry(d, transient, suggested)
}

func (r *Router) transmit(dest address.Address, msg *message.Message) error {
	stub, err := r.stubs.Get(dest)
	if err != nil {
		return err
	}
	r.logger.Trace().Object("msg", msg).Stringer("address", dest).Msg("transmitting message")
	return stub.Transmit(r.ctx, msg)
}

// retry reschedules d after a transient failure unless its TTL or its retry
// budget is spent.
func (r *Router) retry(d *delivery, cause error, suggested time.Duration) {
	msg := d.item.Message
	if msg.IsExpired(r.now()) {
		r.logger.Error().Err(cause).Object("msg", msg).Msg("message expired while retrying, dropping")
		r.finish(d, router.StateExpired, fmt.Errorf("%w: %v", router.ErrExpired, cause))
		return
	}
	if r.cfg.MaxRetryCount >= 0 && d.item.RetriesCount >= r.cfg.MaxRetryCount {
		r.logger.Error().Err(cause).Object("msg", msg).
			Int("maxRetryCount", r.cfg.MaxRetryCount).
			Msg("max retry count reached, dropping message")
		r.finish(d, router.StateExhausted, fmt.Errorf("%w after %d retries: %v", router.ErrRetriesExhausted, d.item.RetriesCount, cause))
		return
	}

	delay := suggested
	if delay <= 0 {
		delay = r.cfg.SendMsgRetryInterval
	}
	d.item.RetriesCount++
	d.item.Delay = delay
	r.metrics.retries.Inc()
	r.logger.Warn().Err(cause).Object("msg", msg).
		Dur("delay", delay).
		Int("retries", d.item.RetriesCount).
		Msg("problem sending, rescheduling message")

	r.persist(context.Background(), d)
	r.emit(d, router.StateRetrying, nil)
	if err := r.scheduler.schedule(d, delay, r.abandonOnShutdown); err != nil {
		r.abandon(d, err)
	}
}

func (r *Router) persist(ctx context.Context, d *delivery) {
	if r.persister == nil {
		return
	}
	ok, err := r.persister.Persist(ctx, r.cfg.QueueID, d.item)
	if err != nil {
		r.logger.Error().Err(err).Object("msg", d.item.Message).Msg("failed to persist message")
		return
	}
	if !ok && d.persisted {
		r.unpersist(d)
	}
	d.persisted = ok
}

func (r *Router) unpersist(d *delivery) {
	if r.persister == nil || !d.persisted {
		return
	}
	if err := r.persister.Remove(context.Background(), r.cfg.QueueID, d.item); err != nil {
		r.logger.Error().Err(err).Object("msg", d.item.Message).Msg("failed to remove persisted message")
	}
	d.persisted = false
}

// finish ends the lifecycle of d.
func (r *Router) finish(d *delivery, state router.State, err error) {
	r.unpersist(d)
	r.metrics.pending.Dec()
	r.emit(d, state, err)
}

// abandon drops d because the router is shutting down. Its persisted record
// is kept so the next Start resumes it.
func (r *Router) abandon(d *delivery, err error) {
	r.metrics.pending.Dec()
	r.emit(d, router.StateDropped, err)
}

func (r *Router) abandonOnShutdown(d *delivery) {
	r.abandon(d, router.ErrShutdown)
}

// AddListener registers a state transition observer.
func (r *Router) AddListener(listener router.Listener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, listener)
}

func (r *Router) emit(d *delivery, state router.State, err error) {
	r.publish(router.Event{
		MessageID:    d.item.Message.ID(),
		Message:      d.item.Message,
		State:        state,
		Destinations: append([]address.Address(nil), d.item.Destinations...),
		RetriesCount: d.item.RetriesCount,
		Delay:        d.item.Delay,
		Err:          err,
		Time:         r.now(),
	})
}

func (r *Router) emitMessage(msg *message.Message, state router.State, err error) {
	r.publish(router.Event{
		MessageID: msg.ID(),
		Message:   msg,
		State:     state,
		Err:       err,
		Time:      r.now(),
	})
}

func (r *Router) publish(ev router.Event) {
	r.metrics.transitions.WithLabelValues(ev.State.String()).Inc()

	r.listenersMu.RLock()
	listeners := r.listeners
	r.listenersMu.RUnlock()
	for _, l := range listeners {
		l(ev)
	}
}

// NumberOfRoutedMessages returns how many messages Route accepted.
func (r *Router) NumberOfRoutedMessages() int64 {
	return r.routed.Load()
}

// Start starts the routing table purge and restores persisted deliveries.
// A persistence failure is logged and does not prevent the start.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return router.ErrShutdown
	}
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.mu.Unlock()

	r.housekeeping.Add(1)
	go r.purgeLoop()

	r.restore(ctx)

	r.logger.Info().
		Str("role", string(r.cfg.Role)).
		Int("workers", r.cfg.MaxParallelSends).
		Msg("router started")
	return nil
}

func (r *Router) restore(ctx context.Context) {
	if r.persister == nil {
		return
	}
	items, err := r.persister.FetchAll(ctx, r.cfg.QueueID)
	if err != nil {
		r.logger.Error().Err(err).Str("queueId", r.cfg.QueueID).Msg("failed to fetch persisted messages")
		return
	}

	restored := 0
	for _, item := range items {
		d := &delivery{item: item, persisted: true}
		if item.Message.IsExpired(r.now()) {
			r.unpersist(d)
			r.emit(d, router.StateExpired, router.ErrExpired)
			continue
		}
		if len(item.Destinations) == 0 {
			destinations, err := r.resolve(item.Message)
			if err != nil {
				r.logger.Error().Object("msg", item.Message).Msg("no destination for restored message, dropping")
				r.unpersist(d)
				r.emit(d, router.StateDropped, err)
				continue
			}
			item.Destinations = destinations
		}

		r.metrics.pending.Inc()
		r.emit(d, router.StateQueued, nil)
		if err := r.scheduler.schedule(d, item.Delay, r.abandonOnShutdown); err != nil {
			r.abandon(d, err)
			return
		}
		restored++
	}
	if restored > 0 {
		r.logger.Info().Int("count", restored).Str("queueId", r.cfg.QueueID).Msg("restored persisted messages")
	}
}

func (r *Router) purgeLoop() {
	defer r.housekeeping.Done()
	ticker := time.NewTicker(r.cfg.RoutingTableCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if n := r.table.Purge(r.now()); n > 0 {
				r.logger.Debug().Int("purged", n).Msg("purged expired routing entries")
			}
		}
	}
}

// Shutdown stops accepting messages, cancels pending retries and waits for
// the workers. Cached stubs are closed; with clear the routing table, the
// multicast registry and the stub cache are emptied as well. Persisted
// records of unfinished deliveries are kept.
func (r *Router) Shutdown(ctx context.Context, clear bool) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.checks.Wait()
	abandoned, err := r.scheduler.stop(ctx)
	for _, d := range abandoned {
		r.abandon(d, router.ErrShutdown)
	}
	r.housekeeping.Wait()

	r.stubs.Shutdown(clear)
	if clear {
		r.table.Clear()
		r.registry.Clear()
	}
	r.logger.Info().Bool("clear", clear).Int("abandoned", len(abandoned)).Msg("router shut down")
	return err
}

// Verify Router implements the router interface at compile time
var _ router.Router = (*Router)(nil)
