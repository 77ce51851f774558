// Package mqtt carries envelopes through an MQTT broker using the Paho client.
//
// Each node subscribes to "<ownTopic>/#" and publishes to the topic of the
// destination address. Multicasts are published to a topic derived from the
// multicast id, and remote multicasts are received by subscribing to the
// matching topic filter on demand.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/rmacdonaldsmith/meshrouter/pkg/address"
	"github.com/rmacdonaldsmith/meshrouter/pkg/message"
	"github.com/rmacdonaldsmith/meshrouter/pkg/transport"
)

var (
	// ErrNotConnected is returned while the broker connection is down.
	ErrNotConnected = errors.New("mqtt client not connected")

	// ErrTimeout is returned when the broker does not acknowledge in time.
	ErrTimeout = errors.New("mqtt operation timed out")
)

// Transport is the MQTT stub and skeleton provider.
type Transport struct {
	cfg     Config
	client  paho.Client
	limiter *rate.Limiter
	logger  zerolog.Logger

	mu            sync.Mutex
	receiver      transport.Receiver
	subscriptions map[string]int
	started       bool
	closed        bool
}

// New creates a transport with its own Paho client.
func New(cfg Config, logger zerolog.Logger) (*Transport, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: mqtt: %v", transport.ErrConfiguration, err)
	}

	t := newTransport(cfg, logger)
	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURI).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetKeepAlive(cfg.KeepAlive).
		SetOrderMatters(false).
		SetOnConnectHandler(func(paho.Client) { t.resubscribe() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Warn().Err(err).Str("broker", cfg.BrokerURI).Msg("mqtt connection lost")
		})
	t.client = paho.NewClient(opts)
	return t, nil
}

// NewWithClient creates a transport around an existing client.
func NewWithClient(cfg Config, client paho.Client, logger zerolog.Logger) (*Transport, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: mqtt: %v", transport.ErrConfiguration, err)
	}
	t := newTransport(cfg, logger)
	t.client = client
	return t, nil
}

func newTransport(cfg Config, logger zerolog.Logger) *Transport {
	t := &Transport{
		cfg:           cfg,
		logger:        logger,
		subscriptions: make(map[string]int),
	}
	if cfg.PublishRate > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(cfg.PublishRate), cfg.PublishBurst)
	}
	return t
}

// OwnAddress is the global address other nodes use to reach us.
func (t *Transport) OwnAddress() address.Address {
	return address.Mqtt(t.cfg.BrokerURI, t.cfg.OwnTopic)
}

// SkeletonConstructor binds the transport to the router as its skeleton.
func (t *Transport) SkeletonConstructor() transport.SkeletonConstructor {
	return func(receiver transport.Receiver) (transport.Skeleton, error) {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.receiver = receiver
		return t, nil
	}
}

// StubConstructor returns the constructor for stubs to MQTT addresses.
func (t *Transport) StubConstructor() transport.StubConstructor {
	return func(addr address.Address) (transport.Stub, error) {
		if addr.Kind != address.KindMqtt {
			return nil, fmt.Errorf("%w: mqtt stub for %s", transport.ErrConfiguration, addr.Kind)
		}
		return &Stub{transport: t, addr: addr}, nil
	}
}

// MulticastAddressCalculator returns the calculator publishing local multicasts to the broker.
func (t *Transport) MulticastAddressCalculator() transport.MulticastAddressCalculator {
	return &multicastCalculator{brokerURI: t.cfg.BrokerURI}
}

// Start connects and subscribes to our own topic.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	closed, started := t.closed, t.started
	t.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	if started {
		return nil
	}

	if !t.client.IsConnectionOpen() {
		if err := t.wait(ctx, t.client.Connect(), t.cfg.ConnectTimeout); err != nil {
			return fmt.Errorf("failed to connect to %s: %w", t.cfg.BrokerURI, err)
		}
	}
	ownFilter := t.cfg.OwnTopic + "/#"
	if err := t.subscribe(ctx, ownFilter); err != nil {
		return err
	}

	t.mu.Lock()
	t.subscriptions[ownFilter]++
	t.started = true
	t.mu.Unlock()
	t.logger.Info().Str("broker", t.cfg.BrokerURI).Str("topic", t.cfg.OwnTopic).Msg("mqtt transport started")
	return nil
}

func (t *Transport) subscribe(ctx context.Context, topic string) error {
	token := t.client.Subscribe(topic, t.cfg.QoS, t.onMessage)
	if err := t.wait(ctx, token, t.cfg.PublishTimeout); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	return nil
}

// resubscribe restores every subscription after a reconnect.
func (t *Transport) resubscribe() {
	t.mu.Lock()
	topics := make([]string, 0, len(t.subscriptions))
	for topic := range t.subscriptions {
		topics = append(topics, topic)
	}
	t.mu.Unlock()

	for _, topic := range topics {
		if err := t.subscribe(context.Background(), topic); err != nil {
			t.logger.Error().Err(err).Msg("failed to restore subscription")
		}
	}
}

func (t *Transport) onMessage(_ paho.Client, m paho.Message) {
	t.mu.Lock()
	receiver := t.receiver
	t.mu.Unlock()
	if receiver == nil {
		t.logger.Error().Str("topic", m.Topic()).Msg("dropping mqtt message: no receiver bound")
		return
	}

	messages, err := message.Split(m.Payload())
	if err != nil {
		t.logger.Error().Err(err).Str("topic", m.Topic()).Int("parsed", len(messages)).Msg("malformed mqtt payload, remaining envelopes dropped")
	}
	for _, msg := range messages {
		if err := receiver.RouteIn(context.Background(), msg.WithReceivedFromGlobal(true)); err != nil {
			t.logger.Warn().Err(err).Object("msg", msg).Msg("failed to route inbound message")
		}
	}
}

// SubscribeMulticast subscribes to the topic filter of a multicast id.
// Subscriptions are reference counted.
func (t *Transport) SubscribeMulticast(ctx context.Context, multicastID string) error {
	topic := MulticastTopic(multicastID)

	t.mu.Lock()
	t.subscriptions[topic]++
	first := t.subscriptions[topic] == 1
	t.mu.Unlock()

	if !first {
		return nil
	}
	if err := t.subscribe(ctx, topic); err != nil {
		t.mu.Lock()
		t.decrement(topic)
		t.mu.Unlock()
		return err
	}
	return nil
}

// UnsubscribeMulticast drops one reference to the multicast subscription.
func (t *Transport) UnsubscribeMulticast(ctx context.Context, multicastID string) error {
	topic := MulticastTopic(multicastID)

	t.mu.Lock()
	if t.subscriptions[topic] == 0 {
		t.mu.Unlock()
		return nil
	}
	last := t.decrement(topic)
	t.mu.Unlock()

	if !last {
		return nil
	}
	return t.wait(ctx, t.client.Unsubscribe(topic), t.cfg.PublishTimeout)
}

// decrement must be called with mu held; it reports whether the last reference went away.
func (t *Transport) decrement(topic string) bool {
	t.subscriptions[topic]--
	if t.subscriptions[topic] <= 0 {
		delete(t.subscriptions, topic)
		return true
	}
	return false
}

// Subscriptions returns the subscribed topic filters.
func (t *Transport) Subscriptions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	topics := make([]string, 0, len(t.subscriptions))
	for topic := range t.subscriptions {
		topics = append(topics, topic)
	}
	return topics
}

// Close disconnects from the broker. Close is idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.client.IsConnected() {
		t.client.Disconnect(250)
	}
	return nil
}

// wait blocks until token completes, ctx ends or timeout passes.
func (t *Transport) wait(ctx context.Context, token paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrTimeout
	}
}

// MulticastTopic maps a multicast id or pattern to an MQTT topic filter:
// a trailing or bare "*" becomes "#", "+" is kept as is.
func MulticastTopic(multicastID string) string {
	if multicastID == "*" {
		return "#"
	}
	if strings.HasSuffix(multicastID, "/*") {
		return strings.TrimSuffix(multicastID, "*") + "#"
	}
	return multicastID
}

// Stub publishes to one MQTT address.
type Stub struct {
	transport *Transport
	addr      address.Address
}

// Transmit publishes the envelope. Broker unavailability and timeouts are
// transient; oversized envelopes and foreign brokers are permanent.
func (s *Stub) Transmit(ctx context.Context, msg *message.Message) error {
	t := s.transport
	if s.addr.BrokerURI != t.cfg.BrokerURI {
		return transport.NotSent(fmt.Errorf("no connection to broker %s", s.addr.BrokerURI))
	}
	if t.cfg.MaxMessageSize > 0 && msg.Size() > t.cfg.MaxMessageSize {
		return transport.NotSent(fmt.Errorf("envelope of %d bytes exceeds limit of %d", msg.Size(), t.cfg.MaxMessageSize))
	}
	if !t.client.IsConnectionOpen() {
		return transport.Delay(ErrNotConnected, t.cfg.ReconnectDelay)
	}
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return transport.Delay(fmt.Errorf("publish rate limited: %w", err), 0)
		}
	}

	token := t.client.Publish(s.addr.Topic, t.cfg.QoS, false, msg.Bytes())
	if err := t.wait(ctx, token, t.cfg.PublishTimeout); err != nil {
		return transport.Delay(err, 0)
	}
	return nil
}

// Close is a no-op; the client belongs to the transport.
func (s *Stub) Close() error { return nil }

type multicastCalculator struct {
	brokerURI string
}

func (c *multicastCalculator) Supports(msg *message.Message) bool {
	return msg.IsMulticast() && !msg.ReceivedFromGlobal()
}

func (c *multicastCalculator) Calculate(msg *message.Message) (address.Address, bool) {
	if msg.Recipient() == "" {
		return address.Address{}, false
	}
	return address.Mqtt(c.brokerURI, MulticastTopic(msg.Recipient())), true
}

// Verify types implement the transport interfaces at compile time
var (
	_ transport.Skeleton            = (*Transport)(nil)
	_ transport.MulticastSubscriber = (*Transport)(nil)
	_ transport.Stub                = (*Stub)(nil)
)
