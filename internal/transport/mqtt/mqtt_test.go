package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/meshrouter/pkg/address"
	"github.com/rmacdonaldsmith/meshrouter/pkg/message"
	"github.com/rmacdonaldsmith/meshrouter/pkg/transport"
)

// fakeToken completes immediately with err.
type fakeToken struct {
	paho.Token
	err  error
	done chan struct{}
}

func newToken(err error) *fakeToken {
	done := make(chan struct{})
	close(done)
	return &fakeToken{err: err, done: done}
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

// pendingToken never completes.
type pendingToken struct {
	paho.Token
}

func (t *pendingToken) Done() <-chan struct{} { return make(chan struct{}) }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeClient records publications and subscriptions. Methods not overridden
// panic through the nil embedded interface.
type fakeClient struct {
	paho.Client

	mu            sync.Mutex
	connected     bool
	publishErr    error
	publishHang   bool
	published     []published
	subscriptions map[string]paho.MessageHandler
	unsubscribed  []string
	disconnects   int
}

func newFakeClient() *fakeClient {
	return &fakeClient{subscriptions: make(map[string]paho.MessageHandler)}
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *fakeClient) Connect() paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return newToken(nil)
}

func (c *fakeClient) Disconnect(quiesce uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnects++
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishHang {
		return &pendingToken{}
	}
	c.published = append(c.published, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return newToken(c.publishErr)
}

func (c *fakeClient) Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[topic] = callback
	return newToken(nil)
}

func (c *fakeClient) Unsubscribe(topics ...string) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		delete(c.subscriptions, topic)
	}
	c.unsubscribed = append(c.unsubscribed, topics...)
	return newToken(nil)
}

func (c *fakeClient) handler(topic string) paho.MessageHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptions[topic]
}

type fakeMessage struct {
	paho.Message
	topic   string
	payload []byte
}

func (m *fakeMessage) Topic() string   { return m.topic }
func (m *fakeMessage) Payload() []byte { return m.payload }

type recordingReceiver struct {
	mu       sync.Mutex
	messages []*message.Message
}

func (r *recordingReceiver) RouteIn(ctx context.Context, msg *message.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

func testConfig() Config {
	return Config{
		BrokerURI: "tcp://broker:1883",
		ClientID:  "cc-1",
		OwnTopic:  "cc/cc-1",
	}
}

func newTestMessage(t *testing.T, msgType message.Type, recipient string) *message.Message {
	t.Helper()
	msg, err := message.NewMutable(msgType, "provider", recipient, time.Minute, []byte("data")).Immutable()
	require.NoError(t, err)
	return msg
}

func startTransport(t *testing.T, cfg Config) (*Transport, *fakeClient, *recordingReceiver) {
	t.Helper()
	client := newFakeClient()
	tr, err := NewWithClient(cfg, client, zerolog.Nop())
	require.NoError(t, err)

	receiver := &recordingReceiver{}
	_, err = tr.SkeletonConstructor()(receiver)
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background()))
	return tr, client, receiver
}

// TestStartSubscribesOwnTopic tests connection and the own topic filter
func TestStartSubscribesOwnTopic(t *testing.T) {
	tr, client, _ := startTransport(t, testConfig())

	assert.True(t, client.IsConnected())
	assert.NotNil(t, client.handler("cc/cc-1/#"))
	assert.Equal(t, address.Mqtt("tcp://broker:1883", "cc/cc-1"), tr.OwnAddress())
	require.NoError(t, tr.Start(context.Background()))

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.Equal(t, 1, client.disconnects)
	assert.ErrorIs(t, tr.Start(context.Background()), transport.ErrClosed)
}

// TestInboundMessagesAreGlobal tests that received envelopes are split and flagged
func TestInboundMessagesAreGlobal(t *testing.T) {
	_, client, receiver := startTransport(t, testConfig())

	a := newTestMessage(t, message.TypeRequest, "p1")
	b := newTestMessage(t, message.TypeReply, "p2")
	client.handler("cc/cc-1/#")(client, &fakeMessage{topic: "cc/cc-1", payload: message.Join(a, b)})

	require.Len(t, receiver.messages, 2)
	assert.Equal(t, a.ID(), receiver.messages[0].ID())
	assert.True(t, receiver.messages[0].ReceivedFromGlobal())
	assert.True(t, receiver.messages[1].ReceivedFromGlobal())
}

// TestStubPublishes tests a successful publication
func TestStubPublishes(t *testing.T) {
	tr, client, _ := startTransport(t, testConfig())
	stub, err := tr.StubConstructor()(address.Mqtt("tcp://broker:1883", "cc/other"))
	require.NoError(t, err)

	msg := newTestMessage(t, message.TypeRequest, "p")
	require.NoError(t, stub.Transmit(context.Background(), msg))

	require.Len(t, client.published, 1)
	assert.Equal(t, "cc/other", client.published[0].topic)
	assert.Equal(t, byte(1), client.published[0].qos)
	assert.Equal(t, msg.Bytes(), client.published[0].payload)
}

// TestStubErrorMapping tests transient and permanent failures
func TestStubErrorMapping(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessageSize = 64
	cfg.ReconnectDelay = 3 * time.Second
	tr, client, _ := startTransport(t, cfg)
	stub, err := tr.StubConstructor()(address.Mqtt("tcp://broker:1883", "cc/other"))
	require.NoError(t, err)

	big, err := message.NewMutable(message.TypeRequest, "a", "b", time.Minute, make([]byte, 128)).Immutable()
	require.NoError(t, err)
	err = stub.Transmit(context.Background(), big)
	assert.True(t, transport.IsPermanent(err), "oversized envelope must not be retried")

	foreign, err := tr.StubConstructor()(address.Mqtt("tcp://elsewhere:1883", "t"))
	require.NoError(t, err)
	assert.True(t, transport.IsPermanent(foreign.Transmit(context.Background(), newTestMessage(t, message.TypeOneWay, "p"))))

	client.Disconnect(0)
	err = stub.Transmit(context.Background(), newTestMessage(t, message.TypeOneWay, "p"))
	assert.ErrorIs(t, err, ErrNotConnected)
	delay, ok := transport.SuggestedDelay(err)
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, delay)

	client.Connect()
	client.publishErr = errors.New("broker refused")
	err = stub.Transmit(context.Background(), newTestMessage(t, message.TypeOneWay, "p"))
	require.Error(t, err)
	assert.False(t, transport.IsPermanent(err))
}

// TestStubPublishTimeout tests that an unacknowledged publication is transient
func TestStubPublishTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.PublishTimeout = 20 * time.Millisecond
	tr, client, _ := startTransport(t, cfg)
	client.publishHang = true

	stub, err := tr.StubConstructor()(address.Mqtt("tcp://broker:1883", "cc/other"))
	require.NoError(t, err)
	err = stub.Transmit(context.Background(), newTestMessage(t, message.TypeOneWay, "p"))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.False(t, transport.IsPermanent(err))
}

// TestMulticastSubscriptions tests reference counted multicast subscriptions
func TestMulticastSubscriptions(t *testing.T) {
	tr, client, _ := startTransport(t, testConfig())
	ctx := context.Background()

	require.NoError(t, tr.SubscribeMulticast(ctx, "provider/temp/*"))
	require.NoError(t, tr.SubscribeMulticast(ctx, "provider/temp/*"))
	assert.NotNil(t, client.handler("provider/temp/#"))

	require.NoError(t, tr.UnsubscribeMulticast(ctx, "provider/temp/*"))
	assert.Empty(t, client.unsubscribed)
	require.NoError(t, tr.UnsubscribeMulticast(ctx, "provider/temp/*"))
	assert.Equal(t, []string{"provider/temp/#"}, client.unsubscribed)
	require.NoError(t, tr.UnsubscribeMulticast(ctx, "provider/temp/*"))

	assert.ElementsMatch(t, []string{"cc/cc-1/#"}, tr.Subscriptions())
}

// TestMulticastTopic tests the wildcard translation
func TestMulticastTopic(t *testing.T) {
	assert.Equal(t, "#", MulticastTopic("*"))
	assert.Equal(t, "a/b/#", MulticastTopic("a/b/*"))
	assert.Equal(t, "a/+/c", MulticastTopic("a/+/c"))
	assert.Equal(t, "a/b", MulticastTopic("a/b"))
}

// TestMulticastCalculator tests which multicasts are published to the broker
func TestMulticastCalculator(t *testing.T) {
	tr, _, _ := startTransport(t, testConfig())
	calc := tr.MulticastAddressCalculator()

	local := newTestMessage(t, message.TypeMulticast, "provider/temp")
	assert.True(t, calc.Supports(local))
	addr, ok := calc.Calculate(local)
	require.True(t, ok)
	assert.Equal(t, address.Mqtt("tcp://broker:1883", "provider/temp"), addr)

	assert.False(t, calc.Supports(local.WithReceivedFromGlobal(true)))
	assert.False(t, calc.Supports(newTestMessage(t, message.TypeRequest, "p")))
}

// TestConfigValidation tests rejected configurations
func TestConfigValidation(t *testing.T) {
	bad := []Config{
		{ClientID: "c", OwnTopic: "t"},
		{BrokerURI: "tcp://b:1883", OwnTopic: "t"},
		{BrokerURI: "tcp://b:1883", ClientID: "c"},
		{BrokerURI: "tcp://b:1883", ClientID: "c", OwnTopic: "t/#"},
		{BrokerURI: "tcp://b:1883", ClientID: "c", OwnTopic: "t", QoS: 3},
	}
	for _, cfg := range bad {
		_, err := NewWithClient(cfg, newFakeClient(), zerolog.Nop())
		assert.ErrorIs(t, err, transport.ErrConfiguration)
	}

	tr, err := New(testConfig(), zerolog.Nop())
	require.NoError(t, err)
	_, err = tr.StubConstructor()(address.WebSocketClient("x"))
	assert.ErrorIs(t, err, transport.ErrConfiguration)
}
