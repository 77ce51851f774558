package websocket

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/meshrouter/pkg/address"
	"github.com/rmacdonaldsmith/meshrouter/pkg/message"
	"github.com/rmacdonaldsmith/meshrouter/pkg/transport"
)

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

func (r *recordingReceiver) snapshot() []*message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*message.Message(nil), r.messages...)
}

func newMessage(t *testing.T, recipient string) *message.Message {
	t.Helper()
	msg, err := message.NewMutable(message.TypeRequest, "sender", recipient, time.Minute, []byte("payload")).Immutable()
	require.NoError(t, err)
	return msg
}

func startServer(t *testing.T) (*Server, *recordingReceiver, address.Address) {
	t.Helper()
	server, err := NewServer(ServerConfig{ListenAddr: "127.0.0.1:0", Path: "/mesh"}, zerolog.Nop())
	require.NoError(t, err)

	receiver := &recordingReceiver{}
	sk, err := server.SkeletonConstructor()(receiver)
	require.NoError(t, err)
	require.NoError(t, sk.Start(context.Background()))
	t.Cleanup(func() { server.Close() })

	port := server.Addr().(*net.TCPAddr).Port
	return server, receiver, address.WebSocket("ws", "127.0.0.1", port, "/mesh")
}

// TestClientServerExchange tests envelopes in both directions over a real connection
func TestClientServerExchange(t *testing.T) {
	server, serverReceiver, serverAddr := startServer(t)

	client, err := NewClient(ClientConfig{ClientID: "lib-1", Parent: &serverAddr}, zerolog.Nop())
	require.NoError(t, err)
	clientReceiver := &recordingReceiver{}
	sk, err := client.SkeletonConstructor()(clientReceiver)
	require.NoError(t, err)
	require.NoError(t, sk.Start(context.Background()))
	defer client.Close()

	require.Eventually(t, func() bool {
		return len(server.ConnectedClients()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// library -> controller
	up, err := client.StubConstructor()(serverAddr)
	require.NoError(t, err)
	sent := newMessage(t, "provider")
	require.NoError(t, up.Transmit(context.Background(), sent))

	require.Eventually(t, func() bool { return len(serverReceiver.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := serverReceiver.snapshot()[0]
	assert.Equal(t, sent.ID(), got.ID())
	assert.False(t, got.ReceivedFromGlobal())

	// controller -> library
	down, err := server.StubConstructor()(client.OwnAddress())
	require.NoError(t, err)
	reply := newMessage(t, "consumer")
	require.NoError(t, down.Transmit(context.Background(), reply))

	require.Eventually(t, func() bool { return len(clientReceiver.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got = clientReceiver.snapshot()[0]
	assert.Equal(t, reply.ID(), got.ID())
	assert.True(t, got.ReceivedFromGlobal())
}

// TestServerSplitsFrames tests that one frame may carry several envelopes
func TestServerSplitsFrames(t *testing.T) {
	_, receiver, serverAddr := startServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(serverAddr.URL(), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"websocketclient","id":"raw"}`)))
	a, b := newMessage(t, "p1"), newMessage(t, "p2")
	frame := append(message.Join(a, b), 0, 0, 0, 0)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))

	require.Eventually(t, func() bool { return len(receiver.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	msgs := receiver.snapshot()
	assert.Equal(t, a.ID(), msgs[0].ID())
	assert.Equal(t, b.ID(), msgs[1].ID())
}

// TestServerRejectsBadAnnouncement tests that clients must announce a WebSocketClient address
func TestServerRejectsBadAnnouncement(t *testing.T) {
	server, _, serverAddr := startServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(serverAddr.URL(), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"mqtt","brokerUri":"tcp://b","topic":"t"}`)))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
	assert.Empty(t, server.ConnectedClients())
}

// TestClientStubNotConnected tests the transient error for unknown clients
func TestClientStubNotConnected(t *testing.T) {
	server, _, _ := startServer(t)
	stub, err := server.StubConstructor()(address.WebSocketClient("nobody"))
	require.NoError(t, err)

	err = stub.Transmit(context.Background(), newMessage(t, "p"))
	assert.ErrorIs(t, err, ErrClientNotConnected)
	_, ok := transport.SuggestedDelay(err)
	assert.False(t, ok)
	assert.False(t, transport.IsPermanent(err))
}

// TestServerStubDialFailure tests that an unreachable server is a transient failure
func TestServerStubDialFailure(t *testing.T) {
	client, err := NewClient(ClientConfig{ClientID: "lib"}, zerolog.Nop())
	require.NoError(t, err)
	defer client.Close()

	stub, err := client.StubConstructor()(address.WebSocket("ws", "127.0.0.1", 1, "/"))
	require.NoError(t, err)
	err = stub.Transmit(context.Background(), newMessage(t, "p"))
	require.Error(t, err)
	assert.False(t, transport.IsPermanent(err))
}

// TestConfigValidation tests server and client configuration checks
func TestConfigValidation(t *testing.T) {
	_, err := NewServer(ServerConfig{}, zerolog.Nop())
	assert.ErrorIs(t, err, transport.ErrConfiguration)

	_, err = NewClient(ClientConfig{}, zerolog.Nop())
	assert.ErrorIs(t, err, transport.ErrConfiguration)

	mqtt := address.Mqtt("tcp://b:1883", "t")
	_, err = NewClient(ClientConfig{ClientID: "x", Parent: &mqtt}, zerolog.Nop())
	assert.ErrorIs(t, err, transport.ErrConfiguration)

	server, err := NewServer(ServerConfig{ListenAddr: "127.0.0.1:0"}, zerolog.Nop())
	require.NoError(t, err)
	_, err = server.StubConstructor()(address.InProcess("x"))
	assert.ErrorIs(t, err, transport.ErrConfiguration)
	require.NoError(t, server.Close())
	require.NoError(t, server.Close())
	assert.ErrorIs(t, server.Start(context.Background()), transport.ErrClosed)

	_, err = NewServer(ServerConfig{ListenAddr: "127.0.0.1:0", Protocol: "http"}, zerolog.Nop())
	assert.ErrorIs(t, err, transport.ErrConfiguration)
}

// TestServerOwnAddress tests the address peers use to reach the server
func TestServerOwnAddress(t *testing.T) {
	server, _, addr := startServer(t)
	assert.Equal(t, addr, server.OwnAddress())

	advertised, err := NewServer(ServerConfig{ListenAddr: ":4242", Path: "/mesh", AdvertisedHost: "controller.local", Protocol: "wss"}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, address.WebSocket("wss", "controller.local", 4242, "/mesh"), advertised.OwnAddress())

	unnamed, err := NewServer(ServerConfig{ListenAddr: ":4242"}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, address.WebSocket("ws", "localhost", 4242, "/"), unnamed.OwnAddress())
}
