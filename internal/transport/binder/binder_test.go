package binder

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

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

func (r *recordingReceiver) received() []*message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*message.Message(nil), r.messages...)
}

func startTransport(t *testing.T, cfg Config) (*Transport, *recordingReceiver) {
	t.Helper()
	tr, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)

	receiver := &recordingReceiver{}
	_, err = tr.SkeletonConstructor()(receiver)
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(func() { _ = tr.Close() })
	return tr, receiver
}

func newTestMessage(t *testing.T, recipient string) *message.Message {
	t.Helper()
	msg, err := message.NewMutable(message.TypeRequest, "app", recipient, time.Minute, []byte("ping")).Immutable()
	require.NoError(t, err)
	return msg
}

// TestTransmitBetweenSockets tests a message crossing from an app to the controller
func TestTransmitBetweenSockets(t *testing.T) {
	dir := t.TempDir()
	controller, controllerIn := startTransport(t, Config{SocketDir: dir, PackageName: "io.mesh.controller", UserID: 0})
	app, appIn := startTransport(t, Config{SocketDir: dir, PackageName: "io.mesh.app", UserID: 10, Upstream: true})

	stub, err := app.StubConstructor()(controller.OwnAddress())
	require.NoError(t, err)
	msg := newTestMessage(t, "provider")
	require.NoError(t, stub.Transmit(context.Background(), msg))

	require.Eventually(t, func() bool { return len(controllerIn.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := controllerIn.received()[0]
	assert.Equal(t, msg.ID(), got.ID())
	assert.Equal(t, msg.Payload(), got.Payload())
	assert.False(t, got.ReceivedFromGlobal())

	// the app treats the controller as its parent
	back, err := controller.StubConstructor()(app.OwnAddress())
	require.NoError(t, err)
	require.NoError(t, back.Transmit(context.Background(), newTestMessage(t, "app")))
	require.Eventually(t, func() bool { return len(appIn.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, appIn.received()[0].ReceivedFromGlobal())

	require.NoError(t, stub.Close())
	require.NoError(t, stub.Transmit(context.Background(), newTestMessage(t, "provider")))
	require.Eventually(t, func() bool { return len(controllerIn.received()) == 2 }, 2*time.Second, 10*time.Millisecond)
}

// TestTransmitToMissingSocket tests that an absent peer is a transient failure
func TestTransmitToMissingSocket(t *testing.T) {
	cfg := Config{SocketDir: t.TempDir(), PackageName: "io.mesh.app", CallTimeout: 200 * time.Millisecond}
	app, _ := startTransport(t, cfg)

	stub, err := app.StubConstructor()(address.Binder("io.mesh.absent", 3))
	require.NoError(t, err)
	err = stub.Transmit(context.Background(), newTestMessage(t, "p"))
	require.Error(t, err)
	assert.False(t, transport.IsPermanent(err))
}

// TestMalformedFrameIsRejected tests the handler's response to garbage
func TestMalformedFrameIsRejected(t *testing.T) {
	tr, receiver := startTransport(t, Config{SocketDir: t.TempDir(), PackageName: "io.mesh.controller"})
	h := &handler{transport: tr}

	_, err := h.Transmit(context.Background(), wrapperspb.Bytes([]byte{0, 0, 0, 9, 1}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	good := newTestMessage(t, "p")
	frame := append(message.Join(good), 0xff, 0xff)
	_, err = h.Transmit(context.Background(), wrapperspb.Bytes(frame))
	require.NoError(t, err)
	require.Len(t, receiver.received(), 1)
	assert.Equal(t, good.ID(), receiver.received()[0].ID())
}

// TestCloseIsIdempotent tests shutdown behaviour
func TestCloseIsIdempotent(t *testing.T) {
	tr, _ := startTransport(t, Config{SocketDir: t.TempDir(), PackageName: "io.mesh.controller"})
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Start(context.Background()), transport.ErrClosed)

	stub, err := tr.StubConstructor()(address.Binder("io.mesh.app", 1))
	require.NoError(t, err)
	err = stub.Transmit(context.Background(), newTestMessage(t, "p"))
	assert.ErrorIs(t, err, transport.ErrClosed)
}

// TestConfigValidation tests rejected configurations
func TestConfigValidation(t *testing.T) {
	bad := []Config{
		{PackageName: "p"},
		{SocketDir: "/tmp"},
		{SocketDir: "/tmp", PackageName: "p", UserID: -1},
	}
	for _, cfg := range bad {
		_, err := New(cfg, zerolog.Nop())
		assert.ErrorIs(t, err, transport.ErrConfiguration)
	}

	tr, err := New(Config{SocketDir: t.TempDir(), PackageName: "p"}, zerolog.Nop())
	require.NoError(t, err)
	_, err = tr.StubConstructor()(address.InProcess("x"))
	assert.ErrorIs(t, err, transport.ErrConfiguration)
	assert.Equal(t, "p.0.sock", SocketPath("", tr.OwnAddress()))
}
