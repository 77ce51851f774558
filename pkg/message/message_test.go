package message

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/meshrouter/pkg/address"
)

func newTestMessage(t *testing.T, recipient string, payload string) *Message {
	t.Helper()
	mm := NewMutable(TypeRequest, "consumer-1", recipient, time.Minute, []byte(payload))
	mm.Headers["custom"] = "value"
	msg, err := mm.Immutable()
	require.NoError(t, err)
	return msg
}

// TestImmutableRoundTrip tests that a sealed message parses back to the same fields
func TestImmutableRoundTrip(t *testing.T) {
	original := newTestMessage(t, "provider-1", "hello")

	parsed, err := Parse(original.Bytes())
	require.NoError(t, err)

	assert.Equal(t, original.ID(), parsed.ID())
	assert.Equal(t, "consumer-1", parsed.Sender())
	assert.Equal(t, "provider-1", parsed.Recipient())
	assert.Equal(t, TypeRequest, parsed.Type())
	assert.Equal(t, original.ExpiryDateMs(), parsed.ExpiryDateMs())
	assert.True(t, parsed.IsTTLAbsolute())
	assert.Equal(t, []byte("hello"), parsed.Payload())
	assert.Equal(t, map[string]string{"custom": "value"}, parsed.Headers())
	assert.Equal(t, original.Bytes(), parsed.Bytes())
	assert.Equal(t, original.Size(), parsed.Size())
}

// TestRelativeTTL tests that a relative ttl is converted to an absolute expiry on receipt
func TestRelativeTTL(t *testing.T) {
	mm := NewMutable(TypeOneWay, "a", "b", 10*time.Second, nil)
	mm.TTLAbsolute = false
	msg, err := mm.Immutable()
	require.NoError(t, err)

	parsed, err := Parse(msg.Bytes())
	require.NoError(t, err)
	assert.False(t, parsed.IsTTLAbsolute())
	assert.InDelta(t, time.Now().Add(10*time.Second).UnixMilli(), parsed.ExpiryDateMs(), 1000)
	assert.Nil(t, parsed.Payload())
}

// TestRelativeTTLCountsDown tests that a re-serialized relative ttl never extends the expiry
func TestRelativeTTLCountsDown(t *testing.T) {
	mm := NewMutable(TypeRequest, "a", "b", time.Minute, []byte("x"))
	mm.TTLAbsolute = false
	msg, err := mm.Immutable()
	require.NoError(t, err)

	later := time.Now().Add(40 * time.Second)
	parsed, err := parseAt(msg.bytesAt(later), later)
	require.NoError(t, err)
	assert.False(t, parsed.IsTTLAbsolute())
	assert.Equal(t, msg.ExpiryDateMs(), parsed.ExpiryDateMs())

	// forwarded once more, after the expiry
	past := msg.ExpiryDate().Add(time.Second)
	again, err := parseAt(parsed.bytesAt(past), past)
	require.NoError(t, err)
	assert.Equal(t, msg.ExpiryDateMs(), again.ExpiryDateMs())
	assert.True(t, again.IsExpired(past))
}

// TestWithAbsoluteTTL tests conversion of a relative envelope to an absolute one
func TestWithAbsoluteTTL(t *testing.T) {
	mm := NewMutable(TypeOneWay, "a", "b", 300*time.Millisecond, nil)
	mm.TTLAbsolute = false
	msg, err := mm.Immutable()
	require.NoError(t, err)

	absolute := msg.WithAbsoluteTTL()
	assert.True(t, absolute.IsTTLAbsolute())
	assert.False(t, msg.IsTTLAbsolute())

	restored, err := parseAt(absolute.Bytes(), time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.True(t, restored.IsTTLAbsolute())
	assert.Equal(t, msg.ExpiryDateMs(), restored.ExpiryDateMs())
	assert.True(t, restored.IsExpired(time.Now().Add(time.Second)))

	sealed := newTestMessage(t, "p", "")
	assert.Same(t, sealed, sealed.WithAbsoluteTTL())
}

// TestImmutableValidation tests required fields
func TestImmutableValidation(t *testing.T) {
	mm := NewMutable(TypeRequest, "a", "", time.Second, nil)
	_, err := mm.Immutable()
	assert.ErrorIs(t, err, ErrInvalidMessage)

	mm = NewMutable("", "a", "b", time.Second, nil)
	_, err = mm.Immutable()
	assert.ErrorIs(t, err, ErrInvalidMessage)

	mm = &Mutable{Recipient: "b", Type: TypeReply}
	_, err = mm.Immutable()
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

// TestImmutability tests that accessors hand out copies
func TestImmutability(t *testing.T) {
	msg := newTestMessage(t, "p", "abc")

	payload := msg.Payload()
	payload[0] = 'X'
	assert.Equal(t, []byte("abc"), msg.Payload())

	headers := msg.Headers()
	headers["custom"] = "changed"
	v, _ := msg.Header("custom")
	assert.Equal(t, "value", v)

	raw := msg.Bytes()
	raw[5] = 0xFF
	assert.NotEqual(t, raw, msg.Bytes())
}

// TestReplyTo tests the replyTo header helpers
func TestReplyTo(t *testing.T) {
	mm := NewMutable(TypeRequest, "a", "b", time.Second, nil)
	replyTo := address.Mqtt("tcp://broker:1883", "replyto/a")
	require.NoError(t, mm.SetReplyTo(replyTo))
	msg, err := mm.Immutable()
	require.NoError(t, err)

	got, ok := msg.ReplyTo()
	require.True(t, ok)
	assert.Equal(t, replyTo, got)

	none := newTestMessage(t, "p", "")
	_, ok = none.ReplyTo()
	assert.False(t, ok)
}

// TestReceivedFromGlobal tests that the local flag does not touch the envelope
func TestReceivedFromGlobal(t *testing.T) {
	msg := newTestMessage(t, "p", "x")
	flagged := msg.WithReceivedFromGlobal(true)

	assert.False(t, msg.ReceivedFromGlobal())
	assert.True(t, flagged.ReceivedFromGlobal())
	assert.Equal(t, msg.Bytes(), flagged.Bytes())
}

// TestIsExpired tests expiry against a reference time
func TestIsExpired(t *testing.T) {
	msg := newTestMessage(t, "p", "")
	assert.False(t, msg.IsExpired(time.Now()))
	assert.True(t, msg.IsExpired(time.Now().Add(2*time.Minute)))
}

// TestTypeClassification tests request and multicast classification
func TestTypeClassification(t *testing.T) {
	assert.True(t, TypeRequest.IsRequest())
	assert.True(t, TypeSubscriptionRequest.IsRequest())
	assert.True(t, TypeMulticastSubscriptionRequest.IsRequest())
	assert.False(t, TypeOneWay.IsRequest())
	assert.False(t, TypeReply.IsRequest())
	assert.True(t, TypeMulticast.IsMulticast())
	assert.False(t, TypePublication.IsMulticast())
}

// TestSplit tests splitting concatenated envelopes
func TestSplit(t *testing.T) {
	a := newTestMessage(t, "p1", "first")
	b := newTestMessage(t, "p2", "second")
	c := newTestMessage(t, "p3", "")

	messages, err := Split(Join(a, b, c))
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, a.ID(), messages[0].ID())
	assert.Equal(t, b.ID(), messages[1].ID())
	assert.Equal(t, c.ID(), messages[2].ID())

	messages, err = Split(nil)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

// TestSplitTruncated tests that a truncated final envelope stops splitting after the complete ones
func TestSplitTruncated(t *testing.T) {
	a := newTestMessage(t, "p1", "first")
	b := newTestMessage(t, "p2", "second")

	buf := Join(a, b)
	buf = buf[:len(buf)-3]

	messages, err := Split(buf)
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
	require.Len(t, messages, 1)
	assert.Equal(t, a.ID(), messages[0].ID())
}

// TestSplitNonPositiveSize tests that a zero or negative declared size stops splitting
func TestSplitNonPositiveSize(t *testing.T) {
	a := newTestMessage(t, "p1", "first")

	for _, size := range []int32{0, -5} {
		bad := make([]byte, 8)
		binary.BigEndian.PutUint32(bad, uint32(size))
		buf := append(a.Bytes(), bad...)
		buf = append(buf, newTestMessage(t, "p2", "never reached").Bytes()...)

		messages, err := Split(buf)
		assert.ErrorIs(t, err, ErrMalformedEnvelope)
		require.Len(t, messages, 1)
		assert.Equal(t, a.ID(), messages[0].ID())
	}
}

// TestParseRejectsGarbage tests malformed inputs
func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse([]byte{0, 0})
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	msg := newTestMessage(t, "p", "x")
	raw := msg.Bytes()
	raw[4] = 9 // version
	_, err = Parse(raw)
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	raw = msg.Bytes()
	_, err = Parse(append(raw, 0))
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

// TestPendingDelivery tests destination bookkeeping
func TestPendingDelivery(t *testing.T) {
	msg := newTestMessage(t, "p", "")
	local := address.InProcess("dispatcher")
	remote := address.Mqtt("tcp://b:1883", "t")

	item := NewPendingDelivery(msg, []address.Address{local, remote})
	assert.Equal(t, msg.ID(), item.Key())
	assert.Equal(t, []address.Address{remote}, item.PersistableDestinations())

	item.RemoveDestination(local)
	assert.Equal(t, []address.Address{remote}, item.Destinations)
}
