package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/meshrouter/pkg/address"
)

// Type classifies a message for routing and persistence decisions.
type Type string

const (
	TypeOneWay                       Type = "oneWay"
	TypeRequest                      Type = "request"
	TypeReply                        Type = "reply"
	TypeSubscriptionRequest          Type = "subscriptionRequest"
	TypeBroadcastSubscriptionRequest Type = "broadcastSubscriptionRequest"
	TypeMulticastSubscriptionRequest Type = "multicastSubscriptionRequest"
	TypeSubscriptionReply            Type = "subscriptionReply"
	TypeSubscriptionStop             Type = "subscriptionStop"
	TypePublication                  Type = "publication"
	TypeMulticast                    Type = "multicast"
)

// IsRequest reports whether the type expects a reply from the recipient.
func (t Type) IsRequest() bool {
	switch t {
	case TypeRequest, TypeSubscriptionRequest, TypeBroadcastSubscriptionRequest, TypeMulticastSubscriptionRequest:
		return true
	}
	return false
}

// IsMulticast reports whether the recipient is a multicast id rather than a participant.
func (t Type) IsMulticast() bool {
	return t == TypeMulticast
}

// Well known header keys.
const (
	HeaderReplyTo     = "replyTo"
	HeaderEffort      = "effort"
	HeaderAccessToken = "ac-token"
)

// ErrInvalidMessage is returned when a message cannot be sealed.
var ErrInvalidMessage = errors.New("invalid message")

// NewID returns a fresh message id.
func NewID() string {
	return uuid.NewString()
}

// Message is a sealed, immutable envelope.
type Message struct {
	id           string
	sender       string
	recipient    string
	msgType      Type
	expiryDateMs int64
	ttlAbsolute  bool
	headers      map[string]string
	payload      []byte
	raw          []byte

	receivedFromGlobal bool
}

// ID returns the message id.
func (m *Message) ID() string { return m.id }

// Sender returns the participant id of the sender.
func (m *Message) Sender() string { return m.sender }

// Recipient returns the participant id of the recipient, or the multicast id.
func (m *Message) Recipient() string { return m.recipient }

// Type returns the message type.
func (m *Message) Type() Type { return m.msgType }

// ExpiryDateMs returns the absolute expiry in epoch milliseconds.
func (m *Message) ExpiryDateMs() int64 { return m.expiryDateMs }

// ExpiryDate returns the absolute expiry.
func (m *Message) ExpiryDate() time.Time { return time.UnixMilli(m.expiryDateMs) }

// IsTTLAbsolute reports whether the ttl was carried as an absolute date on the wire.
func (m *Message) IsTTLAbsolute() bool { return m.ttlAbsolute }

// IsExpired reports whether the message expiry lies before now.
func (m *Message) IsExpired(now time.Time) bool {
	return m.expiryDateMs < now.UnixMilli()
}

// IsMulticast reports whether the message is a multicast publication.
func (m *Message) IsMulticast() bool { return m.msgType.IsMulticast() }

// IsRequest reports whether the message expects a reply.
func (m *Message) IsRequest() bool { return m.msgType.IsRequest() }

// ReceivedFromGlobal reports whether a global transport delivered the message to us.
func (m *Message) ReceivedFromGlobal() bool { return m.receivedFromGlobal }

// WithReceivedFromGlobal returns a copy of the message carrying the given flag.
// The flag is local routing state and is not serialized.
func (m *Message) WithReceivedFromGlobal(received bool) *Message {
	clone := *m
	clone.receivedFromGlobal = received
	return &clone
}

// Header returns a single header value.
func (m *Message) Header(key string) (string, bool) {
	v, ok := m.headers[key]
	return v, ok
}

// Headers returns a copy of all headers.
func (m *Message) Headers() map[string]string {
	result := make(map[string]string, len(m.headers))
	for k, v := range m.headers {
		result[k] = v
	}
	return result
}

// ReplyTo decodes the replyTo header, if present and well formed.
func (m *Message) ReplyTo() (address.Address, bool) {
	raw, ok := m.headers[HeaderReplyTo]
	if !ok || raw == "" {
		return address.Address{}, false
	}
	addr, err := address.ParseJSON([]byte(raw))
	if err != nil {
		return address.Address{}, false
	}
	return addr, true
}

// Payload returns a copy of the payload.
func (m *Message) Payload() []byte {
	if m.payload == nil {
		return nil
	}
	result := make([]byte, len(m.payload))
	copy(result, m.payload)
	return result
}

// Bytes returns a copy of the serialized envelope. A relative ttl is
// written as the time remaining until the expiry date.
func (m *Message) Bytes() []byte {
	return m.bytesAt(time.Now())
}

func (m *Message) bytesAt(now time.Time) []byte {
	result := make([]byte, len(m.raw))
	copy(result, m.raw)
	if !m.ttlAbsolute {
		binary.BigEndian.PutUint64(result[ttlOffset:], uint64(m.expiryDateMs-now.UnixMilli()))
	}
	return result
}

// WithAbsoluteTTL returns a copy of the message whose envelope carries the
// expiry date instead of a relative ttl.
func (m *Message) WithAbsoluteTTL() *Message {
	if m.ttlAbsolute {
		return m
	}
	clone := *m
	clone.ttlAbsolute = true
	clone.raw = make([]byte, len(m.raw))
	copy(clone.raw, m.raw)
	clone.raw[flagsOffset] |= flagTTLAbs
	binary.BigEndian.PutUint64(clone.raw[ttlOffset:], uint64(m.expiryDateMs))
	return &clone
}

// Size returns the length of the serialized envelope.
func (m *Message) Size() int { return len(m.raw) }

// TrackingInfo returns a short description for log lines.
func (m *Message) TrackingInfo() string {
	return fmt.Sprintf("messageId=%s, type=%s, sender=%s, recipient=%s, expiryDate=%d, size=%d",
		m.id, m.msgType, m.sender, m.recipient, m.expiryDateMs, len(m.raw))
}

// MarshalZerologObject lets a message be attached to log events with Object.
func (m *Message) MarshalZerologObject(e *zerolog.Event) {
	e.Str("messageId", m.id).
		Str("type", string(m.msgType)).
		Str("sender", m.sender).
		Str("recipient", m.recipient).
		Int64("expiryDateMs", m.expiryDateMs).
		Int("size", len(m.raw))
}

// Mutable is the editable form of a message. Seal it with Immutable.
type Mutable struct {
	ID          string
	Sender      string
	Recipient   string
	Type        Type
	ExpiryDate  time.Time
	TTLAbsolute bool
	Headers     map[string]string
	Payload     []byte
}

// NewMutable returns a message of the given type expiring after ttl.
func NewMutable(msgType Type, sender, recipient string, ttl time.Duration, payload []byte) *Mutable {
	return &Mutable{
		ID:          NewID(),
		Sender:      sender,
		Recipient:   recipient,
		Type:        msgType,
		ExpiryDate:  time.Now().Add(ttl),
		TTLAbsolute: true,
		Headers:     make(map[string]string),
		Payload:     payload,
	}
}

// SetReplyTo stores the sender's own global address in the replyTo header.
func (mm *Mutable) SetReplyTo(addr address.Address) error {
	data, err := addr.MarshalJSON()
	if err != nil {
		return err
	}
	if mm.Headers == nil {
		mm.Headers = make(map[string]string)
	}
	mm.Headers[HeaderReplyTo] = string(data)
	return nil
}

// Immutable validates and serializes the message.
func (mm *Mutable) Immutable() (*Message, error) {
	if mm.ID == "" {
		mm.ID = NewID()
	}
	if mm.Recipient == "" {
		return nil, fmt.Errorf("%w: recipient is required", ErrInvalidMessage)
	}
	if mm.Type == "" {
		return nil, fmt.Errorf("%w: type is required", ErrInvalidMessage)
	}
	if mm.ExpiryDate.IsZero() {
		return nil, fmt.Errorf("%w: expiry date is required", ErrInvalidMessage)
	}

	headers := make(map[string]string, len(mm.Headers))
	for k, v := range mm.Headers {
		headers[k] = v
	}
	var payload []byte
	if mm.Payload != nil {
		payload = make([]byte, len(mm.Payload))
		copy(payload, mm.Payload)
	}

	m := &Message{
		id:           mm.ID,
		sender:       mm.Sender,
		recipient:    mm.Recipient,
		msgType:      mm.Type,
		expiryDateMs: mm.ExpiryDate.UnixMilli(),
		ttlAbsolute:  mm.TTLAbsolute,
		headers:      headers,
		payload:      payload,
	}

	raw, err := encode(m, time.Now())
	if err != nil {
		return nil, err
	}
	m.raw = raw
	return m, nil
}
