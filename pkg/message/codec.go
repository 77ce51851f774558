package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// Version is the envelope format version written by this package.
const Version = 1

const (
	sizeFieldLen = 4
	flagsOffset  = sizeFieldLen + 1
	ttlOffset    = sizeFieldLen + 2
	flagTTLAbs   = 1 << 0

	// minimum envelope: size, version, flags, ttl, four empty strings, header count, payload length
	minEnvelopeLen = sizeFieldLen + 1 + 1 + 8 + 4*2 + 2 + 4
)

// ErrMalformedEnvelope is returned when bytes cannot be parsed as an envelope.
var ErrMalformedEnvelope = errors.New("malformed envelope")

func encode(m *Message, now time.Time) ([]byte, error) {
	ttl := m.expiryDateMs
	var flags byte
	if m.ttlAbsolute {
		flags |= flagTTLAbs
	} else {
		// negative once expired, so the receiver sees it expired too
		ttl = m.expiryDateMs - now.UnixMilli()
	}

	buf := make([]byte, sizeFieldLen, minEnvelopeLen+len(m.payload)+64)
	buf = append(buf, Version, flags)
	buf = binary.BigEndian.AppendUint64(buf, uint64(ttl))

	var err error
	for _, s := range []string{m.id, m.sender, m.recipient, string(m.msgType)} {
		if buf, err = appendString(buf, s); err != nil {
			return nil, err
		}
	}

	if len(m.headers) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: too many headers (%d)", ErrInvalidMessage, len(m.headers))
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(m.headers)))

	// sorted for a deterministic encoding
	keys := make([]string, 0, len(m.headers))
	for k := range m.headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if buf, err = appendString(buf, k); err != nil {
			return nil, err
		}
		if buf, err = appendString(buf, m.headers[k]); err != nil {
			return nil, err
		}
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.payload)))
	buf = append(buf, m.payload...)

	if len(buf) > math.MaxInt32 {
		return nil, fmt.Errorf("%w: envelope too large (%d bytes)", ErrInvalidMessage, len(buf))
	}
	binary.BigEndian.PutUint32(buf[:sizeFieldLen], uint32(len(buf)))
	return buf, nil
}

func appendString(buf []byte, s string) ([]byte, error) {
	if len(s) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: field longer than %d bytes", ErrInvalidMessage, math.MaxUint16)
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...), nil
}

// reader walks an envelope, remembering the first error.
type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.data) {
		r.err = fmt.Errorf("%w: unexpected end of envelope at offset %d", ErrMalformedEnvelope, r.pos)
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) u8() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) i64() int64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func (r *reader) str() string {
	n := int(r.u16())
	return string(r.take(n))
}

// Parse decodes exactly one envelope. The declared size must match len(data).
func Parse(data []byte) (*Message, error) {
	return parseAt(data, time.Now())
}

func parseAt(data []byte, now time.Time) (*Message, error) {
	if len(data) < sizeFieldLen {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the size field", ErrMalformedEnvelope, len(data))
	}
	size := int32(binary.BigEndian.Uint32(data))
	if size <= 0 || int(size) != len(data) {
		return nil, fmt.Errorf("%w: declared size %d does not match %d bytes", ErrMalformedEnvelope, size, len(data))
	}

	r := &reader{data: data, pos: sizeFieldLen}
	version := r.u8()
	if r.err == nil && version != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedEnvelope, version)
	}
	flags := r.u8()
	ttl := r.i64()

	m := &Message{
		id:          r.str(),
		sender:      r.str(),
		recipient:   r.str(),
		msgType:     Type(r.str()),
		ttlAbsolute: flags&flagTTLAbs != 0,
	}

	count := int(r.u16())
	m.headers = make(map[string]string, count)
	for i := 0; i < count && r.err == nil; i++ {
		k := r.str()
		m.headers[k] = r.str()
	}

	payloadLen := r.u32()
	if payloadLen > math.MaxInt32 {
		return nil, fmt.Errorf("%w: payload length %d out of range", ErrMalformedEnvelope, payloadLen)
	}
	if payload := r.take(int(payloadLen)); len(payload) > 0 {
		m.payload = make([]byte, len(payload))
		copy(m.payload, payload)
	}

	if r.err != nil {
		return nil, r.err
	}
	if r.pos != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedEnvelope, len(data)-r.pos)
	}
	if m.id == "" || m.recipient == "" || m.msgType == "" {
		return nil, fmt.Errorf("%w: missing id, recipient or type", ErrMalformedEnvelope)
	}

	if m.ttlAbsolute {
		m.expiryDateMs = ttl
	} else {
		m.expiryDateMs = now.UnixMilli() + ttl
	}

	m.raw = make([]byte, len(data))
	copy(m.raw, data)
	return m, nil
}

// Split recovers the envelopes concatenated in buf by following each declared
// size. Splitting stops at the first envelope whose declared size is not
// positive, runs past the end of buf, or fails to parse; the messages parsed
// so far are returned together with an error wrapping ErrMalformedEnvelope.
func Split(buf []byte) ([]*Message, error) {
	now := time.Now()
	var messages []*Message
	for offset := 0; offset < len(buf); {
		rest := buf[offset:]
		if len(rest) < sizeFieldLen {
			return messages, fmt.Errorf("%w: %d stray bytes at offset %d", ErrMalformedEnvelope, len(rest), offset)
		}
		size := int32(binary.BigEndian.Uint32(rest))
		if size <= 0 {
			return messages, fmt.Errorf("%w: non-positive size %d at offset %d", ErrMalformedEnvelope, size, offset)
		}
		if int(size) > len(rest) {
			return messages, fmt.Errorf("%w: size %d at offset %d exceeds remaining %d bytes", ErrMalformedEnvelope, size, offset, len(rest))
		}
		m, err := parseAt(rest[:size], now)
		if err != nil {
			return messages, fmt.Errorf("envelope at offset %d: %w", offset, err)
		}
		messages = append(messages, m)
		offset += int(size)
	}
	return messages, nil
}

// Join concatenates envelopes into one frame that Split can take apart.
func Join(messages ...*Message) []byte {
	now := time.Now()
	total := 0
	for _, m := range messages {
		total += len(m.raw)
	}
	out := make([]byte, 0, total)
	for _, m := range messages {
		out = append(out, m.bytesAt(now)...)
	}
	return out
}
