// Package message provides the wire envelope routed between participants.
//
// A Message is immutable once sealed: its serialized form is computed when it
// is built (Mutable.Immutable) or parsed (Parse), and every accessor returns
// copies. Transports ship Message.Bytes() verbatim.
//
// Wire format (all integers big-endian):
//
//	int32  size        total envelope length including this field
//	uint8  version     currently 1
//	uint8  flags       bit 0: ttl is absolute
//	int64  ttl         absolute expiry in epoch ms, or relative ms when not absolute
//	str16  id
//	str16  sender
//	str16  recipient
//	str16  type
//	uint16 header count, followed by str16 key / str16 value pairs
//	uint32 payload length, followed by the payload
//
// str16 is a uint16 length followed by that many bytes of UTF-8.
//
// Because every envelope declares its own size, several envelopes can be
// concatenated in one transport frame and recovered with Split.
package message
