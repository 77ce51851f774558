// Package transport defines how the router talks to concrete transports.
//
// A Stub sends envelopes to one remote Address. Stubs are created per address
// kind by constructors registered with a stub factory and cached by address
// equality, so every destination shares one stub.
//
// A Skeleton listens on a transport and feeds every inbound envelope to a
// Receiver (the router). Skeletons only deserialize; all routing decisions are
// made by the router.
//
// Transmit reports its outcome as an error:
//   - nil: the transport accepted the message
//   - an error wrapping ErrNotSent: permanent failure, the router drops the destination
//   - a *DelayError: transient failure with a suggested retry delay
//   - any other error: transient failure, retried after the configured interval
package transport
