// Package router provides interfaces for the message router.
//
// This package defines the core abstractions for the routing component:
//   - Router: accepts outbound and inbound messages, resolves their next hops
//     and delivers them through transport stubs with bounded retries
//   - Role: the runtime a router belongs to, a cluster controller or a library
//   - State and Event: the lifecycle of every routed message, observable
//     through listeners
//
// Message lifecycle:
//
//	Queued -> Sending -> Delivered
//	              |
//	              +-> Retrying -> Sending ...
//	              +-> Expired
//	              +-> Exhausted
//	              +-> Dropped
//
// Transient transport failures are retried after the delay suggested by the
// transport, or after the configured fixed interval, until the message
// expires or the retry budget is spent. Permanent failures drop the affected
// destination immediately.
//
// Example usage:
//
//	r.AddListener(func(ev router.Event) {
//		if ev.State == router.StateExhausted {
//			log.Warn().Str("messageId", ev.MessageID).Msg("gave up")
//		}
//	})
//	if err := r.Route(ctx, msg); errors.Is(err, router.ErrRouteNotFound) {
//		...
//	}
package router
