// Package persistence provides interfaces for durable pending deliveries.
//
// A MessagePersister stores the messages a router has accepted but not yet
// delivered, so that a restarted process can resume their delivery. Items are
// grouped in queues; a router uses one queue id for its lifetime.
//
// Implementations decide which items are worth persisting and report that
// decision from Persist. The reference policy persists requests only:
// one-way messages and replies are best effort.
//
// Example usage:
//
//	persisted, err := persister.Persist(ctx, "cc-1", item)
//	...
//	items, err := persister.FetchAll(ctx, "cc-1")
//	for _, item := range items {
//		schedule(item, item.Delay)
//	}
package persistence
