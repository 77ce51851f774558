package persistence

import (
	"context"
	"errors"

	"github.com/rmacdonaldsmith/meshrouter/pkg/message"
)

// ErrPersistence wraps failures of the underlying store.
var ErrPersistence = errors.New("persistence error")

// MessagePersister stores pending deliveries per queue.
// All methods are safe for concurrent use.
type MessagePersister interface {
	// Persist stores item, replacing an earlier version with the same key.
	// It reports false when the item is not eligible for persistence.
	Persist(ctx context.Context, queueID string, item *message.PendingDelivery) (bool, error)

	// FetchAll returns every item stored in the queue.
	FetchAll(ctx context.Context, queueID string) ([]*message.PendingDelivery, error)

	// Remove deletes item from the queue. Removing an unknown item is not an error.
	Remove(ctx context.Context, queueID string, item *message.PendingDelivery) error
}

// Policy decides whether an item is persisted.
type Policy func(item *message.PendingDelivery) bool

// RequestsOnly persists request-type messages that still have a destination
// surviving a restart.
func RequestsOnly(item *message.PendingDelivery) bool {
	return item.Message.IsRequest() && len(item.PersistableDestinations()) > 0
}

// All persists every item with a destination surviving a restart.
func All(item *message.PendingDelivery) bool {
	return len(item.PersistableDestinations()) > 0
}
