package persistence

import (
	"context"
	"sort"
	"sync"

	"github.com/rmacdonaldsmith/meshrouter/pkg/message"
	"github.com/rmacdonaldsmith/meshrouter/pkg/persistence"
)

// InMemoryPersister implements persistence.MessagePersister with per-queue
// maps of encoded records. Records are encoded on Persist, so later changes to
// the item do not leak into the store. It is safe for concurrent use.
type InMemoryPersister struct {
	mu      sync.RWMutex
	queues  map[string]map[string][]byte // queueID -> key -> record
	policy  persistence.Policy
	persist int
	remove  int
}

// NewInMemoryPersister creates an empty persister; a nil policy persists requests only.
func NewInMemoryPersister(policy persistence.Policy) *InMemoryPersister {
	if policy == nil {
		policy = persistence.RequestsOnly
	}
	return &InMemoryPersister{
		queues: make(map[string]map[string][]byte),
		policy: policy,
	}
}

// Persist stores item if the policy accepts it.
func (p *InMemoryPersister) Persist(ctx context.Context, queueID string, item *message.PendingDelivery) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !p.policy(item) {
		return false, nil
	}
	record, err := EncodeRecord(item)
	if err != nil {
		return false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	queue, ok := p.queues[queueID]
	if !ok {
		queue = make(map[string][]byte)
		p.queues[queueID] = queue
	}
	queue[item.Key()] = record
	p.persist++
	return true, nil
}

// FetchAll decodes every record of the queue, ordered by key.
func (p *InMemoryPersister) FetchAll(ctx context.Context, queueID string) ([]*message.PendingDelivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	queue := p.queues[queueID]
	keys := make([]string, 0, len(queue))
	for key := range queue {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	records := make([][]byte, 0, len(keys))
	for _, key := range keys {
		records = append(records, queue[key])
	}
	p.mu.RUnlock()

	items := make([]*message.PendingDelivery, 0, len(records))
	for _, record := range records {
		item, err := DecodeRecord(record)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// Remove deletes item from the queue.
func (p *InMemoryPersister) Remove(ctx context.Context, queueID string, item *message.PendingDelivery) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if queue, ok := p.queues[queueID]; ok {
		delete(queue, item.Key())
		if len(queue) == 0 {
			delete(p.queues, queueID)
		}
	}
	p.remove++
	return nil
}

// Len returns the number of records in the queue.
func (p *InMemoryPersister) Len(queueID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.queues[queueID])
}

// Calls returns how often Persist stored a record and Remove was called.
func (p *InMemoryPersister) Calls() (persisted, removed int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.persist, p.remove
}

// Verify InMemoryPersister implements the interface at compile time
var _ persistence.MessagePersister = (*InMemoryPersister)(nil)
