package persistence

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/meshrouter/pkg/message"
	"github.com/rmacdonaldsmith/meshrouter/pkg/persistence"
)

// RedisPersister stores records in one Redis hash per queue, keyed by
// message id.
type RedisPersister struct {
	client    redis.Cmdable
	keyPrefix string
	policy    persistence.Policy
	logger    zerolog.Logger
}

// NewRedisPersister creates a persister on client. Hash keys are
// "<keyPrefix>queue:<queueID>". A nil policy persists requests only.
func NewRedisPersister(client redis.Cmdable, keyPrefix string, policy persistence.Policy, logger zerolog.Logger) *RedisPersister {
	if policy == nil {
		policy = persistence.RequestsOnly
	}
	return &RedisPersister{client: client, keyPrefix: keyPrefix, policy: policy, logger: logger}
}

func (p *RedisPersister) key(queueID string) string {
	return p.keyPrefix + "queue:" + queueID
}

// Persist stores the record of item in the queue hash.
func (p *RedisPersister) Persist(ctx context.Context, queueID string, item *message.PendingDelivery) (bool, error) {
	if !p.policy(item) {
		return false, nil
	}
	record, err := EncodeRecord(item)
	if err != nil {
		return false, err
	}
	if err := p.client.HSet(ctx, p.key(queueID), item.Key(), record).Err(); err != nil {
		return false, fmt.Errorf("%w: %v", persistence.ErrPersistence, err)
	}
	return true, nil
}

// FetchAll decodes every record of the queue ordered by message id.
// Unreadable records are logged, deleted and skipped.
func (p *RedisPersister) FetchAll(ctx context.Context, queueID string) ([]*message.PendingDelivery, error) {
	fields, err := p.client.HGetAll(ctx, p.key(queueID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", persistence.ErrPersistence, err)
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	items := make([]*message.PendingDelivery, 0, len(keys))
	for _, k := range keys {
		item, err := DecodeRecord([]byte(fields[k]))
		if err != nil {
			p.logger.Error().Err(err).Str("queueId", queueID).Str("key", k).Msg("discarding unreadable record")
			if err := p.client.HDel(ctx, p.key(queueID), k).Err(); err != nil {
				p.logger.Warn().Err(err).Str("key", k).Msg("failed to delete unreadable record")
			}
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Remove deletes the record of item.
func (p *RedisPersister) Remove(ctx context.Context, queueID string, item *message.PendingDelivery) error {
	if err := p.client.HDel(ctx, p.key(queueID), item.Key()).Err(); err != nil {
		return fmt.Errorf("%w: %v", persistence.ErrPersistence, err)
	}
	return nil
}

// Verify RedisPersister implements the interface at compile time
var _ persistence.MessagePersister = (*RedisPersister)(nil)
