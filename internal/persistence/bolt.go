package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/rmacdonaldsmith/meshrouter/pkg/message"
	"github.com/rmacdonaldsmith/meshrouter/pkg/persistence"
)

// BoltPersister stores records in a bbolt database, one bucket per queue.
type BoltPersister struct {
	db     *bolt.DB
	policy persistence.Policy
	logger zerolog.Logger
}

// NewBoltPersister opens or creates the database at path; a nil policy
// persists requests only.
func NewBoltPersister(path string, policy persistence.Policy, logger zerolog.Logger) (*BoltPersister, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", persistence.ErrPersistence, path, err)
	}
	if policy == nil {
		policy = persistence.RequestsOnly
	}
	return &BoltPersister{db: db, policy: policy, logger: logger}, nil
}

// Persist stores the record of item under its key.
func (p *BoltPersister) Persist(ctx context.Context, queueID string, item *message.PendingDelivery) (bool, error) {
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
	err = p.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(queueID))
		if err != nil {
			return err
		}
		return bucket.Put([]byte(item.Key()), record)
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", persistence.ErrPersistence, err)
	}
	return true, nil
}

// FetchAll decodes every record of the queue in key order. Unreadable
// records are logged, deleted and skipped.
func (p *BoltPersister) FetchAll(ctx context.Context, queueID string) ([]*message.PendingDelivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var items []*message.PendingDelivery
	err := p.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(queueID))
		if bucket == nil {
			return nil
		}
		var unreadable [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			item, err := DecodeRecord(v)
			if err != nil {
				p.logger.Error().Err(err).Str("queueId", queueID).Bytes("key", k).Msg("discarding unreadable record")
				unreadable = append(unreadable, append([]byte(nil), k...))
				return nil
			}
			items = append(items, item)
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range unreadable {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", persistence.ErrPersistence, err)
	}
	return items, nil
}

// Remove deletes the record of item.
func (p *BoltPersister) Remove(ctx context.Context, queueID string, item *message.PendingDelivery) error {
	err := p.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(queueID))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(item.Key()))
	})
	if err != nil {
		return fmt.Errorf("%w: %v", persistence.ErrPersistence, err)
	}
	return nil
}

// Close closes the database.
func (p *BoltPersister) Close() error {
	return p.db.Close()
}

// Verify BoltPersister implements the interface at compile time
var _ persistence.MessagePersister = (*BoltPersister)(nil)
