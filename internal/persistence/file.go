package persistence

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/meshrouter/pkg/message"
	"github.com/rmacdonaldsmith/meshrouter/pkg/persistence"
)

const recordSuffix = ".msg"

// FilePersister stores one record file per message under <dir>/<queueID>/.
type FilePersister struct {
	dir    string
	policy persistence.Policy
	logger zerolog.Logger
	mu     sync.Mutex
}

// NewFilePersister creates a persister rooted at dir; a nil policy persists requests only.
func NewFilePersister(dir string, policy persistence.Policy, logger zerolog.Logger) (*FilePersister, error) {
	if dir == "" {
		return nil, errors.New("persistence directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: %v", persistence.ErrPersistence, err)
	}
	if policy == nil {
		policy = persistence.RequestsOnly
	}
	return &FilePersister{dir: dir, policy: policy, logger: logger}, nil
}

// file names are base64url so that any id is a safe path element
func encodeName(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func (p *FilePersister) queueDir(queueID string) string {
	return filepath.Join(p.dir, encodeName(queueID))
}

func (p *FilePersister) recordPath(queueID string, item *message.PendingDelivery) string {
	return filepath.Join(p.queueDir(queueID), encodeName(item.Key())+recordSuffix)
}

// Persist writes the record of item atomically.
func (p *FilePersister) Persist(ctx context.Context, queueID string, item *message.PendingDelivery) (bool, error) {
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

	dir := p.queueDir(queueID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return false, fmt.Errorf("%w: %v", persistence.ErrPersistence, err)
	}
	tmp, err := os.CreateTemp(dir, ".record-*")
	if err != nil {
		return false, fmt.Errorf("%w: %v", persistence.ErrPersistence, err)
	}
	if _, err := tmp.Write(record); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return false, fmt.Errorf("%w: %v", persistence.ErrPersistence, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return false, fmt.Errorf("%w: %v", persistence.ErrPersistence, err)
	}
	if err := os.Rename(tmp.Name(), p.recordPath(queueID, item)); err != nil {
		os.Remove(tmp.Name())
		return false, fmt.Errorf("%w: %v", persistence.ErrPersistence, err)
	}
	return true, nil
}

// FetchAll reads every record of the queue. Unreadable records are logged,
// deleted and skipped.
func (p *FilePersister) FetchAll(ctx context.Context, queueID string) ([]*message.PendingDelivery, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	dir := p.queueDir(queueID)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", persistence.ErrPersistence, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), recordSuffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	items := make([]*message.PendingDelivery, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", persistence.ErrPersistence, err)
		}
		item, err := DecodeRecord(data)
		if err != nil {
			p.logger.Error().Err(err).Str("file", path).Msg("discarding unreadable record")
			os.Remove(path)
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Remove deletes the record file of item.
func (p *FilePersister) Remove(ctx context.Context, queueID string, item *message.PendingDelivery) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := os.Remove(p.recordPath(queueID, item))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %v", persistence.ErrPersistence, err)
	}
	return nil
}

// Verify FilePersister implements the interface at compile time
var _ persistence.MessagePersister = (*FilePersister)(nil)
