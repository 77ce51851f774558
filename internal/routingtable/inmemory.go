package routingtable

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/meshrouter/pkg/address"
	"github.com/rmacdonaldsmith/meshrouter/pkg/routingtable"
)

// InMemoryRoutingTable implements routingtable.RoutingTable on a map guarded
// by a RWMutex. Lookups run in parallel; the read-validate-write sequence of
// Put runs under the write lock so two concurrent updates cannot interleave.
type InMemoryRoutingTable struct {
	mu        sync.RWMutex
	entries   map[string]routingtable.Entry
	validator routingtable.AddressValidator
	logger    zerolog.Logger
	closed    bool
}

// NewInMemoryRoutingTable creates an empty table using validator for admission.
func NewInMemoryRoutingTable(validator routingtable.AddressValidator) *InMemoryRoutingTable {
	return &InMemoryRoutingTable{
		entries:   make(map[string]routingtable.Entry),
		validator: validator,
		logger:    zerolog.Nop(),
	}
}

// WithLogger sets the logger used for rejected updates.
func (rt *InMemoryRoutingTable) WithLogger(logger zerolog.Logger) *InMemoryRoutingTable {
	rt.logger = logger
	return rt
}

// Put inserts or updates the entry of a participant.
//
// A new address is accepted when the participant is unknown, when it equals
// the current address (refresh), or when the validator allows the update.
// A sticky entry never changes its address. On refresh or update the later
// expiry wins and stickiness is never lost.
func (rt *InMemoryRoutingTable) Put(participantID string, addr address.Address, isGloballyVisible bool, expiryDateMs int64, isSticky bool) bool {
	if !rt.validator.IsValidForRoutingTable(addr) {
		rt.logger.Debug().
			Str("participantId", participantID).
			Stringer("address", addr).
			Msg("address not allowed in routing table")
		return false
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.closed {
		return false
	}

	old, exists := rt.entries[participantID]
	if !exists {
		rt.entries[participantID] = routingtable.Entry{
			Address:           addr,
			IsGloballyVisible: isGloballyVisible,
			ExpiryDateMs:      expiryDateMs,
			IsSticky:          isSticky,
		}
		return true
	}

	if old.Address != addr {
		if old.IsSticky {
			rt.logger.Warn().
				Str("participantId", participantID).
				Stringer("old", old.Address).
				Stringer("new", addr).
				Msg("refusing to replace sticky routing entry")
			return false
		}
		if !rt.validator.AllowUpdate(old, addr) {
			rt.logger.Debug().
				Str("participantId", participantID).
				Stringer("old", old.Address).
				Stringer("new", addr).
				Msg("routing entry update rejected by precedence")
			return false
		}
	}

	entry := routingtable.Entry{
		Address:           addr,
		IsGloballyVisible: isGloballyVisible,
		ExpiryDateMs:      max(old.ExpiryDateMs, expiryDateMs),
		IsSticky:          old.IsSticky || isSticky,
	}
	rt.entries[participantID] = entry
	return true
}

// Get returns the entry of a participant.
func (rt *InMemoryRoutingTable) Get(participantID string) (routingtable.Entry, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	e, ok := rt.entries[participantID]
	return e, ok
}

// Contains reports whether the participant is known.
func (rt *InMemoryRoutingTable) Contains(participantID string) bool {
	_, ok := rt.Get(participantID)
	return ok
}

// Remove deletes the entry of a participant.
func (rt *InMemoryRoutingTable) Remove(participantID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.entries, participantID)
}

// Purge removes expired non-sticky entries.
func (rt *InMemoryRoutingTable) Purge(now time.Time) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	removed := 0
	for id, e := range rt.entries {
		if e.IsExpired(now) {
			delete(rt.entries, id)
			removed++
		}
	}
	if removed > 0 {
		rt.logger.Debug().Int("removed", removed).Int("remaining", len(rt.entries)).Msg("purged expired routing entries")
	}
	return removed
}

// Entries returns a snapshot of the table.
func (rt *InMemoryRoutingTable) Entries() map[string]routingtable.Entry {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	result := make(map[string]routingtable.Entry, len(rt.entries))
	for k, v := range rt.entries {
		result[k] = v
	}
	return result
}

// Len returns the number of entries.
func (rt *InMemoryRoutingTable) Len() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.entries)
}

// Clear removes every entry.
func (rt *InMemoryRoutingTable) Clear() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.entries = make(map[string]routingtable.Entry)
}

// Close clears the table and rejects further updates. Close is idempotent.
func (rt *InMemoryRoutingTable) Close() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return nil
	}
	rt.closed = true
	rt.entries = make(map[string]routingtable.Entry)
	return nil
}

// Verify InMemoryRoutingTable implements the interface at compile time
var _ routingtable.RoutingTable = (*InMemoryRoutingTable)(nil)
