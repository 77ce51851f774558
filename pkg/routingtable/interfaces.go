package routingtable

import (
	"io"
	"math"
	"time"

	"github.com/rmacdonaldsmith/meshrouter/pkg/address"
)

// NoExpiry is the expiry used for entries that never expire on their own.
const NoExpiry int64 = math.MaxInt64

// Entry is the next hop known for a participant.
type Entry struct {
	// Address is where messages for the participant are sent
	Address address.Address

	// IsGloballyVisible marks participants reachable from outside this node
	IsGloballyVisible bool

	// ExpiryDateMs is the epoch millisecond after which the entry may be purged
	ExpiryDateMs int64

	// IsSticky entries keep their address and are never purged
	IsSticky bool
}

// IsExpired reports whether the entry is past its expiry and not sticky.
func (e Entry) IsExpired(now time.Time) bool {
	return !e.IsSticky && e.ExpiryDateMs < now.UnixMilli()
}

// AddressValidator decides which addresses may enter a routing table.
type AddressValidator interface {
	// IsValidForRoutingTable rejects addresses the current role must never route to.
	IsValidForRoutingTable(addr address.Address) bool

	// AllowUpdate decides whether old may be replaced by a different address.
	AllowUpdate(old Entry, newAddr address.Address) bool
}

// RoutingTable maps participant ids to their next hop.
// All methods are safe for concurrent use.
type RoutingTable interface {
	io.Closer

	// Put inserts or updates the entry of a participant and reports whether the
	// table now holds addr for it.
	Put(participantID string, addr address.Address, isGloballyVisible bool, expiryDateMs int64, isSticky bool) bool

	// Get returns the entry of a participant.
	Get(participantID string) (Entry, bool)

	// Contains reports whether the participant is known.
	Contains(participantID string) bool

	// Remove deletes the entry of a participant, sticky or not.
	Remove(participantID string)

	// Purge removes every non-sticky entry whose expiry lies before now and
	// returns how many were removed.
	Purge(now time.Time) int

	// Entries returns a snapshot of the table.
	Entries() map[string]Entry

	// Len returns the number of entries.
	Len() int

	// Clear removes every entry.
	Clear()
}

// MulticastReceiverRegistry tracks which participants subscribed to which
// multicast patterns. All methods are safe for concurrent use.
type MulticastReceiverRegistry interface {
	// Register adds participantID as a receiver of ids matching pattern.
	Register(pattern string, participantID string) error

	// Unregister removes participantID from pattern.
	Unregister(pattern string, participantID string)

	// Receivers returns the distinct participants whose patterns match multicastID.
	Receivers(multicastID string) []string

	// Patterns returns a snapshot of pattern to participant ids.
	Patterns() map[string][]string

	// Clear removes every registration.
	Clear()
}
