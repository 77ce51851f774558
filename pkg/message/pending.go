package message

import (
	"time"

	"github.com/rmacdonaldsmith/meshrouter/pkg/address"
)

// PendingDelivery is a message together with the destinations it still has to
// reach and its retry bookkeeping. The router creates one per accepted message
// and owns it until delivery succeeds or the message is dropped.
type PendingDelivery struct {
	Message      *Message
	Destinations []address.Address
	Delay        time.Duration
	RetriesCount int
}

// NewPendingDelivery returns an item with no delay and no retries.
func NewPendingDelivery(msg *Message, destinations []address.Address) *PendingDelivery {
	dests := make([]address.Address, len(destinations))
	copy(dests, destinations)
	return &PendingDelivery{Message: msg, Destinations: dests}
}

// Key identifies the item in a persistence queue.
func (p *PendingDelivery) Key() string {
	return p.Message.ID()
}

// PersistableDestinations returns the destinations that survive a restart.
func (p *PendingDelivery) PersistableDestinations() []address.Address {
	result := make([]address.Address, 0, len(p.Destinations))
	for _, d := range p.Destinations {
		if d.IsPersistable() {
			result = append(result, d)
		}
	}
	return result
}

// RemoveDestination drops addr from the remaining destinations.
func (p *PendingDelivery) RemoveDestination(addr address.Address) {
	kept := p.Destinations[:0]
	for _, d := range p.Destinations {
		if d != addr {
			kept = append(kept, d)
		}
	}
	p.Destinations = kept
}
