package routingtable

import (
	"sync"

	"github.com/rmacdonaldsmith/meshrouter/pkg/address"
	"github.com/rmacdonaldsmith/meshrouter/pkg/routingtable"
)

// allowByPrecedence is the update rule shared by every role: a route may move
// to an address of equal or higher precedence, never to a lower one.
func allowByPrecedence(old routingtable.Entry, newAddr address.Address) bool {
	return newAddr == old.Address || newAddr.Precedence() >= old.Address.Precedence()
}

// ControllerValidator is the policy of a cluster controller. It refuses to
// route to any of the controller's own addresses, which would loop messages
// back into this process.
type ControllerValidator struct {
	mu           sync.RWMutex
	ownAddresses []address.Address
}

// NewControllerValidator returns a validator that knows the given own addresses.
func NewControllerValidator(own ...address.Address) *ControllerValidator {
	v := &ControllerValidator{}
	for _, a := range own {
		v.AddOwnAddress(a)
	}
	return v
}

// AddOwnAddress registers an address that becomes known later, for example
// once the MQTT connection is established.
func (v *ControllerValidator) AddOwnAddress(addr address.Address) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, a := range v.ownAddresses {
		if a == addr {
			return
		}
	}
	v.ownAddresses = append(v.ownAddresses, addr)
}

// IsValidForRoutingTable rejects the controller's own addresses.
func (v *ControllerValidator) IsValidForRoutingTable(addr address.Address) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, a := range v.ownAddresses {
		if a == addr {
			return false
		}
	}
	return true
}

// AllowUpdate applies the precedence rule.
func (v *ControllerValidator) AllowUpdate(old routingtable.Entry, newAddr address.Address) bool {
	return allowByPrecedence(old, newAddr)
}

// LibValidator is the policy of a library runtime. Libraries reach global
// transports only through their parent controller, so MQTT and binder
// addresses never enter their table.
type LibValidator struct{}

// NewLibValidator returns the library policy.
func NewLibValidator() *LibValidator {
	return &LibValidator{}
}

// IsValidForRoutingTable rejects Mqtt and Binder addresses.
func (v *LibValidator) IsValidForRoutingTable(addr address.Address) bool {
	return addr.Kind != address.KindMqtt && addr.Kind != address.KindBinder
}

// AllowUpdate applies the precedence rule.
func (v *LibValidator) AllowUpdate(old routingtable.Entry, newAddr address.Address) bool {
	return allowByPrecedence(old, newAddr)
}

// Verify validators implement the interface at compile time
var (
	_ routingtable.AddressValidator = (*ControllerValidator)(nil)
	_ routingtable.AddressValidator = (*LibValidator)(nil)
)
