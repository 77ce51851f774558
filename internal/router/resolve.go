package router

import (
	"context"
	"fmt"

	"github.com/rmacdonaldsmith/meshrouter/pkg/address"
	"github.com/rmacdonaldsmith/meshrouter/pkg/message"
	"github.com/rmacdonaldsmith/meshrouter/pkg/router"
	"github.com/rmacdonaldsmith/meshrouter/pkg/routingtable"
)

// resolve returns the destination addresses of msg.
//
// A unicast goes to the routing table entry of its recipient, or to the
// parent in the lib role. A multicast goes to the addresses computed by the
// multicast calculators, provided its sender is globally visible, and to
// every registered receiver whose pattern matches the multicast id.
func (r *Router) resolve(msg *message.Message) ([]address.Address, error) {
	if !msg.IsMulticast() {
		if entry, ok := r.table.Get(msg.Recipient()); ok {
			return []address.Address{entry.Address}, nil
		}
		if r.cfg.ParentAddress != nil {
			return []address.Address{*r.cfg.ParentAddress}, nil
		}
		return nil, fmt.Errorf("%w: %s", router.ErrRouteNotFound, msg.Recipient())
	}

	var result []address.Address
	add := func(addr address.Address) {
		for _, existing := range result {
			if existing == addr {
				return
			}
		}
		result = append(result, addr)
	}

	if provider, ok := r.table.Get(msg.Sender()); ok && provider.IsGloballyVisible {
		for _, calc := range r.calculators {
			if !calc.Supports(msg) {
				continue
			}
			if addr, ok := calc.Calculate(msg); ok {
				add(addr)
			}
		}
	}
	for _, participantID := range r.registry.Receivers(msg.Recipient()) {
		if entry, ok := r.table.Get(participantID); ok {
			add(entry.Address)
		}
	}
	// local multicasts of a library are published by its controller
	if r.cfg.ParentAddress != nil && !msg.ReceivedFromGlobal() {
		add(*r.cfg.ParentAddress)
	}

	if len(result) == 0 {
		return nil, fmt.Errorf("%w: no receivers for multicast %s", router.ErrRouteNotFound, msg.Recipient())
	}
	return result, nil
}

// AddNextHop registers addr for participantID. The entry expires after
// DefaultRouteTTL, or never when no default is configured.
func (r *Router) AddNextHop(participantID string, addr address.Address, isGloballyVisible bool) bool {
	expiry := routingtable.NoExpiry
	if r.cfg.DefaultRouteTTL > 0 {
		expiry = r.now().Add(r.cfg.DefaultRouteTTL).UnixMilli()
	}
	return r.AddNextHopWithExpiry(participantID, addr, isGloballyVisible, expiry)
}

// AddNextHopWithExpiry registers addr for participantID until expiryDateMs.
func (r *Router) AddNextHopWithExpiry(participantID string, addr address.Address, isGloballyVisible bool, expiryDateMs int64) bool {
	return r.addNextHop(participantID, addr, isGloballyVisible, expiryDateMs, false)
}

// AddProvisionedNextHop registers a sticky entry that never expires and
// never changes its address.
func (r *Router) AddProvisionedNextHop(participantID string, addr address.Address, isGloballyVisible bool) bool {
	return r.addNextHop(participantID, addr, isGloballyVisible, routingtable.NoExpiry, true)
}

func (r *Router) addNextHop(participantID string, addr address.Address, isGloballyVisible bool, expiryDateMs int64, isSticky bool) bool {
	if participantID == "" {
		return false
	}
	if err := addr.Validate(); err != nil {
		r.logger.Warn().Err(err).Str("participantId", participantID).Msg("refusing invalid next hop")
		return false
	}
	ok := r.table.Put(participantID, addr, isGloballyVisible, expiryDateMs, isSticky)
	r.logger.Debug().
		Str("participantId", participantID).
		Stringer("address", addr).
		Bool("globallyVisible", isGloballyVisible).
		Bool("sticky", isSticky).
		Bool("accepted", ok).
		Msg("add next hop")
	return ok
}

// RemoveNextHop forgets participantID.
func (r *Router) RemoveNextHop(participantID string) {
	r.table.Remove(participantID)
}

// ResolveNextHop returns the address of participantID; in the lib role
// unknown participants resolve to the parent.
func (r *Router) ResolveNextHop(participantID string) (address.Address, bool) {
	if entry, ok := r.table.Get(participantID); ok {
		return entry.Address, true
	}
	if r.cfg.ParentAddress != nil {
		return *r.cfg.ParentAddress, true
	}
	return address.Address{}, false
}

// AddMulticastReceiver registers subscriberID for multicasts matching
// multicastID. When the provider is reached through a transport that needs
// an explicit subscription, the transport subscribes as well.
func (r *Router) AddMulticastReceiver(ctx context.Context, multicastID, subscriberID, providerID string) error {
	provider, known := r.table.Get(providerID)
	if !known && r.cfg.ParentAddress == nil {
		return fmt.Errorf("%w: provider %s", router.ErrRouteNotFound, providerID)
	}

	if err := r.registry.Register(multicastID, subscriberID); err != nil {
		return err
	}
	if !known {
		// the provider lives behind the parent, which handles the subscription
		return nil
	}
	if subscriber, ok := r.subscribers[provider.Address.Kind]; ok {
		if err := subscriber.SubscribeMulticast(ctx, multicastID); err != nil {
			r.registry.Unregister(multicastID, subscriberID)
			return fmt.Errorf("failed to subscribe to multicast %s: %w", multicastID, err)
		}
	}
	r.logger.Debug().
		Str("multicastId", multicastID).
		Str("subscriberId", subscriberID).
		Str("providerId", providerID).
		Msg("added multicast receiver")
	return nil
}

// RemoveMulticastReceiver reverses AddMulticastReceiver.
func (r *Router) RemoveMulticastReceiver(ctx context.Context, multicastID, subscriberID, providerID string) error {
	r.registry.Unregister(multicastID, subscriberID)

	provider, known := r.table.Get(providerID)
	if !known {
		return nil
	}
	if subscriber, ok := r.subscribers[provider.Address.Kind]; ok {
		if err := subscriber.UnsubscribeMulticast(ctx, multicastID); err != nil {
			return fmt.Errorf("failed to unsubscribe from multicast %s: %w", multicastID, err)
		}
	}
	return nil
}
