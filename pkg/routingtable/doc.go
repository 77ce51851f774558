// Package routingtable provides interfaces for participant-to-address routing.
//
// This package defines the core abstractions for the routing table component:
//   - Entry: the next hop known for a participant, with visibility, expiry and stickiness
//   - AddressValidator: the role specific policy deciding which addresses may enter the table
//     and whether an existing entry may be replaced
//   - RoutingTable: a concurrent map from participant id to Entry
//   - MulticastReceiverRegistry: wildcard multicast subscriptions of local participants
//
// Update rule: an existing entry is replaced only when the new address has equal
// or higher precedence than the old one, or when both addresses are identical
// (a refresh). Sticky entries, created for statically provisioned peers, keep
// their address for the lifetime of the table and are never purged.
//
// Example usage:
//
//	table := routingtable.NewInMemoryRoutingTable(routingtable.NewControllerValidator(ownAddr))
//	ok := table.Put("provider-1", address.WebSocketClient("lib-1"), false, expiry, false)
//	if entry, found := table.Get("provider-1"); found {
//		stub, _ := stubs.Get(entry.Address)
//		...
//	}
//
//	receivers := registry.Receivers("provider-1/temperature/kitchen")
//
// The interfaces use Go idioms:
//   - Explicit bool/error returns following Go conventions
//   - io.Closer for resource cleanup
//   - Snapshot slices for iteration, never live views
package routingtable
