// Package node provides interfaces for the runtime that hosts a router.
//
// A node assembles one router with the transports, persistence and access
// control its role calls for:
//   - controller: accepts library connections (WebSocket server, binder),
//     reaches remote participants over MQTT and enforces access control
//   - lib: forwards everything it cannot resolve locally to its parent
//     controller (WebSocket client or binder)
//
// Lifecycle:
//  1. New validates the configuration and fails fast on a missing transport
//  2. Start loads the routing table snapshot, applies provisioned routes,
//     restores persisted deliveries and starts the transports
//  3. Stop shuts the transports and the router down, keeping persisted state
//  4. Close releases storage and marks the node permanently closed
package node
