// Package address defines the closed set of endpoint addresses a message can be routed to.
//
// An Address is a comparable value tagged by its Kind:
//   - InProcess: a receiver living in the same process, identified by name
//   - WebSocket: a WebSocket server endpoint (protocol, host, port, path)
//   - WebSocketClient: a client connected to our own WebSocket server
//   - Mqtt: a topic on an MQTT broker
//   - Binder: a local IPC endpoint identified by package name and user id
//
// Two addresses are equal iff every field is equal, so addresses can be used
// directly as map keys (the transport layer caches stubs this way).
//
// Each kind carries a precedence used by the routing table to decide whether
// an existing route may be replaced:
//
//	InProcess (3) > WebSocket (2) > WebSocketClient (1) = Binder (1) > Mqtt (0)
//
// Example usage:
//
//	addr := address.Mqtt("tcp://broker:1883", "replyto/ccid")
//	if err := addr.Validate(); err != nil {
//		return err
//	}
//	data, _ := json.Marshal(addr) // {"type":"mqtt","brokerUri":"tcp://broker:1883","topic":"replyto/ccid"}
package address
