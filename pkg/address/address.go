package address

import (
	"errors"
	"fmt"
)

// Kind tags the variant held by an Address.
type Kind int

const (
	// KindUnknown is the zero value and never valid.
	KindUnknown Kind = iota

	// KindInProcess addresses a receiver in the local process.
	KindInProcess

	// KindWebSocket addresses a WebSocket server.
	KindWebSocket

	// KindWebSocketClient addresses a client connected to our WebSocket server.
	KindWebSocketClient

	// KindMqtt addresses a topic on an MQTT broker.
	KindMqtt

	// KindBinder addresses a local IPC endpoint.
	KindBinder
)

// Kinds lists every valid kind, in declaration order.
var Kinds = []Kind{KindInProcess, KindWebSocket, KindWebSocketClient, KindMqtt, KindBinder}

var kindNames = map[Kind]string{
	KindInProcess:       "inprocess",
	KindWebSocket:       "websocket",
	KindWebSocketClient: "websocketclient",
	KindMqtt:            "mqtt",
	KindBinder:          "binder",
}

// String returns the tag used for the kind in JSON and logs.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("%w: unknown address type %q", ErrInvalidAddress, s)
}

// Precedence returns the update priority of the kind.
func (k Kind) Precedence() int {
	switch k {
	case KindInProcess:
		return 3
	case KindWebSocket:
		return 2
	case KindWebSocketClient, KindBinder:
		return 1
	default:
		return 0
	}
}

// ErrInvalidAddress is returned when an address is missing a field its kind requires.
var ErrInvalidAddress = errors.New("invalid address")

// Address is a tagged union over the supported endpoint kinds.
// Only the fields belonging to Kind are meaningful; the constructors leave
// the others zero so that == compares addresses structurally.
type Address struct {
	Kind Kind

	// InProcess
	Name string

	// WebSocket
	Protocol string
	Host     string
	Port     int
	Path     string

	// WebSocketClient
	ID string

	// Mqtt
	BrokerURI string
	Topic     string

	// Binder
	PackageName string
	UserID      int
}

// InProcess returns the address of a named in-process receiver.
func InProcess(name string) Address {
	return Address{Kind: KindInProcess, Name: name}
}

// WebSocket returns the address of a WebSocket server endpoint.
func WebSocket(protocol, host string, port int, path string) Address {
	return Address{Kind: KindWebSocket, Protocol: protocol, Host: host, Port: port, Path: path}
}

// WebSocketClient returns the address of a client connected to our WebSocket server.
func WebSocketClient(id string) Address {
	return Address{Kind: KindWebSocketClient, ID: id}
}

// Mqtt returns the address of a topic on a broker.
func Mqtt(brokerURI, topic string) Address {
	return Address{Kind: KindMqtt, BrokerURI: brokerURI, Topic: topic}
}

// Binder returns the address of a local IPC endpoint.
func Binder(packageName string, userID int) Address {
	return Address{Kind: KindBinder, PackageName: packageName, UserID: userID}
}

// Equal reports whether a and b are structurally identical.
func (a Address) Equal(b Address) bool {
	return a == b
}

// Precedence returns the update priority of the address kind.
func (a Address) Precedence() int {
	return a.Kind.Precedence()
}

// IsZero reports whether the address was never set.
func (a Address) IsZero() bool {
	return a == Address{}
}

// IsPersistable reports whether the address survives a process restart.
// In-process receivers do not.
func (a Address) IsPersistable() bool {
	return a.Kind != KindInProcess
}

// Validate checks that the fields required by the kind are present.
func (a Address) Validate() error {
	switch a.Kind {
	case KindInProcess:
		if a.Name == "" {
			return fmt.Errorf("%w: in-process address requires a name", ErrInvalidAddress)
		}
	case KindWebSocket:
		if a.Protocol != "ws" && a.Protocol != "wss" {
			return fmt.Errorf("%w: websocket protocol must be ws or wss, got %q", ErrInvalidAddress, a.Protocol)
		}
		if a.Host == "" {
			return fmt.Errorf("%w: websocket address requires a host", ErrInvalidAddress)
		}
		if a.Port <= 0 || a.Port > 65535 {
			return fmt.Errorf("%w: websocket port out of range: %d", ErrInvalidAddress, a.Port)
		}
	case KindWebSocketClient:
		if a.ID == "" {
			return fmt.Errorf("%w: websocket client address requires an id", ErrInvalidAddress)
		}
	case KindMqtt:
		if a.BrokerURI == "" || a.Topic == "" {
			return fmt.Errorf("%w: mqtt address requires broker uri and topic", ErrInvalidAddress)
		}
	case KindBinder:
		if a.PackageName == "" {
			return fmt.Errorf("%w: binder address requires a package name", ErrInvalidAddress)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidAddress, int(a.Kind))
	}
	return nil
}

// String returns a human readable form of the address.
func (a Address) String() string {
	switch a.Kind {
	case KindInProcess:
		return "inprocess:" + a.Name
	case KindWebSocket:
		return fmt.Sprintf("%s://%s:%d%s", a.Protocol, a.Host, a.Port, a.Path)
	case KindWebSocketClient:
		return "websocketclient:" + a.ID
	case KindMqtt:
		return fmt.Sprintf("mqtt:%s/%s", a.BrokerURI, a.Topic)
	case KindBinder:
		return fmt.Sprintf("binder:%s@%d", a.PackageName, a.UserID)
	default:
		return "unknown"
	}
}

// URL returns the dialable URL of a WebSocket server address.
func (a Address) URL() string {
	path := a.Path
	if path == "" {
		path = "/"
	}
	return fmt.Sprintf("%s://%s:%d%s", a.Protocol, a.Host, a.Port, path)
}
