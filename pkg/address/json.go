package address

import (
	"encoding/json"
	"fmt"
)

// jsonAddress is the explicit tagged wire form of an Address.
type jsonAddress struct {
	Type        string `json:"type" yaml:"type"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Protocol    string `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Host        string `json:"host,omitempty" yaml:"host,omitempty"`
	Port        int    `json:"port,omitempty" yaml:"port,omitempty"`
	Path        string `json:"path,omitempty" yaml:"path,omitempty"`
	ID          string `json:"id,omitempty" yaml:"id,omitempty"`
	BrokerURI   string `json:"brokerUri,omitempty" yaml:"brokerUri,omitempty"`
	Topic       string `json:"topic,omitempty" yaml:"topic,omitempty"`
	PackageName string `json:"packageName,omitempty" yaml:"packageName,omitempty"`
	UserID      int    `json:"userId,omitempty" yaml:"userId,omitempty"`
}

func tagged(a Address) jsonAddress {
	return jsonAddress{
		Type:        a.Kind.String(),
		Name:        a.Name,
		Protocol:    a.Protocol,
		Host:        a.Host,
		Port:        a.Port,
		Path:        a.Path,
		ID:          a.ID,
		BrokerURI:   a.BrokerURI,
		Topic:       a.Topic,
		PackageName: a.PackageName,
		UserID:      a.UserID,
	}
}

// address builds the Address named by the tag. Fields that do not belong to
// the tagged kind are ignored so that equality stays structural.
func (raw jsonAddress) address() (Address, error) {
	kind, err := ParseKind(raw.Type)
	if err != nil {
		return Address{}, err
	}

	var decoded Address
	switch kind {
	case KindInProcess:
		decoded = InProcess(raw.Name)
	case KindWebSocket:
		decoded = WebSocket(raw.Protocol, raw.Host, raw.Port, raw.Path)
	case KindWebSocketClient:
		decoded = WebSocketClient(raw.ID)
	case KindMqtt:
		decoded = Mqtt(raw.BrokerURI, raw.Topic)
	case KindBinder:
		decoded = Binder(raw.PackageName, raw.UserID)
	}

	if err := decoded.Validate(); err != nil {
		return Address{}, err
	}
	return decoded, nil
}

// MarshalJSON encodes the address with a "type" tag naming its kind.
func (a Address) MarshalJSON() ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(tagged(a))
}

// UnmarshalJSON decodes a tagged address.
func (a *Address) UnmarshalJSON(data []byte) error {
	var raw jsonAddress
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	decoded, err := raw.address()
	if err != nil {
		return err
	}
	*a = decoded
	return nil
}

// ParseJSON decodes a single tagged address.
func ParseJSON(data []byte) (Address, error) {
	var a Address
	err := json.Unmarshal(data, &a)
	return a, err
}
