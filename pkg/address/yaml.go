package address

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// MarshalYAML encodes the address as the same tagged mapping used for JSON.
func (a Address) MarshalYAML() (interface{}, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return tagged(a), nil
}

// UnmarshalYAML decodes a tagged address mapping such as
//
//	type: mqtt
//	brokerUri: tcp://broker:1883
//	topic: controller
func (a *Address) UnmarshalYAML(value *yaml.Node) error {
	var raw jsonAddress
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	decoded, err := raw.address()
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*a = decoded
	return nil
}
