package mqtt

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config configures the MQTT transport.
type Config struct {
	// BrokerURI is the broker to connect to, e.g. tcp://broker:1883
	BrokerURI string

	// ClientID is the MQTT client id
	ClientID string

	// OwnTopic is the topic other nodes publish to in order to reach us
	OwnTopic string

	Username string
	Password string

	// QoS for publications and subscriptions
	QoS byte

	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	PublishTimeout time.Duration

	// ReconnectDelay is suggested to the router while the broker is unreachable
	ReconnectDelay time.Duration

	// MaxMessageSize rejects larger envelopes permanently; 0 disables the check
	MaxMessageSize int

	// PublishRate limits publications per second; 0 disables the limit
	PublishRate  float64
	PublishBurst int
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.QoS == 0 {
		c.QoS = 1
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = 60 * time.Second
	}
	if c.PublishTimeout == 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = time.Second
	}
	if c.PublishRate > 0 && c.PublishBurst == 0 {
		c.PublishBurst = 1
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.BrokerURI == "" {
		return fmt.Errorf("broker uri cannot be empty")
	}
	if _, err := url.Parse(c.BrokerURI); err != nil {
		return fmt.Errorf("invalid broker uri %q: %w", c.BrokerURI, err)
	}
	if c.ClientID == "" {
		return fmt.Errorf("client id cannot be empty")
	}
	if c.OwnTopic == "" || strings.ContainsAny(c.OwnTopic, "+#") {
		return fmt.Errorf("own topic %q must be non-empty and free of wildcards", c.OwnTopic)
	}
	if c.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1 or 2, got %d", c.QoS)
	}
	if c.MaxMessageSize < 0 {
		return fmt.Errorf("max message size cannot be negative")
	}
	if c.PublishRate < 0 {
		return fmt.Errorf("publish rate cannot be negative")
	}
	return nil
}
