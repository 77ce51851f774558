package httpclient

import (
	"fmt"
	"time"

	"github.com/rmacdonaldsmith/meshrouter/pkg/address"
)

// Config holds client configuration
type Config struct {
	// ServerURL is the base URL of a node's admin API (e.g., "http://localhost:9100")
	ServerURL string

	// Token is the bearer token sent with every request (optional)
	Token string

	// Timeout for HTTP requests
	Timeout time.Duration
}

// SetDefaults sets reasonable default values for the config
func (c *Config) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

// HealthResponse represents health check response
type HealthResponse struct {
	Healthy           bool            `json:"healthy"`
	NodeID            string          `json:"nodeId"`
	Role              string          `json:"role"`
	RouterRunning     bool            `json:"routerRunning"`
	Transports        map[string]bool `json:"transports"`
	RoutingEntries    int             `json:"routingEntries"`
	MulticastPatterns int             `json:"multicastPatterns"`
	ConnectedClients  int             `json:"connectedClients"`
	RoutedMessages    int64           `json:"routedMessages"`
	Message           string          `json:"message"`
}

// RouteInfo is one routing table entry
type RouteInfo struct {
	ParticipantID   string          `json:"participantId"`
	Address         address.Address `json:"address"`
	GloballyVisible bool            `json:"globallyVisible"`
	Sticky          bool            `json:"sticky"`
	ExpiresAt       *time.Time      `json:"expiresAt,omitempty"`
}

// RoutesResponse lists the routing table
type RoutesResponse struct {
	Routes []RouteInfo `json:"routes"`
}

// AddRouteRequest adds a next hop
type AddRouteRequest struct {
	ParticipantID   string          `json:"participantId"`
	Address         address.Address `json:"address"`
	GloballyVisible bool            `json:"globallyVisible"`
	Provisioned     bool            `json:"provisioned,omitempty"`
	TTL             string          `json:"ttl,omitempty"`
}

// MulticastPattern is one registered pattern and its receivers
type MulticastPattern struct {
	Pattern   string   `json:"pattern"`
	Receivers []string `json:"receivers"`
}

// MulticastResponse lists the multicast receiver registry
type MulticastResponse struct {
	Patterns []MulticastPattern `json:"patterns"`
}

// MulticastReceiverRequest adds or removes a multicast receiver
type MulticastReceiverRequest struct {
	MulticastID  string `json:"multicastId"`
	SubscriberID string `json:"subscriberId"`
	ProviderID   string `json:"providerId"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// APIError is returned for responses with a 4xx or 5xx status
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}
