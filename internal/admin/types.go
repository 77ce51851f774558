package admin

import (
	"time"

	"github.com/rmacdonaldsmith/meshrouter/pkg/address"
)

// Request/Response types for the admin API

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

// AddRouteRequest adds a next hop. A provisioned route is sticky and never
// expires; otherwise TTL bounds its lifetime, or the router default applies.
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
