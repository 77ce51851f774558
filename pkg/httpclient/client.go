// Package httpclient is a Go client for the node admin API.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Client provides HTTP client for the node admin API
type Client struct {
	config     Config
	httpClient *http.Client
	token      string
	baseURL    *url.URL
}

// NewClient creates a new admin API client
func NewClient(config Config) (*Client, error) {
	config.SetDefaults()

	if config.ServerURL == "" {
		return nil, fmt.Errorf("ServerURL is required")
	}

	baseURL, err := url.Parse(config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ServerURL: %w", err)
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		token:      config.Token,
		baseURL:    baseURL,
	}, nil
}

// GetHealth returns the health status of the node. An unhealthy node answers
// with 503 and a full status, which is returned without an error.
func (c *Client) GetHealth(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	err := c.doRequest(ctx, http.MethodGet, "/api/v1/health", nil, &resp, http.StatusServiceUnavailable)
	if err != nil {
		return nil, fmt.Errorf("failed to get health status: %w", err)
	}
	return &resp, nil
}

// ListRoutes returns the routing table sorted by participant id
func (c *Client) ListRoutes(ctx context.Context) (*RoutesResponse, error) {
	var resp RoutesResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/routes", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list routes: %w", err)
	}
	return &resp, nil
}

// GetRoute returns the entry of one participant
func (c *Client) GetRoute(ctx context.Context, participantID string) (*RouteInfo, error) {
	var resp RouteInfo
	if err := c.doRequest(ctx, http.MethodGet, routePath(participantID), nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get route %s: %w", participantID, err)
	}
	return &resp, nil
}

// AddRoute adds a next hop (admin only)
func (c *Client) AddRoute(ctx context.Context, req AddRouteRequest) (*RouteInfo, error) {
	var resp RouteInfo
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/routes", req, &resp); err != nil {
		return nil, fmt.Errorf("failed to add route %s: %w", req.ParticipantID, err)
	}
	return &resp, nil
}

// DeleteRoute removes a next hop (admin only)
func (c *Client) DeleteRoute(ctx context.Context, participantID string) error {
	if err := c.doRequest(ctx, http.MethodDelete, routePath(participantID), nil, nil); err != nil {
		return fmt.Errorf("failed to delete route %s: %w", participantID, err)
	}
	return nil
}

// ListMulticast returns the multicast receiver registry
func (c *Client) ListMulticast(ctx context.Context) (*MulticastResponse, error) {
	var resp MulticastResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/multicast", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list multicast receivers: %w", err)
	}
	return &resp, nil
}

// AddMulticastReceiver registers a multicast receiver (admin only)
func (c *Client) AddMulticastReceiver(ctx context.Context, req MulticastReceiverRequest) error {
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/multicast", req, nil); err != nil {
		return fmt.Errorf("failed to add multicast receiver: %w", err)
	}
	return nil
}

// RemoveMulticastReceiver removes a multicast receiver (admin only)
func (c *Client) RemoveMulticastReceiver(ctx context.Context, req MulticastReceiverRequest) error {
	if err := c.doRequest(ctx, http.MethodDelete, "/api/v1/multicast", req, nil); err != nil {
		return fmt.Errorf("failed to remove multicast receiver: %w", err)
	}
	return nil
}

// IsNotFound reports whether err is a 404 from the API
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func routePath(participantID string) string {
	return "/api/v1/routes/" + url.PathEscape(participantID)
}

// doRequest performs an HTTP request; statuses in accept are decoded like a success
func (c *Client) doRequest(ctx context.Context, method, path string, reqBody interface{}, respBody interface{}, accept ...int) error {
	fullURL := c.baseURL.ResolveReference(&url.URL{Path: path})

	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL.String(), bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 && !accepted(resp.StatusCode, accept) {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil || errResp.Message == "" {
			return &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(bodyBytes))}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Message}
	}

	if respBody != nil && len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, respBody); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

func accepted(status int, accept []int) bool {
	for _, s := range accept {
		if s == status {
			return true
		}
	}
	return false
}

// GetToken returns the current bearer token
func (c *Client) GetToken() string {
	return c.token
}

// SetToken sets the bearer token
func (c *Client) SetToken(token string) {
	c.token = token
}
