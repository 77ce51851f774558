package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	inode "github.com/rmacdonaldsmith/meshrouter/internal/node"
	"github.com/rmacdonaldsmith/meshrouter/pkg/address"
	"github.com/rmacdonaldsmith/meshrouter/pkg/router"
)

const testSecret = "admin-test-secret"

// testSetup holds a started node and an httptest server in front of it
type testSetup struct {
	node   *inode.Node
	server *Server
	http   *httptest.Server
}

func newTestSetup(t *testing.T, secret string, start bool) *testSetup {
	t.Helper()
	reg := prometheus.NewRegistry()
	n, err := inode.New(inode.NewConfig("controller", router.RoleController), inode.WithRegisterer(reg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	if start {
		require.NoError(t, n.Start(context.Background()))
	}

	server := NewServer(n, Config{SecretKey: secret, Gatherer: reg})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return &testSetup{node: n, server: server, http: ts}
}

func (s *testSetup) token(t *testing.T, operator string, isAdmin bool) string {
	t.Helper()
	token, _, err := s.server.Auth().GenerateToken(operator, isAdmin, time.Minute)
	require.NoError(t, err)
	return token
}

func (s *testSetup) do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.http.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.http.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

// TestHealth tests the unauthenticated health endpoint
func TestHealth(t *testing.T) {
	stopped := newTestSetup(t, testSecret, false)
	resp := stopped.do(t, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	s := newTestSetup(t, testSecret, true)
	resp = s.do(t, http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var health HealthResponse
	decode(t, resp, &health)
	assert.True(t, health.Healthy)
	assert.Equal(t, "controller", health.NodeID)
	assert.Equal(t, "controller", health.Role)
	assert.True(t, health.Transports["inprocess"])
}

// TestRoutesAuthentication tests token requirements of the route endpoints
func TestRoutesAuthentication(t *testing.T) {
	s := newTestSetup(t, testSecret, true)
	route := AddRouteRequest{ParticipantID: "p1", Address: address.Mqtt("tcp://broker:1883", "p1")}

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/v1/routes", "", nil).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/v1/routes", "garbage", nil).StatusCode)

	foreign, _, err := NewJWTAuth("other-secret").GenerateToken("mallory", true, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodPost, "/api/v1/routes", foreign, route).StatusCode)

	viewer := s.token(t, "viewer", false)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/routes", viewer, nil).StatusCode)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/api/v1/routes", viewer, route).StatusCode)
	assert.Equal(t, http.StatusMethodNotAllowed, s.do(t, http.MethodPut, "/api/v1/routes", viewer, nil).StatusCode)
}

// TestNoSecret tests that reads are open and changes are refused without a secret
func TestNoSecret(t *testing.T) {
	s := newTestSetup(t, "", true)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/routes", "", nil).StatusCode)
	route := AddRouteRequest{ParticipantID: "p1", Address: address.Mqtt("tcp://broker:1883", "p1")}
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodPost, "/api/v1/routes", "", route).StatusCode)
}

// TestRouteLifecycle tests adding, reading and deleting routes
func TestRouteLifecycle(t *testing.T) {
	s := newTestSetup(t, testSecret, true)
	admin := s.token(t, "ops", true)
	mqttAddr := address.Mqtt("tcp://broker:1883", "p1")

	resp := s.do(t, http.MethodPost, "/api/v1/routes", admin, AddRouteRequest{
		ParticipantID: "p1", Address: mqttAddr, GloballyVisible: true, TTL: "1h",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created RouteInfo
	decode(t, resp, &created)
	assert.Equal(t, mqttAddr, created.Address)
	assert.True(t, created.GloballyVisible)
	require.NotNil(t, created.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *created.ExpiresAt, time.Minute)

	resp = s.do(t, http.MethodPost, "/api/v1/routes", admin, AddRouteRequest{
		ParticipantID: "dispatcher", Address: address.InProcess("dispatcher"), Provisioned: true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// sticky entries keep their address
	resp = s.do(t, http.MethodPost, "/api/v1/routes", admin, AddRouteRequest{
		ParticipantID: "dispatcher", Address: address.InProcess("elsewhere"),
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/api/v1/routes", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var routes RoutesResponse
	decode(t, resp, &routes)
	require.Len(t, routes.Routes, 2)
	assert.Equal(t, "dispatcher", routes.Routes[0].ParticipantID)
	assert.True(t, routes.Routes[0].Sticky)
	assert.Nil(t, routes.Routes[0].ExpiresAt)
	assert.Equal(t, "p1", routes.Routes[1].ParticipantID)

	resp = s.do(t, http.MethodGet, "/api/v1/routes/p1", admin, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/api/v1/routes/p1", admin, nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/routes/p1", admin, nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, "/api/v1/routes/p1", admin, nil).StatusCode)
	assert.NotContains(t, s.node.Routes(), "p1")
}

// TestAddRouteValidation tests malformed route requests
func TestAddRouteValidation(t *testing.T) {
	s := newTestSetup(t, testSecret, true)
	admin := s.token(t, "ops", true)

	bad := []interface{}{
		map[string]interface{}{"participantId": "x", "address": map[string]interface{}{"type": "smoke"}},
		AddRouteRequest{Address: address.InProcess("x")},
		map[string]interface{}{"participantId": "x"},
		AddRouteRequest{ParticipantID: "x", Address: address.InProcess("x"), TTL: "forever"},
		AddRouteRequest{ParticipantID: "x", Address: address.InProcess("x"), TTL: "-1s"},
	}
	for _, body := range bad {
		assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/v1/routes", admin, body).StatusCode, "%v", body)
	}
}

// TestMulticastReceivers tests the multicast registry endpoints
func TestMulticastReceivers(t *testing.T) {
	s := newTestSetup(t, testSecret, true)
	admin := s.token(t, "ops", true)

	req := MulticastReceiverRequest{MulticastID: "weather/+/temp", SubscriberID: "sub-1", ProviderID: "provider"}
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/api/v1/multicast", admin, req).StatusCode)

	require.True(t, s.node.Router().AddNextHop("provider", address.InProcess("provider"), true))
	assert.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v1/multicast", admin, req).StatusCode)

	invalid := req
	invalid.MulticastID = "weather/*/temp"
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/v1/multicast", admin, invalid).StatusCode)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/v1/multicast", admin, MulticastReceiverRequest{}).StatusCode)

	resp := s.do(t, http.MethodGet, "/api/v1/multicast", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list MulticastResponse
	decode(t, resp, &list)
	require.Len(t, list.Patterns, 1)
	assert.Equal(t, MulticastPattern{Pattern: "weather/+/temp", Receivers: []string{"sub-1"}}, list.Patterns[0])

	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/api/v1/multicast", admin, req).StatusCode)
	assert.Empty(t, s.node.MulticastReceivers())
}

// TestMetrics tests the Prometheus endpoint
func TestMetrics(t *testing.T) {
	s := newTestSetup(t, testSecret, true)
	require.True(t, s.node.Router().AddNextHop("p", address.InProcess("p"), false))

	resp := s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "meshrouter_routing_table_entries 1")
	assert.Contains(t, string(body), "meshrouter_router_retries_total 0")
}

// TestJWTAuth tests token round trips
func TestJWTAuth(t *testing.T) {
	auth := NewJWTAuth("secret")

	token, expiresAt, err := auth.GenerateToken("ops", true, 0)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(DefaultTokenTTL), expiresAt, time.Minute)

	claims, err := auth.ValidateToken("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Operator)
	assert.True(t, claims.IsAdmin)

	_, _, err = auth.GenerateToken("", false, time.Minute)
	assert.Error(t, err)
	_, err = auth.ValidateToken("")
	assert.Error(t, err)
	_, err = NewJWTAuth("other").ValidateToken(token)
	assert.Error(t, err)

	// tokens from another issuer or without expiry are refused
	now := time.Now()
	foreign, err := jwt.NewWithClaims(jwt.SigningMethodHS256, JWTClaims{
		Operator: "ops",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = auth.ValidateToken(foreign)
	assert.Error(t, err)

	forever, err := jwt.NewWithClaims(jwt.SigningMethodHS256, JWTClaims{
		Operator:         "ops",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: tokenIssuer},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = auth.ValidateToken(forever)
	assert.Error(t, err)
}
