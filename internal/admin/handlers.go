package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/meshrouter/pkg/node"
	"github.com/rmacdonaldsmith/meshrouter/pkg/router"
	"github.com/rmacdonaldsmith/meshrouter/pkg/routingtable"
)

// Handlers contains all HTTP request handlers
type Handlers struct {
	node   node.Node
	logger zerolog.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(n node.Node, logger zerolog.Logger) *Handlers {
	return &Handlers{node: n, logger: logger}
}

// Health handles GET /api/v1/health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health, err := h.node.Health(r.Context())
	if err != nil {
		writeError(w, "Failed to get health status", http.StatusInternalServerError)
		return
	}

	resp := HealthResponse{
		Healthy:           health.Healthy,
		NodeID:            h.node.ID(),
		Role:              string(health.Role),
		RouterRunning:     health.RouterRunning,
		Transports:        health.Transports,
		RoutingEntries:    health.RoutingEntries,
		MulticastPatterns: health.MulticastPatterns,
		ConnectedClients:  health.ConnectedClients,
		RoutedMessages:    health.RoutedMessages,
		Message:           health.Message,
	}

	statusCode := http.StatusOK
	if !health.Healthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, resp, statusCode)
}

// ListRoutes handles GET /api/v1/routes
func (h *Handlers) ListRoutes(w http.ResponseWriter, r *http.Request) {
	entries := h.node.Routes()
	resp := RoutesResponse{Routes: make([]RouteInfo, 0, len(entries))}
	for id, e := range entries {
		resp.Routes = append(resp.Routes, routeInfo(id, e))
	}
	sort.Slice(resp.Routes, func(i, j int) bool {
		return resp.Routes[i].ParticipantID < resp.Routes[j].ParticipantID
	})
	writeJSON(w, resp, http.StatusOK)
}

// GetRoute handles GET /api/v1/routes/{id}
func (h *Handlers) GetRoute(w http.ResponseWriter, r *http.Request, participantID string) {
	entry, ok := h.node.Routes()[participantID]
	if !ok {
		writeError(w, "No route for "+participantID, http.StatusNotFound)
		return
	}
	writeJSON(w, routeInfo(participantID, entry), http.StatusOK)
}

func routeInfo(id string, e routingtable.Entry) RouteInfo {
	info := RouteInfo{
		ParticipantID:   id,
		Address:         e.Address,
		GloballyVisible: e.IsGloballyVisible,
		Sticky:          e.IsSticky,
	}
	if e.ExpiryDateMs != routingtable.NoExpiry {
		expiresAt := time.UnixMilli(e.ExpiryDateMs).UTC()
		info.ExpiresAt = &expiresAt
	}
	return info
}

// AddRoute handles POST /api/v1/routes
func (h *Handlers) AddRoute(w http.ResponseWriter, r *http.Request) {
	var req AddRouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.ParticipantID == "" {
		writeError(w, "participantId is required", http.StatusBadRequest)
		return
	}
	if err := req.Address.Validate(); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	rt := h.node.Router()
	var accepted bool
	switch {
	case req.Provisioned:
		accepted = rt.AddProvisionedNextHop(req.ParticipantID, req.Address, req.GloballyVisible)
	case req.TTL != "":
		ttl, err := time.ParseDuration(req.TTL)
		if err != nil || ttl <= 0 {
			writeError(w, "ttl must be a positive duration", http.StatusBadRequest)
			return
		}
		accepted = rt.AddNextHopWithExpiry(req.ParticipantID, req.Address, req.GloballyVisible, time.Now().Add(ttl).UnixMilli())
	default:
		accepted = rt.AddNextHop(req.ParticipantID, req.Address, req.GloballyVisible)
	}
	if !accepted {
		writeError(w, "Routing table refused the route", http.StatusConflict)
		return
	}

	h.logger.Info().
		Str("operator", GetOperator(r)).
		Str("participantId", req.ParticipantID).
		Stringer("address", req.Address).
		Msg("route added")
	entry := h.node.Routes()[req.ParticipantID]
	writeJSON(w, routeInfo(req.ParticipantID, entry), http.StatusCreated)
}

// DeleteRoute handles DELETE /api/v1/routes/{id}
func (h *Handlers) DeleteRoute(w http.ResponseWriter, r *http.Request, participantID string) {
	if _, ok := h.node.Routes()[participantID]; !ok {
		writeError(w, "No route for "+participantID, http.StatusNotFound)
		return
	}
	h.node.Router().RemoveNextHop(participantID)
	h.logger.Info().Str("operator", GetOperator(r)).Str("participantId", participantID).Msg("route removed")
	w.WriteHeader(http.StatusNoContent)
}

// ListMulticast handles GET /api/v1/multicast
func (h *Handlers) ListMulticast(w http.ResponseWriter, r *http.Request) {
	patterns := h.node.MulticastReceivers()
	resp := MulticastResponse{Patterns: make([]MulticastPattern, 0, len(patterns))}
	for pattern, receivers := range patterns {
		sorted := append([]string(nil), receivers...)
		sort.Strings(sorted)
		resp.Patterns = append(resp.Patterns, MulticastPattern{Pattern: pattern, Receivers: sorted})
	}
	sort.Slice(resp.Patterns, func(i, j int) bool { return resp.Patterns[i].Pattern < resp.Patterns[j].Pattern })
	writeJSON(w, resp, http.StatusOK)
}

// AddMulticastReceiver handles POST /api/v1/multicast
func (h *Handlers) AddMulticastReceiver(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeMulticastRequest(w, r)
	if !ok {
		return
	}
	err := h.node.Router().AddMulticastReceiver(r.Context(), req.MulticastID, req.SubscriberID, req.ProviderID)
	switch {
	case errors.Is(err, router.ErrRouteNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case err != nil:
		writeError(w, err.Error(), http.StatusBadRequest)
	default:
		writeJSON(w, req, http.StatusCreated)
	}
}

// RemoveMulticastReceiver handles DELETE /api/v1/multicast
func (h *Handlers) RemoveMulticastReceiver(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeMulticastRequest(w, r)
	if !ok {
		return
	}
	if err := h.node.Router().RemoveMulticastReceiver(r.Context(), req.MulticastID, req.SubscriberID, req.ProviderID); err != nil {
		writeError(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) decodeMulticastRequest(w http.ResponseWriter, r *http.Request) (MulticastReceiverRequest, bool) {
	var req MulticastReceiverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return req, false
	}
	var missing []string
	if req.MulticastID == "" {
		missing = append(missing, "multicastId")
	}
	if req.SubscriberID == "" {
		missing = append(missing, "subscriberId")
	}
	if req.ProviderID == "" {
		missing = append(missing, "providerId")
	}
	if len(missing) > 0 {
		writeError(w, "Missing fields: "+strings.Join(missing, ", "), http.StatusBadRequest)
		return req, false
	}
	return req, true
}
