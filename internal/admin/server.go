// Package admin serves the operator HTTP API of a node: health, routing
// table and multicast registry inspection and changes, and Prometheus
// metrics.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/meshrouter/internal/logging"
	"github.com/rmacdonaldsmith/meshrouter/pkg/node"
)

const routesPrefix = "/api/v1/routes/"

// Config holds server configuration
type Config struct {
	ListenAddr string

	// SecretKey verifies bearer tokens; empty leaves read endpoints open and
	// disables the admin ones
	SecretKey string

	// Gatherer is served on /metrics; defaults to the global registry
	Gatherer prometheus.Gatherer
}

// Server represents the admin HTTP server
type Server struct {
	node       node.Node
	jwtAuth    *JWTAuth
	handlers   *Handlers
	middleware *Middleware
	gatherer   prometheus.Gatherer
	server     *http.Server
	logger     zerolog.Logger
}

// NewServer creates a new admin server
func NewServer(n node.Node, config Config) *Server {
	logger := logging.New("admin")
	gatherer := config.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	jwtAuth := NewJWTAuth(config.SecretKey)
	server := &Server{
		node:       n,
		jwtAuth:    jwtAuth,
		handlers:   NewHandlers(n, logger),
		middleware: NewMiddleware(jwtAuth, config.SecretKey == "", logger),
		gatherer:   gatherer,
		logger:     logger,
	}

	server.server = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}
	return server
}

// Auth returns the token issuer of this server
func (s *Server) Auth() *JWTAuth {
	return s.jwtAuth
}

// Start serves until Stop; it returns http.ErrServerClosed after a clean stop
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("admin API listening")
	return s.server.ListenAndServe()
}

// Serve serves on an existing listener
func (s *Server) Serve(l net.Listener) error {
	return s.server.Serve(l)
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the routed handler with all middleware applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	withMiddleware := func(handler http.HandlerFunc) http.Handler {
		return s.middleware.Recovery(
			s.middleware.Logging(
				s.middleware.ContentType(handler)))
	}

	mux.Handle("/api/v1/health", withMiddleware(s.handlers.Health))
	mux.Handle("/api/v1/routes", withMiddleware(s.handleRoutes))
	mux.Handle(routesPrefix, withMiddleware(s.handleRouteByID))
	mux.Handle("/api/v1/multicast", withMiddleware(s.handleMulticast))
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return mux
}

// handleRoutes routes table requests based on HTTP method
func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.middleware.AuthRequired(s.handlers.ListRoutes)(w, r)
	case http.MethodPost:
		s.middleware.AdminRequired(s.handlers.AddRoute)(w, r)
	default:
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRouteByID handles individual route operations
func (s *Server) handleRouteByID(w http.ResponseWriter, r *http.Request) {
	participantID := strings.TrimPrefix(r.URL.Path, routesPrefix)
	if participantID == "" {
		writeError(w, "Participant ID required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.middleware.AuthRequired(func(w http.ResponseWriter, r *http.Request) {
			s.handlers.GetRoute(w, r, participantID)
		})(w, r)
	case http.MethodDelete:
		s.middleware.AdminRequired(func(w http.ResponseWriter, r *http.Request) {
			s.handlers.DeleteRoute(w, r, participantID)
		})(w, r)
	default:
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleMulticast routes registry requests based on HTTP method
func (s *Server) handleMulticast(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.middleware.AuthRequired(s.handlers.ListMulticast)(w, r)
	case http.MethodPost:
		s.middleware.AdminRequired(s.handlers.AddMulticastReceiver)(w, r)
	case http.MethodDelete:
		s.middleware.AdminRequired(s.handlers.RemoveMulticastReceiver)(w, r)
	default:
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
