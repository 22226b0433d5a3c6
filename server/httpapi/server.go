package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ternmail/tern/logger"
	"github.com/ternmail/tern/server"
	"github.com/ternmail/tern/storage"
)

// StatsProvider is implemented by the protocol servers whose connections
// are reported under /api/v1/connections/stats.
type StatsProvider interface {
	Name() string
	ConnectionStats() server.ConnectionStats
	GetTotalConnections() int64
	GetAuthenticatedConnections() int64
}

// Server represents the HTTP API server
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	store        *storage.Store
	providers    []StatsProvider
	server       *http.Server
}

// ServerOptions holds configuration options for the HTTP API server
type ServerOptions struct {
	Addr         string
	APIKey       string
	AllowedHosts []string
	Providers    []StatsProvider
}

// New creates a new HTTP API server
func New(store *storage.Store, options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	if store == nil {
		return nil, fmt.Errorf("HTTP API server needs a mailbox store")
	}

	return &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		store:        store,
		providers:    options.Providers,
	}, nil
}

// Start runs the HTTP API server until ctx is cancelled.
func Start(ctx context.Context, store *storage.Store, options ServerOptions, errChan chan error) {
	srv, err := New(store, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	logger.Info("Starting HTTP API server", "addr", options.Addr)
	if err := srv.start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down HTTP API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down HTTP API server", "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

// Handler returns the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)

	// Unauthenticated probes
	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.allowedHostsMiddleware)
	v1.Use(s.authMiddleware)

	v1.HandleFunc("/accounts/{user}/exists", s.handleAccountExists).Methods("GET")
	v1.HandleFunc("/connections/stats", s.handleConnectionStats).Methods("GET")

	return router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("HTTP API request", "method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		if !hostAllowed(s.allowedHosts, getClientIP(r)) {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func hostAllowed(allowedHosts []string, clientIP string) bool {
	ip := net.ParseIP(clientIP)
	for _, allowedHost := range allowedHosts {
		if allowedHost == clientIP {
			return true
		}
		if !strings.Contains(allowedHost, "/") || ip == nil {
			continue
		}
		if _, cidr, err := net.ParseCIDR(allowedHost); err == nil && cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// getClientIP only looks at the socket peer; forwarded headers are not
// trusted for the host allow list.
func getClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("HTTP API: error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// ServerStats is one entry of the connection stats listing.
type ServerStats struct {
	Name                     string                 `json:"name"`
	TotalConnections         int64                  `json:"total_connections"`
	AuthenticatedConnections int64                  `json:"authenticated_connections"`
	Limits                   server.ConnectionStats `json:"limits"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"users":  s.store.Registry().Len(),
	})
}

func (s *Server) handleAccountExists(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]

	resp := map[string]any{
		"user":   user,
		"exists": false,
	}
	if username, ok := s.store.Registry().Resolve(user); ok {
		resp["exists"] = true
		resp["username"] = username
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConnectionStats(w http.ResponseWriter, r *http.Request) {
	stats := make([]ServerStats, 0, len(s.providers))
	for _, p := range s.providers {
		stats = append(stats, ServerStats{
			Name:                     p.Name(),
			TotalConnections:         p.GetTotalConnections(),
			AuthenticatedConnections: p.GetAuthenticatedConnections(),
			Limits:                   p.ConnectionStats(),
		})
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"servers": stats,
		"total":   len(stats),
	})
}
