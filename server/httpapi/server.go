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
	"github.com/migadu/popsync/consts"
	"github.com/migadu/popsync/logger"
	"github.com/migadu/popsync/syncer"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Syncer is the part of the scheduler the API exposes.
type Syncer interface {
	Status() []syncer.Status
	Trigger(name string) error
}

// Server represents the HTTP API server
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	syncer       Syncer
	server       *http.Server
}

// ServerOptions holds configuration options for the HTTP API server
type ServerOptions struct {
	Addr         string
	APIKey       string // Bearer token required for POST routes, empty disables them
	AllowedHosts []string
}

// New creates a new HTTP API server
func New(s Syncer, options ServerOptions) (*Server, error) {
	if s == nil {
		return nil, fmt.Errorf("syncer is required for HTTP API server")
	}
	return &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		syncer:       s,
	}, nil
}

// Start runs the HTTP API server until ctx is done. Failures are sent to errChan.
func Start(ctx context.Context, s Syncer, options ServerOptions, errChan chan error) {
	server, err := New(s, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	logger.Info("Starting HTTP API server", "addr", options.Addr)
	if err := server.start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

// start initializes and starts the HTTP server
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
			logger.Error("Error shutting down HTTP API server", "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

// Handler returns the router with all routes and middleware.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)

	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/accounts", s.handleListAccounts).Methods("GET")
	v1.Handle("/accounts/{name}/sync", s.authMiddleware(http.HandlerFunc(s.handleSyncAccount))).Methods("POST")

	return router
}

// Middleware functions

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

		clientIP := getClientIP(r)
		if !hostAllowed(s.allowedHosts, clientIP) {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func hostAllowed(allowed []string, clientIP string) bool {
	ip := net.ParseIP(clientIP)
	for _, host := range allowed {
		if host == clientIP {
			return true
		}
		if strings.Contains(host, "/") && ip != nil {
			if _, cidr, err := net.ParseCIDR(host); err == nil && cidr.Contains(ip) {
				return true
			}
		}
	}
	return false
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			s.writeError(w, http.StatusForbidden, "No API key configured")
			return
		}
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Utility functions

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("HTTP API: error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// Handler functions

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.syncer.Status()
	failing := 0
	for _, st := range status {
		if st.LastError != "" {
			failing++
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"sub_accounts": len(status),
		"failing":      failing,
	})
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	status := s.syncer.Status()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"accounts": status,
		"total":    len(status),
	})
}

func (s *Server) handleSyncAccount(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.syncer.Trigger(name); err != nil {
		if errors.Is(err, consts.ErrAccountNotFound) {
			s.writeError(w, http.StatusNotFound, "Account not found")
			return
		}
		logger.Error("HTTP API: error triggering sync", "account", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to trigger sync")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"account": name,
		"message": "Sync queued",
	})
}
