package web

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"binstatus-bridge/internal/automation"
	"binstatus-bridge/internal/coordinator"
	"binstatus-bridge/internal/expose"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the application version string.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP API of the bridge.
type Server struct {
	coord          *coordinator.Coordinator
	validator      *expose.Validator
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates a new web server.
func NewServer(coord *coordinator.Coordinator, validator *expose.Validator, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		coord:     coord,
		validator: validator,
		logger:    logger,
		mux:       http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	// Subscribe to all coordinator events and broadcast via WebSocket
	s.unsubEvents = coord.Events().OnAll(func(event coordinator.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s
}

// Stop gracefully shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)
	s.mux.HandleFunc("GET /api/network", s.handleAPINetworkInfo)

	// Command schemas
	s.mux.HandleFunc("GET /api/schemas", s.handleAPIListSchemas)
	s.mux.HandleFunc("GET /api/schemas/{name}", s.handleAPIGetSchema)
	s.mux.HandleFunc("POST /api/schemas/{name}/encode", s.handleAPIEncode)
	s.mux.HandleFunc("POST /api/schemas/{name}/decode", s.handleAPIDecode)
	s.mux.HandleFunc("GET /api/models", s.handleAPIListModels)

	// Devices
	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("GET /api/devices/{name}", s.handleAPIGetDevice)
	s.mux.HandleFunc("PUT /api/devices/{name}", s.handleAPIPutDevice)
	s.mux.HandleFunc("DELETE /api/devices/{name}", s.handleAPIDeleteDevice)
	s.mux.HandleFunc("POST /api/devices/{name}/commands/{schema}", s.handleAPISendCommand)

	// Automations
	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)

	// WebSocket
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP applies the origin check and API key to /api/ requests, then
// dispatches to the routes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.checkOrigin(w, r) {
		return
	}
	if !strings.HasPrefix(r.URL.Path, "/api/") {
		// Browsers cannot set headers on a WebSocket upgrade, so /ws is
		// only guarded by the origin check.
		s.mux.ServeHTTP(w, r)
		return
	}
	if !s.authorized(r) {
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(sw, r)
	s.logger.Debug("api request", "method", r.Method, "path", r.URL.Path,
		"status", sw.status, "duration", time.Since(start))
}

// checkOrigin enforces allowed_origins. Preflights are answered here;
// cross-origin requests other than GET must come from an allowed origin.
// It reports whether the request should proceed.
func (s *Server) checkOrigin(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if len(s.allowedOrigins) == 0 || origin == "" {
		return true
	}
	allowed := s.isOriginAllowed(origin)

	if r.Method == http.MethodOptions {
		if !allowed {
			s.writeError(w, http.StatusForbidden, "origin not allowed")
			return false
		}
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		h.Set("Access-Control-Max-Age", "3600")
		w.WriteHeader(http.StatusNoContent)
		return false
	}
	if r.Method == http.MethodGet {
		return true
	}
	if !allowed {
		s.writeError(w, http.StatusForbidden, "origin not allowed")
		return false
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	return true
}

func (s *Server) authorized(r *http.Request) bool {
	if s.apiKey == "" {
		return true
	}
	key := r.Header.Get("X-API-Key")
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) == 1
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) handleAPINetworkInfo(w http.ResponseWriter, r *http.Request) {
	info := s.coord.NetworkInfo()
	if devices, err := s.coord.Devices().ListDevices(); err == nil {
		info["device_count"] = len(devices)
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
