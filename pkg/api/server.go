// Package api exposes operational endpoints over the resilience layers:
// statistics projections, explicit resets, circuit force-open/close, and
// configuration updates. It is meant for internal tooling, not end users.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"httpshield/pkg/breaker"
	"httpshield/pkg/client"
	"httpshield/pkg/logging"
	"httpshield/pkg/recovery"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ServerConfig holds configuration for the operational server.
type ServerConfig struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// ReadTimeout for HTTP requests
	ReadTimeout time.Duration

	// WriteTimeout for HTTP responses
	WriteTimeout time.Duration

	// Registry, when set, mounts a Prometheus exporter at /metrics
	Registry *prometheus.Registry
}

// DefaultServerConfig returns a default configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":8080",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server serves the operational API for one client's resilience layers.
type Server struct {
	client *client.Client
	server *http.Server
	config ServerConfig
	logger *logging.Logger
}

// NewServer creates the operational server around an existing client.
func NewServer(c *client.Client, config ServerConfig) *Server {
	s := &Server{
		client: c,
		config: config,
		logger: logging.Global().Named("api"),
	}

	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/stats/reset", s.handleStatsReset).Methods(http.MethodPost)

	r.HandleFunc("/circuits", s.handleCircuits).Methods(http.MethodGet)
	r.HandleFunc("/circuits/force-open", s.handleForceOpen).Methods(http.MethodPost)
	r.HandleFunc("/circuits/force-close", s.handleForceClose).Methods(http.MethodPost)
	r.HandleFunc("/circuits/reset", s.handleCircuitReset).Methods(http.MethodPost)
	r.HandleFunc("/circuits/config", s.handleCircuitConfig).Methods(http.MethodPut)

	r.HandleFunc("/timeouts", s.handleTimeouts).Methods(http.MethodGet)
	r.HandleFunc("/recovery/levels", s.handleLevels).Methods(http.MethodGet)
	r.HandleFunc("/recovery/levels", s.handleForceLevel).Methods(http.MethodPost)

	r.HandleFunc("/cache/clear", s.handleCacheClear).Methods(http.MethodPost)

	if config.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(config.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	s.server = &http.Server{
		Addr:         config.Address,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return s
}

// Handler returns the configured router, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("operational server failed", zap.Error(err))
		}
	}()

	s.logger.Info("operational server listening", zap.String("address", s.config.Address))
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "running",
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(startTime).String(),
	})
}

// handleStats projects every layer's counters into one document.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"connections": s.client.Connections().Stats(),
		"retries":     s.client.Retries().Stats(),
		"circuits":    s.client.Breakers().Snapshots(),
		"timeouts":    s.client.Timeouts().AllStats(),
		"recovery": map[string]any{
			"stats":  s.client.Recovery().Stats(),
			"levels": levelNames(s.client.Recovery().Levels()),
		},
	})
}

func (s *Server) handleStatsReset(w http.ResponseWriter, r *http.Request) {
	s.client.Connections().ResetStats()
	s.client.Retries().ResetStats()
	s.client.Timeouts().ResetStats()
	s.client.Recovery().ResetStats()

	s.logger.Info("statistics reset via operational API")
	writeJSON(w, http.StatusOK, map[string]any{"reset": true})
}

func (s *Server) handleCircuits(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("id"); id != "" {
		snapshot, ok := s.client.Breakers().Snapshot(id)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown circuit", "id": id})
			return
		}
		writeJSON(w, http.StatusOK, snapshot)
		return
	}

	writeJSON(w, http.StatusOK, s.client.Breakers().Snapshots())
}

// circuitRequest identifies one circuit in an action request. Ids carry
// URLs, so they travel in the body rather than the path.
type circuitRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleForceOpen(w http.ResponseWriter, r *http.Request) {
	var req circuitRequest
	if !decodeBody(w, r, &req) || !requireID(w, req.ID) {
		return
	}

	s.client.Breakers().ForceOpen(req.ID)
	writeJSON(w, http.StatusOK, map[string]any{"id": req.ID, "state": string(s.client.Breakers().State(req.ID))})
}

func (s *Server) handleForceClose(w http.ResponseWriter, r *http.Request) {
	var req circuitRequest
	if !decodeBody(w, r, &req) || !requireID(w, req.ID) {
		return
	}

	s.client.Breakers().ForceClose(req.ID)
	writeJSON(w, http.StatusOK, map[string]any{"id": req.ID, "state": string(s.client.Breakers().State(req.ID))})
}

func (s *Server) handleCircuitReset(w http.ResponseWriter, r *http.Request) {
	var req circuitRequest
	if !decodeBody(w, r, &req) || !requireID(w, req.ID) {
		return
	}

	s.client.Breakers().Reset(req.ID)
	writeJSON(w, http.StatusOK, map[string]any{"id": req.ID, "reset": true})
}

// circuitConfigRequest is the wire form of a breaker override. Durations are
// milliseconds.
type circuitConfigRequest struct {
	ID                         string   `json:"id"`
	Enabled                    *bool    `json:"enabled,omitempty"`
	FailureThreshold           *int     `json:"failureThreshold,omitempty"`
	FailureThresholdPercentage *float64 `json:"failureThresholdPercentage,omitempty"`
	RequestVolumeThreshold     *int     `json:"requestVolumeThreshold,omitempty"`
	TimeoutMs                  *int64   `json:"timeoutMs,omitempty"`
	ResetTimeoutMs             *int64   `json:"resetTimeoutMs,omitempty"`
	HalfOpenMaxAttempts        *int     `json:"halfOpenMaxAttempts,omitempty"`
	ResponseTimeThresholdMs    *int64   `json:"responseTimeThresholdMs,omitempty"`
}

func (s *Server) handleCircuitConfig(w http.ResponseWriter, r *http.Request) {
	var req circuitConfigRequest
	if !decodeBody(w, r, &req) || !requireID(w, req.ID) {
		return
	}

	override := &breaker.Override{
		Enabled:                    req.Enabled,
		FailureThreshold:           req.FailureThreshold,
		FailureThresholdPercentage: req.FailureThresholdPercentage,
		RequestVolumeThreshold:     req.RequestVolumeThreshold,
		HalfOpenMaxAttempts:        req.HalfOpenMaxAttempts,
	}
	if req.TimeoutMs != nil {
		d := time.Duration(*req.TimeoutMs) * time.Millisecond
		override.TimeoutDuration = &d
	}
	if req.ResetTimeoutMs != nil {
		d := time.Duration(*req.ResetTimeoutMs) * time.Millisecond
		override.ResetTimeoutDuration = &d
	}
	if req.ResponseTimeThresholdMs != nil {
		d := time.Duration(*req.ResponseTimeThresholdMs) * time.Millisecond
		override.ResponseTimeThreshold = &d
	}

	s.client.Breakers().UpdateConfig(req.ID, override)
	s.logger.Info("circuit config updated via operational API", zap.String("circuit", req.ID))
	writeJSON(w, http.StatusOK, map[string]any{"id": req.ID, "updated": true})
}

func (s *Server) handleTimeouts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.client.Timeouts().AllStats())
}

func (s *Server) handleLevels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, levelNames(s.client.Recovery().Levels()))
}

// levelRequest force-sets one endpoint's degradation level.
type levelRequest struct {
	Endpoint string `json:"endpoint"`
	Level    string `json:"level"`
}

func (s *Server) handleForceLevel(w http.ResponseWriter, r *http.Request) {
	var req levelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Endpoint == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "endpoint is required"})
		return
	}

	level, ok := recovery.ParseLevel(req.Level)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown level", "level": req.Level})
		return
	}

	s.client.Recovery().ForceLevel(req.Endpoint, level)
	writeJSON(w, http.StatusOK, map[string]any{"endpoint": req.Endpoint, "level": level.String()})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.client.Recovery().ClearCache(ctx); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	s.logger.Info("response cache cleared via operational API")
	writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
}

// levelNames converts level values to their names for the wire.
func levelNames(levels map[string]recovery.Level) map[string]string {
	out := make(map[string]string, len(levels))
	for id, level := range levels {
		out[id] = level.String()
	}
	return out
}

// decodeBody parses a JSON request body, replying 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return false
	}
	return true
}

func requireID(w http.ResponseWriter, id string) bool {
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "id is required"})
		return false
	}
	return true
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

var startTime = time.Now()
