package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"msr/pkg/loop"
	"msr/pkg/mediator"
	"msr/pkg/metric"
	"msr/pkg/plugin"
)

// MediatorStatus is implemented by every mediator.
type MediatorStatus interface {
	Stats() mediator.Stats
}

// Option configures the server.
type Option func(*Server)

// WithMetrics exposes the registry on /metrics.
func WithMetrics(m *metric.Registry) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMediators adds mediators to /api/mediators.
func WithMediators(ms ...MediatorStatus) Option {
	return func(s *Server) { s.mediators = append(s.mediators, ms...) }
}

// Server provides HTTP API endpoints for the plugin runtime
type Server struct {
	host      *plugin.Host
	metrics   *metric.Registry
	mediators []MediatorStatus
	logger    *zap.Logger
	server    *http.Server

	// streams end when ctx is cancelled; hijacked websocket connections are
	// not closed by http.Server.Shutdown.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a new API server
func NewServer(host *plugin.Host, logger *zap.Logger, port int, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		host:   host,
		logger: logger.Named("api"),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", port),
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSitemap)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/plugins", s.handlePlugins)
	mux.HandleFunc("/api/mediators", s.handleMediators)
	mux.HandleFunc("GET /api/events/{plugin}", s.handleEvents)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// HealthResponse represents the JSON response for the health endpoint
type HealthResponse struct {
	Status  string   `json:"status"`
	Plugins int      `json:"plugins"`
	Stopped []string `json:"stopped,omitempty"`
}

// handleHealth reports "ok" while every plugin loop is running.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := HealthResponse{Status: "ok"}
	for _, p := range s.host.Plugins() {
		resp.Plugins++
		if sp, ok := p.(plugin.StatsProvider); ok && sp.Stats().Status == loop.StatusStopped.String() {
			resp.Stopped = append(resp.Stopped, p.Name())
		}
	}

	status := http.StatusOK
	if len(resp.Stopped) > 0 {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

// PluginStatus represents one plugin in the plugins endpoint
type PluginStatus struct {
	Name  string      `json:"name"`
	Loop  *loop.Stats `json:"loop,omitempty"`
	Event bool        `json:"events"`
}

// handlePlugins returns loop statistics of every plugin
func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	plugins := s.host.Plugins()
	resp := make([]PluginStatus, 0, len(plugins))
	for _, p := range plugins {
		st := PluginStatus{Name: p.Name()}
		if sp, ok := p.(plugin.StatsProvider); ok {
			stats := sp.Stats()
			st.Loop = &stats
		}
		_, st.Event = p.(plugin.EventSource)
		resp = append(resp, st)
	}
	s.writeJSON(w, http.StatusOK, resp)

	s.logger.Debug("Plugins request served", zap.String("remote_addr", r.RemoteAddr))
}

// handleMediators returns the counters of every mediator
func (s *Server) handleMediators(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := make([]mediator.Stats, 0, len(s.mediators))
	for _, m := range s.mediators {
		resp = append(resp, m.Stats())
	}
	sort.Slice(resp, func(i, j int) bool { return resp[i].Name < resp[j].Name })
	s.writeJSON(w, http.StatusOK, resp)
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap - lists all available API endpoints"},
	{Path: "/health", Method: "GET", Description: "Health check - \"ok\" while every plugin loop runs"},
	{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"},
	{Path: "/api/plugins", Method: "GET", Description: "Loop status, queue depth and active tasks per plugin"},
	{Path: "/api/mediators", Method: "GET", Description: "Delivery counters per mediator"},
	{Path: "/api/events/{plugin}", Method: "GET", Description: "WebSocket stream of a plugin's published events"},
}

// handleSitemap returns a list of all available API endpoints
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	// Only handle requests to the root path
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "msr plugin runtime API\n")
	fmt.Fprintf(w, "======================\n\n")
	fmt.Fprintf(w, "Available endpoints:\n\n")
	for _, ep := range endpoints {
		fmt.Fprintf(w, "  %-6s %-22s %s\n", ep.Method, ep.Path, ep.Description)
	}
	fmt.Fprintf(w, "\nPlugins:\n\n")
	for _, p := range s.host.Plugins() {
		fmt.Fprintf(w, "  %s\n", p.Name())
	}
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server and ends all event streams
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
