// Package status serves health, readiness and handler statistics over HTTP.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"eventbot/pkg/bus"
	"eventbot/pkg/config"
	"eventbot/pkg/dispatch"
	"eventbot/pkg/plugin"
)

const (
	defaultHost = "127.0.0.1"
	defaultPort = 18790
)

// Source is the session view the server reports on.
type Source interface {
	Connected() bool
	Exited() bool
	PoolSize() int
	Receivers() dispatch.Counts
	PluginStatus() []plugin.Status
	Events(ctx context.Context) (<-chan bus.Event, func())
}

type Server struct {
	addr string
	src  Source
	log  *slog.Logger

	mu          sync.RWMutex
	startedAt   time.Time
	connectedAt time.Time
	failures    int64
	lastError   string
	lastErrorAt time.Time
}

type statusResponse struct {
	Status        string          `json:"status"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Connected     bool            `json:"connected"`
	ConnectedAt   string          `json:"connected_at,omitempty"`
	Exited        bool            `json:"exited"`
	PoolSize      int             `json:"pool_size"`
	Receivers     dispatch.Counts `json:"receivers"`
	Failures      int64           `json:"failures"`
	LastError     string          `json:"last_error,omitempty"`
	LastErrorAt   string          `json:"last_error_at,omitempty"`
}

// New builds a server for cfg. Host and port fall back to 127.0.0.1:18790.
func New(cfg config.StatusConfig, src Source, log *slog.Logger) *Server {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		host = defaultHost
	}

	port := cfg.Port
	if port <= 0 {
		port = defaultPort
	}

	if log == nil {
		log = slog.Default()
	}

	return &Server{
		addr:      net.JoinHostPort(host, strconv.Itoa(port)),
		src:       src,
		log:       log.With("component", "status.server"),
		startedAt: time.Now().UTC(),
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Run listens on the configured address until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("start status server: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln and records session events until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	events, unsubscribe := s.src.Events(ctx)
	defer unsubscribe()
	go func() {
		for event := range events {
			s.Observe(event)
		}
	}()

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Status server started", "address", ln.Addr().String())
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve status: %w", err)
	}
	return nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /receivers", s.handleReceivers)
	mux.HandleFunc("GET /plugins", s.handlePlugins)
	return mux
}

// Observe folds one session event into the reported counters.
func (s *Server) Observe(event bus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case event.Failure():
		s.failures++
		s.lastError = strings.TrimSpace(event.Task + ": " + event.Error)
		s.lastErrorAt = event.At
	case event.Type == bus.EventConnected:
		s.connectedAt = event.At
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Server) handleReceivers(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, s.src.Receivers())
}

func (s *Server) handlePlugins(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, s.src.PluginStatus())
}

func (s *Server) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	s.respondJSON(w, statusCode, s.currentStatus(status))
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Server) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return statusResponse{
		Status:        status,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Connected:     s.src.Connected(),
		ConnectedAt:   formatTime(s.connectedAt),
		Exited:        s.src.Exited(),
		PoolSize:      s.src.PoolSize(),
		Receivers:     s.src.Receivers(),
		Failures:      s.failures,
		LastError:     s.lastError,
		LastErrorAt:   formatTime(s.lastErrorAt),
	}
}

func (s *Server) isReady() bool {
	return s.src.Connected() && !s.src.Exited()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
