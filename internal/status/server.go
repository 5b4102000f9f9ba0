// Package status serves the agent's own metrics and health over HTTP.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"telemetryagent/internal/forwarder"
	"telemetryagent/internal/logger"
)

const shutdownTimeout = 5 * time.Second

// StatsFunc returns the current forwarder stats keyed by channel name.
type StatsFunc func() map[string]forwarder.Stats

// Health is the /healthz response body.
type Health struct {
	Status     string                     `json:"status"`
	ServerName string                     `json:"serverName"`
	Uptime     string                     `json:"uptime"`
	Channels   map[string]forwarder.Stats `json:"channels"`
}

// NewRegistry returns a registry carrying the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Server exposes /metrics and /healthz.
type Server struct {
	addr       string
	serverName string
	stats      StatsFunc
	started    time.Time
	ready      atomic.Bool
	log        zerolog.Logger

	server *http.Server

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
}

// NewServer creates a status server. stats may be nil.
func NewServer(addr, serverName string, reg *prometheus.Registry, stats StatsFunc) *Server {
	s := &Server{
		addr:       addr,
		serverName: serverName,
		stats:      stats,
		started:    time.Now(),
		log:        logger.WithComponent("status"),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", s.handleHealth)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}
	return s
}

// SetReady marks the pipelines as running. /healthz answers 503 while not ready.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.log.Info().Str("listen_addr", ln.Addr().String()).Msg("Status server started")

	go func() {
		defer close(s.done)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("Status server stopped unexpectedly")
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server, waiting briefly for in-flight requests.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := s.server.Shutdown(ctx)
	<-done
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("status server shutdown failed: %w", err)
	}
	s.log.Info().Msg("Status server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := Health{
		Status:     "ok",
		ServerName: s.serverName,
		Uptime:     time.Since(s.started).Truncate(time.Second).String(),
	}
	if s.stats != nil {
		h.Channels = s.stats()
	}

	code := http.StatusOK
	if !s.ready.Load() {
		h.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		s.log.Debug().Err(err).Msg("Failed to write health response")
	}
}
