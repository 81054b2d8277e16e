// Package introspect exposes a small HTTP status/metrics endpoint for a
// long-running binary embedding this module, grounded on the teacher's
// internal/api.Server trimmed to the parts that still make sense without a
// tenant/pool model: status, health, and a Prometheus /metrics handler.
package introspect

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dbbouncer/asyncmy/internal/metrics"
)

// StatusFunc reports whatever the embedding binary considers its current
// connection state (e.g. "connected"/"reconnecting").
type StatusFunc func() map[string]any

// Server is the status/metrics HTTP server.
type Server struct {
	collector  *metrics.Collector
	statusFunc StatusFunc
	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates a status/metrics server. statusFunc may be nil.
func NewServer(c *metrics.Collector, statusFunc StatusFunc) *Server {
	if statusFunc == nil {
		statusFunc = func() map[string]any { return map[string]any{} }
	}
	return &Server{collector: c, statusFunc: statusFunc, startTime: time.Now()}
}

// Start begins serving on addr ("host:port"). Non-blocking.
func (s *Server) Start(addr string) error {
	r := mux.NewRouter()
	r.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)
	r.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	if s.collector != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.collector.Registry, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("introspect: listening on %s: %w", addr, err)
	}
	go s.httpServer.Serve(ln)
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	body := map[string]any{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
	}
	for k, v := range s.statusFunc() {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
