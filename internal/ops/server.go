// Package ops serves the operational endpoints: liveness and a JSON
// metrics snapshot. It binds its own port so operators never compete
// with market-data peers for the websocket listeners.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/yanun0323/logs"

	"feedproxy/internal/obs"
)

// HealthCheck reports one named component's liveness.
type HealthCheck struct {
	Name  string
	Ready func() bool
}

// Server exposes /healthz and /metrics.
type Server struct {
	addr    string
	metrics *obs.Metrics
	checks  []HealthCheck
}

// NewServer builds the ops server over the shared metrics.
func NewServer(addr string, metrics *obs.Metrics, checks ...HealthCheck) *Server {
	return &Server{addr: addr, metrics: metrics, checks: checks}
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
	srv := &http.Server{Addr: s.addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logs.Infof("ops listening on %s", s.addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// handleHealth returns 200 when every registered component is ready and
// 503 otherwise, with per-component detail either way.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	detail := make(map[string]bool, len(s.checks))
	healthy := true
	for _, check := range s.checks {
		ready := check.Ready()
		detail[check.Name] = ready
		healthy = healthy && ready
	}
	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(detail)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.metrics.Snapshot())
}
