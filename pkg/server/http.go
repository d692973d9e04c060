package server

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// startMetricsServer serves /metrics and /healthz if a metrics port is
// configured.
func (s *Server) startMetricsServer() error {
	if s.config.MetricsPort <= 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.HealthHandler)

	addr := fmt.Sprintf(":%d", s.config.MetricsPort)
	s.metricsServer = &http.Server{Addr: addr, Handler: mux}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	errorLog.Printf("Metrics server listening on %s", addr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.metricsServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errorLog.Printf("Metrics server error: %v", err)
		}
	}()

	return nil
}

func (s *Server) stopMetricsServer() {
	if s.metricsServer != nil {
		s.metricsServer.Close()
		s.metricsServer = nil
	}
}

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":           "healthy",
		"uptime_seconds":   int64(time.Since(s.startTime).Seconds()),
		"active_sessions":  s.sessions.Count(),
		"online_users":     s.dir.OnlineCount(),
		"pending_messages": s.dir.PendingTotal(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		errorLog.Printf("Error encoding health JSON: %v", err)
	}
}
