package main

import (
	"context"
	"net/http"
	"time"

	"github.com/aye-is/feedbacker/pkg/httpx"
)

const serviceVersion = "0.3.0"

type healthResponse struct {
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	Version       string    `json:"version"`
	Environment   string    `json:"environment"`
}

func (s *Server) healthSnapshot(status string) healthResponse {
	return healthResponse{
		Status:        status,
		Timestamp:     time.Now().UTC(),
		UptimeSeconds: int64(time.Since(s.StartedAt) / time.Second),
		Version:       serviceVersion,
		Environment:   env("ENVIRONMENT", "development"),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.OK(w, http.StatusOK, "Service is healthy", s.healthSnapshot("healthy"))
}

// Readiness requires a live database round trip; the load balancer
// should stop routing here when the store is unreachable.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	var one int
	if err := s.DB.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		httpx.Fail(w, http.StatusServiceUnavailable, httpx.CodeInternal, "Database unavailable", nil)
		return
	}
	httpx.OK(w, http.StatusOK, "Service is ready", s.healthSnapshot("healthy"))
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	httpx.OK(w, http.StatusOK, "Service is alive", s.healthSnapshot("healthy"))
}
