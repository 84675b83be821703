package api

import (
	"net/http"
	"time"
)

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
}

type ReadinessResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Database  string    `json:"database"`
}

func (s *Server) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Service:   s.opts.Service,
	})
}

func (s *Server) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Ping(r.Context()); err != nil {
		s.log.Warn().Err(err).Msg("Readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, ReadinessResponse{
			Status:    "not ready",
			Timestamp: time.Now(),
			Service:   s.opts.Service,
			Database:  "disconnected",
		})
		return
	}

	writeJSON(w, http.StatusOK, ReadinessResponse{
		Status:    "ready",
		Timestamp: time.Now(),
		Service:   s.opts.Service,
		Database:  "connected",
	})
}

func (s *Server) HandleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "alive",
		Timestamp: time.Now(),
		Service:   s.opts.Service,
	})
}
