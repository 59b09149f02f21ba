package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/T-SLP/fub-stage-tracker-sub000/internal/api/middleware"
	"github.com/T-SLP/fub-stage-tracker-sub000/internal/pipeline"
	"github.com/T-SLP/fub-stage-tracker-sub000/internal/reconcile"
	"github.com/T-SLP/fub-stage-tracker-sub000/internal/storage"
)

// StatusResponse is the diagnostics document served at GET /api/v1/status.
type StatusResponse struct {
	Status      string                `json:"status"`
	Version     string                `json:"version"`
	Uptime      string                `json:"uptime"`
	GeneratedAt time.Time             `json:"generated_at"`
	Pipeline    pipeline.Stats        `json:"pipeline"`
	Reconcile   *reconcile.Stats      `json:"reconcile,omitempty"`
	Store       *storage.StoreSummary `json:"store,omitempty"`
	StoreError  string                `json:"store_error,omitempty"`
}

// handleStatus reports pipeline, poller and store counters. It never fails: a store error
// marks the document degraded.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := s.now()

	response := StatusResponse{
		Status:      "ok",
		Version:     s.deps.Version,
		Uptime:      now.Sub(s.startTime).Round(time.Second).String(),
		GeneratedAt: now.UTC(),
		Pipeline:    s.deps.Ingestor.Stats(),
	}

	if s.deps.Reconciler != nil {
		stats := s.deps.Reconciler.Stats()
		response.Reconcile = &stats
	}

	if s.deps.Summarizer != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		summary, err := s.deps.Summarizer.Summary(ctx)
		if err != nil {
			s.logger.Warn("Store summary unavailable",
				slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
				slog.String("error", err.Error()),
			)

			response.Status = "degraded"
			response.StoreError = err.Error()
		} else {
			response.Store = summary
		}
	}

	w.Header().Set("Cache-Control", "no-store")
	s.writeJSON(w, r, http.StatusOK, response)
}
