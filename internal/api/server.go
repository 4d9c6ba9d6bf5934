package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/HarsHvardhnn/content-summarization-schdl/internal/config"
	"github.com/HarsHvardhnn/content-summarization-schdl/internal/ingest"
	"github.com/HarsHvardhnn/content-summarization-schdl/internal/models"
	"github.com/HarsHvardhnn/content-summarization-schdl/internal/ratelimit"
	"github.com/HarsHvardhnn/content-summarization-schdl/internal/store"
	"github.com/HarsHvardhnn/content-summarization-schdl/internal/telemetry"
)

// JobReader is the read/delete surface the API needs from the store.
type JobReader interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	SoftDelete(ctx context.Context, id string) error
}

// Limiter guards the submission endpoint.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Server wires HTTP handlers for the ingress API.
type Server struct {
	cfg     config.Config
	ingest  *ingest.Service
	store   JobReader
	limiter Limiter
}

// New constructs the API server.
func New(cfg config.Config, svc *ingest.Service, st JobReader, limiter Limiter) *Server {
	return &Server{cfg: cfg, ingest: svc, store: st, limiter: limiter}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/api/content/summary", s.handleSubmit)
	r.Get("/api/content/jobs/{jobID}", s.handleGetJob)
	r.Delete("/api/content/jobs/{jobID}", s.handleDeleteJob)
	return r
}

type submitRequest struct {
	Input string `json:"input"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	input := strings.TrimSpace(req.Input)
	if input == "" {
		writeError(w, http.StatusBadRequest, "input is required")
		return
	}
	if len(input) < s.cfg.MinInputLength {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("input must be at least %d characters", s.cfg.MinInputLength))
		return
	}

	if s.limiter != nil {
		key := ratelimit.IngressKey(clientAddr(r))
		allowed, _, err := s.limiter.Allow(r.Context(), key)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	result, err := s.ingest.Submit(r.Context(), req.Input)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	if result.Cached {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"data": map[string]any{
				"id":                 result.Job.ID,
				"status":             models.StatusCompleted,
				"summary":            result.Summary,
				"cached":             true,
				"processing_time_ms": result.ProcessingTimeMs,
			},
		})
		return
	}

	status := http.StatusCreated
	message := "Job created successfully. Use job ID to check status."
	if result.Deduplicated {
		status = http.StatusOK
		message = "An identical request is already in progress. Use job ID to check status."
	}
	writeJSON(w, status, map[string]any{
		"success": true,
		"data": map[string]any{
			"id":         result.Job.ID,
			"type":       result.Job.Type,
			"status":     result.Job.Status,
			"message":    message,
			"created_at": result.Job.CreatedAt,
		},
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil || job.DeletedAt != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	data := map[string]any{
		"job_id":             job.ID,
		"input_content_type": job.Type,
		"status":             job.Status,
		"created_at":         job.CreatedAt,
		"updated_at":         job.UpdatedAt,
	}
	if job.Status == models.StatusCompleted && job.Summary != nil {
		data["summary"] = *job.Summary
		if job.ProcessingTimeMs != nil {
			data["processing_time_ms"] = *job.ProcessingTimeMs
		}
	}
	if job.Status == models.StatusFailed {
		data["failure_count"] = job.FailureCount
		if job.ErrorMessage != nil {
			data["error_message"] = *job.ErrorMessage
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": data})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	if err := s.store.SoftDelete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func clientAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]any{"success": false, "message": message})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
