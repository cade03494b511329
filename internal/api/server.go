package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"durable-queue/internal/config"
	"durable-queue/internal/models"
	"durable-queue/internal/queue"
	"durable-queue/internal/store"
	"durable-queue/internal/telemetry"
)

// Engine is the queue surface the API drives.
type Engine interface {
	Add(ctx context.Context, topic string, p queue.Payload) (string, error)
	Remove(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (models.Job, error)
	State() queue.State
}

// Admitter decides whether an add on topic may proceed.
type Admitter interface {
	Admit(ctx context.Context, topic string) (bool, float64, error)
}

// Server wires HTTP handlers for producers and operators.
type Server struct {
	cfg     config.Config
	engine  Engine
	limiter Admitter
	events  http.Handler
	logger  *slog.Logger
}

// New constructs the API server. limiter and events may be nil.
func New(cfg config.Config, engine Engine, limiter Admitter, events http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		engine:  engine,
		limiter: limiter,
		events:  events,
		logger:  logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "state": s.engine.State().String()})
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/jobs", func(r chi.Router) {
		if s.cfg.AuthSecret != "" {
			r.Use(requireToken([]byte(s.cfg.AuthSecret)))
		}
		r.Post("/", s.handleAdd)
		r.Get("/{id}", s.handleGetJob)
		r.Delete("/{id}", s.handleRemove)
	})

	if s.events != nil {
		r.Handle("/events", s.events)
	}
	return r
}

type addRequest struct {
	Topic    string          `json:"topic"`
	Data     json.RawMessage `json:"data"`
	Attempts int             `json:"attempts"`
	RetryAt  string          `json:"retry_at"`
}

type addResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Topic == "" {
		writeError(w, http.StatusBadRequest, "topic is required")
		return
	}
	if len(req.Data) == 0 {
		req.Data = json.RawMessage("null")
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Admit(r.Context(), req.Topic)
		if err != nil {
			s.logger.Error("rate limit check failed", "topic", req.Topic, "error", err)
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	id, err := s.engine.Add(r.Context(), req.Topic, queue.Payload{
		Data:     req.Data,
		Attempts: req.Attempts,
		RetryAt:  req.RetryAt,
	})
	if err != nil {
		var verr *queue.ValidationError
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, verr.Error())
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusServiceUnavailable, "queue not started")
		default:
			writeError(w, http.StatusInternalServerError, "add failed")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, addResponse{ID: id})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.engine.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if len(job.Data) > 0 && !json.Valid(job.Data) {
		// Undecodable payloads are shown verbatim as a string.
		job.Data, _ = json.Marshal(string(job.Data))
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.Remove(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "remove failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, `{"error":"encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(append(body, '\n'))
}
