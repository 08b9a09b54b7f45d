package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"contentforge/internal/config"
	"contentforge/internal/models"
	"contentforge/internal/pipeline"
	"contentforge/internal/queue"
	"contentforge/internal/store"
	"contentforge/internal/telemetry"
)

// Server exposes the operator API: submitting work items, inspecting them,
// requesting cancellation, and peeking at the dead-letter queue.
type Server struct {
	cfg   config.Config
	store *store.Store
	queue *queue.RedisQueue
	orch  *pipeline.Orchestrator
	log   zerolog.Logger
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, q *queue.RedisQueue, orch *pipeline.Orchestrator, log zerolog.Logger) *Server {
	return &Server{
		cfg:   cfg,
		store: st,
		queue: q,
		orch:  orch,
		log:   log.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/items", s.handleCreateItem)
	r.Get("/items", s.handleListItems)
	r.Get("/items/{id}", s.handleGetItem)
	r.Post("/items/{id}/cancel", s.handleCancel)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type createItemRequest struct {
	SourceURL      string `json:"source_url"`
	Video          bool   `json:"video"`
	Speech         bool   `json:"speech"`
	IdempotencyKey string `json:"idempotency_key"`
}

type createItemResponse struct {
	Item       models.WorkItem `json:"item"`
	Idempotent bool            `json:"idempotent"`
}

func (s *Server) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	var req createItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.SourceURL == "" {
		http.Error(w, "source_url is required", http.StatusBadRequest)
		return
	}

	item, idempotent, err := s.store.CreateWorkItem(r.Context(), store.CreateWorkItemParams{
		SourceURL:      req.SourceURL,
		Video:          req.Video,
		Speech:         req.Speech,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("create work item failed")
		http.Error(w, "could not create work item", http.StatusInternalServerError)
		return
	}

	if !idempotent {
		telemetry.ItemsCreated.Inc()
		if err := s.orch.Advance(r.Context(), item.ID); err != nil {
			// The item is persisted; the scheduler's sweep will dispatch it.
			s.log.Warn().Err(err).Str("item", item.ID).Msg("initial dispatch failed")
		}
	}

	writeJSON(w, http.StatusAccepted, createItemResponse{Item: item, Idempotent: idempotent})
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, err := s.store.GetWorkItem(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "work item not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "could not load work item", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	stage := r.URL.Query().Get("stage")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			http.Error(w, "limit must be 1..500", http.StatusBadRequest)
			return
		}
		limit = n
	}
	items, err := s.store.ListWorkItems(r.Context(), status, stage, limit)
	if err != nil {
		http.Error(w, "could not list work items", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleCancel flags the item; the orchestrator finalizes the cancellation at
// the next decision point so a running stage is never interrupted mid-flight.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, err := s.store.GetWorkItem(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "work item not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "could not load work item", http.StatusInternalServerError)
		return
	}
	if item.Terminal() {
		http.Error(w, "work item already terminal", http.StatusConflict)
		return
	}
	if err := s.store.RequestCancel(r.Context(), id); err != nil {
		http.Error(w, "could not request cancellation", http.StatusInternalServerError)
		return
	}
	_ = s.store.AppendAudit(r.Context(), id, "cancel_requested", "via API")
	// Settle immediately when the item is idle; a running item is settled by
	// the worker when it reports.
	if item.Status != models.StatusRunning {
		if err := s.orch.Advance(r.Context(), id); err != nil && !errors.Is(err, pipeline.ErrAlreadyTerminal) {
			s.log.Warn().Err(err).Str("item", id).Msg("cancel settlement deferred")
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel_requested"})
}

// handleDLQ returns the most recent dead-lettered tasks.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "could not read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
