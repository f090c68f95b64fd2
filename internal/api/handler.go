package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/prompt"
	"github.com/nidhogg/nuka-memory/internal/provider"
	"github.com/nidhogg/nuka-memory/internal/retrieval"
	"github.com/nidhogg/nuka-memory/internal/store"
	"github.com/nidhogg/nuka-memory/internal/warmer"
)

// Deps are the services behind the HTTP surface. Optional services may be
// nil; their routes answer 503.
type Deps struct {
	Composer  *memory.Composer
	ShortTerm *memory.ShortTerm
	LongTerm  *memory.LongTerm
	Tasks     *memory.TaskContexts
	Engine    *retrieval.Engine
	Indexer   *retrieval.Indexer
	Warmer    *warmer.Warmer
	Assembler *prompt.Assembler
	Router    *provider.Router

	// Metrics serves the Prometheus scrape endpoint at MetricsPath.
	Metrics     http.Handler
	MetricsPath string
	CORSOrigins []string
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	deps   Deps
	logger *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, logger *zap.Logger) *Handler {
	if len(deps.CORSOrigins) == 0 {
		deps.CORSOrigins = []string{"*"}
	}
	if deps.MetricsPath == "" {
		deps.MetricsPath = "/metrics"
	}
	return &Handler{deps: deps, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.deps.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	if h.deps.Metrics != nil {
		r.Handle(h.deps.MetricsPath, h.deps.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		// Session memory
		r.Post("/sessions/{id}/context", h.loadContext)
		r.Post("/sessions/{id}/updates", h.saveUpdate)
		r.Post("/sessions/{id}/compact", h.compactSession)
		r.Post("/sessions/{id}/prompt", h.buildPrompt)
		r.Delete("/sessions/{id}", h.clearSession)

		// Long-term memory
		r.Post("/memories", h.saveMemory)
		r.Get("/memories", h.searchMemories)
		r.Post("/memories/recall", h.recallMemories)
		r.Post("/memories/archive", h.archiveMemories)

		// Task contexts
		r.Put("/tasks/{workflowID}", h.saveTask)
		r.Get("/tasks/{workflowID}", h.getTask)
		r.Delete("/tasks/{workflowID}", h.completeTask)

		// Retrieval
		r.Post("/collections/{name}/documents", h.indexDocument)
		r.Delete("/collections/{name}/documents/{docID}", h.deleteDocument)
		r.Post("/collections/{name}/retrieve", h.retrieve)
		r.Post("/collections/{name}/warmup", h.warmup)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	providers := 0
	if h.deps.Router != nil {
		providers = len(h.deps.Router.ListProviders())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"service":   "nukamem",
		"providers": providers,
	})
}

// decode reads a JSON body. An empty body leaves v untouched.
func decode(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func unavailable(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": what + " not initialized"})
}

// writeError maps domain errors onto HTTP status codes.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, memory.ErrInvalidSession),
		errors.Is(err, memory.ErrInvalidUser),
		errors.Is(err, memory.ErrNegativeBudget),
		errors.Is(err, memory.ErrInvalidWorkflow),
		errors.Is(err, retrieval.ErrInvalidQuery):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, prompt.ErrOverBudget):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
