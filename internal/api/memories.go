package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/model"
)

func (h *Handler) saveMemory(w http.ResponseWriter, r *http.Request) {
	if h.deps.LongTerm == nil {
		unavailable(w, "long-term memory")
		return
	}
	var e model.StructuredMemoryEntity
	if err := decode(r, &e); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if e.Content == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "content is required"})
		return
	}
	saved, err := h.deps.LongTerm.Save(r.Context(), e)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (h *Handler) searchMemories(w http.ResponseWriter, r *http.Request) {
	if h.deps.LongTerm == nil {
		unavailable(w, "long-term memory")
		return
	}
	q := r.URL.Query()
	if q.Get("user_id") == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		return
	}
	found, err := h.deps.LongTerm.Search(r.Context(), q.Get("user_id"), q.Get("q"), q.Get("type"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if found == nil {
		found = []model.StructuredMemoryEntity{}
	}
	writeJSON(w, http.StatusOK, found)
}

type recallRequest struct {
	Query        string  `json:"query"`
	UserID       string  `json:"user_id,omitempty"`
	Limit        int     `json:"limit"`
	MinRelevance float64 `json:"min_relevance"`
}

func (h *Handler) recallMemories(w http.ResponseWriter, r *http.Request) {
	if h.deps.LongTerm == nil {
		unavailable(w, "long-term memory")
		return
	}
	var req recallRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query is required"})
		return
	}
	if req.Limit == 0 {
		req.Limit = 5
	}
	var opts []memory.RecallOption
	if req.UserID != "" {
		opts = append(opts, memory.RecallForUser(req.UserID))
	}
	snippets, err := h.deps.LongTerm.Recall(r.Context(), req.Query, req.Limit, req.MinRelevance, opts...)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if snippets == nil {
		snippets = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"snippets": snippets})
}

type archiveRequest struct {
	UserID    string  `json:"user_id"`
	Threshold float64 `json:"threshold"`
}

func (h *Handler) archiveMemories(w http.ResponseWriter, r *http.Request) {
	if h.deps.LongTerm == nil {
		unavailable(w, "long-term memory")
		return
	}
	var req archiveRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		return
	}
	n, err := h.deps.LongTerm.Archive(r.Context(), req.UserID, req.Threshold)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"archived": n})
}

func (h *Handler) saveTask(w http.ResponseWriter, r *http.Request) {
	if h.deps.Tasks == nil {
		unavailable(w, "task contexts")
		return
	}
	var tc model.TaskExecutionContext
	if err := decode(r, &tc); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	tc.WorkflowID = chi.URLParam(r, "workflowID")
	saved, err := h.deps.Tasks.Save(r.Context(), tc)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	if h.deps.Tasks == nil {
		unavailable(w, "task contexts")
		return
	}
	tc, err := h.deps.Tasks.Load(r.Context(), chi.URLParam(r, "workflowID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tc)
}

func (h *Handler) completeTask(w http.ResponseWriter, r *http.Request) {
	if h.deps.Tasks == nil {
		unavailable(w, "task contexts")
		return
	}
	if err := h.deps.Tasks.Complete(r.Context(), chi.URLParam(r, "workflowID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}
