package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/prompt"
	"github.com/nidhogg/nuka-memory/internal/retrieval"
)

type sessionRequest struct {
	UserID string `json:"user_id"`
}

// scope resolves the session scope; the session stands in for a missing user.
func scope(r *http.Request, userID string) memory.Scope {
	sid := chi.URLParam(r, "id")
	if userID == "" {
		userID = r.URL.Query().Get("user_id")
	}
	if userID == "" {
		userID = sid
	}
	return memory.Scope{SessionID: sid, UserID: userID}
}

func (h *Handler) loadContext(w http.ResponseWriter, r *http.Request) {
	if h.deps.Composer == nil {
		unavailable(w, "memory")
		return
	}
	var req sessionRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	mc, err := h.deps.Composer.Load(r.Context(), scope(r, req.UserID))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mc)
}

type updateRequest struct {
	UserID string `json:"user_id"`
	model.MemoryUpdate
}

func (h *Handler) saveUpdate(w http.ResponseWriter, r *http.Request) {
	if h.deps.Composer == nil {
		unavailable(w, "memory")
		return
	}
	var req updateRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.NewMessage != nil && !req.NewMessage.Role.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid message role"})
		return
	}
	if err := h.deps.Composer.Save(r.Context(), scope(r, req.UserID), req.MemoryUpdate); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (h *Handler) compactSession(w http.ResponseWriter, r *http.Request) {
	if h.deps.ShortTerm == nil {
		unavailable(w, "short-term memory")
		return
	}
	if err := h.deps.ShortTerm.Compact(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "compacted"})
}

func (h *Handler) clearSession(w http.ResponseWriter, r *http.Request) {
	if h.deps.Composer == nil {
		unavailable(w, "memory")
		return
	}
	if err := h.deps.Composer.Clear(r.Context(), scope(r, "")); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

type promptRequest struct {
	UserID       string `json:"user_id"`
	SystemPrompt string `json:"system_prompt"`
	Message      string `json:"message"`
	// Collection, when set, adds chunks retrieved for Message.
	Collection string           `json:"collection,omitempty"`
	Query      *retrieval.Query `json:"query,omitempty"`
}

type promptResponse struct {
	Messages []promptMessage `json:"messages"`
	Partial  bool            `json:"partial"`
}

type promptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (h *Handler) buildPrompt(w http.ResponseWriter, r *http.Request) {
	if h.deps.Composer == nil || h.deps.Assembler == nil {
		unavailable(w, "prompt assembly")
		return
	}
	var req promptRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	ctx := r.Context()
	mc, err := h.deps.Composer.Load(ctx, scope(r, req.UserID))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	win := prompt.Window{SystemPrompt: req.SystemPrompt, Memory: mc, UserMessage: req.Message}
	partial := false
	if req.Collection != "" && h.deps.Engine != nil {
		q := retrieval.Query{Text: req.Message}
		if req.Query != nil {
			q = *req.Query
			if q.Text == "" {
				q.Text = req.Message
			}
		}
		res, err := h.deps.Engine.Retrieve(ctx, req.Collection, q)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		win.Retrieved = res.Chunks
		partial = res.Partial
	}

	msgs, err := h.deps.Assembler.Fit(ctx, win)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := promptResponse{Messages: make([]promptMessage, len(msgs)), Partial: partial}
	for i, m := range msgs {
		out.Messages[i] = promptMessage{Role: m.Role, Content: m.Content}
	}
	h.logger.Debug("prompt assembled",
		zap.String("session", chi.URLParam(r, "id")),
		zap.Int("messages", len(msgs)))
	writeJSON(w, http.StatusOK, out)
}
