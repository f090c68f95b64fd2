package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/retrieval"
)

func (h *Handler) indexDocument(w http.ResponseWriter, r *http.Request) {
	if h.deps.Indexer == nil {
		unavailable(w, "indexer")
		return
	}
	var doc model.Document
	if err := decode(r, &doc); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	doc.Collection = chi.URLParam(r, "name")
	if doc.ID == "" || doc.Content == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id and content are required"})
		return
	}
	n, err := h.deps.Indexer.Index(r.Context(), doc)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"collection":  doc.Collection,
		"document_id": doc.ID,
		"chunks":      n,
	})
}

func (h *Handler) deleteDocument(w http.ResponseWriter, r *http.Request) {
	if h.deps.Indexer == nil {
		unavailable(w, "indexer")
		return
	}
	if err := h.deps.Indexer.Delete(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "docID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) retrieve(w http.ResponseWriter, r *http.Request) {
	if h.deps.Engine == nil {
		unavailable(w, "retrieval engine")
		return
	}
	var q retrieval.Query
	if err := decode(r, &q); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	collection := chi.URLParam(r, "name")
	ctx := r.Context()

	if h.deps.Warmer != nil {
		if err := h.deps.Warmer.RecordAccess(ctx, collection, q); err != nil && !errors.Is(err, retrieval.ErrInvalidQuery) {
			h.logger.Warn("recording query access failed",
				zap.String("collection", collection), zap.Error(err))
		}
	}
	res, err := h.deps.Engine.Retrieve(ctx, collection, q)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) warmup(w http.ResponseWriter, r *http.Request) {
	if h.deps.Warmer == nil {
		unavailable(w, "cache warmer")
		return
	}
	collection := chi.URLParam(r, "name")
	n, err := h.deps.Warmer.Warmup(r.Context(), collection)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"collection": collection, "warmed": n})
}
