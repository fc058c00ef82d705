package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/krai-tech/krai-engine/internal/observability"
	"github.com/krai-tech/krai-engine/internal/search"
)

// Searcher is the slice of the search service the HTTP surface uses.
type Searcher interface {
	Unified(ctx context.Context, req search.Request) (*search.Response, error)
	ImagesByContext(ctx context.Context, query string, threshold float64, limit int) ([]search.ImageResult, error)
	TwoStage(ctx context.Context, req search.Request) (*search.TwoStageResponse, error)
}

// SearchHandler serves the /api/v1/search tree.
type SearchHandler struct {
	log      *observability.Logger
	searcher Searcher
}

// NewSearchHandler creates the search handler.
func NewSearchHandler(log *observability.Logger, searcher Searcher) *SearchHandler {
	return &SearchHandler{log: log.WithComponent("api"), searcher: searcher}
}

// Query handles POST /api/v1/search: unified multimodal search.
func (h *SearchHandler) Query(w http.ResponseWriter, r *http.Request) {
	var req search.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	resp, err := h.searcher.Unified(r.Context(), req)
	if err != nil {
		h.writeSearchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ImageSearchRequestDTO is the body for image-by-context search.
type ImageSearchRequestDTO struct {
	Query     string  `json:"query"`
	Threshold float64 `json:"threshold,omitempty"`
	Limit     int     `json:"limit,omitempty"`
}

// Images handles POST /api/v1/search/images: image search over context
// embeddings.
func (h *SearchHandler) Images(w http.ResponseWriter, r *http.Request) {
	var req ImageSearchRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	images, err := h.searcher.ImagesByContext(r.Context(), req.Query, req.Threshold, req.Limit)
	if err != nil {
		h.writeSearchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query":       req.Query,
		"images":      images,
		"total_count": len(images),
	})
}

// TwoStage handles POST /api/v1/search/two-stage: text retrieval, model
// answer, then image search with the answer-expanded query.
func (h *SearchHandler) TwoStage(w http.ResponseWriter, r *http.Request) {
	var req search.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	resp, err := h.searcher.TwoStage(r.Context(), req)
	if err != nil {
		h.writeSearchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *SearchHandler) writeSearchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, search.ErrEmptyQuery):
		writeError(w, http.StatusBadRequest, "query is required", "")
	case errors.Is(err, search.ErrUnknownModality):
		writeError(w, http.StatusBadRequest, "unknown modality", err.Error())
	default:
		h.log.Error().Err(err).Msg("Search failed")
		writeError(w, http.StatusInternalServerError, "search failed", err.Error())
	}
}
