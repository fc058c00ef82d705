// Package handlers provides HTTP handlers for the KRAI engine API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/krai-tech/krai-engine/internal/engine"
	"github.com/krai-tech/krai-engine/internal/enrich"
	"github.com/krai-tech/krai-engine/internal/observability"
	"github.com/krai-tech/krai-engine/internal/pipeline"
	"github.com/krai-tech/krai-engine/internal/storage"
)

// Engine is the slice of the processing engine the document endpoints use.
type Engine interface {
	UploadStream(ctx context.Context, filename string, r io.Reader) (*engine.UploadReceipt, error)
	Document(ctx context.Context, id uuid.UUID) (*storage.Document, error)
	ProcessStage(ctx context.Context, documentID uuid.UUID, stageName string) (*pipeline.ProcessingResult, error)
	ProcessStages(ctx context.Context, documentID uuid.UUID, stageNames []string, stopOnError bool, hooks ...pipeline.StageHook) (*pipeline.MultiStageResult, error)
	SmartResume(ctx context.Context, documentID uuid.UUID, hooks ...pipeline.StageHook) (*engine.SmartResumeResult, error)
	StageStatus(ctx context.Context, documentID uuid.UUID) (bool, map[string]string, error)
	Thumbnail(ctx context.Context, documentID uuid.UUID, page, maxW, maxH int) (*engine.ThumbnailResult, error)
	EnrichVideoURL(ctx context.Context, documentID uuid.UUID, rawURL string) (*storage.Video, error)
}

// DocumentsHandler serves the /api/v1/documents tree.
type DocumentsHandler struct {
	log    *observability.Logger
	engine Engine
}

// NewDocumentsHandler creates the documents handler.
func NewDocumentsHandler(log *observability.Logger, eng Engine) *DocumentsHandler {
	return &DocumentsHandler{log: log.WithComponent("api"), engine: eng}
}

// UploadResponseDTO is the response for document registration.
type UploadResponseDTO struct {
	DocumentID string `json:"document_id"`
	FileHash   string `json:"file_hash"`
	Filename   string `json:"filename"`
	Duplicate  bool   `json:"duplicate"`
}

// Upload handles POST /api/v1/documents with a multipart "file" field.
func (h *DocumentsHandler) Upload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart field 'file' is required", err.Error())
		return
	}
	defer file.Close()
	if header.Filename == "" {
		writeError(w, http.StatusBadRequest, "uploaded file has no name", "")
		return
	}

	receipt, err := h.engine.UploadStream(r.Context(), header.Filename, file)
	if err != nil {
		h.log.Error().Err(err).Str("file", header.Filename).Msg("Upload failed")
		writeError(w, http.StatusInternalServerError, "upload failed", err.Error())
		return
	}

	status := http.StatusCreated
	if receipt.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, UploadResponseDTO{
		DocumentID: receipt.Document.ID.String(),
		FileHash:   receipt.Document.FileHash,
		Filename:   receipt.Document.Filename,
		Duplicate:  receipt.Duplicate,
	})
}

// Get handles GET /api/v1/documents/{id}.
func (h *DocumentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.documentID(w, r)
	if !ok {
		return
	}
	doc, err := h.engine.Document(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "document not found", "")
			return
		}
		writeError(w, http.StatusInternalServerError, "load document failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// StageResultDTO is one stage outcome as exposed over HTTP. Processing
// time is reported in seconds.
type StageResultDTO struct {
	Success        bool                   `json:"success"`
	Stage          string                 `json:"stage"`
	Status         string                 `json:"status"`
	ProcessingTime float64                `json:"processing_time"`
	Data           map[string]interface{} `json:"data,omitempty"`
	Error          string                 `json:"error,omitempty"`
	ErrorID        string                 `json:"error_id,omitempty"`
	CorrelationID  string                 `json:"correlation_id,omitempty"`
}

func toStageResultDTO(res *pipeline.ProcessingResult) StageResultDTO {
	return StageResultDTO{
		Success:        res.Success,
		Stage:          string(res.Stage),
		Status:         string(res.Status),
		ProcessingTime: res.Seconds(),
		Data:           res.Data,
		Error:          res.Error,
		ErrorID:        res.ErrorID,
		CorrelationID:  res.CorrelationID,
	}
}

// MultiStageResultDTO aggregates a multi-stage run.
type MultiStageResultDTO struct {
	DocumentID   string           `json:"document_id"`
	TotalStages  int              `json:"total_stages"`
	Successful   int              `json:"successful"`
	Failed       int              `json:"failed"`
	SuccessRate  float64          `json:"success_rate"`
	StageResults []StageResultDTO `json:"stage_results"`
}

func toMultiStageDTO(res *pipeline.MultiStageResult) MultiStageResultDTO {
	dto := MultiStageResultDTO{
		DocumentID:   res.DocumentID.String(),
		TotalStages:  res.TotalStages,
		Successful:   res.Successful,
		Failed:       res.Failed,
		SuccessRate:  res.SuccessRate,
		StageResults: make([]StageResultDTO, 0, len(res.StageResults)),
	}
	for i := range res.StageResults {
		dto.StageResults = append(dto.StageResults, toStageResultDTO(&res.StageResults[i]))
	}
	return dto
}

// ProcessStage handles POST /api/v1/documents/{id}/process/stage/{stageName}.
// A failed stage still answers 200: the processing failed, the request did
// not.
func (h *DocumentsHandler) ProcessStage(w http.ResponseWriter, r *http.Request) {
	id, ok := h.documentID(w, r)
	if !ok {
		return
	}
	stageName := chi.URLParam(r, "stageName")

	result, err := h.engine.ProcessStage(r.Context(), id, stageName)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrUnknownStage):
			writeError(w, http.StatusBadRequest, "unknown stage", stageName)
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "document not found", "")
		default:
			h.log.Error().Err(err).Str("stage", stageName).Msg("Stage execution failed")
			writeError(w, http.StatusInternalServerError, "stage execution failed", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, toStageResultDTO(result))
}

// ProcessStagesRequestDTO is the body for multi-stage runs.
type ProcessStagesRequestDTO struct {
	Stages      []string `json:"stages"`
	StopOnError bool     `json:"stop_on_error"`
}

// ProcessStages handles POST /api/v1/documents/{id}/process/stages.
func (h *DocumentsHandler) ProcessStages(w http.ResponseWriter, r *http.Request) {
	id, ok := h.documentID(w, r)
	if !ok {
		return
	}
	var req ProcessStagesRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	result, err := h.engine.ProcessStages(r.Context(), id, req.Stages, req.StopOnError)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrUnknownStage):
			writeError(w, http.StatusBadRequest, "unknown stage", err.Error())
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "document not found", "")
		default:
			h.log.Error().Err(err).Msg("Multi-stage run failed")
			writeError(w, http.StatusInternalServerError, "processing failed", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, toMultiStageDTO(result))
}

// SmartResumeDTO reports a smart resume run.
type SmartResumeDTO struct {
	DocumentID string               `json:"document_id"`
	Planned    []string             `json:"planned"`
	Result     *MultiStageResultDTO `json:"result,omitempty"`
}

// SmartProcess handles POST /api/v1/documents/{id}/process/smart: only the
// stages not yet completed are run, in pipeline order.
func (h *DocumentsHandler) SmartProcess(w http.ResponseWriter, r *http.Request) {
	id, ok := h.documentID(w, r)
	if !ok {
		return
	}
	res, err := h.engine.SmartResume(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "document not found", "")
			return
		}
		h.log.Error().Err(err).Msg("Smart resume failed")
		writeError(w, http.StatusInternalServerError, "processing failed", err.Error())
		return
	}
	dto := SmartResumeDTO{DocumentID: id.String(), Planned: res.Planned}
	if res.Result != nil {
		full := toMultiStageDTO(res.Result)
		dto.Result = &full
	}
	writeJSON(w, http.StatusOK, dto)
}

// StageInfoDTO is one entry of the stage catalogue.
type StageInfoDTO struct {
	Number       int      `json:"number"`
	Name         string   `json:"name"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// ListStages handles GET /api/v1/stages and the document-scoped alias.
func (h *DocumentsHandler) ListStages(w http.ResponseWriter, r *http.Request) {
	catalog := engine.StageCatalog()
	out := make([]StageInfoDTO, 0, len(catalog))
	for _, info := range catalog {
		out = append(out, StageInfoDTO{Number: info.Number, Name: info.Name, Dependencies: info.Dependencies})
	}
	writeJSON(w, http.StatusOK, map[string]any{"stages": out, "total": len(out)})
}

// StageStatusDTO reports per-stage progress for one document.
type StageStatusDTO struct {
	DocumentID  string            `json:"document_id"`
	Found       bool              `json:"found"`
	StageStatus map[string]string `json:"stage_status,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// StagesStatus handles GET /api/v1/documents/{id}/stages/status.
func (h *DocumentsHandler) StagesStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.documentID(w, r)
	if !ok {
		return
	}
	found, status, err := h.engine.StageStatus(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stage status failed", err.Error())
		return
	}
	dto := StageStatusDTO{DocumentID: id.String(), Found: found}
	if found {
		dto.StageStatus = status
	} else {
		dto.Error = "no processing history for document"
	}
	writeJSON(w, http.StatusOK, dto)
}

// ProcessVideoRequestDTO is the body for video enrichment.
type ProcessVideoRequestDTO struct {
	VideoURL string `json:"video_url"`
}

// ProcessVideo handles POST /api/v1/documents/{id}/process/video. Answers
// 503 when enrichment is not configured and 422 when the URL belongs to no
// known video platform.
func (h *DocumentsHandler) ProcessVideo(w http.ResponseWriter, r *http.Request) {
	id, ok := h.documentID(w, r)
	if !ok {
		return
	}
	var req ProcessVideoRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.VideoURL == "" {
		writeError(w, http.StatusBadRequest, "video_url is required", "")
		return
	}

	video, err := h.engine.EnrichVideoURL(r.Context(), id, req.VideoURL)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrEnrichmentDisabled):
			writeError(w, http.StatusServiceUnavailable, "video enrichment is not configured", "")
		case errors.Is(err, enrich.ErrNotVideo):
			writeError(w, http.StatusUnprocessableEntity, "url does not reference a known video platform", req.VideoURL)
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "document not found", "")
		default:
			h.log.Error().Err(err).Msg("Video enrichment failed")
			writeError(w, http.StatusInternalServerError, "video enrichment failed", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "video": video})
}

// ThumbnailRequestDTO is the optional body for thumbnail generation.
type ThumbnailRequestDTO struct {
	Size []int `json:"size,omitempty"`
	Page *int  `json:"page,omitempty"`
}

// ThumbnailResponseDTO is the thumbnail generation answer.
type ThumbnailResponseDTO struct {
	Success      bool   `json:"success"`
	ThumbnailURL string `json:"thumbnail_url"`
	Size         [2]int `json:"size"`
	FileSize     int64  `json:"file_size"`
	Page         int    `json:"page"`
}

// Thumbnail handles POST /api/v1/documents/{id}/process/thumbnail. Without
// a body it renders page 0 at 300x400.
func (h *DocumentsHandler) Thumbnail(w http.ResponseWriter, r *http.Request) {
	id, ok := h.documentID(w, r)
	if !ok {
		return
	}
	var req ThumbnailRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	var maxW, maxH int
	if len(req.Size) > 0 {
		if len(req.Size) != 2 || req.Size[0] <= 0 || req.Size[1] <= 0 {
			writeError(w, http.StatusBadRequest, "size must be [width, height]", "")
			return
		}
		maxW, maxH = req.Size[0], req.Size[1]
	}
	page := 0
	if req.Page != nil {
		page = *req.Page
	}

	result, err := h.engine.Thumbnail(r.Context(), id, page, maxW, maxH)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrNoSourceFile):
			writeError(w, http.StatusBadRequest, "document has no stored file path", "")
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "document not found", "")
		default:
			h.log.Error().Err(err).Msg("Thumbnail generation failed")
			writeError(w, http.StatusInternalServerError, "thumbnail generation failed", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, ThumbnailResponseDTO{
		Success:      true,
		ThumbnailURL: result.URL,
		Size:         [2]int{result.Width, result.Height},
		FileSize:     result.FileSize,
		Page:         result.Page,
	})
}

func (h *DocumentsHandler) documentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id", raw)
		return uuid.Nil, false
	}
	return id, true
}
