package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krai-tech/krai-engine/internal/engine"
	"github.com/krai-tech/krai-engine/internal/enrich"
	"github.com/krai-tech/krai-engine/internal/observability"
	"github.com/krai-tech/krai-engine/internal/pipeline"
	"github.com/krai-tech/krai-engine/internal/storage"
)

type fakeEngine struct {
	receipt   *engine.UploadReceipt
	uploadErr error
	uploads   []string

	doc    *storage.Document
	docErr error

	stageResult *pipeline.ProcessingResult
	stageErr    error
	lastStage   string

	multiResult *pipeline.MultiStageResult
	multiErr    error
	lastStages  []string
	lastStop    bool

	smart    *engine.SmartResumeResult
	smartErr error

	statusFound bool
	statuses    map[string]string
	statusErr   error

	thumb     *engine.ThumbnailResult
	thumbErr  error
	lastThumb [3]int

	video    *storage.Video
	videoErr error
	lastURL  string
}

func (f *fakeEngine) UploadStream(ctx context.Context, filename string, r io.Reader) (*engine.UploadReceipt, error) {
	f.uploads = append(f.uploads, filename)
	return f.receipt, f.uploadErr
}

func (f *fakeEngine) Document(ctx context.Context, id uuid.UUID) (*storage.Document, error) {
	return f.doc, f.docErr
}

func (f *fakeEngine) ProcessStage(ctx context.Context, documentID uuid.UUID, stageName string) (*pipeline.ProcessingResult, error) {
	f.lastStage = stageName
	return f.stageResult, f.stageErr
}

func (f *fakeEngine) ProcessStages(ctx context.Context, documentID uuid.UUID, stageNames []string, stopOnError bool, hooks ...pipeline.StageHook) (*pipeline.MultiStageResult, error) {
	f.lastStages = stageNames
	f.lastStop = stopOnError
	return f.multiResult, f.multiErr
}

func (f *fakeEngine) SmartResume(ctx context.Context, documentID uuid.UUID, hooks ...pipeline.StageHook) (*engine.SmartResumeResult, error) {
	return f.smart, f.smartErr
}

func (f *fakeEngine) StageStatus(ctx context.Context, documentID uuid.UUID) (bool, map[string]string, error) {
	return f.statusFound, f.statuses, f.statusErr
}

func (f *fakeEngine) Thumbnail(ctx context.Context, documentID uuid.UUID, page, maxW, maxH int) (*engine.ThumbnailResult, error) {
	f.lastThumb = [3]int{page, maxW, maxH}
	return f.thumb, f.thumbErr
}

func (f *fakeEngine) EnrichVideoURL(ctx context.Context, documentID uuid.UUID, rawURL string) (*storage.Video, error) {
	f.lastURL = rawURL
	return f.video, f.videoErr
}

func documentsRouter(fake *fakeEngine) http.Handler {
	h := NewDocumentsHandler(observability.DefaultLogger(), fake)
	r := chi.NewRouter()
	r.Post("/api/v1/documents", h.Upload)
	r.Route("/api/v1/documents/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Get("/stages", h.ListStages)
		r.Get("/stages/status", h.StagesStatus)
		r.Post("/process/stage/{stageName}", h.ProcessStage)
		r.Post("/process/stages", h.ProcessStages)
		r.Post("/process/smart", h.SmartProcess)
		r.Post("/process/video", h.ProcessVideo)
		r.Post("/process/thumbnail", h.Thumbnail)
	})
	return r
}

func doJSON(t *testing.T, handler http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestUploadRegistersMultipartFile(t *testing.T) {
	id := uuid.New()
	fake := &fakeEngine{receipt: &engine.UploadReceipt{
		Document: &storage.Document{ID: id, FileHash: "abc123", Filename: "manual.pdf"},
	}}
	router := documentsRouter(fake)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "manual.pdf")
	require.NoError(t, err)
	_, err = fw.Write([]byte("%PDF-1.7"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	var body UploadResponseDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, id.String(), body.DocumentID)
	assert.Equal(t, "abc123", body.FileHash)
	assert.False(t, body.Duplicate)
	assert.Equal(t, []string{"manual.pdf"}, fake.uploads)
}

func TestUploadDuplicateAnswers200(t *testing.T) {
	fake := &fakeEngine{receipt: &engine.UploadReceipt{
		Document:  &storage.Document{ID: uuid.New(), FileHash: "abc123", Filename: "manual.pdf"},
		Duplicate: true,
	}}
	router := documentsRouter(fake)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "manual.pdf")
	fw.Write([]byte("%PDF-1.7"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUploadWithoutFileField(t *testing.T) {
	router := documentsRouter(&fakeEngine{})
	rec, _ := doJSON(t, router, http.MethodPost, "/api/v1/documents", `{"not":"multipart"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProcessStageReportsResult(t *testing.T) {
	fake := &fakeEngine{stageResult: &pipeline.ProcessingResult{
		Success:        true,
		Stage:          pipeline.StageTextExtraction,
		Status:         storage.StageStateCompleted,
		Data:           map[string]interface{}{"page_count": 42},
		ProcessingTime: 1500 * time.Millisecond,
	}}
	router := documentsRouter(fake)

	rec, body := doJSON(t, router, http.MethodPost,
		"/api/v1/documents/"+uuid.NewString()+"/process/stage/text_extraction", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "text_extraction", body["stage"])
	assert.Equal(t, 1.5, body["processing_time"])
	data := body["data"].(map[string]any)
	assert.Equal(t, float64(42), data["page_count"])
	assert.Equal(t, "text_extraction", fake.lastStage)
}

func TestProcessStageFailureStillAnswers200(t *testing.T) {
	fake := &fakeEngine{stageResult: &pipeline.ProcessingResult{
		Success: false,
		Stage:   pipeline.StageEmbedding,
		Status:  storage.StageStateFailed,
		Error:   "model server unreachable",
	}}
	router := documentsRouter(fake)

	rec, body := doJSON(t, router, http.MethodPost,
		"/api/v1/documents/"+uuid.NewString()+"/process/stage/embedding", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "model server unreachable", body["error"])
}

func TestProcessStageErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"unknown stage", fmt.Errorf("%w: %q", engine.ErrUnknownStage, "nope"), http.StatusBadRequest},
		{"missing document", fmt.Errorf("build processing context: %w", storage.ErrNotFound), http.StatusNotFound},
		{"engine failure", assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := documentsRouter(&fakeEngine{stageErr: tc.err})
			rec, _ := doJSON(t, router, http.MethodPost,
				"/api/v1/documents/"+uuid.NewString()+"/process/stage/upload", "")
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestProcessStageRejectsBadDocumentID(t *testing.T) {
	router := documentsRouter(&fakeEngine{})
	rec, _ := doJSON(t, router, http.MethodPost,
		"/api/v1/documents/not-a-uuid/process/stage/upload", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProcessStagesForwardsPlan(t *testing.T) {
	docID := uuid.New()
	fake := &fakeEngine{multiResult: &pipeline.MultiStageResult{
		DocumentID:  docID,
		TotalStages: 2,
		Successful:  2,
		SuccessRate: 100,
		StageResults: []pipeline.ProcessingResult{
			{Success: true, Stage: pipeline.StageUpload, Status: storage.StageStateCompleted},
			{Success: true, Stage: pipeline.StageTextExtraction, Status: storage.StageStateCompleted},
		},
	}}
	router := documentsRouter(fake)

	rec, body := doJSON(t, router, http.MethodPost,
		"/api/v1/documents/"+docID.String()+"/process/stages",
		`{"stages":["upload","text_extraction"],"stop_on_error":true}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"upload", "text_extraction"}, fake.lastStages)
	assert.True(t, fake.lastStop)
	assert.Equal(t, float64(2), body["successful"])
	results := body["stage_results"].([]any)
	assert.Len(t, results, 2)
}

func TestProcessStagesRejectsUnknown(t *testing.T) {
	fake := &fakeEngine{multiErr: fmt.Errorf("%w: %q", engine.ErrUnknownStage, "bogus")}
	router := documentsRouter(fake)

	rec, _ := doJSON(t, router, http.MethodPost,
		"/api/v1/documents/"+uuid.NewString()+"/process/stages",
		`{"stages":["bogus"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSmartProcessReportsPlan(t *testing.T) {
	fake := &fakeEngine{smart: &engine.SmartResumeResult{
		Planned: []string{"embedding", "search_indexing"},
		Result: &pipeline.MultiStageResult{
			TotalStages: 2,
			Successful:  2,
			SuccessRate: 100,
		},
	}}
	router := documentsRouter(fake)

	rec, body := doJSON(t, router, http.MethodPost,
		"/api/v1/documents/"+uuid.NewString()+"/process/smart", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	planned := body["planned"].([]any)
	assert.Equal(t, []any{"embedding", "search_indexing"}, planned)
	result := body["result"].(map[string]any)
	assert.Equal(t, float64(2), result["successful"])
}

func TestListStagesEnumeratesAll(t *testing.T) {
	router := documentsRouter(&fakeEngine{})

	rec, body := doJSON(t, router, http.MethodGet,
		"/api/v1/documents/"+uuid.NewString()+"/stages", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(15), body["total"])
	stages := body["stages"].([]any)
	require.Len(t, stages, 15)
	first := stages[0].(map[string]any)
	assert.Equal(t, "upload", first["name"])
	assert.Equal(t, float64(1), first["number"])
}

func TestStagesStatus(t *testing.T) {
	fake := &fakeEngine{
		statusFound: true,
		statuses:    map[string]string{"upload": "completed", "embedding": "failed"},
	}
	router := documentsRouter(fake)

	rec, body := doJSON(t, router, http.MethodGet,
		"/api/v1/documents/"+uuid.NewString()+"/stages/status", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["found"])
	status := body["stage_status"].(map[string]any)
	assert.Equal(t, "completed", status["upload"])
	assert.Equal(t, "failed", status["embedding"])
}

func TestStagesStatusWithoutHistory(t *testing.T) {
	router := documentsRouter(&fakeEngine{statusFound: false})

	rec, body := doJSON(t, router, http.MethodGet,
		"/api/v1/documents/"+uuid.NewString()+"/stages/status", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["found"])
	assert.NotEmpty(t, body["error"])
}

func TestProcessVideoStatusMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"disabled", engine.ErrEnrichmentDisabled, http.StatusServiceUnavailable},
		{"not a video", enrich.ErrNotVideo, http.StatusUnprocessableEntity},
		{"missing document", storage.ErrNotFound, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := documentsRouter(&fakeEngine{videoErr: tc.err})
			rec, _ := doJSON(t, router, http.MethodPost,
				"/api/v1/documents/"+uuid.NewString()+"/process/video",
				`{"video_url":"https://example.com/x"}`)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestProcessVideoEnriches(t *testing.T) {
	fake := &fakeEngine{video: &storage.Video{
		ID:       uuid.New(),
		URL:      "https://www.youtube.com/watch?v=abc123xyz00",
		Platform: "youtube",
		VideoID:  "abc123xyz00",
		Title:    "Fuser replacement",
	}}
	router := documentsRouter(fake)

	rec, body := doJSON(t, router, http.MethodPost,
		"/api/v1/documents/"+uuid.NewString()+"/process/video",
		`{"video_url":"https://www.youtube.com/watch?v=abc123xyz00"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	video := body["video"].(map[string]any)
	assert.Equal(t, "youtube", video["platform"])
	assert.Equal(t, "https://www.youtube.com/watch?v=abc123xyz00", fake.lastURL)
}

func TestProcessVideoRequiresURL(t *testing.T) {
	router := documentsRouter(&fakeEngine{})
	rec, _ := doJSON(t, router, http.MethodPost,
		"/api/v1/documents/"+uuid.NewString()+"/process/video", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestThumbnailDefaults(t *testing.T) {
	fake := &fakeEngine{thumb: &engine.ThumbnailResult{
		URL:      "http://minio.local/krai-thumbnails/abc",
		Width:    300,
		Height:   400,
		FileSize: 5481,
	}}
	router := documentsRouter(fake)

	rec, body := doJSON(t, router, http.MethodPost,
		"/api/v1/documents/"+uuid.NewString()+"/process/thumbnail", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, [3]int{0, 0, 0}, fake.lastThumb)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "http://minio.local/krai-thumbnails/abc", body["thumbnail_url"])
	assert.Equal(t, []any{float64(300), float64(400)}, body["size"].([]any))
	assert.Equal(t, float64(5481), body["file_size"])
}

func TestThumbnailForwardsSizeAndPage(t *testing.T) {
	fake := &fakeEngine{thumb: &engine.ThumbnailResult{Width: 600, Height: 800, Page: 3}}
	router := documentsRouter(fake)

	rec, _ := doJSON(t, router, http.MethodPost,
		"/api/v1/documents/"+uuid.NewString()+"/process/thumbnail",
		`{"size":[600,800],"page":3}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, [3]int{3, 600, 800}, fake.lastThumb)
}

func TestThumbnailRejectsBadSize(t *testing.T) {
	router := documentsRouter(&fakeEngine{})
	rec, _ := doJSON(t, router, http.MethodPost,
		"/api/v1/documents/"+uuid.NewString()+"/process/thumbnail",
		`{"size":[300]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestThumbnailWithoutStoredFile(t *testing.T) {
	router := documentsRouter(&fakeEngine{thumbErr: engine.ErrNoSourceFile})
	rec, _ := doJSON(t, router, http.MethodPost,
		"/api/v1/documents/"+uuid.NewString()+"/process/thumbnail", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetDocument(t *testing.T) {
	id := uuid.New()
	fake := &fakeEngine{doc: &storage.Document{ID: id, Filename: "manual.pdf"}}
	router := documentsRouter(fake)

	rec, body := doJSON(t, router, http.MethodGet, "/api/v1/documents/"+id.String(), "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "manual.pdf", body["filename"])
}

func TestGetDocumentNotFound(t *testing.T) {
	router := documentsRouter(&fakeEngine{docErr: storage.ErrNotFound})
	rec, _ := doJSON(t, router, http.MethodGet,
		"/api/v1/documents/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
