package stages

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/krai-tech/krai-engine/internal/config"
	"github.com/krai-tech/krai-engine/internal/llm"
	"github.com/krai-tech/krai-engine/internal/objstore"
	"github.com/krai-tech/krai-engine/internal/pipeline"
	"github.com/krai-tech/krai-engine/internal/storage"
)

// In-memory fakes for the store interfaces. They keep just enough behavior
// for the processors under test: unique keys raise the same violation the
// Postgres driver would, and deletes filter like their SQL counterparts.

func testPC(docID uuid.UUID) *pipeline.ProcessingContext {
	return &pipeline.ProcessingContext{
		DocumentID: docID,
		FilePath:   "/tmp/service-manual.pdf",
		FileHash:   "abc123",
		Config: pipeline.ProcessingConfig{
			EnableSVG:           true,
			EnableTables:        true,
			EnableContext:       true,
			ChunkSize:           1000,
			Overlap:             200,
			Hierarchical:        true,
			LinkChunks:          true,
			ClassificationPages: 5,
		},
	}
}

func uniqueViolation() error {
	return &pq.Error{Code: "23505"}
}

type fakeDocuments struct {
	rows         map[uuid.UUID]*storage.Document
	fingerprints []storage.DocumentFingerprint
}

func newFakeDocuments(docs ...*storage.Document) *fakeDocuments {
	f := &fakeDocuments{rows: make(map[uuid.UUID]*storage.Document)}
	for _, d := range docs {
		row := *d
		f.rows[d.ID] = &row
	}
	return f
}

func (f *fakeDocuments) Create(_ context.Context, d *storage.Document) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	row := *d
	f.rows[d.ID] = &row
	return nil
}

func (f *fakeDocuments) GetByID(_ context.Context, id uuid.UUID) (*storage.Document, error) {
	d, ok := f.rows[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	row := *d
	return &row, nil
}

func (f *fakeDocuments) GetByFileHash(_ context.Context, hash string) (*storage.Document, error) {
	for _, d := range f.rows {
		if d.FileHash == hash {
			row := *d
			return &row, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (f *fakeDocuments) Update(_ context.Context, d *storage.Document) error {
	if _, ok := f.rows[d.ID]; !ok {
		return storage.ErrNotFound
	}
	row := *d
	f.rows[d.ID] = &row
	return nil
}

func (f *fakeDocuments) UpdateClassification(_ context.Context, id uuid.UUID, manufacturer, model, series, documentType, language, version string) error {
	d, ok := f.rows[id]
	if !ok {
		return storage.ErrNotFound
	}
	d.Manufacturer, d.Model, d.Series = manufacturer, model, series
	d.DocumentType, d.Language, d.Version = documentType, language, version
	return nil
}

func (f *fakeDocuments) SetSearchReady(_ context.Context, id uuid.UUID, ready bool) error {
	d, ok := f.rows[id]
	if !ok {
		return storage.ErrNotFound
	}
	d.SearchReady = ready
	return nil
}

func (f *fakeDocuments) SetStatus(_ context.Context, id uuid.UUID, status storage.DocumentStatus) error {
	d, ok := f.rows[id]
	if !ok {
		return storage.ErrNotFound
	}
	d.Status = status
	return nil
}

func (f *fakeDocuments) CreateFingerprint(_ context.Context, fp *storage.DocumentFingerprint) error {
	f.fingerprints = append(f.fingerprints, *fp)
	return nil
}

type fakeChunks struct {
	rows []storage.Chunk
}

func (f *fakeChunks) CreateBatch(_ context.Context, chunks []storage.Chunk) error {
	f.rows = append(f.rows, chunks...)
	return nil
}

func (f *fakeChunks) ListByDocument(_ context.Context, documentID uuid.UUID) ([]storage.Chunk, error) {
	var out []storage.Chunk
	for _, ch := range f.rows {
		if ch.DocumentID == documentID {
			out = append(out, ch)
		}
	}
	return out, nil
}

func (f *fakeChunks) DeleteByDocument(_ context.Context, documentID uuid.UUID) error {
	var kept []storage.Chunk
	for _, ch := range f.rows {
		if ch.DocumentID != documentID {
			kept = append(kept, ch)
		}
	}
	f.rows = kept
	return nil
}

func (f *fakeChunks) CountByDocument(ctx context.Context, documentID uuid.UUID) (int, error) {
	list, _ := f.ListByDocument(ctx, documentID)
	return len(list), nil
}

func (f *fakeChunks) FindByFingerprint(_ context.Context, fingerprint string, excludeDocument uuid.UUID) ([]storage.Chunk, error) {
	var out []storage.Chunk
	for _, ch := range f.rows {
		if ch.Fingerprint == fingerprint && ch.DocumentID != excludeDocument {
			out = append(out, ch)
		}
	}
	return out, nil
}

type fakeTables struct {
	rows []storage.StructuredTable
}

func (f *fakeTables) Create(_ context.Context, t *storage.StructuredTable) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	f.rows = append(f.rows, *t)
	return nil
}

func (f *fakeTables) ListByDocument(_ context.Context, documentID uuid.UUID) ([]storage.StructuredTable, error) {
	var out []storage.StructuredTable
	for _, t := range f.rows {
		if t.DocumentID == documentID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeTables) DeleteByDocument(_ context.Context, documentID uuid.UUID) error {
	var kept []storage.StructuredTable
	for _, t := range f.rows {
		if t.DocumentID != documentID {
			kept = append(kept, t)
		}
	}
	f.rows = kept
	return nil
}

func (f *fakeTables) CountByDocument(ctx context.Context, documentID uuid.UUID) (int, error) {
	list, _ := f.ListByDocument(ctx, documentID)
	return len(list), nil
}

type fakeMedia struct {
	images    []storage.Image
	links     []storage.Link
	videos    []storage.Video
	imageErr  error
	deletions int
}

func (f *fakeMedia) UpsertImage(_ context.Context, img *storage.Image) error {
	if f.imageErr != nil {
		return f.imageErr
	}
	if img.ID == uuid.Nil {
		img.ID = uuid.New()
	}
	f.images = append(f.images, *img)
	return nil
}

func (f *fakeMedia) UpsertLink(_ context.Context, link *storage.Link) error {
	if link.ID == uuid.Nil {
		link.ID = uuid.New()
	}
	f.links = append(f.links, *link)
	return nil
}

func (f *fakeMedia) UpsertVideo(_ context.Context, v *storage.Video) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	f.videos = append(f.videos, *v)
	return nil
}

func (f *fakeMedia) ListImagesByDocument(_ context.Context, documentID uuid.UUID) ([]storage.Image, error) {
	var out []storage.Image
	for _, img := range f.images {
		if img.DocumentID == documentID {
			out = append(out, img)
		}
	}
	return out, nil
}

func (f *fakeMedia) CountImagesByDocument(ctx context.Context, documentID uuid.UUID) (int, error) {
	list, _ := f.ListImagesByDocument(ctx, documentID)
	return len(list), nil
}

func (f *fakeMedia) CountLinksByDocument(_ context.Context, documentID uuid.UUID) (int, error) {
	n := 0
	for _, l := range f.links {
		if l.DocumentID == documentID {
			n++
		}
	}
	return n, nil
}

func (f *fakeMedia) CountVideosByDocument(_ context.Context, documentID uuid.UUID) (int, error) {
	n := 0
	for _, v := range f.videos {
		if v.DocumentID == documentID {
			n++
		}
	}
	return n, nil
}

func (f *fakeMedia) DeleteByDocument(_ context.Context, documentID uuid.UUID) error {
	f.deletions++
	return nil
}

type fakeQueue struct {
	items      []storage.QueueItem
	enqueueErr error
	deleteErr  error
}

func (f *fakeQueue) Enqueue(_ context.Context, item *storage.QueueItem) error {
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.Status == "" {
		item.Status = storage.QueueStatePending
	}
	f.items = append(f.items, *item)
	return nil
}

func (f *fakeQueue) ListPending(_ context.Context, documentID uuid.UUID, limit int) ([]storage.QueueItem, error) {
	var out []storage.QueueItem
	for _, item := range f.items {
		if item.DocumentID == documentID && item.Status == storage.QueueStatePending {
			out = append(out, item)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeQueue) UpdatePayload(_ context.Context, id uuid.UUID, payload storage.QueuePayload) error {
	for i := range f.items {
		if f.items[i].ID == id {
			f.items[i].Payload = payload
			return nil
		}
	}
	return storage.ErrNotFound
}

func (f *fakeQueue) Delete(_ context.Context, id uuid.UUID) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	for i := range f.items {
		if f.items[i].ID == id {
			f.items = append(f.items[:i], f.items[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeQueue) MarkFailed(_ context.Context, id uuid.UUID) error {
	for i := range f.items {
		if f.items[i].ID == id {
			f.items[i].Status = storage.QueueStateFailed
			return nil
		}
	}
	return storage.ErrNotFound
}

func (f *fakeQueue) DeleteByArtifact(_ context.Context, documentID uuid.UUID, artifact storage.ArtifactType) (int, error) {
	var kept []storage.QueueItem
	removed := 0
	for _, item := range f.items {
		if item.DocumentID == documentID && item.ArtifactType == artifact && item.Status == storage.QueueStatePending {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	f.items = kept
	return removed, nil
}

func (f *fakeQueue) CountPending(_ context.Context, documentID uuid.UUID) (int, error) {
	n := 0
	for _, item := range f.items {
		if item.DocumentID == documentID && item.Status == storage.QueueStatePending {
			n++
		}
	}
	return n, nil
}

type fakeIntelligence struct {
	manufacturers map[string]*storage.Manufacturer
	products      map[string]*storage.Product
	series        map[string]*storage.ProductSeries
	productSeries map[uuid.UUID]uuid.UUID
	parts         map[string]*storage.Part
	errorCodes    []storage.ErrorCode
	links         []storage.ErrorCodePartLink
	linkKeys      map[string]bool
}

func newFakeIntelligence() *fakeIntelligence {
	return &fakeIntelligence{
		manufacturers: make(map[string]*storage.Manufacturer),
		products:      make(map[string]*storage.Product),
		series:        make(map[string]*storage.ProductSeries),
		productSeries: make(map[uuid.UUID]uuid.UUID),
		parts:         make(map[string]*storage.Part),
		linkKeys:      make(map[string]bool),
	}
}

func (f *fakeIntelligence) GetOrCreateManufacturer(_ context.Context, name string) (*storage.Manufacturer, error) {
	if m, ok := f.manufacturers[name]; ok {
		return m, nil
	}
	m := &storage.Manufacturer{ID: uuid.New(), Name: name}
	f.manufacturers[name] = m
	return m, nil
}

func (f *fakeIntelligence) GetOrCreateProduct(_ context.Context, manufacturerID uuid.UUID, modelNumber, name string) (*storage.Product, error) {
	key := manufacturerID.String() + "/" + modelNumber
	if p, ok := f.products[key]; ok {
		return p, nil
	}
	p := &storage.Product{ID: uuid.New(), ManufacturerID: manufacturerID, ModelNumber: modelNumber, Name: name}
	f.products[key] = p
	return p, nil
}

func seriesKey(manufacturerID uuid.UUID, seriesName, modelPattern string) string {
	return manufacturerID.String() + "/" + seriesName + "/" + modelPattern
}

func (f *fakeIntelligence) CreateProductSeries(_ context.Context, s *storage.ProductSeries) error {
	key := seriesKey(s.ManufacturerID, s.SeriesName, s.ModelPattern)
	if _, ok := f.series[key]; ok {
		return uniqueViolation()
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	row := *s
	f.series[key] = &row
	return nil
}

func (f *fakeIntelligence) GetProductSeries(_ context.Context, manufacturerID uuid.UUID, seriesName, modelPattern string) (*storage.ProductSeries, error) {
	s, ok := f.series[seriesKey(manufacturerID, seriesName, modelPattern)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s, nil
}

func (f *fakeIntelligence) SetProductSeries(_ context.Context, productID, seriesID uuid.UUID) error {
	f.productSeries[productID] = seriesID
	return nil
}

func (f *fakeIntelligence) UpsertErrorCode(_ context.Context, e *storage.ErrorCode) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	f.errorCodes = append(f.errorCodes, *e)
	return nil
}

func (f *fakeIntelligence) ListErrorCodesByDocument(_ context.Context, documentID uuid.UUID) ([]storage.ErrorCode, error) {
	var out []storage.ErrorCode
	for _, e := range f.errorCodes {
		if e.DocumentID == documentID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeIntelligence) DeleteErrorCodesByDocument(_ context.Context, documentID uuid.UUID) error {
	var kept []storage.ErrorCode
	for _, e := range f.errorCodes {
		if e.DocumentID != documentID {
			kept = append(kept, e)
		}
	}
	f.errorCodes = kept
	return nil
}

func (f *fakeIntelligence) UpsertPart(_ context.Context, p *storage.Part) error {
	key := p.PartNumber + "/" + p.ManufacturerID.String()
	if existing, ok := f.parts[key]; ok {
		p.ID = existing.ID
		return nil
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	row := *p
	f.parts[key] = &row
	return nil
}

func (f *fakeIntelligence) LinkErrorCodePart(_ context.Context, l *storage.ErrorCodePartLink) error {
	key := l.ErrorCodeID.String() + "/" + l.PartID.String()
	if f.linkKeys[key] {
		return uniqueViolation()
	}
	f.linkKeys[key] = true
	f.links = append(f.links, *l)
	return nil
}

type fakeEmbeddings struct {
	rows map[string]storage.UnifiedEmbedding
}

func newFakeEmbeddings() *fakeEmbeddings {
	return &fakeEmbeddings{rows: make(map[string]storage.UnifiedEmbedding)}
}

func embKey(sourceID uuid.UUID, sourceType storage.SourceType) string {
	return sourceID.String() + "/" + string(sourceType)
}

func (f *fakeEmbeddings) Exists(_ context.Context, sourceID uuid.UUID, sourceType storage.SourceType) (bool, error) {
	_, ok := f.rows[embKey(sourceID, sourceType)]
	return ok, nil
}

func (f *fakeEmbeddings) UpsertBatch(_ context.Context, embeddings []storage.UnifiedEmbedding) error {
	for _, e := range embeddings {
		f.rows[embKey(e.SourceID, e.SourceType)] = e
	}
	return nil
}

func (f *fakeEmbeddings) CountByDocument(_ context.Context, documentID uuid.UUID) (int, error) {
	n := 0
	for _, e := range f.rows {
		if e.DocumentID == documentID {
			n++
		}
	}
	return n, nil
}

func (f *fakeEmbeddings) CountByDocumentAndType(_ context.Context, documentID uuid.UUID) (map[string]int, error) {
	out := make(map[string]int)
	for _, e := range f.rows {
		if e.DocumentID == documentID {
			out[string(e.SourceType)]++
		}
	}
	return out, nil
}

func (f *fakeEmbeddings) DeleteByDocument(_ context.Context, documentID uuid.UUID) error {
	for key, e := range f.rows {
		if e.DocumentID == documentID {
			delete(f.rows, key)
		}
	}
	return nil
}

type fakeAnalytics struct {
	entries []storage.SearchAnalyticsEntry
}

func (f *fakeAnalytics) RecordSearchAnalytics(_ context.Context, a *storage.SearchAnalyticsEntry) error {
	f.entries = append(f.entries, *a)
	return nil
}

type fakeUpload struct {
	bucket      string
	contentType string
	size        int
}

type fakeObjects struct {
	uploads   []fakeUpload
	uploadErr error
}

func (f *fakeObjects) Upload(_ context.Context, bucket string, data []byte, contentType string) (*objstore.UploadResult, error) {
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	f.uploads = append(f.uploads, fakeUpload{bucket: bucket, contentType: contentType, size: len(data)})
	return &objstore.UploadResult{
		Bucket:      bucket,
		StoragePath: hash[:2] + "/" + hash,
		URL:         "minio://" + bucket + "/" + hash[:2] + "/" + hash,
		FileHash:    hash,
		Size:        int64(len(data)),
	}, nil
}

func (f *fakeObjects) UploadFile(ctx context.Context, bucket, path, contentType string) (*objstore.UploadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return f.Upload(ctx, bucket, data, contentType)
}

func (f *fakeObjects) Buckets() config.BucketsConfig {
	return config.BucketsConfig{Images: "krai-images", Documents: "krai-documents", Thumbnails: "krai-thumbnails"}
}

type fakeClassifier struct {
	result *llm.Classification
	err    error
	calls  int
}

func (f *fakeClassifier) ClassifyDocument(context.Context, string) (*llm.Classification, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeVision struct {
	analysis string
	err      error
	disabled bool
	calls    int
}

func (f *fakeVision) AnalyzeTechnicalImage(context.Context, []byte) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.analysis, nil
}

func (f *fakeVision) VisionDisabled() bool { return f.disabled }
