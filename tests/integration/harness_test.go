package integration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/krai-tech/krai-engine/internal/cache"
	"github.com/krai-tech/krai-engine/internal/config"
	"github.com/krai-tech/krai-engine/internal/embedding"
	"github.com/krai-tech/krai-engine/internal/llm"
	"github.com/krai-tech/krai-engine/internal/objstore"
	"github.com/krai-tech/krai-engine/internal/observability"
	"github.com/krai-tech/krai-engine/internal/pipeline"
	"github.com/krai-tech/krai-engine/internal/stages"
	"github.com/krai-tech/krai-engine/internal/storage"
)

// pipelineHarness wires the repositories, the coordinator and all fifteen
// stage processors against the test containers. Only the pieces that would
// need services outside the containers are replaced: the object store, the
// model server, and the embedder.
type pipelineHarness struct {
	db        *sql.DB
	repos     *storage.Repositories
	cache     cache.Client
	locks     *storage.AdvisoryLocks
	coord     *pipeline.Coordinator
	scheduler *pipeline.RetryScheduler
	pipe      *pipeline.Pipeline
	objects   *memoryObjectStore

	contexts map[uuid.UUID]*pipeline.ProcessingContext
}

// harnessOptions selects the swappable pieces. Zero values give a
// deterministic mock embedder, a fixed service-manual classification, a
// fast retry policy, and no background scheduler.
type harnessOptions struct {
	Embedder   embedding.Embedder
	Classifier stages.Classifier
	Policy     pipeline.RetryPolicy
	Scheduler  bool
}

func newPipelineHarness(t *testing.T, setup *TestContainerSetup, opts harnessOptions) *pipelineHarness {
	t.Helper()
	setup.RunMigrations(t)

	db, err := storage.Open(config.DatabaseConfig{
		URL:             setup.PostgresConnStr,
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
	})
	require.NoError(t, err)

	if opts.Embedder == nil {
		opts.Embedder = embedding.NewMockEmbedder()
	}
	if opts.Classifier == nil {
		opts.Classifier = &stubClassifier{cls: serviceManualClassification()}
	}
	if opts.Policy.MaxRetries == 0 {
		opts.Policy = pipeline.RetryPolicy{MaxRetries: 2, BaseDelay: 25 * time.Millisecond, Backoff: 2.0}
	}

	log := observability.DefaultLogger()
	repos := storage.NewRepositories(db)
	locks := storage.NewAdvisoryLocks(db)
	objects := newMemoryObjectStore()
	cacheClient := openCache(t, setup)

	h := &pipelineHarness{
		db:       db,
		repos:    repos,
		cache:    cacheClient,
		locks:    locks,
		objects:  objects,
		contexts: make(map[uuid.UUID]*pipeline.ProcessingContext),
	}

	h.coord = pipeline.NewCoordinator(repos.Markers, repos.Statuses, repos.Analytics,
		repos.Analytics, locks, opts.Policy, log)
	if opts.Scheduler {
		h.scheduler = pipeline.NewRetryScheduler(h.coord, log)
	}
	h.pipe = pipeline.New(h.coord, repos.Statuses, repos.Documents, h.buildContext, log)

	for _, proc := range stages.Build(stages.Deps{
		Documents:    repos.Documents,
		Chunks:       repos.Chunks,
		Tables:       repos.Tables,
		Media:        repos.Media,
		Queue:        repos.Queue,
		Intelligence: repos.Intelligence,
		Embeddings:   repos.Embeddings,
		Analytics:    repos.Analytics,
		Objects:      objects,
		Classifier:   opts.Classifier,
		Vision:       &stubVision{disabled: true},
		Embedder:     opts.Embedder,
		Cache:        cacheClient,
		EmbeddingConfig: config.EmbeddingConfig{
			Dimension:    768,
			BatchSize:    16,
			MinBatchSize: 2,
			MaxBatchSize: 32,
			GrowStreak:   3,
		},
		CacheTTL: time.Minute,
		Log:      log,
	}) {
		h.pipe.Register(proc)
	}

	return h
}

func (h *pipelineHarness) Close() {
	if h.scheduler != nil {
		h.scheduler.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.locks.Close(ctx)
	h.cache.Close()
	h.db.Close()
}

// setContext registers the processing context the pipeline's builder hands
// to multi-stage runs for this document.
func (h *pipelineHarness) setContext(pc *pipeline.ProcessingContext) {
	h.contexts[pc.DocumentID] = pc
}

func (h *pipelineHarness) buildContext(ctx context.Context, documentID uuid.UUID) (*pipeline.ProcessingContext, error) {
	pc, ok := h.contexts[documentID]
	if !ok {
		return nil, fmt.Errorf("no processing context registered for %s", documentID)
	}
	return pc, nil
}

// runStage pushes one stage through the full safe-process protocol.
func (h *pipelineHarness) runStage(t *testing.T, ctx context.Context, stage pipeline.Stage, pc *pipeline.ProcessingContext) *pipeline.ProcessingResult {
	t.Helper()
	proc, ok := h.pipe.Processor(stage)
	require.True(t, ok, "stage %s not registered", stage)
	return h.coord.SafeProcess(ctx, proc, pc)
}

// createDocument inserts a document row, defaulting the fields the tests
// do not care about.
func (h *pipelineHarness) createDocument(t *testing.T, ctx context.Context, doc *storage.Document) *storage.Document {
	t.Helper()
	if doc == nil {
		doc = &storage.Document{}
	}
	if doc.Filename == "" {
		doc.Filename = "service-manual.pdf"
	}
	if doc.FilePath == "" {
		doc.FilePath = "/data/manuals/" + doc.Filename
	}
	if doc.FileHash == "" {
		doc.FileHash = objstore.HashBytes([]byte(uuid.NewString()))
	}
	require.NoError(t, h.repos.Documents.Create(ctx, doc))
	return doc
}

// newProcessingContext builds the stage-invocation carrier for a document,
// with page texts attached so no stage needs the source PDF.
func newProcessingContext(doc *storage.Document, pages map[int]string) *pipeline.ProcessingContext {
	return &pipeline.ProcessingContext{
		DocumentID: doc.ID,
		FilePath:   doc.FilePath,
		FileHash:   doc.FileHash,
		Config:     testProcessingConfig(),
		PageTexts:  pages,
	}
}

// testProcessingConfig snapshots the default configuration with vision off,
// which is how the containers-only environment runs.
func testProcessingConfig() pipeline.ProcessingConfig {
	cfg := config.DefaultConfig()
	cfg.Extraction.DisableVision = true
	return pipeline.SnapshotConfig(cfg)
}

func openCache(t *testing.T, setup *TestContainerSetup) cache.Client {
	t.Helper()
	c, err := cache.New(config.CacheConfig{
		Driver: "redis",
		TTL:    time.Minute,
		Redis:  config.RedisConfig{Addr: setup.RedisAddr},
	})
	require.NoError(t, err)
	return c
}

// memoryObjectStore is a content-addressed in-memory stand-in for the
// object store, so pipeline runs need no MinIO container.
type memoryObjectStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemoryObjectStore() *memoryObjectStore {
	return &memoryObjectStore{data: make(map[string][]byte)}
}

func (m *memoryObjectStore) Upload(ctx context.Context, bucket string, data []byte, contentType string) (*objstore.UploadResult, error) {
	hash := objstore.HashBytes(data)
	key := bucket + "/" + hash

	m.mu.Lock()
	_, existed := m.data[key]
	if !existed {
		stored := make([]byte, len(data))
		copy(stored, data)
		m.data[key] = stored
	}
	m.mu.Unlock()

	return &objstore.UploadResult{
		Bucket:      bucket,
		StoragePath: hash,
		URL:         key,
		PublicURL:   "http://objstore.test/" + key,
		FileHash:    hash,
		Size:        int64(len(data)),
		Existed:     existed,
	}, nil
}

func (m *memoryObjectStore) UploadFile(ctx context.Context, bucket, path, contentType string) (*objstore.UploadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return m.Upload(ctx, bucket, data, contentType)
}

func (m *memoryObjectStore) Buckets() config.BucketsConfig {
	return config.BucketsConfig{
		Images:     "krai-images",
		Documents:  "krai-documents",
		Thumbnails: "krai-thumbnails",
	}
}

func (m *memoryObjectStore) objectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

type stubClassifier struct {
	cls   *llm.Classification
	err   error
	calls int
}

func (s *stubClassifier) ClassifyDocument(ctx context.Context, pagesText string) (*llm.Classification, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := *s.cls
	return &out, nil
}

func serviceManualClassification() *llm.Classification {
	return &llm.Classification{
		DocumentType: "service_manual",
		Manufacturer: "HP",
		Models:       []string{"M479"},
		Version:      "Rev. 2.1",
		Confidence:   0.93,
		Language:     "en",
	}
}

type stubVision struct {
	analysis string
	disabled bool
	calls    int
}

func (s *stubVision) AnalyzeTechnicalImage(ctx context.Context, imagePNG []byte) (string, error) {
	s.calls++
	return s.analysis, nil
}

func (s *stubVision) VisionDisabled() bool { return s.disabled }

type stubGenerator struct {
	answer string
}

func (s *stubGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	return s.answer, nil
}

// flakyEmbedder fails its first n EmbedBatch calls and then delegates,
// simulating a model server that comes back after a hiccup.
type flakyEmbedder struct {
	inner    embedding.Embedder
	failures int
	calls    int
}

func (f *flakyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *flakyEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("model server unavailable: connection refused")
	}
	return f.inner.EmbedBatch(ctx, texts)
}

func (f *flakyEmbedder) Dimension() int { return f.inner.Dimension() }

// keywordEmbedder maps text to a bag-of-words vector, so similarity tracks
// shared vocabulary. The hash-seeded mock makes unrelated texts orthogonal;
// retrieval ordering tests need texts about the same part to overlap.
// Stopwords are dropped so shared articles do not read as relevance.
type keywordEmbedder struct {
	dim int
}

var keywordStopwords = map[string]bool{
	"a": true, "an": true, "and": true, "for": true, "in": true,
	"is": true, "it": true, "me": true, "of": true, "on": true,
	"the": true, "to": true, "with": true,
}

func newKeywordEmbedder() *keywordEmbedder { return &keywordEmbedder{dim: 768} }

func (k *keywordEmbedder) Dimension() int { return k.dim }

func (k *keywordEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, k.dim)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,:;()!?\"'")
		if word == "" || keywordStopwords[word] {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(word))
		vec[h.Sum32()%uint32(k.dim)]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

func (k *keywordEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := k.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}
