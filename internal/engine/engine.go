// Package engine is the composition root: it connects Postgres, the cache,
// the object store and the model server, registers the fifteen stage
// processors with the pipeline, and exposes the operations the CLI and HTTP
// surfaces call.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/krai-tech/krai-engine/internal/cache"
	"github.com/krai-tech/krai-engine/internal/config"
	"github.com/krai-tech/krai-engine/internal/embedding"
	"github.com/krai-tech/krai-engine/internal/enrich"
	"github.com/krai-tech/krai-engine/internal/llm"
	"github.com/krai-tech/krai-engine/internal/monitoring"
	"github.com/krai-tech/krai-engine/internal/objstore"
	"github.com/krai-tech/krai-engine/internal/observability"
	"github.com/krai-tech/krai-engine/internal/pipeline"
	"github.com/krai-tech/krai-engine/internal/search"
	"github.com/krai-tech/krai-engine/internal/stages"
	"github.com/krai-tech/krai-engine/internal/storage"
)

const startupTimeout = 15 * time.Second

// documentStore is the slice of the documents repository the engine-level
// operations use. The stage processors carry their own view in the stages
// package.
type documentStore interface {
	Create(ctx context.Context, d *storage.Document) error
	GetByID(ctx context.Context, id uuid.UUID) (*storage.Document, error)
	GetByFileHash(ctx context.Context, hash string) (*storage.Document, error)
	CreateFingerprint(ctx context.Context, f *storage.DocumentFingerprint) error
	SetThumbnail(ctx context.Context, id uuid.UUID, url string) error
}

// objectStore is the object-store slice the engine itself touches, beyond
// what the upload and storage stages already do.
type objectStore interface {
	EnsureBuckets(ctx context.Context) error
	Upload(ctx context.Context, bucket string, data []byte, contentType string) (*objstore.UploadResult, error)
	DownloadToFile(ctx context.Context, bucket, key, dest string) error
	Buckets() config.BucketsConfig
}

var (
	_ documentStore = (*storage.DocumentsRepo)(nil)
	_ objectStore   = (*objstore.Client)(nil)
)

// Engine owns every long-lived client and the processing pipeline.
type Engine struct {
	cfg *config.Config
	log *observability.Logger

	db        *sql.DB
	repos     *storage.Repositories
	cache     cache.Client
	objects   objectStore
	metrics   *monitoring.AsyncWriter
	locks     *storage.AdvisoryLocks
	scheduler *pipeline.RetryScheduler
	pipe      *pipeline.Pipeline
	searchSvc *search.Service
	enrichSvc *enrich.Service

	documents documentStore

	// workDir holds source files restored from the object store when a
	// document's original upload path is gone.
	workDir string
}

// New wires an engine from configuration. Nothing is pinged here; Start
// verifies connectivity and prepares the schema and buckets.
func New(cfg *config.Config, log *observability.Logger) (*Engine, error) {
	db, err := storage.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	repos := storage.NewRepositories(db)

	cacheClient, err := cache.New(cfg.Cache)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect cache: %w", err)
	}

	objects, err := objstore.New(cfg.ObjectStorage, log)
	if err != nil {
		cacheClient.Close()
		db.Close()
		return nil, err
	}

	workDir := filepath.Join(os.TempDir(), "krai-engine")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		cacheClient.Close()
		db.Close()
		return nil, fmt.Errorf("create work directory: %w", err)
	}

	models := llm.NewClient(cfg.Ollama, cfg.Extraction.DisableVision, log)
	embedder := embedding.NewClient(cfg.Ollama, cfg.Embedding, log)
	metrics := monitoring.NewAsyncWriter(repos.Analytics, log)
	locks := storage.NewAdvisoryLocks(db)

	e := &Engine{
		cfg:       cfg,
		log:       log.WithComponent("engine"),
		db:        db,
		repos:     repos,
		cache:     cacheClient,
		objects:   objects,
		metrics:   metrics,
		locks:     locks,
		documents: repos.Documents,
		workDir:   workDir,
	}

	coordinator := pipeline.NewCoordinator(
		repos.Markers, repos.Statuses, repos.Analytics, metrics,
		locks, pipeline.PolicyFromConfig(cfg.Pipeline), log)
	e.scheduler = pipeline.NewRetryScheduler(coordinator, log)
	e.pipe = pipeline.New(coordinator, repos.Statuses, repos.Documents, e.BuildContext, log)

	for _, proc := range stages.Build(stages.Deps{
		Documents:       repos.Documents,
		Chunks:          repos.Chunks,
		Tables:          repos.Tables,
		Media:           repos.Media,
		Queue:           repos.Queue,
		Intelligence:    repos.Intelligence,
		Embeddings:      repos.Embeddings,
		Analytics:       repos.Analytics,
		Objects:         objects,
		Classifier:      models,
		Vision:          models,
		Embedder:        embedder,
		Cache:           cacheClient,
		EmbeddingConfig: cfg.Embedding,
		CacheTTL:        cfg.Cache.TTL,
		VideoEnrichment: cfg.Enrichment.VideoEnabled,
		Log:             log,
	}) {
		e.pipe.Register(proc)
	}

	e.searchSvc = search.NewService(
		repos.Embeddings, repos.Documents, repos.Media,
		embedder, models, cacheClient, cfg.Search, log)
	e.enrichSvc = enrich.NewService(cfg.Enrichment, repos.Media, log)

	return e, nil
}

// Start verifies the database, applies the schema, ensures the buckets
// exist, and reschedules retries that were pending when the last process
// stopped.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	if err := e.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	if err := storage.Migrate(ctx, e.db); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if err := e.objects.EnsureBuckets(ctx); err != nil {
		return fmt.Errorf("ensure buckets: %w", err)
	}

	resumed, err := e.pipe.ResumePending(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("Failed to resume pending retries")
	} else if resumed > 0 {
		e.log.Info().Int("count", resumed).Msg("Resumed pending background retries")
	}
	return nil
}

// Close flushes metrics, stops background retries, releases advisory locks
// and closes the connections. Undelivered retries stay durable in the
// stage-status table for the next Start.
func (e *Engine) Close() error {
	e.scheduler.Stop()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(e.metrics.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	record(e.locks.Close(ctx))

	record(e.cache.Close())
	record(e.db.Close())
	return firstErr
}

// Ready probes the dependencies a request would touch. Used by the API's
// readiness endpoint.
func (e *Engine) Ready(ctx context.Context) error {
	if err := e.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := e.objects.EnsureBuckets(ctx); err != nil {
		return fmt.Errorf("object store: %w", err)
	}
	return nil
}

// Search exposes the multimodal search service.
func (e *Engine) Search() *search.Service {
	return e.searchSvc
}

// Repos exposes the repositories for read-only boundary queries.
func (e *Engine) Repos() *storage.Repositories {
	return e.repos
}

// Config returns the engine's configuration.
func (e *Engine) Config() *config.Config {
	return e.cfg
}

// VideoEnrichmentEnabled reports whether video metadata lookups are on.
func (e *Engine) VideoEnrichmentEnabled() bool {
	return e.enrichSvc.Enabled()
}

// ErrEnrichmentDisabled rejects video operations while enrichment is off.
var ErrEnrichmentDisabled = errors.New("video enrichment is not configured")

// EnrichVideoURL resolves metadata for one video URL on behalf of a
// document and persists the resulting row.
func (e *Engine) EnrichVideoURL(ctx context.Context, documentID uuid.UUID, rawURL string) (*storage.Video, error) {
	if !e.enrichSvc.Enabled() {
		return nil, ErrEnrichmentDisabled
	}
	if _, err := e.documents.GetByID(ctx, documentID); err != nil {
		return nil, err
	}
	return e.enrichSvc.EnrichURL(ctx, documentID, rawURL)
}

// EnrichPendingVideos walks videos flagged for enrichment and persists the
// lookup results.
func (e *Engine) EnrichPendingVideos(ctx context.Context, limit int) (enriched, failed int, err error) {
	if !e.enrichSvc.Enabled() {
		return 0, 0, ErrEnrichmentDisabled
	}
	return e.enrichSvc.EnrichPending(ctx, limit)
}
