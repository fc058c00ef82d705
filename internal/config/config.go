// Package config provides unified configuration loading for the KRAI engine.
// Supports YAML files, environment variables, and programmatic overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the engine.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	ObjectStorage ObjectStorageConfig `yaml:"object_storage"`
	Ollama        OllamaConfig        `yaml:"ollama"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Extraction    ExtractionConfig    `yaml:"extraction"`
	Chunking      ChunkingConfig      `yaml:"chunking"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	Search        SearchConfig        `yaml:"search"`
	Cache         CacheConfig         `yaml:"cache"`
	Enrichment    EnrichmentConfig    `yaml:"enrichment"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ObjectStorageConfig holds S3-compatible object store settings.
type ObjectStorageConfig struct {
	Type      string        `yaml:"type"` // minio or s3
	Endpoint  string        `yaml:"endpoint"`
	AccessKey string        `yaml:"access_key"`
	SecretKey string        `yaml:"secret_key"`
	Region    string        `yaml:"region"`
	UseSSL    bool          `yaml:"use_ssl"`
	PublicURL string        `yaml:"public_url"`
	Buckets   BucketsConfig `yaml:"buckets"`
}

// BucketsConfig names the content-addressable buckets.
type BucketsConfig struct {
	Images     string `yaml:"images"`
	Documents  string `yaml:"documents"`
	Thumbnails string `yaml:"thumbnails"`
}

// OllamaConfig holds model server settings.
type OllamaConfig struct {
	URL                 string        `yaml:"url"`
	VisionModel         string        `yaml:"vision_model"`
	EmbeddingModel      string        `yaml:"embedding_model"`
	ClassificationModel string        `yaml:"classification_model"`
	Timeout             time.Duration `yaml:"timeout"`
}

// PipelineConfig holds stage execution settings.
type PipelineConfig struct {
	MaxRetries          int           `yaml:"max_retries"`
	BaseDelay           time.Duration `yaml:"base_delay"`
	MaxConcurrentDocs   int           `yaml:"max_concurrent_docs"`
	ClassificationPages int           `yaml:"classification_pages"`
}

// ExtractionConfig holds PDF extraction settings.
type ExtractionConfig struct {
	Engine               string `yaml:"engine"` // native or layout
	OCRFallback          bool   `yaml:"ocr_fallback"`
	EnableSVG            bool   `yaml:"enable_svg"`
	EnableTables         bool   `yaml:"enable_tables"`
	EnableContext        bool   `yaml:"enable_context"`
	SVGInlineThresholdKB int    `yaml:"svg_inline_threshold_kb"`
	SVGConversionDPI     int    `yaml:"svg_conversion_dpi"`
	DisableVision        bool   `yaml:"disable_vision"`
}

// ChunkingConfig holds smart chunker settings.
type ChunkingConfig struct {
	ChunkSize               int  `yaml:"chunk_size"`
	Overlap                 int  `yaml:"overlap"`
	Hierarchical            bool `yaml:"hierarchical"`
	DetectErrorCodeSections bool `yaml:"detect_error_code_sections"`
	LinkChunks              bool `yaml:"link_chunks"`
}

// EmbeddingConfig holds embedding generation settings.
type EmbeddingConfig struct {
	Dimension      int           `yaml:"dimension"`
	BatchSize      int           `yaml:"batch_size"`
	MinBatchSize   int           `yaml:"min_batch_size"`
	MaxBatchSize   int           `yaml:"max_batch_size"`
	GrowStreak     int           `yaml:"grow_streak"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// SearchConfig holds multimodal search settings.
type SearchConfig struct {
	Threshold    float64       `yaml:"threshold"`
	Limit        int           `yaml:"limit"`
	CacheResults bool          `yaml:"cache_results"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
}

// CacheConfig holds cache settings.
type CacheConfig struct {
	Driver string        `yaml:"driver"` // memory or redis
	TTL    time.Duration `yaml:"ttl"`
	Redis  RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// EnrichmentConfig holds external media enrichment settings.
type EnrichmentConfig struct {
	VideoEnabled   bool          `yaml:"video_enabled"`
	VideoBatchSize int           `yaml:"video_batch_size"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8088,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     120 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 10 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		ObjectStorage: ObjectStorageConfig{
			Type:     "minio",
			Endpoint: "localhost:9000",
			Region:   "us-east-1",
			UseSSL:   false,
			Buckets: BucketsConfig{
				Images:     "document-images",
				Documents:  "documents",
				Thumbnails: "thumbnails",
			},
		},
		Ollama: OllamaConfig{
			URL:                 "http://localhost:11434",
			VisionModel:         "llava:13b",
			EmbeddingModel:      "nomic-embed-text",
			ClassificationModel: "llama3.1:8b",
			Timeout:             120 * time.Second,
		},
		Pipeline: PipelineConfig{
			MaxRetries:          3,
			BaseDelay:           2 * time.Second,
			MaxConcurrentDocs:   2,
			ClassificationPages: 5,
		},
		Extraction: ExtractionConfig{
			Engine:               "native",
			OCRFallback:          false,
			EnableSVG:            true,
			EnableTables:         true,
			EnableContext:        true,
			SVGInlineThresholdKB: 64,
			SVGConversionDPI:     150,
			DisableVision:        false,
		},
		Chunking: ChunkingConfig{
			ChunkSize:               1000,
			Overlap:                 200,
			Hierarchical:            true,
			DetectErrorCodeSections: true,
			LinkChunks:              true,
		},
		Embedding: EmbeddingConfig{
			Dimension:      768,
			BatchSize:      100,
			MinBatchSize:   10,
			MaxBatchSize:   200,
			GrowStreak:     3,
			RequestTimeout: 60 * time.Second,
		},
		Search: SearchConfig{
			Threshold:    0.5,
			Limit:        10,
			CacheResults: true,
			CacheTTL:     5 * time.Minute,
		},
		Cache: CacheConfig{
			Driver: "memory",
			TTL:    5 * time.Minute,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				DB:       0,
				PoolSize: 10,
			},
		},
		Enrichment: EnrichmentConfig{
			VideoEnabled:   false,
			VideoBatchSize: 10,
			RequestTimeout: 15 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Extraction.Engine != "native" && c.Extraction.Engine != "layout" {
		return fmt.Errorf("invalid extraction engine: %s", c.Extraction.Engine)
	}

	if c.Cache.Driver != "memory" && c.Cache.Driver != "redis" {
		return fmt.Errorf("invalid cache driver: %s", c.Cache.Driver)
	}

	if c.Embedding.Dimension < 1 {
		return fmt.Errorf("invalid embedding dimension: %d", c.Embedding.Dimension)
	}

	if c.Embedding.MinBatchSize < 1 || c.Embedding.MinBatchSize > c.Embedding.MaxBatchSize {
		return fmt.Errorf("invalid embedding batch bounds: [%d, %d]", c.Embedding.MinBatchSize, c.Embedding.MaxBatchSize)
	}

	if c.Chunking.Overlap >= c.Chunking.ChunkSize {
		return fmt.Errorf("chunk overlap %d must be smaller than chunk size %d", c.Chunking.Overlap, c.Chunking.ChunkSize)
	}

	if c.Search.Threshold < 0 || c.Search.Threshold > 1 {
		return fmt.Errorf("search threshold must be in [0, 1]")
	}

	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to config.
// Unknown variables are ignored.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("API_HOST"); v != "" {
		cfg.Server.Host = v
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.Driver = "redis"
		cfg.Cache.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}

	// Object storage wiring.
	if v := os.Getenv("OBJECT_STORAGE_TYPE"); v != "" {
		cfg.ObjectStorage.Type = v
	}
	if v := os.Getenv("OBJECT_STORAGE_ENDPOINT"); v != "" {
		cfg.ObjectStorage.Endpoint = v
	}
	if v := os.Getenv("OBJECT_STORAGE_ACCESS_KEY"); v != "" {
		cfg.ObjectStorage.AccessKey = v
	}
	if v := os.Getenv("OBJECT_STORAGE_SECRET_KEY"); v != "" {
		cfg.ObjectStorage.SecretKey = v
	}
	if v := os.Getenv("OBJECT_STORAGE_REGION"); v != "" {
		cfg.ObjectStorage.Region = v
	}
	if v, ok := envBool("OBJECT_STORAGE_USE_SSL"); ok {
		cfg.ObjectStorage.UseSSL = v
	}
	if v := os.Getenv("OBJECT_STORAGE_PUBLIC_URL"); v != "" {
		cfg.ObjectStorage.PublicURL = v
	}
	if v := os.Getenv("OBJECT_STORAGE_BUCKET_IMAGES"); v != "" {
		cfg.ObjectStorage.Buckets.Images = v
	}
	if v := os.Getenv("OBJECT_STORAGE_BUCKET_DOCUMENTS"); v != "" {
		cfg.ObjectStorage.Buckets.Documents = v
	}
	if v := os.Getenv("OBJECT_STORAGE_BUCKET_THUMBNAILS"); v != "" {
		cfg.ObjectStorage.Buckets.Thumbnails = v
	}

	// Model server wiring.
	if v := os.Getenv("OLLAMA_URL"); v != "" {
		cfg.Ollama.URL = v
	}
	if v := os.Getenv("OLLAMA_MODEL_VISION"); v != "" {
		cfg.Ollama.VisionModel = v
	}
	if v := os.Getenv("OLLAMA_MODEL_EMBEDDING"); v != "" {
		cfg.Ollama.EmbeddingModel = v
	}
	if v := os.Getenv("OLLAMA_MODEL_CLASSIFICATION"); v != "" {
		cfg.Ollama.ClassificationModel = v
	}

	// Extraction toggles.
	if v := os.Getenv("PDF_ENGINE"); v != "" {
		cfg.Extraction.Engine = normalizeEngine(v)
	}
	if v, ok := envBool("ENABLE_OCR_FALLBACK"); ok {
		cfg.Extraction.OCRFallback = v
	}
	if v, ok := envBool("ENABLE_SVG_EXTRACTION"); ok {
		cfg.Extraction.EnableSVG = v
	}
	if v, ok := envBool("ENABLE_TABLE_EXTRACTION"); ok {
		cfg.Extraction.EnableTables = v
	}
	if v, ok := envBool("ENABLE_CONTEXT_EXTRACTION"); ok {
		cfg.Extraction.EnableContext = v
	}
	if v := os.Getenv("SVG_INLINE_STORAGE_THRESHOLD_KB"); v != "" {
		if kb, err := strconv.Atoi(v); err == nil && kb >= 0 {
			cfg.Extraction.SVGInlineThresholdKB = kb
		}
	}
	if v, ok := envBool("DISABLE_VISION_PROCESSING"); ok {
		cfg.Extraction.DisableVision = v
	}

	// Chunker toggles.
	if v, ok := envBool("ENABLE_HIERARCHICAL_CHUNKING"); ok {
		cfg.Chunking.Hierarchical = v
	}
	if v, ok := envBool("DETECT_ERROR_CODE_SECTIONS"); ok {
		cfg.Chunking.DetectErrorCodeSections = v
	}
	if v, ok := envBool("LINK_CHUNKS"); ok {
		cfg.Chunking.LinkChunks = v
	}
	if v := os.Getenv("CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Chunking.ChunkSize = n
		}
	}
	if v := os.Getenv("CHUNK_OVERLAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Chunking.Overlap = n
		}
	}

	// Enrichment toggles.
	if v, ok := envBool("ENABLE_BRIGHTCOVE_ENRICHMENT"); ok {
		cfg.Enrichment.VideoEnabled = v
	}
	if v := os.Getenv("BRIGHTCOVE_ENRICHMENT_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Enrichment.VideoBatchSize = n
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}

// envBool reads a {0,1,true,false} environment toggle.
func envBool(name string) (value, ok bool) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	switch v {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}

// normalizeEngine maps legacy extractor names onto the two supported backends.
func normalizeEngine(v string) string {
	switch strings.ToLower(v) {
	case "layout", "pdfplumber", "pdfplumber_equiv":
		return "layout"
	default:
		return "native"
	}
}
