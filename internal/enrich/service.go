package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/krai-tech/krai-engine/internal/config"
	"github.com/krai-tech/krai-engine/internal/observability"
	"github.com/krai-tech/krai-engine/internal/storage"
)

const (
	youtubeOEmbedURL = "https://www.youtube.com/oembed"
	vimeoOEmbedURL   = "https://vimeo.com/api/oembed.json"

	defaultRequestTimeout = 15 * time.Second
)

// Service fetches video metadata and writes it back onto video rows.
type Service struct {
	cfg    config.EnrichmentConfig
	media  *storage.MediaRepo
	client *http.Client
	log    *observability.Logger

	// Overridable in tests.
	youtubeEndpoint string
	vimeoEndpoint   string
}

// NewService creates an enrichment service. The media repo may be nil for
// callers that only enrich in-memory values.
func NewService(cfg config.EnrichmentConfig, media *storage.MediaRepo, log *observability.Logger) *Service {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Service{
		cfg:             cfg,
		media:           media,
		client:          &http.Client{Timeout: timeout},
		log:             log.WithComponent("enrich"),
		youtubeEndpoint: youtubeOEmbedURL,
		vimeoEndpoint:   vimeoOEmbedURL,
	}
}

// Enabled reports whether video enrichment is switched on.
func (s *Service) Enabled() bool {
	return s.cfg.VideoEnabled
}

// oEmbedResponse is the subset of the oEmbed payload the engine keeps.
// Vimeo additionally returns description and duration; YouTube does not.
type oEmbedResponse struct {
	Title        string `json:"title"`
	AuthorName   string `json:"author_name"`
	Description  string `json:"description"`
	ThumbnailURL string `json:"thumbnail_url"`
	Duration     int    `json:"duration"`
}

// Enrich resolves metadata for one video in place. Lookup failures are
// recorded on the row (enrichment_error) rather than returned, so a dead URL
// cannot wedge a batch; the returned error covers context cancellation only.
func (s *Service) Enrich(ctx context.Context, v *storage.Video) error {
	now := time.Now().UTC()
	v.Metadata.NeedsEnrichment = false
	v.EnrichedAt = &now

	switch v.Platform {
	case PlatformYouTube:
		s.applyOEmbed(ctx, v, s.youtubeEndpoint)
	case PlatformVimeo:
		s.applyOEmbed(ctx, v, s.vimeoEndpoint)
	case PlatformBrightcove:
		// Playback API needs an account-scoped policy key we do not carry.
		v.Metadata.CredentialsMissing = true
		v.EnrichmentError = "brightcove playback credentials not configured"
	default:
		v.EnrichmentError = fmt.Sprintf("unsupported platform %q", v.Platform)
	}
	return ctx.Err()
}

func (s *Service) applyOEmbed(ctx context.Context, v *storage.Video, endpoint string) {
	meta, err := s.fetchOEmbed(ctx, endpoint, v.URL)
	if err != nil {
		v.EnrichmentError = err.Error()
		s.log.Warn().Str("url", v.URL).Err(err).Msg("video metadata lookup failed")
		return
	}
	v.Title = meta.Title
	if meta.Description != "" {
		v.Description = meta.Description
	}
	v.ThumbnailURL = meta.ThumbnailURL
	v.Duration = meta.Duration
	v.EnrichmentError = ""
}

func (s *Service) fetchOEmbed(ctx context.Context, endpoint, videoURL string) (*oEmbedResponse, error) {
	query := url.Values{}
	query.Set("url", videoURL)
	query.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build oembed request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oembed request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read oembed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oembed lookup returned %d", resp.StatusCode)
	}
	var meta oEmbedResponse
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf("decode oembed response: %w", err)
	}
	return &meta, nil
}

// EnrichURL enriches a single URL on behalf of a document and upserts the
// resulting video row. Returns ErrNotVideo when the URL is not recognized.
func (s *Service) EnrichURL(ctx context.Context, documentID uuid.UUID, rawURL string) (*storage.Video, error) {
	ref, err := ParseVideoURL(rawURL)
	if err != nil {
		return nil, err
	}
	video := &storage.Video{
		DocumentID: documentID,
		URL:        ref.URL,
		Platform:   ref.Platform,
		VideoID:    ref.VideoID,
	}
	if err := s.Enrich(ctx, video); err != nil {
		return nil, err
	}
	if s.media != nil {
		if err := s.media.UpsertVideo(ctx, video); err != nil {
			return nil, err
		}
	}
	return video, nil
}

// EnrichPending walks videos flagged needs_enrichment in batches and
// persists the lookup results. Returns how many rows were updated and how
// many lookups recorded an error.
func (s *Service) EnrichPending(ctx context.Context, limit int) (enriched, failed int, err error) {
	if limit <= 0 {
		limit = s.cfg.VideoBatchSize
	}
	if limit <= 0 {
		limit = 10
	}

	videos, err := s.media.ListVideosNeedingEnrichment(ctx, limit)
	if err != nil {
		return 0, 0, err
	}
	for i := range videos {
		v := &videos[i]
		if err := s.Enrich(ctx, v); err != nil {
			return enriched, failed, err
		}
		if err := s.media.UpdateVideoEnrichment(ctx, v); err != nil {
			return enriched, failed, err
		}
		if v.EnrichmentError != "" {
			failed++
		} else {
			enriched++
		}
		s.log.Debug().
			Str("url", v.URL).
			Str("platform", v.Platform).
			Bool("ok", v.EnrichmentError == "").
			Msg("video enriched")
	}
	return enriched, failed, nil
}
