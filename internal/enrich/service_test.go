package enrich

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krai-tech/krai-engine/internal/config"
	"github.com/krai-tech/krai-engine/internal/observability"
	"github.com/krai-tech/krai-engine/internal/storage"
)

func testService(t *testing.T) *Service {
	t.Helper()
	return NewService(config.EnrichmentConfig{VideoEnabled: true}, nil, observability.DefaultLogger())
}

func TestEnrichYouTube(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "https://youtu.be/dQw4w9WgXcQ", r.URL.Query().Get("url"))
		json.NewEncoder(w).Encode(oEmbedResponse{
			Title:        "Fuser Unit Replacement",
			AuthorName:   "Service Channel",
			ThumbnailURL: "https://i.ytimg.com/vi/dQw4w9WgXcQ/hqdefault.jpg",
		})
	}))
	defer srv.Close()

	s := testService(t)
	s.youtubeEndpoint = srv.URL

	v := &storage.Video{
		URL:      "https://youtu.be/dQw4w9WgXcQ",
		Platform: PlatformYouTube,
		VideoID:  "dQw4w9WgXcQ",
		Metadata: storage.VideoMetadata{NeedsEnrichment: true},
	}
	require.NoError(t, s.Enrich(context.Background(), v))

	assert.Equal(t, "Fuser Unit Replacement", v.Title)
	assert.Equal(t, "https://i.ytimg.com/vi/dQw4w9WgXcQ/hqdefault.jpg", v.ThumbnailURL)
	assert.Empty(t, v.EnrichmentError)
	assert.False(t, v.Metadata.NeedsEnrichment)
	require.NotNil(t, v.EnrichedAt)
}

func TestEnrichVimeoKeepsDuration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(oEmbedResponse{
			Title:       "Paper Path Overview",
			Description: "Walkthrough of the duplex paper path.",
			Duration:    184,
		})
	}))
	defer srv.Close()

	s := testService(t)
	s.vimeoEndpoint = srv.URL

	v := &storage.Video{URL: "https://vimeo.com/123456789", Platform: PlatformVimeo}
	require.NoError(t, s.Enrich(context.Background(), v))

	assert.Equal(t, 184, v.Duration)
	assert.Equal(t, "Walkthrough of the duplex paper path.", v.Description)
}

func TestEnrichRecordsLookupFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	s := testService(t)
	s.youtubeEndpoint = srv.URL

	v := &storage.Video{URL: "https://youtu.be/gone", Platform: PlatformYouTube}
	require.NoError(t, s.Enrich(context.Background(), v))

	assert.Contains(t, v.EnrichmentError, "404")
	assert.Empty(t, v.Title)
	assert.False(t, v.Metadata.NeedsEnrichment)
}

func TestEnrichBrightcoveFlagsCredentials(t *testing.T) {
	s := testService(t)
	v := &storage.Video{
		URL:      "https://players.brightcove.net/1234567890/abc_default/index.html?videoId=6301573784001",
		Platform: PlatformBrightcove,
	}
	require.NoError(t, s.Enrich(context.Background(), v))

	assert.True(t, v.Metadata.CredentialsMissing)
	assert.Contains(t, v.EnrichmentError, "credentials")
}

func TestEnrichURLRejectsUnknownPlatform(t *testing.T) {
	s := testService(t)
	_, err := s.EnrichURL(context.Background(), uuid.New(), "https://example.com/not-a-video")
	assert.ErrorIs(t, err, ErrNotVideo)
}

func TestEnabledFollowsConfig(t *testing.T) {
	s := NewService(config.EnrichmentConfig{VideoEnabled: false}, nil, observability.DefaultLogger())
	assert.False(t, s.Enabled())
}
