package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krai-tech/krai-engine/internal/config"
	"github.com/krai-tech/krai-engine/internal/observability"
)

func TestClientEmbedBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embed", r.URL.Path)
		var req EmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := EmbedResponse{Model: req.Model}
		for range req.Input {
			resp.Embeddings = append(resp.Embeddings, make([]float32, 768))
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewClient(config.OllamaConfig{URL: srv.URL},
		config.EmbeddingConfig{RequestTimeout: 5 * time.Second},
		observability.DefaultLogger())

	vecs, err := c.EmbedBatch(context.Background(), []string{"fuser unit", "paper jam"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Len(t, vecs[0], 768)
	assert.Equal(t, 768, c.Dimension())
}

func TestClientDimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(EmbedResponse{Embeddings: [][]float32{make([]float32, 4)}})
	}))
	defer srv.Close()

	c := NewClient(config.OllamaConfig{URL: srv.URL}, config.EmbeddingConfig{}, observability.DefaultLogger())
	_, err := c.EmbedBatch(context.Background(), []string{"short"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension")
}

func TestClientResourceLimitStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(config.OllamaConfig{URL: srv.URL}, config.EmbeddingConfig{}, observability.DefaultLogger())
	_, err := c.EmbedBatch(context.Background(), []string{"text"})
	require.Error(t, err)
	assert.True(t, IsResourceLimit(err))
}

func TestIsResourceLimit(t *testing.T) {
	assert.True(t, IsResourceLimit(&ResourceLimitError{StatusCode: 429}))
	assert.True(t, IsResourceLimit(context.DeadlineExceeded))
	assert.True(t, IsResourceLimit(fmt.Errorf("request timeout exceeded")))
	assert.False(t, IsResourceLimit(fmt.Errorf("invalid model name")))
	assert.False(t, IsResourceLimit(nil))
}

// limitedEmbedder fails with a resource limit whenever the batch exceeds
// its capacity.
type limitedEmbedder struct {
	inner    *MockEmbedder
	capacity int
	batches  []int
}

func (l *limitedEmbedder) Dimension() int { return l.inner.Dimension() }

func (l *limitedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return l.inner.Embed(ctx, text)
}

func (l *limitedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	l.batches = append(l.batches, len(texts))
	if len(texts) > l.capacity {
		return nil, &ResourceLimitError{StatusCode: 429, Message: "resource limit"}
	}
	return l.inner.EmbedBatch(ctx, texts)
}

func texts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("chunk %d", i)
	}
	return out
}

func TestAdaptiveBatcherShrinksUnderPressure(t *testing.T) {
	limited := &limitedEmbedder{inner: NewMockEmbedder(), capacity: 30}
	b := NewAdaptiveBatcher(limited, config.EmbeddingConfig{
		BatchSize:    100,
		MinBatchSize: 10,
		MaxBatchSize: 200,
		GrowStreak:   100, // keep the size stable once it settles
	}, observability.DefaultLogger())

	var got int
	err := b.EmbedAll(context.Background(), texts(60), func(res BatchResult) error {
		got += len(res.Vectors)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 60, got)

	// 60 and 50 are refused, then 25 fits and the remaining 10 follow.
	assert.Equal(t, []int{60, 50, 25, 25, 10}, limited.batches)
	assert.Equal(t, 25, b.BatchSize())
}

func TestAdaptiveBatcherGrowsOnCleanStreak(t *testing.T) {
	mock := NewMockEmbedder()
	b := NewAdaptiveBatcher(mock, config.EmbeddingConfig{
		BatchSize:    10,
		MinBatchSize: 5,
		MaxBatchSize: 40,
		GrowStreak:   2,
	}, observability.DefaultLogger())

	err := b.EmbedAll(context.Background(), texts(60), func(res BatchResult) error { return nil })
	require.NoError(t, err)

	// Two clean batches of 10 double the size to 20; two clean batches of
	// 20 double it to 40.
	assert.Equal(t, 40, b.BatchSize())
}

func TestAdaptiveBatcherFailsAtMinimum(t *testing.T) {
	limited := &limitedEmbedder{inner: NewMockEmbedder(), capacity: 1}
	b := NewAdaptiveBatcher(limited, config.EmbeddingConfig{
		BatchSize:    8,
		MinBatchSize: 4,
		MaxBatchSize: 16,
	}, observability.DefaultLogger())

	err := b.EmbedAll(context.Background(), texts(8), func(res BatchResult) error { return nil })
	require.Error(t, err)
	assert.True(t, IsResourceLimit(err))
}

func TestAdaptiveBatcherOffsets(t *testing.T) {
	mock := NewMockEmbedder()
	b := NewAdaptiveBatcher(mock, config.EmbeddingConfig{
		BatchSize:    25,
		MinBatchSize: 5,
		MaxBatchSize: 25,
	}, observability.DefaultLogger())

	var offsets []int
	err := b.EmbedAll(context.Background(), texts(60), func(res BatchResult) error {
		offsets = append(offsets, res.Start)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 25, 50}, offsets)
}

func TestMockEmbedderDeterminism(t *testing.T) {
	mock := NewMockEmbedder()
	a1, err := mock.Embed(context.Background(), "fuser unit")
	require.NoError(t, err)
	a2, err := mock.Embed(context.Background(), "fuser unit")
	require.NoError(t, err)
	other, err := mock.Embed(context.Background(), "paper tray")
	require.NoError(t, err)

	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, other)
	assert.Len(t, a1, 768)

	var norm float64
	for _, v := range a1 {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-3)
}
