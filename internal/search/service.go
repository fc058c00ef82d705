// Package search answers queries against the unified embedding space. A
// single vector RPC covers every modality, results are enriched from the
// document store, and a two-stage text-then-image flow backs "show me the
// diagram for ..." questions.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/krai-tech/krai-engine/internal/cache"
	"github.com/krai-tech/krai-engine/internal/config"
	"github.com/krai-tech/krai-engine/internal/embedding"
	"github.com/krai-tech/krai-engine/internal/observability"
	"github.com/krai-tech/krai-engine/internal/storage"
)

const (
	// modalityOverscan widens the vector RPC limit when a modality filter
	// is active, since match_multimodal cannot filter server-side.
	modalityOverscan = 4

	// answerExcerptRunes caps how much of the stage-one answer feeds the
	// expanded image query.
	answerExcerptRunes = 200
)

// ErrEmptyQuery rejects blank search input.
var ErrEmptyQuery = errors.New("search: empty query")

// ErrUnknownModality rejects a modality filter outside the embedding space.
var ErrUnknownModality = errors.New("search: unknown modality")

var validModalities = map[string]bool{
	string(storage.SourceTypeText):    true,
	string(storage.SourceTypeImage):   true,
	string(storage.SourceTypeTable):   true,
	string(storage.SourceTypeContext): true,
}

// Matcher runs similarity queries. *storage.EmbeddingsRepo satisfies it.
type Matcher interface {
	MatchMultimodal(ctx context.Context, query pgvector.Vector, threshold float64, limit int) ([]storage.SearchMatch, error)
	MatchImagesByContext(ctx context.Context, query pgvector.Vector, threshold float64, limit int) ([]storage.SearchMatch, error)
}

// DocumentResolver loads document rows for result enrichment.
type DocumentResolver interface {
	GetByID(ctx context.Context, id uuid.UUID) (*storage.Document, error)
}

// ImageResolver loads the image rows behind context matches.
type ImageResolver interface {
	GetImagesByIDs(ctx context.Context, ids []uuid.UUID) ([]storage.Image, error)
}

// Generator produces the stage-one answer for two-stage retrieval.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Request is one search call. Zero Threshold and Limit fall back to the
// configured defaults; empty Modalities means every modality.
type Request struct {
	Query      string   `json:"query"`
	Modalities []string `json:"modalities,omitempty"`
	Threshold  float64  `json:"threshold,omitempty"`
	Limit      int      `json:"limit,omitempty"`
}

// DocumentInfo is the document metadata attached to each result.
type DocumentInfo struct {
	Filename     string `json:"filename"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	Series       string `json:"series,omitempty"`
	DocumentType string `json:"document_type,omitempty"`
	Version      string `json:"version,omitempty"`
}

// Result is one enriched match.
type Result struct {
	SourceID   uuid.UUID     `json:"source_id"`
	SourceType string        `json:"source_type"`
	DocumentID uuid.UUID     `json:"document_id"`
	Content    string        `json:"content"`
	Similarity float64       `json:"similarity"`
	Document   *DocumentInfo `json:"document,omitempty"`
}

// Response is the unified search answer.
type Response struct {
	Query             string              `json:"query"`
	Results           []Result            `json:"results"`
	ResultsByModality map[string][]Result `json:"results_by_modality"`
	TotalCount        int                 `json:"total_count"`
	ProcessingTimeMS  int64               `json:"processing_time_ms"`
	Cached            bool                `json:"cached,omitempty"`
}

// ImageResult resolves a context match back to its stored image.
type ImageResult struct {
	ImageID    uuid.UUID `json:"image_id"`
	DocumentID uuid.UUID `json:"document_id"`
	StorageURL string    `json:"storage_url"`
	Filename   string    `json:"filename"`
	PageNumber int       `json:"page_number"`
	Caption    string    `json:"caption,omitempty"`
	Similarity float64   `json:"similarity"`
}

// Timing breaks a two-stage answer into its phases.
type Timing struct {
	Stage1MS int64 `json:"stage1_ms"`
	Stage2MS int64 `json:"stage2_ms"`
	TotalMS  int64 `json:"total_ms"`
}

// TwoStageResponse is the answer-plus-images result for image-heavy
// questions.
type TwoStageResponse struct {
	Answer        string        `json:"answer"`
	Images        []ImageResult `json:"images"`
	TextSources   []Result      `json:"text_sources"`
	ExpandedQuery string        `json:"expanded_query"`
	Timing        Timing        `json:"timing"`
}

// Service is the multimodal search service.
type Service struct {
	matcher   Matcher
	documents DocumentResolver
	media     ImageResolver
	embedder  embedding.Embedder
	generator Generator
	cache     cache.Client
	cfg       config.SearchConfig
	log       *observability.Logger
}

// NewService wires the search service. cache and generator may be nil:
// without a cache every call hits the database, without a generator
// two-stage retrieval skips the answer and expands with the raw query.
func NewService(matcher Matcher, documents DocumentResolver, media ImageResolver, embedder embedding.Embedder, generator Generator, c cache.Client, cfg config.SearchConfig, log *observability.Logger) *Service {
	return &Service{
		matcher:   matcher,
		documents: documents,
		media:     media,
		embedder:  embedder,
		generator: generator,
		cache:     c,
		cfg:       cfg,
		log:       log.WithComponent("search"),
	}
}

// Unified searches every requested modality with one vector RPC and returns
// enriched, modality-grouped results.
func (s *Service) Unified(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	modalities, err := normalizeModalities(req.Modalities)
	if err != nil {
		return nil, err
	}
	threshold, limit := s.bounds(req)

	key := cache.SearchKey(query, modalities, threshold, limit)
	if s.cacheEnabled() {
		if resp, ok := s.cachedResponse(ctx, key); ok {
			resp.Cached = true
			resp.ProcessingTimeMS = time.Since(start).Milliseconds()
			return resp, nil
		}
	}

	matches, err := s.match(ctx, query, modalities, threshold, limit)
	if err != nil {
		return nil, err
	}
	results := s.enrich(ctx, matches)

	byModality := make(map[string][]Result)
	for _, r := range results {
		byModality[r.SourceType] = append(byModality[r.SourceType], r)
	}

	resp := &Response{
		Query:             query,
		Results:           results,
		ResultsByModality: byModality,
		TotalCount:        len(results),
		ProcessingTimeMS:  time.Since(start).Milliseconds(),
	}

	if s.cacheEnabled() {
		s.storeResponse(ctx, key, resp)
	}

	s.log.Debug().
		Str("query", query).
		Int("results", resp.TotalCount).
		Int64("elapsed_ms", resp.ProcessingTimeMS).
		Msg("unified search")
	return resp, nil
}

// ImagesByContext finds stored images whose surrounding-text embedding is
// close to the query. Matches that no longer resolve to an image row are
// dropped.
func (s *Service) ImagesByContext(ctx context.Context, query string, threshold float64, limit int) ([]ImageResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if threshold <= 0 {
		threshold = s.cfg.Threshold
	}
	if limit <= 0 {
		limit = s.cfg.Limit
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	matches, err := s.matcher.MatchImagesByContext(ctx, pgvector.NewVector(vec), threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("image context search: %w", err)
	}
	if len(matches) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.SourceID)
	}
	images, err := s.media.GetImagesByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve images: %w", err)
	}
	byID := make(map[uuid.UUID]storage.Image, len(images))
	for _, img := range images {
		byID[img.ID] = img
	}

	results := make([]ImageResult, 0, len(matches))
	for _, m := range matches {
		img, ok := byID[m.SourceID]
		if !ok {
			continue
		}
		caption := img.ContextCaption
		if caption == "" {
			caption = m.Content
		}
		results = append(results, ImageResult{
			ImageID:    img.ID,
			DocumentID: img.DocumentID,
			StorageURL: img.StorageURL,
			Filename:   img.Filename,
			PageNumber: img.PageNumber,
			Caption:    caption,
			Similarity: m.Similarity,
		})
	}
	return results, nil
}

// TwoStage answers an image-heavy question in two passes: a text-only search
// feeds the model a short context to answer from, then the answer expands
// the query for image-by-context search. Underspecified queries like "show
// me the fuser diagram" recall far better through the expansion.
func (s *Service) TwoStage(ctx context.Context, req Request) (*TwoStageResponse, error) {
	start := time.Now()

	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	threshold, limit := s.bounds(req)

	stage1 := time.Now()
	textOnly := []string{string(storage.SourceTypeText)}
	matches, err := s.match(ctx, query, textOnly, threshold, limit)
	if err != nil {
		return nil, err
	}
	sources := s.enrich(ctx, matches)
	answer := s.generateAnswer(ctx, query, sources)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stage1MS := time.Since(stage1).Milliseconds()

	expanded := query
	if a := excerpt(answer, answerExcerptRunes); a != "" {
		expanded = query + " " + a
	}

	stage2 := time.Now()
	images, err := s.ImagesByContext(ctx, expanded, threshold, limit)
	if err != nil {
		return nil, err
	}
	stage2MS := time.Since(stage2).Milliseconds()

	s.log.Debug().
		Str("query", query).
		Int("text_sources", len(sources)).
		Int("images", len(images)).
		Int64("stage1_ms", stage1MS).
		Int64("stage2_ms", stage2MS).
		Msg("two-stage search")

	return &TwoStageResponse{
		Answer:        answer,
		Images:        images,
		TextSources:   sources,
		ExpandedQuery: expanded,
		Timing: Timing{
			Stage1MS: stage1MS,
			Stage2MS: stage2MS,
			TotalMS:  time.Since(start).Milliseconds(),
		},
	}, nil
}

// InvalidateDocument drops cached search responses after a document's index
// state changes. The whole search namespace goes: responses do not record
// which documents they touched.
func (s *Service) InvalidateDocument(ctx context.Context, documentID uuid.UUID) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.DeleteByPrefix(ctx, "search:")
}

// match embeds the query, runs the multimodal RPC and applies the modality
// filter. The RPC limit is widened when filtering, then the result is
// truncated back, so a filtered search still fills its limit.
func (s *Service) match(ctx context.Context, query string, modalities []string, threshold float64, limit int) ([]storage.SearchMatch, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	rpcLimit := limit
	if len(modalities) > 0 {
		rpcLimit = limit * modalityOverscan
	}
	matches, err := s.matcher.MatchMultimodal(ctx, pgvector.NewVector(vec), threshold, rpcLimit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	matches = filterModalities(matches, modalities)
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// enrich attaches document metadata to matches. Lookups are memoized per
// call; a failed lookup leaves the metadata empty rather than failing the
// search.
func (s *Service) enrich(ctx context.Context, matches []storage.SearchMatch) []Result {
	results := make([]Result, 0, len(matches))
	docs := make(map[uuid.UUID]*DocumentInfo)

	for _, m := range matches {
		r := Result{
			SourceID:   m.SourceID,
			SourceType: m.SourceType,
			DocumentID: m.DocumentID,
			Content:    m.Content,
			Similarity: m.Similarity,
		}
		info, seen := docs[m.DocumentID]
		if !seen {
			doc, err := s.documents.GetByID(ctx, m.DocumentID)
			if err != nil {
				s.log.Debug().Err(err).Str("document_id", m.DocumentID.String()).Msg("enrich lookup failed")
			} else {
				info = &DocumentInfo{
					Filename:     doc.Filename,
					Manufacturer: doc.Manufacturer,
					Model:        doc.Model,
					Series:       doc.Series,
					DocumentType: doc.DocumentType,
					Version:      doc.Version,
				}
			}
			docs[m.DocumentID] = info
		}
		r.Document = info
		results = append(results, r)
	}
	return results
}

const answerPrompt = `You are a technician assistant for printer and copier service manuals. Answer the question using only the excerpts below. Keep the answer short and concrete. If the excerpts do not answer the question, say so.

Question: %s

Excerpts:
%s

Answer:`

// generateAnswer asks the model for a short answer over the top text
// sources. A model failure degrades to an empty answer so the image stage
// still runs; cancellation is left for the caller to observe.
func (s *Service) generateAnswer(ctx context.Context, query string, sources []Result) string {
	if s.generator == nil || len(sources) == 0 {
		return ""
	}

	var b strings.Builder
	for i, src := range sources {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, strings.TrimSpace(src.Content))
	}
	answer, err := s.generator.Generate(ctx, fmt.Sprintf(answerPrompt, query, b.String()))
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn().Err(err).Msg("answer generation failed, expanding with raw query")
		}
		return ""
	}
	return strings.TrimSpace(answer)
}

func (s *Service) bounds(req Request) (threshold float64, limit int) {
	threshold = req.Threshold
	if threshold <= 0 {
		threshold = s.cfg.Threshold
	}
	limit = req.Limit
	if limit <= 0 {
		limit = s.cfg.Limit
	}
	return threshold, limit
}

func (s *Service) cacheEnabled() bool {
	return s.cache != nil && s.cfg.CacheResults
}

func (s *Service) cachedResponse(ctx context.Context, key string) (*Response, bool) {
	payload, err := s.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.log.Debug().Err(err).Msg("search cache get")
		}
		return nil, false
	}
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

func (s *Service) storeResponse(ctx context.Context, key string, resp *Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, payload, s.cfg.CacheTTL); err != nil {
		s.log.Debug().Err(err).Msg("search cache set")
	}
}

// normalizeModalities lowercases, trims and dedupes the filter, keeping
// request order. An empty filter means every modality.
func normalizeModalities(modalities []string) ([]string, error) {
	if len(modalities) == 0 {
		return nil, nil
	}
	seen := make(map[string]bool, len(modalities))
	out := make([]string, 0, len(modalities))
	for _, m := range modalities {
		m = strings.ToLower(strings.TrimSpace(m))
		if m == "" || seen[m] {
			continue
		}
		if !validModalities[m] {
			return nil, fmt.Errorf("%w: %q", ErrUnknownModality, m)
		}
		seen[m] = true
		out = append(out, m)
	}
	return out, nil
}

func filterModalities(matches []storage.SearchMatch, modalities []string) []storage.SearchMatch {
	if len(modalities) == 0 {
		return matches
	}
	keep := make(map[string]bool, len(modalities))
	for _, m := range modalities {
		keep[m] = true
	}
	out := matches[:0]
	for _, m := range matches {
		if keep[m.SourceType] {
			out = append(out, m)
		}
	}
	return out
}

// excerpt returns at most n runes of s, trimmed.
func excerpt(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n]))
}
