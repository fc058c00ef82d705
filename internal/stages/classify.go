package stages

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/krai-tech/krai-engine/internal/cache"
	"github.com/krai-tech/krai-engine/internal/llm"
	"github.com/krai-tech/krai-engine/internal/observability"
	"github.com/krai-tech/krai-engine/internal/pipeline"
)

// ClassifyProcessor determines document type, manufacturer and models from
// the leading pages. A model-server outage degrades to manufacturer AUTO
// instead of failing the stage; degraded results are never cached so the
// next run gets a fresh attempt.
type ClassifyProcessor struct {
	base
	documents    DocumentStore
	intelligence IntelligenceStore
	classifier   Classifier
	cache        cache.Client
	cacheTTL     time.Duration
	log          *observability.Logger
}

// NewClassify creates the classification stage processor.
func NewClassify(documents DocumentStore, intelligence IntelligenceStore, classifier Classifier, c cache.Client, cacheTTL time.Duration, log *observability.Logger) *ClassifyProcessor {
	return &ClassifyProcessor{
		base:         base{stage: pipeline.StageClassification, inputs: []pipeline.Input{pipeline.InputFilePath}},
		documents:    documents,
		intelligence: intelligence,
		classifier:   classifier,
		cache:        c,
		cacheTTL:     cacheTTL,
		log:          log.WithComponent("classify_stage"),
	}
}

// Process classifies the document and writes the result onto the document
// row, registering manufacturer and products in the intelligence graph.
func (p *ClassifyProcessor) Process(ctx context.Context, pc *pipeline.ProcessingContext) (*pipeline.ProcessingResult, error) {
	texts, err := ensurePageTexts(ctx, pc, p.log)
	if err != nil {
		return nil, err
	}
	leading := leadingPagesText(texts, pc.Config.ClassificationPages)

	log := p.log.WithDocument(pc.DocumentID.String())
	key := cache.ClassificationKey(pc.DocumentID.String(), pc.FileHash)

	var cls *llm.Classification
	cached, degraded := false, false
	if p.cache != nil {
		if raw, err := p.cache.Get(ctx, key); err == nil {
			var c llm.Classification
			if json.Unmarshal(raw, &c) == nil {
				cls = &c
				cached = true
			}
		} else if !errors.Is(err, cache.ErrCacheMiss) {
			log.Warn().Err(err).Msg("Classification cache read failed")
		}
	}

	if cls == nil {
		cls, err = p.classifier.ClassifyDocument(ctx, leading)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn().Err(err).Msg("Classification degraded, model unreachable")
			cls = llm.DegradedClassification()
			degraded = true
		}
		if p.cache != nil && !degraded {
			if raw, merr := json.Marshal(cls); merr == nil {
				if err := p.cache.Set(ctx, key, raw, p.cacheTTL); err != nil {
					log.Warn().Err(err).Msg("Classification cache write failed")
				}
			}
		}
	}

	model := ""
	if len(cls.Models) > 0 {
		model = cls.Models[0]
	}
	if err := p.documents.UpdateClassification(ctx, pc.DocumentID,
		cls.Manufacturer, model, cls.Series, cls.DocumentType, cls.Language, cls.Version); err != nil {
		return nil, pipeline.Transient(p.Stage(), "update_document", err)
	}
	pc.DocumentType = cls.DocumentType

	// Register in the shared graph; failures here are worth a log line but
	// not a stage failure since metadata extraction retries the same upserts.
	if !degraded && cls.Manufacturer != "" && cls.Manufacturer != "AUTO" {
		m, err := p.intelligence.GetOrCreateManufacturer(ctx, cls.Manufacturer)
		if err != nil {
			log.Warn().Str("manufacturer", cls.Manufacturer).Err(err).Msg("Manufacturer registration failed")
		} else {
			for _, mn := range cls.Models {
				if _, err := p.intelligence.GetOrCreateProduct(ctx, m.ID, mn, ""); err != nil {
					log.Warn().Str("model", mn).Err(err).Msg("Product registration failed")
				}
			}
		}
	}

	log.Info().
		Str("document_type", cls.DocumentType).
		Str("manufacturer", cls.Manufacturer).
		Float64("confidence", cls.Confidence).
		Bool("degraded", degraded).
		Bool("cached", cached).
		Msg("Document classified")

	return &pipeline.ProcessingResult{
		Data: map[string]interface{}{
			"document_type": cls.DocumentType,
			"manufacturer":  cls.Manufacturer,
			"confidence":    cls.Confidence,
			"language":      cls.Language,
			"degraded":      degraded,
			"cached":        cached,
		},
	}, nil
}

// CleanupOldData invalidates cached classifications for the document.
func (p *ClassifyProcessor) CleanupOldData(ctx context.Context, documentID uuid.UUID) error {
	if p.cache == nil {
		return nil
	}
	return p.cache.DeleteByPrefix(ctx, cache.CacheKey("classification", documentID.String()))
}
