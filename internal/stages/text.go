package stages

import (
	"context"

	"github.com/google/uuid"

	"github.com/krai-tech/krai-engine/internal/observability"
	"github.com/krai-tech/krai-engine/internal/pdf"
	"github.com/krai-tech/krai-engine/internal/pipeline"
)

// TextProcessor runs per-page text extraction and attaches the result to
// the shared processing context so downstream stages do not re-open the
// file within the same run.
type TextProcessor struct {
	base
	documents DocumentStore
	log       *observability.Logger
}

// NewText creates the text extraction stage processor.
func NewText(documents DocumentStore, log *observability.Logger) *TextProcessor {
	return &TextProcessor{
		base:      base{stage: pipeline.StageTextExtraction, inputs: []pipeline.Input{pipeline.InputFilePath}},
		documents: documents,
		log:       log.WithComponent("text_stage"),
	}
}

// Process extracts page texts with the configured engine and optional OCR
// fallback, then refreshes the document's page count.
func (p *TextProcessor) Process(ctx context.Context, pc *pipeline.ProcessingContext) (*pipeline.ProcessingResult, error) {
	doc, err := pdf.Open(pc.FilePath)
	if err != nil {
		return nil, pipeline.Permanent(p.Stage(), "open_pdf", err)
	}
	defer doc.Close()

	var ocr pdf.OCRRunner
	if pc.Config.OCRFallback {
		ocr = pdf.NewTesseractOCR("eng")
	}
	extractor := pdf.NewTextExtractor(pc.Config.Engine, pc.Config.OCRFallback, ocr, p.log)
	res, err := extractor.Extract(ctx, doc)
	if err != nil {
		return nil, err
	}
	pc.PageTexts = res.PageTexts

	nonEmpty := 0
	for _, text := range res.PageTexts {
		if text != "" {
			nonEmpty++
		}
	}

	row, err := p.documents.GetByID(ctx, pc.DocumentID)
	if err == nil && row.PageCount != doc.PageCount() {
		row.PageCount = doc.PageCount()
		if uerr := p.documents.Update(ctx, row); uerr != nil {
			return nil, pipeline.Transient(p.Stage(), "update_page_count", uerr)
		}
	}

	p.log.WithDocument(pc.DocumentID.String()).Info().
		Int("pages", len(res.PageTexts)).
		Int("pages_with_text", nonEmpty).
		Int("ocr_pages", len(res.OCRPages)).
		Msg("Text extracted")

	return &pipeline.ProcessingResult{
		Data: map[string]interface{}{
			"pages":           len(res.PageTexts),
			"pages_with_text": nonEmpty,
			"ocr_pages":       len(res.OCRPages),
			"title":           res.Metadata.Title,
			"engine":          pc.Config.Engine,
		},
	}, nil
}

// CleanupOldData is a no-op: page texts live only on the processing
// context, nothing is persisted by this stage.
func (p *TextProcessor) CleanupOldData(ctx context.Context, documentID uuid.UUID) error {
	return nil
}
