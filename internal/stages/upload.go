package stages

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/krai-tech/krai-engine/internal/observability"
	"github.com/krai-tech/krai-engine/internal/objstore"
	"github.com/krai-tech/krai-engine/internal/pdf"
	"github.com/krai-tech/krai-engine/internal/pipeline"
)

// UploadProcessor validates the source file, persists it to the object
// store and completes the document row. Deduplication against previously
// uploaded files happens before the stage runs, when the row is created;
// by the time this processor executes the document row exists.
type UploadProcessor struct {
	base
	documents DocumentStore
	objects   ObjectStore
	log       *observability.Logger
}

// NewUpload creates the upload stage processor.
func NewUpload(documents DocumentStore, objects ObjectStore, log *observability.Logger) *UploadProcessor {
	return &UploadProcessor{
		base:      base{stage: pipeline.StageUpload, inputs: []pipeline.Input{pipeline.InputFilePath}},
		documents: documents,
		objects:   objects,
		log:       log.WithComponent("upload_stage"),
	}
}

// Process opens the PDF to validate it, records the page count, and stores
// the source bytes under their content hash.
func (p *UploadProcessor) Process(ctx context.Context, pc *pipeline.ProcessingContext) (*pipeline.ProcessingResult, error) {
	row, err := p.documents.GetByID(ctx, pc.DocumentID)
	if err != nil {
		return nil, pipeline.Permanent(p.Stage(), "load_document", err)
	}

	doc, err := pdf.Open(pc.FilePath)
	if err != nil {
		return nil, pipeline.Permanent(p.Stage(), "open_pdf", fmt.Errorf("file is not a readable PDF: %w", err))
	}
	defer doc.Close()
	pageCount := doc.PageCount()
	if pageCount == 0 {
		return nil, pipeline.Permanent(p.Stage(), "open_pdf", fmt.Errorf("%s has no pages", pc.FilePath))
	}

	uploaded, err := p.objects.UploadFile(ctx, p.objects.Buckets().Documents, pc.FilePath, "application/pdf")
	if err != nil {
		if objstore.IsServerError(err) {
			return nil, pipeline.Transient(p.Stage(), "store_source", err)
		}
		return nil, pipeline.Permanent(p.Stage(), "store_source", err)
	}

	row.PageCount = pageCount
	row.FileSize = uploaded.Size
	row.StoragePath = uploaded.StoragePath
	if row.FileHash == "" {
		row.FileHash = uploaded.FileHash
	}
	if err := p.documents.Update(ctx, row); err != nil {
		return nil, pipeline.Transient(p.Stage(), "update_document", err)
	}
	pc.FileHash = row.FileHash
	pc.FileSize = row.FileSize

	p.log.WithDocument(pc.DocumentID.String()).Info().
		Str("file", row.Filename).
		Int("pages", pageCount).
		Int64("bytes", uploaded.Size).
		Bool("existed", uploaded.Existed).
		Msg("Document uploaded")

	return &pipeline.ProcessingResult{
		Data: map[string]interface{}{
			"document_id":  pc.DocumentID.String(),
			"file_hash":    row.FileHash,
			"page_count":   pageCount,
			"storage_path": uploaded.StoragePath,
			"size_bytes":   uploaded.Size,
		},
	}, nil
}

// CleanupOldData is a no-op: source objects are content-addressed and may
// be shared with other documents, so a changed re-upload never removes the
// old bytes.
func (p *UploadProcessor) CleanupOldData(ctx context.Context, documentID uuid.UUID) error {
	return nil
}
