package stages

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/krai-tech/krai-engine/internal/extract"
	"github.com/krai-tech/krai-engine/internal/observability"
	"github.com/krai-tech/krai-engine/internal/pdf"
	"github.com/krai-tech/krai-engine/internal/pipeline"
	"github.com/krai-tech/krai-engine/internal/storage"
)

// TableProcessor detects tabular regions page by page and persists them
// with both the raw cell matrix and a markdown rendering. The embedding
// stage later turns each table into a source_type=table vector.
type TableProcessor struct {
	base
	tables TableStore
	log    *observability.Logger
}

// NewTables creates the table extraction stage processor.
func NewTables(tables TableStore, log *observability.Logger) *TableProcessor {
	return &TableProcessor{
		base:   base{stage: pipeline.StageTableExtraction, inputs: []pipeline.Input{pipeline.InputFilePath}},
		tables: tables,
		log:    log.WithComponent("table_stage"),
	}
}

// Process walks the document's pages and stores every detected table.
func (p *TableProcessor) Process(ctx context.Context, pc *pipeline.ProcessingContext) (*pipeline.ProcessingResult, error) {
	if !pc.Config.EnableTables {
		return &pipeline.ProcessingResult{
			Data: map[string]interface{}{"skipped": "disabled"},
		}, nil
	}

	texts, err := ensurePageTexts(ctx, pc, p.log)
	if err != nil {
		return nil, err
	}

	extractor := pdf.NewTableExtractor(2, 2, p.log)
	svc := extract.NewService(pc.Config.EnableContext)

	stored := 0
	for _, page := range sortedPages(texts) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tables := extractor.ExtractText(texts[page], page)
		for _, t := range tables {
			row := storage.StructuredTable{
				DocumentID: pc.DocumentID,
				PageNumber: t.PageNumber,
				Markdown:   t.Markdown,
				Rows:       t.Rows,
				Cols:       t.Cols,
				CellData:   t.Cells,
			}
			if t.Bbox != nil {
				row.Bbox = storage.Bbox{X0: t.Bbox.X0, Y0: t.Bbox.Y0, X1: t.Bbox.X1, Y1: t.Bbox.Y1}
			}
			if len(t.Cells) > 0 {
				needle := strings.Join(t.Cells[0], " ")
				row.ContextText = svc.Context(extract.Anchor{PageText: texts[page], Needle: needle}).Caption
			}
			if err := p.tables.Create(ctx, &row); err != nil {
				return nil, pipeline.Transient(p.Stage(), "store_table", err)
			}
			stored++
		}
	}

	p.log.WithDocument(pc.DocumentID.String()).Info().
		Int("tables", stored).
		Msg("Tables extracted")

	return &pipeline.ProcessingResult{
		Data: map[string]interface{}{"tables": stored},
	}, nil
}

// CleanupOldData drops the document's structured tables so a changed
// source re-extracts from scratch.
func (p *TableProcessor) CleanupOldData(ctx context.Context, documentID uuid.UUID) error {
	return p.tables.DeleteByDocument(ctx, documentID)
}
