package pdf

import (
	"regexp"
	"strings"

	"github.com/krai-tech/krai-engine/internal/observability"
)

// Table is one detected table with both the raw cell matrix and a markdown
// rendering for chunking and embedding.
type Table struct {
	PageNumber int        // zero-based
	Rows       int
	Cols       int
	Cells      [][]string
	Markdown   string
	Bbox       *Bbox
}

// TableExtractor detects tabular regions in the text layer: runs of
// consecutive lines whose cells align on multi-space or tab gaps.
type TableExtractor struct {
	minRows int
	minCols int
	log     *observability.Logger
}

// NewTableExtractor builds a detector. Regions smaller than minRows x
// minCols are ignored.
func NewTableExtractor(minRows, minCols int, log *observability.Logger) *TableExtractor {
	if minRows < 2 {
		minRows = 2
	}
	if minCols < 2 {
		minCols = 2
	}
	return &TableExtractor{minRows: minRows, minCols: minCols, log: log.WithComponent("table_extractor")}
}

var cellGapRe = regexp.MustCompile(`\t+| {2,}`)

// ExtractPage detects the tables on one page.
func (e *TableExtractor) ExtractPage(doc *Document, page int) ([]Table, error) {
	text, err := doc.PageText(page)
	if err != nil {
		return nil, err
	}
	return e.ExtractText(text, page), nil
}

// ExtractText runs detection over already-extracted page text.
func (e *TableExtractor) ExtractText(text string, page int) []Table {
	lines := strings.Split(text, "\n")

	var tables []Table
	var block [][]string
	flush := func() {
		if t, ok := e.buildTable(block, page); ok {
			tables = append(tables, t)
		}
		block = nil
	}

	for _, line := range lines {
		cells := splitCells(line)
		if len(cells) >= e.minCols {
			block = append(block, cells)
			continue
		}
		flush()
	}
	flush()
	return tables
}

func splitCells(line string) []string {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}
	parts := cellGapRe.Split(trimmed, -1)
	cells := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			cells = append(cells, p)
		}
	}
	return cells
}

// buildTable normalizes a block of aligned lines into a table. Blocks whose
// rows disagree wildly on column count are rejected as prose.
func (e *TableExtractor) buildTable(block [][]string, page int) (Table, bool) {
	if len(block) < e.minRows {
		return Table{}, false
	}

	counts := make(map[int]int)
	maxCols := 0
	for _, row := range block {
		counts[len(row)]++
		if len(row) > maxCols {
			maxCols = len(row)
		}
	}
	dominant, dominantCount := 0, 0
	for cols, n := range counts {
		if n > dominantCount {
			dominant, dominantCount = cols, n
		}
	}
	if dominant < e.minCols || dominantCount*3 < len(block)*2 {
		return Table{}, false
	}

	cells := make([][]string, 0, len(block))
	for _, row := range block {
		padded := make([]string, maxCols)
		copy(padded, row)
		cells = append(cells, padded)
	}

	return Table{
		PageNumber: page,
		Rows:       len(cells),
		Cols:       maxCols,
		Cells:      cells,
		Markdown:   renderMarkdown(cells),
	}, true
}

// renderMarkdown renders the matrix as a pipe table, first row as header.
func renderMarkdown(cells [][]string) string {
	if len(cells) == 0 {
		return ""
	}
	var sb strings.Builder
	writeRow := func(row []string) {
		sb.WriteString("|")
		for _, cell := range row {
			sb.WriteString(" ")
			sb.WriteString(strings.ReplaceAll(cell, "|", `\|`))
			sb.WriteString(" |")
		}
		sb.WriteString("\n")
	}

	writeRow(cells[0])
	sb.WriteString("|")
	for range cells[0] {
		sb.WriteString(" --- |")
	}
	sb.WriteString("\n")
	for _, row := range cells[1:] {
		writeRow(row)
	}
	return strings.TrimRight(sb.String(), "\n")
}
