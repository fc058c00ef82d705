// Package chunker turns extracted page text into ordered, fingerprinted
// chunks with section hierarchy, error-code tagging, and neighbor links.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/krai-tech/krai-engine/internal/storage"
)

// Config holds chunker configuration.
type Config struct {
	ChunkSize               int
	Overlap                 int
	Hierarchical            bool
	DetectErrorCodeSections bool
	LinkChunks              bool
}

// Chunker splits documents along section boundaries and packs sentences up
// to the configured size.
type Chunker struct {
	cfg Config
}

// New creates a chunker, applying defaults for unset limits.
func New(cfg Config) *Chunker {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1000
	}
	if cfg.Overlap < 0 {
		cfg.Overlap = 0
	}
	if cfg.Overlap >= cfg.ChunkSize {
		cfg.Overlap = cfg.ChunkSize / 4
	}
	return &Chunker{cfg: cfg}
}

var (
	numberedHeaderRe = regexp.MustCompile(`^(\d+(?:\.\d+)*)[.)]?\s+(\S.*)$`)
	allCapsHeaderRe  = regexp.MustCompile(`^[A-Z][A-Z0-9][A-Z0-9 \-/&.,]{2,78}$`)
	outlineHeaderRe  = regexp.MustCompile(`^(?:[A-Z]|[IVXLC]{1,6})[.)]\s+\S.*$`)

	errorCodeLeadRes = []*regexp.Regexp{
		regexp.MustCompile(`\b(\d{2,3}\.\d{2}(?:\.\d{2})?)\b`),
		regexp.MustCompile(`\b(E\d{1,4})\b`),
		regexp.MustCompile(`\b(C-\d{4})\b`),
	}

	sentenceEndRe = regexp.MustCompile(`([.!?])\s+`)
	whitespaceRe  = regexp.MustCompile(`\s+`)
)

type section struct {
	header    string
	level     int
	hierarchy []string
	page      int
	sentences []sentence
}

type sentence struct {
	text string
	page int
}

// Chunk produces the dense-indexed chunk sequence for a document. Page
// numbers are zero-based; chunk IDs are assigned here so neighbor links can
// be filled before persistence.
func (c *Chunker) Chunk(documentID uuid.UUID, pageTexts map[int]string) []storage.Chunk {
	sections := c.sectionize(pageTexts)

	var chunks []storage.Chunk
	for _, sec := range sections {
		chunks = append(chunks, c.packSection(documentID, sec)...)
	}

	now := time.Now().UTC()
	for i := range chunks {
		chunks[i].ID = uuid.New()
		chunks[i].ChunkIndex = i
		chunks[i].CreatedAt = now
	}
	if c.cfg.LinkChunks {
		for i := range chunks {
			if i > 0 {
				prev := chunks[i-1].ID
				chunks[i].Metadata.PreviousChunkID = &prev
			}
			if i+1 < len(chunks) {
				next := chunks[i+1].ID
				chunks[i].Metadata.NextChunkID = &next
			}
		}
	}
	return chunks
}

// sectionize walks pages in order and groups sentences under detected
// headers. Text before the first header lands in a headerless section.
func (c *Chunker) sectionize(pageTexts map[int]string) []section {
	pages := make([]int, 0, len(pageTexts))
	for page := range pageTexts {
		pages = append(pages, page)
	}
	sort.Ints(pages)

	var sections []section
	current := section{level: 0}
	var stack []headerLevel

	flush := func() {
		if len(current.sentences) > 0 {
			sections = append(sections, current)
		}
	}

	for _, page := range pages {
		for _, rawLine := range strings.Split(pageTexts[page], "\n") {
			line := strings.TrimSpace(rawLine)
			if line == "" {
				continue
			}

			if header, level, ok := detectHeader(line); ok {
				flush()
				stack = trimStack(stack, level)
				stack = append(stack, headerLevel{text: header, level: level})
				current = section{
					header: header,
					level:  level,
					page:   page,
				}
				if c.cfg.Hierarchical {
					current.hierarchy = hierarchyPath(stack)
				}
				continue
			}

			for _, s := range splitSentences(line) {
				current.sentences = append(current.sentences, sentence{text: s, page: page})
			}
		}
	}
	flush()
	return sections
}

type headerLevel struct {
	text  string
	level int
}

func trimStack(stack []headerLevel, level int) []headerLevel {
	for len(stack) > 0 && stack[len(stack)-1].level >= level {
		stack = stack[:len(stack)-1]
	}
	return stack
}

func hierarchyPath(stack []headerLevel) []string {
	path := make([]string, len(stack))
	for i, h := range stack {
		path[i] = h.text
	}
	return path
}

// detectHeader classifies a line as a section header. Numbered outlines win
// over all-caps lines, letter outlines rank below both.
func detectHeader(line string) (text string, level int, ok bool) {
	if m := numberedHeaderRe.FindStringSubmatch(line); m != nil {
		// "7.3.2 Replacing the fuser" nests three deep.
		depth := strings.Count(m[1], ".") + 1
		// Long numbered lines are prose starting with a figure, not headers.
		if len(m[2]) <= 80 && !strings.HasSuffix(m[2], ".") {
			return line, depth, true
		}
	}
	if allCapsHeaderRe.MatchString(line) && len(strings.Fields(line)) <= 10 {
		return line, 1, true
	}
	if outlineHeaderRe.MatchString(line) && len(line) <= 80 {
		return line, 2, true
	}
	return "", 0, false
}

// splitSentences breaks a line into sentences, keeping terminators.
func splitSentences(line string) []string {
	marked := sentenceEndRe.ReplaceAllString(line, "$1\x00")
	parts := strings.Split(marked, "\x00")
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// packSection greedy-packs a section's sentences into chunks of at most
// ChunkSize characters, carrying Overlap characters into the next chunk.
// A single oversized sentence is hard-split rather than dropped.
func (c *Chunker) packSection(documentID uuid.UUID, sec section) []storage.Chunk {
	var chunks []storage.Chunk

	var sb strings.Builder
	pageStart, pageEnd := -1, -1

	emit := func() {
		text := strings.TrimSpace(sb.String())
		if text == "" {
			return
		}
		chunks = append(chunks, c.buildChunk(documentID, sec, text, pageStart, pageEnd))

		overlap := overlapTail(text, c.cfg.Overlap)
		sb.Reset()
		sb.WriteString(overlap)
		pageStart = pageEnd
	}

	for _, s := range sec.sentences {
		pieces := []string{s.text}
		if len(s.text) > c.cfg.ChunkSize {
			pieces = hardSplit(s.text, c.cfg.ChunkSize)
		}
		for _, piece := range pieces {
			if sb.Len() > 0 && sb.Len()+len(piece)+1 > c.cfg.ChunkSize {
				emit()
			}
			if sb.Len() > 0 {
				sb.WriteString(" ")
			}
			sb.WriteString(piece)
			if pageStart == -1 || sb.Len() == len(piece) {
				pageStart = s.page
			}
			pageEnd = s.page
		}
	}
	emit()
	return chunks
}

func (c *Chunker) buildChunk(documentID uuid.UUID, sec section, text string, pageStart, pageEnd int) storage.Chunk {
	chunk := storage.Chunk{
		DocumentID:  documentID,
		Text:        text,
		Fingerprint: Fingerprint(text),
		PageStart:   pageStart,
		PageEnd:     pageEnd,
		ChunkType:   storage.ChunkTypeText,
		Metadata: storage.ChunkMetadata{
			HeaderText: sec.header,
		},
	}
	if c.cfg.Hierarchical {
		chunk.Metadata.SectionHierarchy = sec.hierarchy
		chunk.Metadata.SectionLevel = sec.level
	}
	if c.cfg.DetectErrorCodeSections {
		if code, ok := leadingErrorCode(sec.header, text); ok {
			chunk.ChunkType = storage.ChunkTypeErrorCodeSection
			chunk.Metadata.ErrorCode = code
		}
	}
	return chunk
}

// leadingErrorCode inspects the section header and the chunk's opening text
// for a known error code shape.
func leadingErrorCode(header, text string) (string, bool) {
	lead := header
	if lead == "" {
		lead = text
	}
	if len(lead) > 80 {
		lead = lead[:80]
	}
	for _, re := range errorCodeLeadRes {
		if m := re.FindStringSubmatch(lead); m != nil {
			return m[1], true
		}
	}
	return "", false
}

// overlapTail returns the last maxLen characters, snapped to a word start.
func overlapTail(text string, maxLen int) string {
	if maxLen <= 0 || len(text) <= maxLen {
		if maxLen <= 0 {
			return ""
		}
		return text
	}
	tail := text[len(text)-maxLen:]
	if idx := strings.Index(tail, " "); idx > 0 {
		tail = tail[idx+1:]
	}
	return tail
}

// hardSplit cuts an oversized sentence into size-bounded pieces at word
// boundaries where possible.
func hardSplit(text string, size int) []string {
	var pieces []string
	for len(text) > size {
		cut := size
		if idx := strings.LastIndex(text[:size], " "); idx > size/2 {
			cut = idx
		}
		pieces = append(pieces, strings.TrimSpace(text[:cut]))
		text = strings.TrimSpace(text[cut:])
	}
	if text != "" {
		pieces = append(pieces, text)
	}
	return pieces
}

// Fingerprint hashes whitespace-normalized, lowercased text. Identical
// content always fingerprints identically regardless of layout noise.
func Fingerprint(text string) string {
	normalized := whitespaceRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(text)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// TableChunk wraps a table's markdown rendering as a chunk so tables flow
// through the same embedding path as prose.
func TableChunk(documentID uuid.UUID, table storage.StructuredTable) storage.Chunk {
	text := table.Markdown
	if table.ContextText != "" {
		text = fmt.Sprintf("%s\n\n%s", table.ContextText, table.Markdown)
	}
	return storage.Chunk{
		DocumentID:  documentID,
		Text:        text,
		Fingerprint: Fingerprint(text),
		PageStart:   table.PageNumber,
		PageEnd:     table.PageNumber,
		ChunkType:   storage.ChunkTypeTable,
	}
}
