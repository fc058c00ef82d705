package pdf

import (
	"context"
	"fmt"
	"html"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/krai-tech/krai-engine/internal/observability"
)

// Engine selects the text extraction backend.
const (
	// EngineNative reads the text layer directly.
	EngineNative = "native"
	// EngineLayout goes through the structured HTML rendering, which keeps
	// block ordering closer to the visual layout of dense manuals.
	EngineLayout = "layout"
)

// ExtractResult is the stable output shape of text extraction.
type ExtractResult struct {
	PageTexts map[int]string `json:"page_texts"`
	Metadata  Metadata       `json:"metadata"`
	// OCRPages lists zero-based pages whose text came from OCR fallback.
	OCRPages []int `json:"ocr_pages,omitempty"`
}

// OCRRunner recognizes text on a rendered page image. Implementations may
// be unavailable at runtime; Available gates per-page fallback.
type OCRRunner interface {
	Available() bool
	Recognize(ctx context.Context, pngPath string) (string, error)
}

// TextExtractor pulls per-page text with engine selection and optional OCR
// fallback for pages with no text layer.
type TextExtractor struct {
	engine      string
	ocrFallback bool
	ocr         OCRRunner
	log         *observability.Logger
}

// NewTextExtractor builds an extractor. ocr may be nil when fallback is off.
func NewTextExtractor(engine string, ocrFallback bool, ocr OCRRunner, log *observability.Logger) *TextExtractor {
	if engine != EngineLayout {
		engine = EngineNative
	}
	return &TextExtractor{
		engine:      engine,
		ocrFallback: ocrFallback,
		ocr:         ocr,
		log:         log.WithComponent("text_extractor"),
	}
}

// Extract walks every page and returns the page-text map plus metadata.
// OCR runs only for pages that yielded empty text, never for pages with an
// extractable text layer.
func (e *TextExtractor) Extract(ctx context.Context, doc *Document) (*ExtractResult, error) {
	result := &ExtractResult{
		PageTexts: make(map[int]string),
		Metadata:  doc.Metadata(),
	}

	pageCount := doc.PageCount()
	if pageCount == 0 {
		return nil, fmt.Errorf("pdf has no pages")
	}

	for page := 0; page < pageCount; page++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		text, err := e.extractPage(doc, page)
		if err != nil {
			return nil, err
		}

		if strings.TrimSpace(text) == "" && e.ocrFallback && e.ocr != nil && e.ocr.Available() {
			ocrText, ocrErr := e.ocrPage(ctx, doc, page)
			if ocrErr != nil {
				e.log.Warn().Int("page", page).Err(ocrErr).Msg("OCR fallback failed")
			} else {
				text = ocrText
				result.OCRPages = append(result.OCRPages, page)
			}
		}
		result.PageTexts[page] = text
	}
	return result, nil
}

func (e *TextExtractor) extractPage(doc *Document, page int) (string, error) {
	if e.engine == EngineLayout {
		html, err := doc.PageHTML(page)
		if err != nil {
			return "", err
		}
		return htmlToText(html), nil
	}
	return doc.PageText(page)
}

func (e *TextExtractor) ocrPage(ctx context.Context, doc *Document, page int) (string, error) {
	png, err := doc.PagePNG(page, 300)
	if err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp("", "krai-ocr-*.png")
	if err != nil {
		return "", fmt.Errorf("create ocr temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(png); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write ocr temp file: %w", err)
	}
	tmp.Close()

	return e.ocr.Recognize(ctx, tmp.Name())
}

var (
	blockTagRe = regexp.MustCompile(`(?i)</(p|div|h[1-6]|tr|li|br)>|<br\s*/?>`)
	anyTagRe   = regexp.MustCompile(`<[^>]*>`)
	multiNLRe  = regexp.MustCompile(`\n{3,}`)
)

// htmlToText flattens the structured HTML rendering into layout-ordered
// plain text.
func htmlToText(src string) string {
	text := blockTagRe.ReplaceAllString(src, "\n")
	text = anyTagRe.ReplaceAllString(text, "")
	text = html.UnescapeString(text)
	text = multiNLRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// TesseractOCR shells out to the tesseract binary when it is installed.
type TesseractOCR struct {
	binary string
	lang   string
}

// NewTesseractOCR locates the tesseract binary. Recognition stays disabled
// when it is not installed.
func NewTesseractOCR(lang string) *TesseractOCR {
	if lang == "" {
		lang = "eng"
	}
	path, err := exec.LookPath("tesseract")
	if err != nil {
		path = ""
	}
	return &TesseractOCR{binary: path, lang: lang}
}

// Available reports whether the binary was found.
func (t *TesseractOCR) Available() bool {
	return t.binary != ""
}

// Recognize runs tesseract over one page image and returns its text.
func (t *TesseractOCR) Recognize(ctx context.Context, pngPath string) (string, error) {
	if t.binary == "" {
		return "", fmt.Errorf("tesseract not installed")
	}

	outBase := strings.TrimSuffix(pngPath, filepath.Ext(pngPath))
	cmd := exec.CommandContext(ctx, t.binary, pngPath, outBase, "-l", t.lang)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("tesseract: %w: %s", err, strings.TrimSpace(string(out)))
	}

	textPath := outBase + ".txt"
	defer os.Remove(textPath)
	data, err := os.ReadFile(textPath)
	if err != nil {
		return "", fmt.Errorf("read tesseract output: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
