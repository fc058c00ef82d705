// Package extract derives the textual context of media elements: the
// caption window around an element, its figure reference, the page header,
// and the error codes and product models mentioned nearby. It is pure and
// stateless; the image, link, video and table stages all call into it.
package extract

import (
	"regexp"
	"strings"

	"github.com/krai-tech/krai-engine/internal/patterns"
)

const (
	captionRadius    = 200
	maxParagraphs    = 3
	minHeaderLetters = 4
)

// MediaContext is the extracted context of one media element.
type MediaContext struct {
	Caption               string   `json:"context_caption,omitempty"`
	FigureReference       string   `json:"figure_reference,omitempty"`
	PageHeader            string   `json:"page_header,omitempty"`
	RelatedErrorCodes     []string `json:"related_error_codes,omitempty"`
	RelatedProducts       []string `json:"related_products,omitempty"`
	SurroundingParagraphs []string `json:"surrounding_paragraphs,omitempty"`
}

// Anchor locates a media element in its page. Needle is any text tied to
// the element (a URL, a printed caption, a code); when empty or absent from
// the page the opening prose is used instead. TopBand optionally carries
// the text of the page's top band when the caller has access to layout.
type Anchor struct {
	PageText string
	Needle   string
	TopBand  string
}

var (
	figureRes = []*regexp.Regexp{
		regexp.MustCompile(`\bFigure\s+\d+(?:[-.]\d+)?\b`),
		regexp.MustCompile(`\bFig\.\s*\d+(?:[-.]\d+)?\b`),
		regexp.MustCompile(`\bAbb\.\s*\d+(?:[-.]\d+)?\b`),
	}

	nonTrivialLineRe = regexp.MustCompile(`[A-Za-z]`)
	paragraphSplitRe = regexp.MustCompile(`\n\s*\n`)
)

// Service computes media contexts.
type Service struct {
	enabled bool
}

// NewService creates the context extraction service. A disabled service
// returns empty contexts so callers need no branching.
func NewService(enabled bool) *Service {
	return &Service{enabled: enabled}
}

// Enabled reports whether context extraction is switched on.
func (s *Service) Enabled() bool {
	return s.enabled
}

// Context derives the media context for an anchored element.
func (s *Service) Context(a Anchor) MediaContext {
	if !s.enabled || strings.TrimSpace(a.PageText) == "" {
		return MediaContext{}
	}

	caption := captionWindow(a.PageText, a.Needle)

	mc := MediaContext{
		Caption:               caption,
		FigureReference:       firstFigureReference(caption, a.PageText),
		PageHeader:            pageHeader(a.PageText, a.TopBand),
		RelatedErrorCodes:     patterns.FindErrorCodeRefs(caption),
		RelatedProducts:       patterns.FindProducts(caption),
		SurroundingParagraphs: surroundingParagraphs(a.PageText, a.Needle),
	}
	return mc
}

// captionWindow returns the prose around the needle's first occurrence, or
// the opening of the page when the needle is absent.
func captionWindow(pageText, needle string) string {
	idx := -1
	if needle != "" {
		idx = strings.Index(pageText, needle)
	}
	if idx < 0 {
		if len(pageText) > 2*captionRadius {
			return normalizeSpace(pageText[:2*captionRadius])
		}
		return normalizeSpace(pageText)
	}

	lo := idx - captionRadius
	if lo < 0 {
		lo = 0
	}
	hi := idx + len(needle) + captionRadius
	if hi > len(pageText) {
		hi = len(pageText)
	}
	return normalizeSpace(pageText[lo:hi])
}

// firstFigureReference finds the first figure label, preferring the
// caption window over the whole page.
func firstFigureReference(caption, pageText string) string {
	for _, scope := range []string{caption, pageText} {
		for _, re := range figureRes {
			if m := re.FindString(scope); m != "" {
				return m
			}
		}
	}
	return ""
}

// pageHeader returns the first non-trivial line of the top band when
// available, otherwise of the page itself.
func pageHeader(pageText, topBand string) string {
	if topBand != "" {
		if h := firstNonTrivialLine(topBand); h != "" {
			return h
		}
	}
	return firstNonTrivialLine(pageText)
}

func firstNonTrivialLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if len(line) < minHeaderLetters {
			continue
		}
		if !nonTrivialLineRe.MatchString(line) {
			continue
		}
		return line
	}
	return ""
}

// surroundingParagraphs returns the paragraph containing the needle and
// its neighbors; without a needle hit, the page's leading paragraphs.
func surroundingParagraphs(pageText, needle string) []string {
	paras := splitParagraphs(pageText)
	if len(paras) == 0 {
		return nil
	}

	hit := -1
	if needle != "" {
		for i, p := range paras {
			if strings.Contains(p, needle) {
				hit = i
				break
			}
		}
	}

	var picked []string
	switch {
	case hit >= 0:
		lo := hit - 1
		if lo < 0 {
			lo = 0
		}
		hi := hit + 2
		if hi > len(paras) {
			hi = len(paras)
		}
		picked = paras[lo:hi]
	case len(paras) > maxParagraphs:
		picked = paras[:maxParagraphs]
	default:
		picked = paras
	}

	out := make([]string, 0, len(picked))
	for _, p := range picked {
		out = append(out, normalizeSpace(p))
	}
	return out
}

func splitParagraphs(text string) []string {
	var out []string
	for _, p := range paragraphSplitRe.Split(text, -1) {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

var spaceRe = regexp.MustCompile(`\s+`)

func normalizeSpace(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}
