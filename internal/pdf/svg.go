package pdf

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/krai-tech/krai-engine/internal/observability"
)

// Extraction methods, in decreasing specificity.
const (
	MethodDrawingCluster = "drawing_cluster"
	MethodVectorGroup    = "vector_group"
	MethodFullPage       = "full_page"
)

// VectorGraphic is one extracted vector drawing.
type VectorGraphic struct {
	PageNumber int    // zero-based
	SVG        string // standalone SVG markup
	Bbox       *Bbox  // normalized page-relative box
	Method     string
	FileHash   string
	SizeBytes  int
}

// SVGExtractor pulls vector drawings out of the page's SVG rendering.
// Drawings are located by clustering path bounding boxes; each cluster is
// emitted as the page SVG cropped to the cluster's viewport. Pages whose
// vector content cannot be split fall back to a single full-page graphic.
type SVGExtractor struct {
	// minPaths is the threshold below which a page is considered to have
	// no meaningful vector content.
	minPaths int
	// clusterGap is the merge distance between drawings, as a fraction of
	// the page diagonal.
	clusterGap float64
	log        *observability.Logger
}

// NewSVGExtractor builds an extractor with the given sensitivity.
func NewSVGExtractor(minPaths int, log *observability.Logger) *SVGExtractor {
	if minPaths <= 0 {
		minPaths = 3
	}
	return &SVGExtractor{minPaths: minPaths, clusterGap: 0.03, log: log.WithComponent("svg_extractor")}
}

var (
	svgViewBoxRe = regexp.MustCompile(`viewBox="([\d.\s-]+)"`)
	svgPathRe    = regexp.MustCompile(`(?is)<path[^>]*\sd="([^"]+)"`)
	svgNumberRe  = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
	svgGroupRe   = regexp.MustCompile(`(?is)<g[\s>]`)
)

type rawBox struct {
	x0, y0, x1, y1 float64
}

func (b rawBox) area() float64 {
	return (b.x1 - b.x0) * (b.y1 - b.y0)
}

// ExtractPage returns the vector drawings on one page. An empty slice means
// the page has no meaningful vector content.
func (e *SVGExtractor) ExtractPage(doc *Document, page int) ([]VectorGraphic, error) {
	svg, err := doc.PageSVG(page)
	if err != nil {
		return nil, err
	}

	pageW, pageH, ok := parseViewBox(svg)
	if !ok || pageW <= 0 || pageH <= 0 {
		bound, berr := doc.Bound(page)
		if berr != nil {
			return nil, berr
		}
		pageW = float64(bound.Dx())
		pageH = float64(bound.Dy())
	}

	boxes := pathBoxes(svg, pageW, pageH)
	if len(boxes) < e.minPaths {
		return nil, nil
	}

	clusters := clusterBoxes(boxes, e.clusterGap, pageW, pageH)

	// A single cluster spanning most of the page is the page's artwork as
	// a whole; splitting it adds nothing.
	if len(clusters) == 1 && clusters[0].area() > 0.85*pageW*pageH {
		return []VectorGraphic{e.build(svg, page, fullPageBox(pageW, pageH), pageW, pageH, MethodFullPage)}, nil
	}
	if len(clusters) == 0 {
		return []VectorGraphic{e.build(svg, page, fullPageBox(pageW, pageH), pageW, pageH, MethodFullPage)}, nil
	}

	method := MethodDrawingCluster
	if len(clusters) == 1 && svgGroupRe.MatchString(svg) {
		method = MethodVectorGroup
	}

	graphics := make([]VectorGraphic, 0, len(clusters))
	for _, cluster := range clusters {
		// Drop slivers: hairline rules and borders are not drawings.
		if cluster.area() < 0.0004*pageW*pageH {
			continue
		}
		graphics = append(graphics, e.build(svg, page, cluster, pageW, pageH, method))
	}
	if len(graphics) == 0 {
		return []VectorGraphic{e.build(svg, page, fullPageBox(pageW, pageH), pageW, pageH, MethodFullPage)}, nil
	}
	return graphics, nil
}

func fullPageBox(pageW, pageH float64) rawBox {
	return rawBox{x0: 0, y0: 0, x1: pageW, y1: pageH}
}

// build crops the page SVG to the cluster box by rewriting the viewBox and
// computes the record's hash and normalized bbox.
func (e *SVGExtractor) build(pageSVG string, page int, box rawBox, pageW, pageH float64, method string) VectorGraphic {
	cropped := cropSVG(pageSVG, box)
	sum := sha256.Sum256([]byte(cropped))
	return VectorGraphic{
		PageNumber: page,
		SVG:        cropped,
		Bbox: &Bbox{
			X0: clamp01(box.x0 / pageW),
			Y0: clamp01(box.y0 / pageH),
			X1: clamp01(box.x1 / pageW),
			Y1: clamp01(box.y1 / pageH),
		},
		Method:    method,
		FileHash:  hex.EncodeToString(sum[:]),
		SizeBytes: len(cropped),
	}
}

// parseViewBox reads the page dimensions out of the root viewBox.
func parseViewBox(svg string) (w, h float64, ok bool) {
	m := svgViewBoxRe.FindStringSubmatch(svg)
	if m == nil {
		return 0, 0, false
	}
	fields := strings.Fields(m[1])
	if len(fields) != 4 {
		return 0, 0, false
	}
	w, errW := strconv.ParseFloat(fields[2], 64)
	h, errH := strconv.ParseFloat(fields[3], 64)
	if errW != nil || errH != nil {
		return 0, 0, false
	}
	return w, h, true
}

// pathBoxes approximates a bounding box per path by scanning the numbers in
// its data attribute as coordinate pairs. Control points widen the box
// slightly, which is harmless for clustering.
func pathBoxes(svg string, pageW, pageH float64) []rawBox {
	var boxes []rawBox
	for _, m := range svgPathRe.FindAllStringSubmatch(svg, -1) {
		nums := svgNumberRe.FindAllString(m[1], -1)
		if len(nums) < 4 {
			continue
		}
		box := rawBox{x0: pageW, y0: pageH, x1: 0, y1: 0}
		for i := 0; i+1 < len(nums); i += 2 {
			x, errX := strconv.ParseFloat(nums[i], 64)
			y, errY := strconv.ParseFloat(nums[i+1], 64)
			if errX != nil || errY != nil {
				continue
			}
			if x < box.x0 {
				box.x0 = x
			}
			if x > box.x1 {
				box.x1 = x
			}
			if y < box.y0 {
				box.y0 = y
			}
			if y > box.y1 {
				box.y1 = y
			}
		}
		// Horizontal and vertical strokes yield degenerate boxes; they still
		// belong to whatever drawing surrounds them, so only inverted boxes
		// (no coordinates parsed) are dropped.
		if box.x1 < box.x0 || box.y1 < box.y0 {
			continue
		}
		// A path covering the whole page is the background, not a drawing.
		if box.area() > 0.95*pageW*pageH {
			continue
		}
		boxes = append(boxes, box)
	}
	return boxes
}

// clusterBoxes merges boxes that overlap or sit within the gap distance.
func clusterBoxes(boxes []rawBox, gapFrac, pageW, pageH float64) []rawBox {
	if len(boxes) == 0 {
		return nil
	}
	gap := gapFrac * (pageW + pageH) / 2

	clusters := append([]rawBox(nil), boxes...)
	merged := true
	for merged {
		merged = false
		for i := 0; i < len(clusters); i++ {
			for j := i + 1; j < len(clusters); j++ {
				if boxesNear(clusters[i], clusters[j], gap) {
					clusters[i] = unionBox(clusters[i], clusters[j])
					clusters = append(clusters[:j], clusters[j+1:]...)
					merged = true
					j--
				}
			}
		}
	}
	sort.Slice(clusters, func(i, j int) bool {
		if clusters[i].y0 != clusters[j].y0 {
			return clusters[i].y0 < clusters[j].y0
		}
		return clusters[i].x0 < clusters[j].x0
	})
	return clusters
}

func boxesNear(a, b rawBox, gap float64) bool {
	return a.x0-gap <= b.x1 && b.x0-gap <= a.x1 &&
		a.y0-gap <= b.y1 && b.y0-gap <= a.y1
}

func unionBox(a, b rawBox) rawBox {
	out := a
	if b.x0 < out.x0 {
		out.x0 = b.x0
	}
	if b.y0 < out.y0 {
		out.y0 = b.y0
	}
	if b.x1 > out.x1 {
		out.x1 = b.x1
	}
	if b.y1 > out.y1 {
		out.y1 = b.y1
	}
	return out
}

var svgRootRe = regexp.MustCompile(`(?is)<svg[^>]*>`)

// cropSVG rewrites the root element so the viewport covers only the given
// box. Content outside the viewBox is clipped by the renderer.
func cropSVG(svg string, box rawBox) string {
	w := box.x1 - box.x0
	h := box.y1 - box.y0
	root := fmt.Sprintf(`<svg xmlns="http://www.w3.org/2000/svg" xmlns:xlink="http://www.w3.org/1999/xlink" viewBox="%.2f %.2f %.2f %.2f" width="%.2f" height="%.2f">`,
		box.x0, box.y0, w, h, w, h)
	return svgRootRe.ReplaceAllString(svg, root)
}
