package pdf

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"regexp"
	"strconv"

	"github.com/krai-tech/krai-engine/internal/observability"
)

// Bbox is a normalized page-relative bounding box, origin top-left.
type Bbox struct {
	X0 float64 `json:"x0"`
	Y0 float64 `json:"y0"`
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
}

// RasterImage is one embedded raster extracted from a page.
type RasterImage struct {
	PageNumber int    // zero-based
	Data       []byte // decoded image bytes
	Format     string // png or jpeg
	FileHash   string
	Width      int
	Height     int
	Bbox       *Bbox
	ImageType  string
}

// ImageExtractor pulls embedded rasters out of the structured HTML
// rendering, which is where the renderer exposes image blocks together
// with their positions.
type ImageExtractor struct {
	minWidth  int
	minHeight int
	log       *observability.Logger
}

// NewImageExtractor builds an extractor that drops decorative images
// smaller than the given bounds.
func NewImageExtractor(minWidth, minHeight int, log *observability.Logger) *ImageExtractor {
	if minWidth <= 0 {
		minWidth = 32
	}
	if minHeight <= 0 {
		minHeight = 32
	}
	return &ImageExtractor{minWidth: minWidth, minHeight: minHeight, log: log.WithComponent("image_extractor")}
}

var (
	imgTagRe   = regexp.MustCompile(`(?is)<img[^>]*>`)
	imgSrcRe   = regexp.MustCompile(`(?i)src="data:image/(png|jpe?g);base64,([^"]+)"`)
	imgStyleRe = regexp.MustCompile(`(?i)style="([^"]*)"`)
	styleDimRe = regexp.MustCompile(`(?i)(top|left|width|height)\s*:\s*(-?\d+(?:\.\d+)?)pt`)
)

// ExtractPage returns the page's embedded rasters, deduplicated by content
// hash within the page.
func (e *ImageExtractor) ExtractPage(doc *Document, page int) ([]RasterImage, error) {
	html, err := doc.PageHTML(page)
	if err != nil {
		return nil, err
	}
	bound, err := doc.Bound(page)
	if err != nil {
		return nil, err
	}
	pageW := float64(bound.Dx())
	pageH := float64(bound.Dy())

	seen := make(map[string]bool)
	var images []RasterImage
	for _, tag := range imgTagRe.FindAllString(html, -1) {
		src := imgSrcRe.FindStringSubmatch(tag)
		if src == nil {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(src[2])
		if err != nil {
			e.log.Warn().Int("page", page).Err(err).Msg("Skipping undecodable embedded image")
			continue
		}

		cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			e.log.Warn().Int("page", page).Err(err).Msg("Skipping unreadable embedded image")
			continue
		}
		if cfg.Width < e.minWidth || cfg.Height < e.minHeight {
			continue
		}

		sum := sha256.Sum256(data)
		hash := hex.EncodeToString(sum[:])
		if seen[hash] {
			continue
		}
		seen[hash] = true

		images = append(images, RasterImage{
			PageNumber: page,
			Data:       data,
			Format:     format,
			FileHash:   hash,
			Width:      cfg.Width,
			Height:     cfg.Height,
			Bbox:       parseStyleBbox(tag, pageW, pageH),
			ImageType:  inferImageType(format, cfg.Width, cfg.Height),
		})
	}
	return images, nil
}

// parseStyleBbox reads top/left/width/height out of an img tag's style
// attribute and normalizes against the page box. Returns nil when the
// rendering carries no position.
func parseStyleBbox(tag string, pageW, pageH float64) *Bbox {
	style := imgStyleRe.FindStringSubmatch(tag)
	if style == nil || pageW <= 0 || pageH <= 0 {
		return nil
	}

	dims := make(map[string]float64)
	for _, m := range styleDimRe.FindAllStringSubmatch(style[1], -1) {
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		dims[m[1]] = v
	}
	width, hasW := dims["width"]
	height, hasH := dims["height"]
	if !hasW || !hasH {
		return nil
	}

	return &Bbox{
		X0: clamp01(dims["left"] / pageW),
		Y0: clamp01(dims["top"] / pageH),
		X1: clamp01((dims["left"] + width) / pageW),
		Y1: clamp01((dims["top"] + height) / pageH),
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// inferImageType classifies a raster by its encoding and shape. JPEGs are
// photographic by origin; large PNGs at common display ratios read as
// screenshots; everything else is treated as a diagram.
func inferImageType(format string, width, height int) string {
	if format == "jpeg" {
		return "photo"
	}
	if width >= 800 && height > 0 {
		ratio := float64(width) / float64(height)
		for _, screen := range []float64{4.0 / 3.0, 16.0 / 9.0, 16.0 / 10.0} {
			if ratio > screen*0.95 && ratio < screen*1.05 {
				return "screenshot"
			}
		}
	}
	return "diagram"
}

// EncodeBboxKey renders a bbox into a short stable string for filenames.
func EncodeBboxKey(b *Bbox) string {
	if b == nil {
		return "full"
	}
	return fmt.Sprintf("%.3f_%.3f_%.3f_%.3f", b.X0, b.Y0, b.X1, b.Y1)
}
