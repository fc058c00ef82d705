package pdf

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
)

// Thumbnail renders one page as a PNG that fits inside maxW x maxH. The
// render DPI is derived from the page box so no separate resampling pass is
// needed; aspect ratio is preserved, so one dimension may come up short.
func (d *Document) Thumbnail(page, maxW, maxH int) ([]byte, int, int, error) {
	if maxW <= 0 {
		maxW = 300
	}
	if maxH <= 0 {
		maxH = 400
	}

	bound, err := d.Bound(page)
	if err != nil {
		return nil, 0, 0, err
	}
	pageW := float64(bound.Dx())
	pageH := float64(bound.Dy())
	if pageW <= 0 || pageH <= 0 {
		return nil, 0, 0, fmt.Errorf("page %d has no printable area", page)
	}

	// Page boxes are in points at 72 DPI. Scale to the tighter constraint.
	scale := float64(maxW) / pageW
	if hScale := float64(maxH) / pageH; hScale < scale {
		scale = hScale
	}
	dpi := 72 * scale

	img, err := d.PageImage(page, dpi)
	if err != nil {
		return nil, 0, 0, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, 0, 0, fmt.Errorf("encode thumbnail: %w", err)
	}
	b := img.Bounds()
	return buf.Bytes(), b.Dx(), b.Dy(), nil
}

// RegionPNG renders the part of a page covered by a normalized bbox as a
// PNG. A nil or degenerate bbox renders the whole page. Used as the
// fallback when library SVG rasterization cannot handle a graphic.
func (d *Document) RegionPNG(page int, bbox *Bbox, dpi float64) ([]byte, error) {
	img, err := d.PageImage(page, dpi)
	if err != nil {
		return nil, err
	}

	if bbox != nil && bbox.X1 > bbox.X0 && bbox.Y1 > bbox.Y0 {
		b := img.Bounds()
		crop := image.Rect(
			b.Min.X+int(bbox.X0*float64(b.Dx())),
			b.Min.Y+int(bbox.Y0*float64(b.Dy())),
			b.Min.X+int(bbox.X1*float64(b.Dx())),
			b.Min.Y+int(bbox.Y1*float64(b.Dy())),
		).Intersect(b)
		if crop.Dx() > 0 && crop.Dy() > 0 {
			if sub, ok := img.(interface {
				SubImage(image.Rectangle) image.Image
			}); ok {
				img = sub.SubImage(crop)
			}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode region: %w", err)
	}
	return buf.Bytes(), nil
}
