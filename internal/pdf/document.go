// Package pdf wraps go-fitz with the document operations the pipeline
// needs: text in two engine flavors, page rendering, vector and raster
// artifact extraction, and .pdfz handling.
package pdf

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gen2brain/go-fitz"
)

// pdfMagic is the header every well-formed PDF starts with.
var pdfMagic = []byte("%PDF")

// Document is an open PDF with cleanup tracking for decompressed copies.
type Document struct {
	doc      *fitz.Document
	path     string
	tempPath string
}

// Metadata is the document-level metadata surfaced to the pipeline.
type Metadata struct {
	Title     string `json:"title"`
	Author    string `json:"author"`
	Creator   string `json:"creator"`
	Producer  string `json:"producer"`
	Format    string `json:"format"`
	PageCount int    `json:"page_count"`
}

// Open validates and opens a PDF. A .pdfz file is transparently
// decompressed to a temp file first; a .pdfz that already starts with the
// PDF magic is treated as a plain PDF.
func Open(path string) (*Document, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}

	effective := path
	tempPath := ""
	if strings.EqualFold(filepath.Ext(path), ".pdfz") {
		decompressed, wasTemp, err := materializePDFZ(path)
		if err != nil {
			return nil, err
		}
		effective = decompressed
		if wasTemp {
			tempPath = decompressed
		}
	}

	doc, err := fitz.New(effective)
	if err != nil {
		if tempPath != "" {
			os.Remove(tempPath)
		}
		return nil, fmt.Errorf("open pdf %s: %w", path, err)
	}
	return &Document{doc: doc, path: effective, tempPath: tempPath}, nil
}

// validatePath rejects missing, directory, and wrong-extension paths.
func validatePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("file path cannot be empty")
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file does not exist: %s", path)
		}
		return fmt.Errorf("cannot access file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("path is a directory, not a file: %s", path)
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".pdf" && ext != ".pdfz" {
		return fmt.Errorf("file is not a PDF (has extension %s)", ext)
	}
	return nil
}

// materializePDFZ turns a .pdfz into a readable PDF path. Returns the path
// and whether it is a temp file the caller owns.
func materializePDFZ(path string) (string, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", false, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	head := make([]byte, 4)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF {
		return "", false, fmt.Errorf("read %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", false, fmt.Errorf("seek %s: %w", path, err)
	}

	// Mislabeled plain PDFs pass through untouched.
	if n >= 4 && bytes.Equal(head[:4], pdfMagic) {
		return path, false, nil
	}

	gz, err := gzip.NewReader(f)
	if err != nil {
		return "", false, fmt.Errorf("decompress %s: %w", path, err)
	}
	defer gz.Close()

	tmp, err := os.CreateTemp("", "krai-pdfz-*.pdf")
	if err != nil {
		return "", false, fmt.Errorf("create temp pdf: %w", err)
	}
	if _, err := io.Copy(tmp, gz); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", false, fmt.Errorf("decompress %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", false, fmt.Errorf("close temp pdf: %w", err)
	}
	return tmp.Name(), true, nil
}

// Path returns the readable on-disk path of the (decompressed) document.
func (d *Document) Path() string {
	return d.path
}

// PageCount returns the number of pages.
func (d *Document) PageCount() int {
	return d.doc.NumPage()
}

// Metadata reads the document information dictionary.
func (d *Document) Metadata() Metadata {
	raw := d.doc.Metadata()
	return Metadata{
		Title:     raw["title"],
		Author:    raw["author"],
		Creator:   raw["creator"],
		Producer:  raw["producer"],
		Format:    raw["format"],
		PageCount: d.doc.NumPage(),
	}
}

// PageText extracts plain text from a zero-based page.
func (d *Document) PageText(page int) (string, error) {
	text, err := d.doc.Text(page)
	if err != nil {
		return "", fmt.Errorf("extract text from page %d: %w", page, err)
	}
	return text, nil
}

// PageHTML extracts the structured HTML rendering of a page, which carries
// block positions and embedded raster images.
func (d *Document) PageHTML(page int) (string, error) {
	html, err := d.doc.HTML(page, false)
	if err != nil {
		return "", fmt.Errorf("extract html from page %d: %w", page, err)
	}
	return html, nil
}

// PageSVG extracts the full vector rendering of a page.
func (d *Document) PageSVG(page int) (string, error) {
	svg, err := d.doc.SVG(page)
	if err != nil {
		return "", fmt.Errorf("extract svg from page %d: %w", page, err)
	}
	return svg, nil
}

// PageImage renders a page to an image at the given DPI.
func (d *Document) PageImage(page int, dpi float64) (image.Image, error) {
	img, err := d.doc.ImageDPI(page, dpi)
	if err != nil {
		return nil, fmt.Errorf("render page %d: %w", page, err)
	}
	return img, nil
}

// PagePNG renders a page straight to PNG bytes at the given DPI.
func (d *Document) PagePNG(page int, dpi float64) ([]byte, error) {
	data, err := d.doc.ImagePNG(page, dpi)
	if err != nil {
		return nil, fmt.Errorf("render page %d: %w", page, err)
	}
	return data, nil
}

// Bound returns the page box in points.
func (d *Document) Bound(page int) (image.Rectangle, error) {
	rect, err := d.doc.Bound(page)
	if err != nil {
		return image.Rectangle{}, fmt.Errorf("page %d bounds: %w", page, err)
	}
	return rect, nil
}

// Close releases the underlying document and any decompressed temp copy.
func (d *Document) Close() error {
	var firstErr error
	if d.doc != nil {
		if err := d.doc.Close(); err != nil {
			firstErr = err
		}
		d.doc = nil
	}
	if d.tempPath != "" {
		if err := os.Remove(d.tempPath); err != nil && firstErr == nil {
			firstErr = err
		}
		d.tempPath = ""
	}
	return firstErr
}

// RenderSVGToPNG rasterizes standalone SVG markup at the given DPI. MuPDF
// opens SVG natively, so conversion reuses the same rendering engine as
// page rasterization.
func RenderSVGToPNG(svg string, dpi float64) ([]byte, error) {
	doc, err := fitz.NewFromMemory([]byte(svg))
	if err != nil {
		return nil, fmt.Errorf("open svg: %w", err)
	}
	defer doc.Close()

	data, err := doc.ImagePNG(0, dpi)
	if err != nil {
		return nil, fmt.Errorf("rasterize svg: %w", err)
	}
	return data, nil
}
