package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/krai-tech/krai-engine/internal/pdf"
	"github.com/krai-tech/krai-engine/internal/pipeline"
	"github.com/krai-tech/krai-engine/internal/stages"
	"github.com/krai-tech/krai-engine/internal/storage"
)

// ErrNoSourceFile means a document has neither a readable local file nor a
// stored copy to restore from.
var ErrNoSourceFile = errors.New("document has no source file")

// UploadReceipt is the outcome of registering a file with the engine.
type UploadReceipt struct {
	Document *storage.Document `json:"document"`
	// Duplicate is true when the bytes were uploaded before; the receipt
	// then carries the existing document.
	Duplicate bool `json:"duplicate"`
}

// UploadDocument registers a local PDF. Uploading the same bytes twice
// returns the original document rather than creating a second row; actual
// validation and object storage happen in the upload stage.
func (e *Engine) UploadDocument(ctx context.Context, filePath string) (*UploadReceipt, error) {
	abs, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}
	return e.register(ctx, abs, filepath.Base(abs))
}

// UploadStream spools an incoming document into the work directory and
// registers it under its original filename. The spooled copy stays on disk
// so the upload stage can read it; the stage moves the bytes into the
// object store.
func (e *Engine) UploadStream(ctx context.Context, filename string, r io.Reader) (*UploadReceipt, error) {
	dir := filepath.Join(e.workDir, "uploads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("prepare upload dir: %w", err)
	}
	dest := filepath.Join(dir, uuid.NewString()+"-"+filepath.Base(filename))
	f, err := os.Create(dest)
	if err != nil {
		return nil, fmt.Errorf("spool upload: %w", err)
	}
	_, err = io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dest)
		return nil, fmt.Errorf("spool upload: %w", err)
	}

	receipt, err := e.register(ctx, dest, filepath.Base(filename))
	if err != nil || receipt.Duplicate {
		os.Remove(dest)
	}
	return receipt, err
}

func (e *Engine) register(ctx context.Context, path, filename string) (*UploadReceipt, error) {
	hash, size, err := stages.HashFile(path)
	if err != nil {
		return nil, err
	}

	existing, err := e.documents.GetByFileHash(ctx, hash)
	switch {
	case err == nil:
		e.log.WithDocument(existing.ID.String()).Info().
			Str("file", path).
			Msg("Upload matched existing document")
		return &UploadReceipt{Document: existing, Duplicate: true}, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("check for duplicate: %w", err)
	}

	doc := &storage.Document{
		FileHash: hash,
		Filename: filename,
		FilePath: path,
		FileSize: size,
		Status:   storage.DocumentStatusUploaded,
	}
	if err := e.documents.Create(ctx, doc); err != nil {
		// Two concurrent uploads of the same bytes race on the file_hash
		// unique index; the loser adopts the winner's row.
		if storage.IsUniqueViolation(err) {
			if winner, gerr := e.documents.GetByFileHash(ctx, hash); gerr == nil {
				return &UploadReceipt{Document: winner, Duplicate: true}, nil
			}
		}
		return nil, fmt.Errorf("create document: %w", err)
	}

	if err := e.documents.CreateFingerprint(ctx, &storage.DocumentFingerprint{
		DocumentID:     doc.ID,
		FileHash:       hash,
		NormalizedName: normalizeFilename(doc.Filename),
	}); err != nil {
		e.log.WithDocument(doc.ID.String()).Warn().Err(err).Msg("Failed to record document fingerprint")
	}

	e.log.WithDocument(doc.ID.String()).Info().
		Str("file", path).
		Int64("bytes", size).
		Msg("Document registered")
	return &UploadReceipt{Document: doc}, nil
}

// Document loads one document row.
func (e *Engine) Document(ctx context.Context, id uuid.UUID) (*storage.Document, error) {
	return e.documents.GetByID(ctx, id)
}

// BuildContext assembles the processing context for a document: its row, a
// usable local copy of the source file, and the current config snapshot.
// It is the pipeline's context builder.
func (e *Engine) BuildContext(ctx context.Context, documentID uuid.UUID) (*pipeline.ProcessingContext, error) {
	row, err := e.documents.GetByID(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", documentID, err)
	}

	path, err := e.localFile(ctx, row)
	if err != nil {
		return nil, err
	}

	return &pipeline.ProcessingContext{
		DocumentID:   documentID,
		FilePath:     path,
		FileHash:     row.FileHash,
		DocumentType: row.DocumentType,
		FileSize:     row.FileSize,
		Config:       pipeline.SnapshotConfig(e.cfg),
	}, nil
}

// localFile returns a readable path to the document's source bytes,
// restoring them from the object store into the work directory when the
// original upload path is gone. Restored copies are keyed by content hash,
// so repeat runs reuse them.
func (e *Engine) localFile(ctx context.Context, row *storage.Document) (string, error) {
	if row.FilePath != "" {
		if _, err := os.Stat(row.FilePath); err == nil {
			return row.FilePath, nil
		}
	}
	if row.StoragePath == "" {
		return "", fmt.Errorf("%w: %s", ErrNoSourceFile, row.ID)
	}

	dest := filepath.Join(e.workDir, row.StoragePath+".pdf")
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}
	if err := e.objects.DownloadToFile(ctx, e.objects.Buckets().Documents, row.StoragePath, dest); err != nil {
		return "", fmt.Errorf("restore source for %s: %w", row.ID, err)
	}
	e.log.WithDocument(row.ID.String()).Debug().Str("path", dest).Msg("Restored source file from object store")
	return dest, nil
}

// ThumbnailResult describes a generated page thumbnail.
type ThumbnailResult struct {
	URL         string `json:"url"`
	Bucket      string `json:"bucket"`
	StoragePath string `json:"storage_path"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Page        int    `json:"page"`
	FileSize    int64  `json:"file_size"`
}

// Thumbnail renders one page as a PNG fitting inside maxW x maxH, stores it
// content-addressed in the thumbnails bucket, and records the URL on the
// document. Zero sizes default to 300x400, the negative page to 0.
func (e *Engine) Thumbnail(ctx context.Context, documentID uuid.UUID, page, maxW, maxH int) (*ThumbnailResult, error) {
	row, err := e.documents.GetByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	path, err := e.localFile(ctx, row)
	if err != nil {
		return nil, err
	}

	doc, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer doc.Close()

	if page < 0 || page >= doc.PageCount() {
		page = 0
	}
	data, w, h, err := doc.Thumbnail(page, maxW, maxH)
	if err != nil {
		return nil, fmt.Errorf("render thumbnail: %w", err)
	}

	uploaded, err := e.objects.Upload(ctx, e.objects.Buckets().Thumbnails, data, "image/png")
	if err != nil {
		return nil, fmt.Errorf("store thumbnail: %w", err)
	}
	if err := e.documents.SetThumbnail(ctx, documentID, uploaded.PublicURL); err != nil {
		return nil, fmt.Errorf("record thumbnail: %w", err)
	}

	return &ThumbnailResult{
		URL:         uploaded.PublicURL,
		Bucket:      uploaded.Bucket,
		StoragePath: uploaded.StoragePath,
		Width:       w,
		Height:      h,
		Page:        page,
		FileSize:    uploaded.Size,
	}, nil
}

var nonNameChars = regexp.MustCompile(`[^a-z0-9]+`)

// normalizeFilename reduces an upload filename to a comparable fingerprint
// component: lowercase, extension stripped, punctuation runs collapsed.
func normalizeFilename(name string) string {
	name = strings.ToLower(name)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	name = nonNameChars.ReplaceAllString(name, "-")
	return strings.Trim(name, "-")
}
