package engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krai-tech/krai-engine/internal/config"
	"github.com/krai-tech/krai-engine/internal/objstore"
	"github.com/krai-tech/krai-engine/internal/observability"
	"github.com/krai-tech/krai-engine/internal/pipeline"
	"github.com/krai-tech/krai-engine/internal/storage"
)

type fakeDocStore struct {
	byID         map[uuid.UUID]*storage.Document
	byHash       map[string]*storage.Document
	fingerprints []storage.DocumentFingerprint
	thumbnails   map[uuid.UUID]string
	created      int

	// createErr simulates losing a concurrent-create race: Create fails
	// and raceWinner becomes visible to the next lookup.
	createErr  error
	raceWinner *storage.Document
}

func newFakeDocStore() *fakeDocStore {
	return &fakeDocStore{
		byID:       make(map[uuid.UUID]*storage.Document),
		byHash:     make(map[string]*storage.Document),
		thumbnails: make(map[uuid.UUID]string),
	}
}

func (f *fakeDocStore) add(d *storage.Document) {
	f.byID[d.ID] = d
	if d.FileHash != "" {
		f.byHash[d.FileHash] = d
	}
}

func (f *fakeDocStore) Create(ctx context.Context, d *storage.Document) error {
	if f.createErr != nil {
		if f.raceWinner != nil {
			f.add(f.raceWinner)
		}
		return f.createErr
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Status == "" {
		d.Status = storage.DocumentStatusUploaded
	}
	copied := *d
	f.add(&copied)
	f.created++
	return nil
}

func (f *fakeDocStore) GetByID(ctx context.Context, id uuid.UUID) (*storage.Document, error) {
	d, ok := f.byID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *d
	return &copied, nil
}

func (f *fakeDocStore) GetByFileHash(ctx context.Context, hash string) (*storage.Document, error) {
	d, ok := f.byHash[hash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *d
	return &copied, nil
}

func (f *fakeDocStore) CreateFingerprint(ctx context.Context, fp *storage.DocumentFingerprint) error {
	f.fingerprints = append(f.fingerprints, *fp)
	return nil
}

func (f *fakeDocStore) SetThumbnail(ctx context.Context, id uuid.UUID, url string) error {
	f.thumbnails[id] = url
	return nil
}

type fakeObjStore struct {
	data      map[string][]byte
	downloads int
}

func newFakeObjStore() *fakeObjStore {
	return &fakeObjStore{data: make(map[string][]byte)}
}

func (f *fakeObjStore) EnsureBuckets(ctx context.Context) error { return nil }

func (f *fakeObjStore) Upload(ctx context.Context, bucket string, data []byte, contentType string) (*objstore.UploadResult, error) {
	hash := objstore.HashBytes(data)
	f.data[bucket+"/"+hash] = data
	return &objstore.UploadResult{
		Bucket:      bucket,
		StoragePath: hash,
		URL:         bucket + "/" + hash,
		PublicURL:   "http://minio.local/" + bucket + "/" + hash,
		FileHash:    hash,
		Size:        int64(len(data)),
	}, nil
}

func (f *fakeObjStore) DownloadToFile(ctx context.Context, bucket, key, dest string) error {
	data, ok := f.data[bucket+"/"+key]
	if !ok {
		return fmt.Errorf("object %s/%s not found", bucket, key)
	}
	f.downloads++
	return os.WriteFile(dest, data, 0o644)
}

func (f *fakeObjStore) Buckets() config.BucketsConfig {
	return config.BucketsConfig{
		Images:     "krai-images",
		Documents:  "krai-documents",
		Thumbnails: "krai-thumbnails",
	}
}

func newTestEngine(t *testing.T, docs *fakeDocStore, objects *fakeObjStore) *Engine {
	t.Helper()
	if docs == nil {
		docs = newFakeDocStore()
	}
	if objects == nil {
		objects = newFakeObjStore()
	}
	return &Engine{
		cfg:       config.DefaultConfig(),
		log:       observability.DefaultLogger(),
		documents: docs,
		objects:   objects,
		workDir:   t.TempDir(),
	}
}

func writeTempFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestUploadDocumentCreatesRowAndFingerprint(t *testing.T) {
	content := []byte("%PDF-1.7 test bytes")
	path := writeTempFile(t, "Bizhub C258 SM.pdf", content)
	docs := newFakeDocStore()
	e := newTestEngine(t, docs, nil)

	receipt, err := e.UploadDocument(context.Background(), path)
	require.NoError(t, err)

	assert.False(t, receipt.Duplicate)
	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), receipt.Document.FileHash)
	assert.Equal(t, "Bizhub C258 SM.pdf", receipt.Document.Filename)
	assert.Equal(t, int64(len(content)), receipt.Document.FileSize)
	assert.Equal(t, storage.DocumentStatusUploaded, receipt.Document.Status)
	assert.Equal(t, 1, docs.created)

	require.Len(t, docs.fingerprints, 1)
	assert.Equal(t, receipt.Document.ID, docs.fingerprints[0].DocumentID)
	assert.Equal(t, receipt.Document.FileHash, docs.fingerprints[0].FileHash)
	assert.Equal(t, "bizhub-c258-sm", docs.fingerprints[0].NormalizedName)
}

func TestUploadDocumentReturnsExistingForSameBytes(t *testing.T) {
	content := []byte("%PDF-1.7 same bytes")
	docs := newFakeDocStore()
	e := newTestEngine(t, docs, nil)

	first, err := e.UploadDocument(context.Background(), writeTempFile(t, "manual.pdf", content))
	require.NoError(t, err)

	// Same bytes under a different name still collapse to one document.
	second, err := e.UploadDocument(context.Background(), writeTempFile(t, "copy-of-manual.pdf", content))
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Document.ID, second.Document.ID)
	assert.Equal(t, 1, docs.created)
	assert.Len(t, docs.fingerprints, 1)
}

func TestUploadDocumentRecoversFromCreateRace(t *testing.T) {
	content := []byte("%PDF-1.7 raced bytes")
	sum := sha256.Sum256(content)
	winner := &storage.Document{
		ID:       uuid.New(),
		FileHash: hex.EncodeToString(sum[:]),
		Filename: "manual.pdf",
		Status:   storage.DocumentStatusUploaded,
	}
	docs := newFakeDocStore()
	docs.createErr = &pq.Error{Code: "23505"}
	docs.raceWinner = winner
	e := newTestEngine(t, docs, nil)

	receipt, err := e.UploadDocument(context.Background(), writeTempFile(t, "manual.pdf", content))
	require.NoError(t, err)

	assert.True(t, receipt.Duplicate)
	assert.Equal(t, winner.ID, receipt.Document.ID)
}

func TestUploadStreamSpoolsAndRegisters(t *testing.T) {
	content := []byte("%PDF-1.7 streamed")
	docs := newFakeDocStore()
	e := newTestEngine(t, docs, nil)

	receipt, err := e.UploadStream(context.Background(), "C258 Manual.pdf", bytes.NewReader(content))
	require.NoError(t, err)

	assert.False(t, receipt.Duplicate)
	assert.Equal(t, "C258 Manual.pdf", receipt.Document.Filename)
	assert.Equal(t, filepath.Join(e.workDir, "uploads"), filepath.Dir(receipt.Document.FilePath))
	spooled, err := os.ReadFile(receipt.Document.FilePath)
	require.NoError(t, err)
	assert.Equal(t, content, spooled)

	// A duplicate stream leaves no second spool file behind.
	dup, err := e.UploadStream(context.Background(), "copy.pdf", bytes.NewReader(content))
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, receipt.Document.ID, dup.Document.ID)
	entries, err := os.ReadDir(filepath.Join(e.workDir, "uploads"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestBuildContextUsesLocalFile(t *testing.T) {
	path := writeTempFile(t, "manual.pdf", []byte("%PDF-1.7"))
	docs := newFakeDocStore()
	row := &storage.Document{
		ID:           uuid.New(),
		FileHash:     "abc123",
		FilePath:     path,
		DocumentType: "service_manual",
		FileSize:     8,
	}
	docs.add(row)
	objects := newFakeObjStore()
	e := newTestEngine(t, docs, objects)

	pc, err := e.BuildContext(context.Background(), row.ID)
	require.NoError(t, err)

	assert.Equal(t, path, pc.FilePath)
	assert.Equal(t, "abc123", pc.FileHash)
	assert.Equal(t, "service_manual", pc.DocumentType)
	assert.Equal(t, int64(8), pc.FileSize)
	assert.Equal(t, pipeline.SnapshotConfig(e.cfg), pc.Config)
	assert.Zero(t, objects.downloads)
}

func TestBuildContextRestoresFromObjectStore(t *testing.T) {
	docs := newFakeDocStore()
	row := &storage.Document{
		ID:          uuid.New(),
		FileHash:    "deadbeef",
		FilePath:    "/vanished/manual.pdf",
		StoragePath: "deadbeef",
	}
	docs.add(row)
	objects := newFakeObjStore()
	objects.data["krai-documents/deadbeef"] = []byte("%PDF-1.7 restored")
	e := newTestEngine(t, docs, objects)

	pc, err := e.BuildContext(context.Background(), row.ID)
	require.NoError(t, err)

	want := filepath.Join(e.workDir, "deadbeef.pdf")
	assert.Equal(t, want, pc.FilePath)
	restored, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.7 restored"), restored)
	assert.Equal(t, 1, objects.downloads)

	// A second build reuses the restored copy.
	_, err = e.BuildContext(context.Background(), row.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, objects.downloads)
}

func TestBuildContextWithoutAnySource(t *testing.T) {
	docs := newFakeDocStore()
	row := &storage.Document{ID: uuid.New(), FileHash: "abc"}
	docs.add(row)
	e := newTestEngine(t, docs, nil)

	_, err := e.BuildContext(context.Background(), row.ID)
	assert.ErrorIs(t, err, ErrNoSourceFile)
}

func TestBuildContextUnknownDocument(t *testing.T) {
	e := newTestEngine(t, nil, nil)

	_, err := e.BuildContext(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestThumbnailRequiresSource(t *testing.T) {
	docs := newFakeDocStore()
	row := &storage.Document{ID: uuid.New()}
	docs.add(row)
	e := newTestEngine(t, docs, nil)

	_, err := e.Thumbnail(context.Background(), row.ID, 0, 300, 400)
	assert.ErrorIs(t, err, ErrNoSourceFile)
}

func TestStageCatalogDeclaredOrder(t *testing.T) {
	catalog := StageCatalog()
	require.Len(t, catalog, 15)

	assert.Equal(t, StageInfo{Number: 1, Name: "upload"}, catalog[0])
	assert.Equal(t, "search_indexing", catalog[14].Name)
	assert.Equal(t, 15, catalog[14].Number)

	var series StageInfo
	for _, info := range catalog {
		if info.Name == "series_detection" {
			series = info
		}
	}
	assert.Equal(t, []string{"classification", "metadata_extraction"}, series.Dependencies)
}

func TestParseStages(t *testing.T) {
	stages, err := ParseStages([]string{"upload", "2", "embedding"})
	require.NoError(t, err)
	assert.Equal(t, []pipeline.Stage{
		pipeline.StageUpload,
		pipeline.StageTextExtraction,
		pipeline.StageEmbedding,
	}, stages)

	_, err = ParseStages([]string{"upload", "nope"})
	assert.ErrorIs(t, err, ErrUnknownStage)

	_, err = ParseStages(nil)
	assert.ErrorIs(t, err, ErrUnknownStage)
}

func TestNormalizeFilename(t *testing.T) {
	cases := map[string]string{
		"Bizhub C258 SM.pdf":   "bizhub-c258-sm",
		"HP_M479 (v2).PDF":     "hp-m479-v2",
		"weird..name..pdf":     "weird-name",
		"already-normal.pdfz":  "already-normal",
		"UPPER.pdf":            "upper",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizeFilename(in), in)
	}
}
