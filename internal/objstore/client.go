// Package objstore wraps the S3-compatible object store behind a
// content-addressable API: every object lives at bucket/{sha256(bytes)},
// so uploading identical bytes always lands on the same path.
package objstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"syscall"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/krai-tech/krai-engine/internal/config"
	"github.com/krai-tech/krai-engine/internal/observability"
)

// Client is a bucket-aware object store client.
type Client struct {
	mc  *minio.Client
	cfg config.ObjectStorageConfig
	log *observability.Logger
}

// UploadResult describes where an object landed.
type UploadResult struct {
	Bucket      string `json:"bucket"`
	StoragePath string `json:"storage_path"`
	URL         string `json:"url"`
	PublicURL   string `json:"public_url"`
	FileHash    string `json:"file_hash"`
	Size        int64  `json:"size"`
	// Existed is true when the store already held these bytes and the
	// upload collapsed to a no-op.
	Existed bool `json:"existed"`
}

// New connects to the configured object store.
func New(cfg config.ObjectStorageConfig, log *observability.Logger) (*Client, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	return &Client{mc: mc, cfg: cfg, log: log.WithComponent("objstore")}, nil
}

// EnsureBuckets creates the engine's buckets when missing.
func (c *Client) EnsureBuckets(ctx context.Context) error {
	buckets := []string{
		c.cfg.Buckets.Images,
		c.cfg.Buckets.Documents,
		c.cfg.Buckets.Thumbnails,
	}
	for _, bucket := range buckets {
		exists, err := c.mc.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if exists {
			continue
		}
		if err := c.mc.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: c.cfg.Region}); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucket, err)
		}
		c.log.Info().Str("bucket", bucket).Msg("Created bucket")
	}
	return nil
}

// HashBytes returns the content hash used as the object key.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Upload stores data under its content hash. Re-uploading identical bytes
// returns the existing path without transferring anything.
func (c *Client) Upload(ctx context.Context, bucket string, data []byte, contentType string) (*UploadResult, error) {
	hash := HashBytes(data)
	result := &UploadResult{
		Bucket:      bucket,
		StoragePath: hash,
		URL:         fmt.Sprintf("%s/%s", bucket, hash),
		PublicURL:   c.PublicURL(bucket, hash),
		FileHash:    hash,
		Size:        int64(len(data)),
	}

	exists, err := c.Exists(ctx, bucket, hash)
	if err != nil {
		return nil, err
	}
	if exists {
		result.Existed = true
		return result, nil
	}

	_, err = c.mc.PutObject(ctx, bucket, hash, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return nil, fmt.Errorf("put object %s/%s: %w", bucket, hash, err)
	}
	return result, nil
}

// UploadFile streams a local file into the store under its content hash.
func (c *Client) UploadFile(ctx context.Context, bucket, path, contentType string) (*UploadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return c.Upload(ctx, bucket, data, contentType)
}

// Exists reports whether bucket/key holds an object.
func (c *Client) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := c.mc.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == 404 {
		return false, nil
	}
	return false, fmt.Errorf("stat object %s/%s: %w", bucket, key, err)
}

// Download fetches an object's bytes.
func (c *Client) Download(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := c.mc.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s/%s: %w", bucket, key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

// DownloadToFile fetches an object into a local file.
func (c *Client) DownloadToFile(ctx context.Context, bucket, key, dest string) error {
	data, err := c.Download(ctx, bucket, key)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}
	return nil
}

// Remove deletes one object.
func (c *Client) Remove(ctx context.Context, bucket, key string) error {
	if err := c.mc.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s/%s: %w", bucket, key, err)
	}
	return nil
}

// PublicURL builds the externally reachable URL for an object.
func (c *Client) PublicURL(bucket, key string) string {
	base := strings.TrimRight(c.cfg.PublicURL, "/")
	if base == "" {
		scheme := "http"
		if c.cfg.UseSSL {
			scheme = "https"
		}
		base = fmt.Sprintf("%s://%s", scheme, c.cfg.Endpoint)
	}
	return fmt.Sprintf("%s/%s/%s", base, url.PathEscape(bucket), url.PathEscape(key))
}

// Buckets exposes the configured bucket names.
func (c *Client) Buckets() config.BucketsConfig {
	return c.cfg.Buckets
}

// IsServerError reports whether an object-store failure came from the
// server side (5xx, throttling) or the network, both retryable. Local
// failures such as an unreadable source file are not.
func IsServerError(err error) bool {
	if err == nil {
		return false
	}
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.StatusCode >= 500 || resp.StatusCode == 429
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}
