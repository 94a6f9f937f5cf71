// Package storage stages raw uploads in S3-compatible object storage and
// hands out URLs the OCR service can fetch.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"projectlens/internal/domain"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	DefaultTempPrefix = "tmp/ocr/"
	DefaultURLExpiry  = time.Hour
)

// objectAPI is the part of *minio.Client the adapter uses.
type objectAPI interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PresignedPutObject(ctx context.Context, bucket, key string, expires time.Duration) (*url.URL, error)
	PresignedGetObject(ctx context.Context, bucket, key string, expires time.Duration, params url.Values) (*url.URL, error)
	RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error
	ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
}

// Config describes the bucket and how its objects are exposed publicly.
type Config struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	Region        string
	UseSSL        bool
	TempPrefix    string
	PublicBaseURL string        // when set, URLs are PublicBaseURL/key instead of presigned
	URLExpiry     time.Duration // lifetime of presigned URLs
}

// Client is the object storage adapter.
type Client struct {
	api        objectAPI
	bucket     string
	tempPrefix string
	publicBase string
	expiry     time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// New connects to the configured endpoint. It does not touch the network;
// call EnsureBucket at startup.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("storage endpoint and bucket are required")
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return newClient(mc, cfg), nil
}

func newClient(api objectAPI, cfg Config) *Client {
	c := &Client{
		api:        api,
		bucket:     cfg.Bucket,
		tempPrefix: cfg.TempPrefix,
		publicBase: strings.TrimRight(cfg.PublicBaseURL, "/"),
		expiry:     cfg.URLExpiry,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     slog.Default().With("component", "storage"),
	}
	if c.tempPrefix == "" {
		c.tempPrefix = DefaultTempPrefix
	}
	if c.expiry <= 0 {
		c.expiry = DefaultURLExpiry
	}
	return c
}

// EnsureBucket creates the bucket if it does not exist yet.
func (c *Client) EnsureBucket(ctx context.Context) error {
	ok, err := c.api.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
	}
	if ok {
		return nil
	}
	if err := c.api.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("%w: create bucket %s: %w", domain.ErrStorageUnavailable, c.bucket, err)
	}
	c.logger.Info("storage.bucket.created", "bucket", c.bucket)
	return nil
}

// TempKey is the staging key for an OCR hand-off of document docID.
func (c *Client) TempKey(docID, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return c.tempPrefix + docID + strings.ToLower(ext)
}

// Put stores data under key and returns a publicly fetchable URL.
// A failed direct upload is retried once through a presigned PUT; if both
// paths fail the result wraps domain.ErrStorageUnavailable.
func (c *Client) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	start := time.Now()
	_, err := c.api.PutObject(ctx, c.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		c.logger.Warn("storage.put.primary_failed", "key", key, "error", err)
		if err2 := c.putPresigned(ctx, key, data, contentType); err2 != nil {
			c.logger.Error("storage.put.error", "key", key, "error", err2)
			return "", fmt.Errorf("%w: put %s: %w", domain.ErrStorageUnavailable, key, errors.Join(err, err2))
		}
	}

	u, err := c.URL(ctx, key)
	if err != nil {
		return "", err
	}
	c.logger.Info("storage.put.ok", "key", key, "bytes", len(data), "elapsed_ms", time.Since(start).Milliseconds())
	return u, nil
}

func (c *Client) putPresigned(ctx context.Context, key string, data []byte, contentType string) error {
	u, err := c.api.PresignedPutObject(ctx, c.bucket, key, c.expiry)
	if err != nil {
		return fmt.Errorf("presign put: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.String(), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.ContentLength = int64(len(data))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("presigned put: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("presigned put: status %d", resp.StatusCode)
	}
	return nil
}

// URL returns the public address of key.
func (c *Client) URL(ctx context.Context, key string) (string, error) {
	if c.publicBase != "" {
		return c.publicBase + "/" + key, nil
	}
	u, err := c.api.PresignedGetObject(ctx, c.bucket, key, c.expiry, nil)
	if err != nil {
		return "", fmt.Errorf("%w: presign get %s: %w", domain.ErrStorageUnavailable, key, err)
	}
	return u.String(), nil
}

// Delete removes key. Deleting a missing object is not an error.
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.api.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("%w: delete %s: %w", domain.ErrStorageUnavailable, key, err)
	}
	return nil
}

// Sweep deletes temporary objects older than retention and returns how
// many were removed.
func (c *Client) Sweep(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)
	removed := 0
	var errs []error

	for obj := range c.api.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{Prefix: c.tempPrefix, Recursive: true}) {
		if obj.Err != nil {
			return removed, fmt.Errorf("%w: list %s: %w", domain.ErrStorageUnavailable, c.tempPrefix, obj.Err)
		}
		if obj.LastModified.After(cutoff) {
			continue
		}
		if err := c.Delete(ctx, obj.Key); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}

	if removed > 0 {
		c.logger.Info("storage.sweep.ok", "removed", removed, "retention", retention)
	}
	return removed, errors.Join(errs...)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (c *Client) RunSweeper(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Sweep(ctx, retention); err != nil {
				c.logger.Warn("storage.sweep.error", "error", err)
			}
		}
	}
}
