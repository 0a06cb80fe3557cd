// Package blobstore wraps S3-compatible object storage for voice note blobs.
// Buckets are provisioned out of band; a missing bucket is a configuration
// fault and surfaces as ErrBucketMissing so callers can report it distinctly
// from a transient upload failure.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrBucketMissing means the configured bucket does not exist. This is an
// operator problem, not a retryable one.
var ErrBucketMissing = errors.New("blobstore: bucket does not exist")

// Config holds the object storage connection settings.
type Config struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	UseSSL        bool
	PublicBaseURL string // base for the URLs handed to clients
}

// Client is a thin wrapper over one bucket.
type Client struct {
	mc      *minio.Client
	bucket  string
	baseURL string
}

// New connects to the storage endpoint. It does not touch the bucket; call
// CheckBucket before the first upload.
func New(cfg Config) (*Client, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: connect %s: %w", cfg.Endpoint, err)
	}
	return &Client{
		mc:      mc,
		bucket:  cfg.Bucket,
		baseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
	}, nil
}

// CheckBucket verifies the bucket exists, returning ErrBucketMissing when it
// does not.
func (c *Client) CheckBucket(ctx context.Context) error {
	ok, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("blobstore: check bucket %s: %w", c.bucket, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrBucketMissing, c.bucket)
	}
	return nil
}

// Upload stores data under path and returns the public URL.
func (c *Client) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	_, err := c.mc.PutObject(ctx, c.bucket, path, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("blobstore: upload %s: %w", path, err)
	}
	return fmt.Sprintf("%s/%s/%s", c.baseURL, c.bucket, path), nil
}
