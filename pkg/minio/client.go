// Package minio wraps minio-go for fetching uploaded documents from
// S3-compatible object storage by blob path.
package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/errors"
)

// Client reads and writes objects in one bucket.
type Client struct {
	mc      *minio.Client
	bucket  string
	maxSize int64
	logger  *slog.Logger
}

func NewClient(cfg config.BlobConfig) (*Client, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}
	return &Client{
		mc:      mc,
		bucket:  cfg.Bucket,
		maxSize: cfg.MaxObjectSize,
		logger:  slog.Default().With("component", "blob", "bucket", cfg.Bucket),
	}, nil
}

// Fetch downloads the object at blobPath. A missing object is ErrNotFound,
// an object above the configured size limit is ErrValidation, and any other
// storage failure is ErrTimeout so the job is retried.
func (c *Client) Fetch(ctx context.Context, blobPath string) ([]byte, error) {
	info, err := c.mc.StatObject(ctx, c.bucket, blobPath, minio.StatObjectOptions{})
	if err != nil {
		return nil, c.classify(err, blobPath)
	}
	if c.maxSize > 0 && info.Size > c.maxSize {
		return nil, apperrors.Newf(apperrors.ErrValidation, "blob %s is %d bytes, limit is %d", blobPath, info.Size, c.maxSize)
	}

	obj, err := c.mc.GetObject(ctx, c.bucket, blobPath, minio.GetObjectOptions{})
	if err != nil {
		return nil, c.classify(err, blobPath)
	}
	defer obj.Close()

	var buf bytes.Buffer
	buf.Grow(int(info.Size))
	if _, err := io.Copy(&buf, obj); err != nil {
		return nil, c.classify(err, blobPath)
	}
	c.logger.Debug("fetched blob", "blob_path", blobPath, "bytes", buf.Len())
	return buf.Bytes(), nil
}

// Put uploads data to blobPath.
func (c *Client) Put(ctx context.Context, blobPath string, data []byte, contentType string) error {
	_, err := c.mc.PutObject(ctx, c.bucket, blobPath, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", blobPath, err)
	}
	return nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %s: %w", c.bucket, err)
	}
	if exists {
		return nil
	}
	if err := c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("creating bucket %s: %w", c.bucket, err)
	}
	c.logger.Info("created bucket")
	return nil
}

// Ping verifies the bucket is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.mc.BucketExists(ctx, c.bucket)
	return err
}

func (c *Client) classify(err error, blobPath string) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return apperrors.Wrap(apperrors.ErrNotFound, err, "blob "+blobPath)
	case "AccessDenied":
		return apperrors.Wrap(apperrors.ErrValidation, err, "blob "+blobPath)
	}
	return apperrors.Wrap(apperrors.ErrTimeout, err, "fetching blob "+blobPath)
}
