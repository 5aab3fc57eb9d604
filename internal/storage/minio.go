package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Client stores payloads that are too large to keep inline in the transit
// database in an S3 compatible object store
type Client struct {
	minio      *minio.Client
	bucketName string
	now        func() time.Time
}

// NewClient creates a new object store client
func NewClient(endpoint, accessKey, secretKey, bucketName string, useSSL bool) (*Client, error) {
	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	return &Client{
		minio:      mc,
		bucketName: bucketName,
		now:        time.Now,
	}, nil
}

// EnsureBucket creates the bucket when it does not exist
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.minio.BucketExists(ctx, c.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", c.bucketName, err)
	}
	if exists {
		return nil
	}
	if err := c.minio.MakeBucket(ctx, c.bucketName, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", c.bucketName, err)
	}
	return nil
}

// PutPayload stores a payload with key format: raw/YYYY-MM-DD/<fileTransferId>.bin
func (c *Client) PutPayload(ctx context.Context, fileTransferID string, payload []byte) (string, error) {
	key := ObjectKey(c.now(), fileTransferID)

	_, err := c.minio.PutObject(ctx, c.bucketName, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", fmt.Errorf("failed to put object %s: %w", key, err)
	}

	return key, nil
}

// GetPayload retrieves a payload
func (c *Client) GetPayload(ctx context.Context, key string) ([]byte, error) {
	obj, err := c.minio.GetObject(ctx, c.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer obj.Close()

	payload, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return payload, nil
}

// DeletePayload removes a payload. A missing object is not an error.
func (c *Client) DeletePayload(ctx context.Context, key string) error {
	err := c.minio.RemoveObject(ctx, c.bucketName, key, minio.RemoveObjectOptions{})
	if err != nil && minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return fmt.Errorf("failed to remove object %s: %w", key, err)
	}
	return nil
}

// ObjectKey builds the object key of a payload received at t
func ObjectKey(t time.Time, fileTransferID string) string {
	return fmt.Sprintf("raw/%s/%s.bin", t.UTC().Format("2006-01-02"), fileTransferID)
}

// ShouldOffload reports whether a payload exceeds the inline limit.
// A limit of zero or less keeps every payload inline.
func ShouldOffload(payloadSize, inlineLimit int) bool {
	return inlineLimit > 0 && payloadSize > inlineLimit
}
