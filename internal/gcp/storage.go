package gcp

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// Blobs stores artifact files and pointers in one GCS bucket.
type Blobs struct {
	client *storage.Client
	bucket string
}

// NewBlobs opens a storage client for bucket.
func NewBlobs(ctx context.Context, bucket string, opts ...option.ClientOption) (*Blobs, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &Blobs{client: client, bucket: bucket}, nil
}

// Put writes r to key and returns the object's gs:// URI.
func (b *Blobs) Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error) {
	w := b.client.Bucket(b.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return "", fmt.Errorf("failed to upload gs://%s/%s: %w", b.bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize gs://%s/%s: %w", b.bucket, key, err)
	}
	return fmt.Sprintf("gs://%s/%s", b.bucket, key), nil
}

// Close releases the underlying client.
func (b *Blobs) Close() error {
	return b.client.Close()
}
