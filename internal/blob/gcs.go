package blob

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"
)

// GCSStore writes snapshots to a Google Cloud Storage bucket. Authentication
// is handled via Application Default Credentials.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCS connects a GCS client and verifies the bucket is reachable, failing
// fast on startup when the configuration is wrong.
func NewGCS(ctx context.Context, bucket string) (*GCSStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check gcs bucket %q: %w", bucket, err)
	}
	return &GCSStore{client: client, bucket: bucket}, nil
}

// PutObject uploads data and returns a gs:// URI.
func (s *GCSStore) PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	writer := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := writer.Write(data); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("write gcs object %s: %w (close writer: %v)", path, err, closeErr)
		}
		return "", fmt.Errorf("write gcs object %s: %w", path, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close gcs writer for %s: %w", path, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, path), nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
