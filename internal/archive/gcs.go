package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSProvider writes objects to a Google Cloud Storage bucket. Credentials
// come from credentialsFile or, when empty, application default
// credentials.
type GCSProvider struct {
	bucket string
	client *storage.Client
}

func NewGCSProvider(ctx context.Context, bucket, credentialsFile string) (*GCSProvider, error) {
	if bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSProvider{bucket: bucket, client: client}, nil
}

func (p *GCSProvider) Name() string { return "gcs" }

func (p *GCSProvider) Upload(ctx context.Context, localPath, key string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	w := p.client.Bucket(p.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType(filepath.Base(localPath))
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return "", fmt.Errorf("write gs://%s/%s: %w", p.bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize gs://%s/%s: %w", p.bucket, key, err)
	}
	return fmt.Sprintf("gs://%s/%s", p.bucket, key), nil
}

func (p *GCSProvider) Close() error { return p.client.Close() }
