package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Backblaze/blazer/b2"
)

// B2Provider writes to a Backblaze B2 bucket. The blazer writer uploads
// large files in concurrent chunks.
type B2Provider struct {
	bucket *b2.Bucket
}

func NewB2Provider(ctx context.Context, bucket, keyID, appKey string) (*B2Provider, error) {
	if bucket == "" || keyID == "" || appKey == "" {
		return nil, errors.New("b2 bucket, key id and application key are required")
	}
	client, err := b2.NewClient(ctx, keyID, appKey)
	if err != nil {
		return nil, fmt.Errorf("authorize b2: %w", err)
	}
	b, err := client.Bucket(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("open b2 bucket %s: %w", bucket, err)
	}
	return &B2Provider{bucket: b}, nil
}

func (p *B2Provider) Name() string { return "b2" }

func (p *B2Provider) Upload(ctx context.Context, localPath, key string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	obj := p.bucket.Object(key)
	w := obj.NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return "", fmt.Errorf("write b2 %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize b2 %s: %w", key, err)
	}
	return obj.URL(), nil
}
