package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/breeze-rmm/screenrec/internal/config"
)

// GCSProvider uploads to a Google Cloud Storage bucket. Without a
// credentials file, application default credentials are used.
type GCSProvider struct {
	bucket *gcs.BucketHandle
}

func NewGCSProvider(ctx context.Context, cfg config.StorageConfig) (*GCSProvider, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return &GCSProvider{bucket: client.Bucket(cfg.Bucket)}, nil
}

func (p *GCSProvider) Name() string { return "gcs" }

func (p *GCSProvider) Upload(ctx context.Context, key string, r io.Reader, _ int64, contentType string) error {
	w := p.bucket.Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("gcs upload %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs upload %s: %w", key, err)
	}
	return nil
}
