package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Backblaze/blazer/b2"

	"github.com/breeze-rmm/screenrec/internal/config"
)

// B2Provider uploads to a Backblaze B2 bucket.
type B2Provider struct {
	bucket *b2.Bucket
}

// NewB2Provider authorizes the account, which needs network access.
func NewB2Provider(ctx context.Context, cfg config.StorageConfig) (*B2Provider, error) {
	if cfg.Bucket == "" || cfg.AccountID == "" || cfg.ApplicationKey == "" {
		return nil, errors.New("b2 bucket, account id and application key are required")
	}
	client, err := b2.NewClient(ctx, cfg.AccountID, cfg.ApplicationKey)
	if err != nil {
		return nil, fmt.Errorf("b2 authorize: %w", err)
	}
	bucket, err := client.Bucket(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("b2 bucket %s: %w", cfg.Bucket, err)
	}
	return &B2Provider{bucket: bucket}, nil
}

func (p *B2Provider) Name() string { return "b2" }

func (p *B2Provider) Upload(ctx context.Context, key string, r io.Reader, _ int64, _ string) error {
	w := p.bucket.Object(key).NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("b2 upload %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("b2 upload %s: %w", key, err)
	}
	return nil
}
