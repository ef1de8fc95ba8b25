package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/breeze-rmm/screenrec/internal/config"
)

// AzureProvider uploads block blobs into a container. Bucket names the
// container.
type AzureProvider struct {
	container string
	client    *azblob.Client
}

func NewAzureProvider(cfg config.StorageConfig) (*AzureProvider, error) {
	if cfg.Bucket == "" || cfg.ConnectionString == "" {
		return nil, errors.New("azure container and connection string are required")
	}
	client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("azure client: %w", err)
	}
	return &AzureProvider{container: cfg.Bucket, client: client}, nil
}

func (p *AzureProvider) Name() string { return "azure" }

func (p *AzureProvider) Upload(ctx context.Context, key string, r io.Reader, _ int64, _ string) error {
	if _, err := p.client.UploadStream(ctx, p.container, key, r, nil); err != nil {
		return fmt.Errorf("azure upload %s: %w", key, err)
	}
	return nil
}
