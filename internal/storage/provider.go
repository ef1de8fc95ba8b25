// Package storage publishes finished recordings to a local directory or a
// remote object store.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/breeze-rmm/screenrec/internal/config"
)

// Provider stores one object per call. key uses forward slashes.
type Provider interface {
	Name() string
	Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
}

var ErrNoProvider = errors.New("storage provider is not configured")

// New builds the provider selected by cfg. Provider "none" returns
// ErrNoProvider.
func New(ctx context.Context, cfg config.StorageConfig) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "none":
		return nil, ErrNoProvider
	case "local":
		return NewLocalProvider(nil, cfg.LocalDir), nil
	case "s3":
		return NewS3Provider(ctx, cfg)
	case "azure":
		return NewAzureProvider(cfg)
	case "gcs":
		return NewGCSProvider(ctx, cfg)
	case "b2":
		return NewB2Provider(ctx, cfg)
	}
	return nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
}

// ObjectKey joins prefix and name into a clean object key.
func ObjectKey(prefix, name string) string {
	prefix = strings.Trim(strings.ReplaceAll(prefix, "\\", "/"), "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// ContentType maps a recording file extension to its MIME type.
func ContentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".webm":
		return "video/webm"
	case ".mp4":
		return "video/mp4"
	case ".mkv":
		return "video/x-matroska"
	case ".gif":
		return "image/gif"
	}
	return "application/octet-stream"
}
