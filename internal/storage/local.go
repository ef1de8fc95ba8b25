package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/spf13/afero"
)

// LocalProvider copies recordings into a directory. Keys cannot escape it.
type LocalProvider struct {
	fs afero.Fs
}

// NewLocalProvider roots a provider at dir on fs. A nil fs means the OS
// filesystem.
func NewLocalProvider(fs afero.Fs, dir string) *LocalProvider {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &LocalProvider{fs: afero.NewBasePathFs(fs, dir)}
}

func (p *LocalProvider) Name() string { return "local" }

func (p *LocalProvider) Upload(ctx context.Context, key string, r io.Reader, size int64, _ string) error {
	if key == "" {
		return errors.New("object key is required")
	}
	dest := "/" + key
	if err := p.fs.MkdirAll(path.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	tmp := dest + ".partial"
	f, err := p.fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", key, err)
	}
	n, err := io.Copy(f, contextReader{ctx: ctx, r: r})
	if err == nil && size >= 0 && n != size {
		err = fmt.Errorf("copied %d of %d bytes", n, size)
	}
	if err != nil {
		f.Close()
		p.fs.Remove(tmp)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		p.fs.Remove(tmp)
		return fmt.Errorf("close %s: %w", key, err)
	}
	if err := p.fs.Rename(tmp, dest); err != nil {
		p.fs.Remove(tmp)
		return fmt.Errorf("rename %s: %w", key, err)
	}
	return nil
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
