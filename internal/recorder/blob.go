package recorder

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

const osCreateFlags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC

// Blob is a finished recording: spilled segments followed by the chunks that
// were still in memory. Only Discard modifies it once Stop has returned it.
type Blob struct {
	fs       afero.Fs
	segments []segment
	tail     [][]byte
	size     int64

	MimeType string
	Duration time.Duration
}

// NewMemoryBlob returns a blob holding chunks in memory.
func NewMemoryBlob(mimeType string, d time.Duration, chunks ...[]byte) *Blob {
	b := &Blob{MimeType: mimeType, Duration: d}
	for _, c := range chunks {
		b.tail = append(b.tail, c)
		b.size += int64(len(c))
	}
	return b
}

// Size returns the total byte count. A nil Blob is empty.
func (b *Blob) Size() int64 {
	if b == nil {
		return 0
	}
	return b.size
}

func (b *Blob) Empty() bool { return b.Size() == 0 }

// Extension returns the file extension for the blob's container.
func (b *Blob) Extension() string {
	if b == nil || b.MimeType == "" {
		return ".webm"
	}
	container, _, _ := strings.Cut(b.MimeType, ";")
	_, sub, ok := strings.Cut(container, "/")
	if !ok || sub == "" {
		return ".webm"
	}
	return "." + sub
}

// NewReader returns the blob contents in order. Close releases any open
// segment files.
func (b *Blob) NewReader() (io.ReadCloser, error) {
	if b == nil {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	rc := &blobReader{}
	readers := make([]io.Reader, 0, len(b.segments)+len(b.tail))
	for _, seg := range b.segments {
		f, err := b.fs.Open(seg.path)
		if err != nil {
			rc.Close()
			return nil, fmt.Errorf("open spill segment: %w", err)
		}
		rc.files = append(rc.files, f)
		readers = append(readers, f)
	}
	for _, c := range b.tail {
		readers = append(readers, bytes.NewReader(c))
	}
	rc.Reader = io.MultiReader(readers...)
	return rc, nil
}

type blobReader struct {
	io.Reader
	files []afero.File
}

func (r *blobReader) Close() error {
	var errs []error
	for _, f := range r.files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WriteTo writes the blob contents to w.
func (b *Blob) WriteTo(w io.Writer) (int64, error) {
	rc, err := b.NewReader()
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	return io.Copy(w, rc)
}

// Save writes the blob to dir/name on fs through a temp file and a rename so
// a partially written recording is never visible under its final name.
func (b *Blob) Save(fs afero.Fs, dir, name string) (string, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create save location: %w", err)
	}
	tmp, err := afero.TempFile(fs, dir, "."+name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	fail := func(err error) (string, error) {
		tmp.Close()
		fs.Remove(tmpPath)
		return "", err
	}

	n, err := b.WriteTo(tmp)
	if err != nil {
		return fail(fmt.Errorf("write recording: %w", err))
	}
	if n != b.Size() {
		return fail(fmt.Errorf("write recording: wrote %d of %d bytes", n, b.Size()))
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("sync recording: %w", err))
	}
	if err := tmp.Close(); err != nil {
		fs.Remove(tmpPath)
		return "", fmt.Errorf("close recording: %w", err)
	}

	final := filepath.Join(dir, name)
	if err := fs.Rename(tmpPath, final); err != nil {
		fs.Remove(tmpPath)
		return "", fmt.Errorf("rename recording: %w", err)
	}
	return final, nil
}

// Discard removes spilled segments and drops in-memory chunks. The blob is
// empty afterwards.
func (b *Blob) Discard() error {
	if b == nil {
		return nil
	}
	var errs []error
	for _, seg := range b.segments {
		if err := b.fs.Remove(seg.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	b.segments, b.tail, b.size = nil, nil, 0
	return errors.Join(errs...)
}

// FileName returns the default name for a recording started at t.
func FileName(t time.Time, ext string) string {
	return "recording-" + t.Format("20060102-150405") + ext
}
