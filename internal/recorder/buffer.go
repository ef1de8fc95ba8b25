package recorder

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

// DefaultMemoryCeiling is how many encoded bytes are held in memory before
// they are flushed to the spill store.
const DefaultMemoryCeiling = 100 << 20

// chunkBuffer is the session's append-only chunk sequence. It is touched
// only by the encoder data handler until the encoder has stopped, then by
// Stop.
type chunkBuffer struct {
	fs      afero.Fs
	dir     string
	prefix  string
	ceiling int64

	chunks   [][]byte
	inMemory int64
	total    uint64

	segments []segment
	flushes  int
	spillErr error
}

type segment struct {
	path string
	size int64
}

func newChunkBuffer(fs afero.Fs, dir, prefix string, ceiling int64) *chunkBuffer {
	if ceiling <= 0 {
		ceiling = DefaultMemoryCeiling
	}
	return &chunkBuffer{fs: fs, dir: dir, prefix: prefix, ceiling: ceiling}
}

// Append stores p and flushes when in-memory bytes reach the ceiling. A
// failed flush keeps the chunks in memory and disables further spilling.
func (b *chunkBuffer) Append(p []byte) (flushed bool, err error) {
	if len(p) == 0 {
		return false, nil
	}
	b.chunks = append(b.chunks, p)
	b.inMemory += int64(len(p))
	b.total += uint64(len(p))

	if b.inMemory < b.ceiling || b.spillErr != nil {
		return false, nil
	}
	if err := b.flush(); err != nil {
		b.spillErr = err
		return false, err
	}
	return true, nil
}

func (b *chunkBuffer) flush() error {
	if err := b.fs.MkdirAll(b.dir, 0o700); err != nil {
		return fmt.Errorf("create spill dir: %w", err)
	}
	path := filepath.Join(b.dir, fmt.Sprintf("%s-%04d.part", b.prefix, len(b.segments)))
	f, err := b.fs.OpenFile(path, osCreateFlags, 0o600)
	if err != nil {
		return fmt.Errorf("create spill segment: %w", err)
	}
	var size int64
	for _, c := range b.chunks {
		n, err := f.Write(c)
		size += int64(n)
		if err != nil {
			f.Close()
			b.fs.Remove(path)
			return fmt.Errorf("write spill segment: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		b.fs.Remove(path)
		return fmt.Errorf("sync spill segment: %w", err)
	}
	if err := f.Close(); err != nil {
		b.fs.Remove(path)
		return fmt.Errorf("close spill segment: %w", err)
	}

	b.segments = append(b.segments, segment{path: path, size: size})
	b.chunks = nil
	b.inMemory = 0
	b.flushes++
	return nil
}

func (b *chunkBuffer) Total() uint64 { return b.total }

// Blob moves every segment and chunk into an immutable Blob and empties the
// buffer.
func (b *chunkBuffer) Blob(mimeType string, d time.Duration) *Blob {
	blob := &Blob{
		fs:       b.fs,
		segments: b.segments,
		tail:     b.chunks,
		size:     int64(b.total),
		MimeType: mimeType,
		Duration: d,
	}
	b.segments, b.chunks = nil, nil
	b.inMemory, b.total = 0, 0
	return blob
}

// Discard drops in-memory chunks and removes spilled segments.
func (b *chunkBuffer) Discard() {
	b.Blob("", 0).Discard()
}
