// Package processutil holds the child-process plumbing shared by the capture
// grabber, the session encoder and the transcoder.
package processutil

import (
	"strings"
	"sync"
)

// DefaultTailSize bounds how much ffmpeg stderr is kept for error messages.
const DefaultTailSize = 8 * 1024

// TailBuffer is an io.Writer that keeps only the last Limit bytes written.
// It is safe for concurrent use.
type TailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	Limit int
}

// NewTailBuffer returns a TailBuffer keeping at most limit bytes.
func NewTailBuffer(limit int) *TailBuffer {
	if limit <= 0 {
		limit = DefaultTailSize
	}
	return &TailBuffer{Limit: limit}
}

func (b *TailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	limit := b.Limit
	if limit <= 0 {
		limit = DefaultTailSize
	}
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

// String returns the retained bytes.
func (b *TailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// LastLines returns up to n trailing non-empty lines joined by newlines.
func (b *TailBuffer) LastLines(n int) string {
	lines := strings.Split(strings.TrimSpace(b.String()), "\n")
	kept := make([]string, 0, n)
	for i := len(lines) - 1; i >= 0 && len(kept) < n; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		kept = append(kept, line)
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return strings.Join(kept, "\n")
}
