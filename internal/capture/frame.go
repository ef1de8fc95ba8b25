package capture

import (
	"image"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPoolCapacity is how many frames may be outstanding per track before
// the producer starts dropping.
const DefaultPoolCapacity = 8

// Frame is one captured video frame. Pixels are stored in BGRA order in
// Image.Pix. Every Frame obtained from a pool must be released exactly once.
type Frame struct {
	Image     *image.RGBA
	Timestamp time.Duration

	pool     *FramePool
	released atomic.Bool
}

// NewFrame wraps img in a Frame that belongs to no pool.
func NewFrame(img *image.RGBA, ts time.Duration) *Frame {
	return &Frame{Image: img, Timestamp: ts}
}

func (f *Frame) Width() int { return f.Image.Rect.Dx() }
func (f *Frame) Height() int { return f.Image.Rect.Dy() }

// Release returns the frame buffer to its pool. Extra calls are ignored.
func (f *Frame) Release() {
	if f == nil || !f.released.CompareAndSwap(false, true) {
		return
	}
	if f.pool != nil {
		f.pool.put(f.Image)
	}
}

// FramePool hands out frame buffers up to a fixed capacity. A consumer that
// never releases frames exhausts the pool and starves its producer.
type FramePool struct {
	mu          sync.Mutex
	capacity    int
	outstanding int
	w, h        int
	free        []*image.RGBA
}

// NewFramePool returns a pool allowing capacity outstanding frames.
func NewFramePool(capacity int) *FramePool {
	if capacity < 1 {
		capacity = DefaultPoolCapacity
	}
	return &FramePool{capacity: capacity}
}

// Get returns a w×h frame, or false when every buffer is outstanding.
func (p *FramePool) Get(w, h int, ts time.Duration) (*Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.outstanding >= p.capacity {
		return nil, false
	}
	if p.w != w || p.h != h {
		// Resolution changed; cached buffers are the wrong size.
		p.w, p.h = w, h
		p.free = p.free[:0]
	}

	var img *image.RGBA
	if n := len(p.free); n > 0 {
		img = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		img = image.NewRGBA(image.Rect(0, 0, w, h))
	}
	p.outstanding++
	return &Frame{Image: img, Timestamp: ts, pool: p}, true
}

// Outstanding reports frames handed out and not yet released.
func (p *FramePool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}

func (p *FramePool) put(img *image.RGBA) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outstanding--
	b := img.Bounds()
	if b.Dx() == p.w && b.Dy() == p.h && len(p.free) < p.capacity {
		p.free = append(p.free, img)
	}
}
