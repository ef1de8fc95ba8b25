// Package crop restricts a live video track to a sub-rectangle on a
// dedicated worker goroutine.
package crop

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"

	"github.com/breeze-rmm/screenrec/internal/capture"
	"github.com/breeze-rmm/screenrec/internal/logging"
)

var log = logging.L("crop")

// DefaultInitTimeout bounds how long Start waits for the first cropped frame.
const DefaultInitTimeout = 5 * time.Second

var (
	// ErrInitTimeout is returned by Start when no frame makes it through the
	// worker within the init timeout.
	ErrInitTimeout = errors.New("crop pipeline did not produce a frame in time")

	// ErrInputEnded is returned by Start when the input track ends before the
	// first frame.
	ErrInputEnded = errors.New("crop input ended before the first frame")

	// ErrStopped is returned by UpdateCropArea after Stop.
	ErrStopped = errors.New("crop pipeline stopped")
)

// Options tunes a Pipeline. Zero values select defaults.
type Options struct {
	InitTimeout  time.Duration
	PoolCapacity int
	OutputBuffer int
}

// Stats counts frames seen by the worker.
type Stats struct {
	Processed uint64
	Dropped   uint64
}

// cropContext is immutable once published to the worker.
type cropContext struct {
	rect capture.Rect
}

type updateRequest struct {
	next *cropContext
	ack  chan struct{}
}

// Pipeline owns its input track from Start until Stop.
type Pipeline struct {
	input capture.VideoTrack
	out   *capture.FrameTrack
	pool  *capture.FramePool

	updates  chan updateRequest
	stop     chan struct{}
	stopped  chan struct{}
	ready    chan struct{}
	haltOnce sync.Once

	processed atomic.Uint64
	dropped   atomic.Uint64
}

// Clamp restricts rect (physical pixels) to a w×h frame. The result has zero
// width or height when the two do not overlap.
func Clamp(rect capture.Rect, w, h int) capture.Rect {
	x0 := max(rect.X, 0)
	y0 := max(rect.Y, 0)
	x1 := min(rect.X+rect.Width, w)
	y1 := min(rect.Y+rect.Height, h)
	return capture.Rect{
		X:      x0,
		Y:      y0,
		Width:  max(0, x1-x0),
		Height: max(0, y1-y0),
	}
}

// Start takes ownership of input and begins cropping each frame to rect,
// given in physical pixels. It returns once the first cropped frame has been
// emitted, or ErrInitTimeout.
func Start(ctx context.Context, input capture.VideoTrack, rect capture.Rect, opts Options) (*Pipeline, error) {
	if rect.Empty() {
		input.Stop()
		return nil, fmt.Errorf("crop rectangle %v has no area", rect)
	}
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = DefaultInitTimeout
	}
	if opts.OutputBuffer <= 0 {
		opts.OutputBuffer = 4
	}

	in := input.Settings()
	bounds := Clamp(rect, in.Width, in.Height)
	settings := capture.VideoSettings{Width: bounds.Width, Height: bounds.Height, FrameRate: in.FrameRate}
	if bounds.Empty() {
		// The worker still runs; frames are dropped until the source size changes.
		settings.Width, settings.Height = rect.Width, rect.Height
	}

	p := &Pipeline{
		input:   input,
		pool:    capture.NewFramePool(opts.PoolCapacity),
		updates: make(chan updateRequest),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		ready:   make(chan struct{}),
	}
	p.out = capture.NewFrameTrack(settings, opts.OutputBuffer, p.halt)

	go p.run(&cropContext{rect: rect})

	timer := time.NewTimer(opts.InitTimeout)
	defer timer.Stop()
	select {
	case <-p.ready:
		log.Debug("crop pipeline live", "rect", rect.String())
		return p, nil
	case <-p.stopped:
		select {
		case <-p.ready:
			return p, nil
		default:
		}
		p.Stop()
		return nil, ErrInputEnded
	case <-timer.C:
		p.Stop()
		return nil, ErrInitTimeout
	case <-ctx.Done():
		p.Stop()
		return nil, ctx.Err()
	}
}

// Track returns the cropped output. Stopping it stops the pipeline.
func (p *Pipeline) Track() capture.VideoTrack {
	return p.out
}

// UpdateCropArea replaces the crop rectangle (physical pixels). It returns
// after the worker has switched; every later frame uses the new rectangle.
func (p *Pipeline) UpdateCropArea(ctx context.Context, rect capture.Rect) error {
	if rect.Empty() {
		return fmt.Errorf("crop rectangle %v has no area", rect)
	}
	req := updateRequest{next: &cropContext{rect: rect}, ack: make(chan struct{})}
	select {
	case p.updates <- req:
	case <-p.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.ack:
		return nil
	case <-p.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop signals the worker, waits for it to exit, then stops the input and
// output tracks. Idempotent.
func (p *Pipeline) Stop() {
	p.halt()
	p.out.Stop()
}

// Stats returns frame counters.
func (p *Pipeline) Stats() Stats {
	return Stats{Processed: p.processed.Load(), Dropped: p.dropped.Load()}
}

func (p *Pipeline) halt() {
	p.haltOnce.Do(func() {
		close(p.stop)
		<-p.stopped
		p.input.Stop()
		s := p.Stats()
		log.Debug("crop pipeline stopped", "processed", s.Processed, "dropped", s.Dropped)
	})
}

func (p *Pipeline) run(cur *cropContext) {
	defer close(p.stopped)
	var readyOnce sync.Once
	frames := p.input.Frames()

	for {
		select {
		case <-p.stop:
			return
		case req := <-p.updates:
			cur = req.next
			close(req.ack)
		case f, ok := <-frames:
			if !ok {
				p.out.Close()
				return
			}
			if p.transform(f, cur) {
				readyOnce.Do(func() { close(p.ready) })
			}
		}
	}
}

// transform emits the cropped copy of f and always releases f.
func (p *Pipeline) transform(f *capture.Frame, c *cropContext) bool {
	defer f.Release()

	r := Clamp(c.rect, f.Width(), f.Height())
	if r.Empty() {
		p.dropped.Add(1)
		return false
	}
	dst, ok := p.pool.Get(r.Width, r.Height, f.Timestamp)
	if !ok {
		p.dropped.Add(1)
		return false
	}

	sr := image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height).Add(f.Image.Rect.Min)
	draw.Copy(dst.Image, image.Point{}, f.Image, sr, draw.Src, nil)

	p.processed.Add(1)
	return p.out.Push(dst)
}
