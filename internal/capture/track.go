package capture

import (
	"sync"
	"time"
)

// VideoSettings describes the frames a video track carries.
type VideoSettings struct {
	Width     int
	Height    int
	FrameRate int
}

// AudioFormat describes interleaved signed 16-bit PCM.
type AudioFormat struct {
	SampleRate int
	Channels   int
}

// DefaultAudioFormat is what every audio track in screenrec carries.
var DefaultAudioFormat = AudioFormat{SampleRate: 48000, Channels: 2}

// AudioChunk is a block of interleaved s16 samples.
type AudioChunk struct {
	Samples   []int16
	Timestamp time.Duration
}

// VideoTrack is a live sequence of frames. The receiver of a frame owns it
// and must Release it. Frames() is closed when the producer ends or the
// track is stopped.
type VideoTrack interface {
	Frames() <-chan *Frame
	Settings() VideoSettings
	// Stop ends the track and releases buffered frames. Idempotent.
	Stop()
	// Done is closed once Stop has been called.
	Done() <-chan struct{}
}

// AudioTrack is a live sequence of PCM chunks.
type AudioTrack interface {
	Samples() <-chan AudioChunk
	Format() AudioFormat
	Stop()
	Done() <-chan struct{}
}

// pipe is the channel plumbing shared by FrameTrack and SampleTrack. Push
// never blocks: a full buffer drops its oldest entry.
type pipe[T any] struct {
	mu       sync.Mutex
	ch       chan T
	closed   bool
	done     chan struct{}
	stopOnce sync.Once
	onStop   func()
	discard  func(T)
	dropped  uint64
}

func newPipe[T any](buffer int, onStop func(), discard func(T)) pipe[T] {
	if buffer < 1 {
		buffer = 1
	}
	return pipe[T]{
		ch:      make(chan T, buffer),
		done:    make(chan struct{}),
		onStop:  onStop,
		discard: discard,
	}
}

// Push offers v to the consumer. It returns false when the track is closed,
// in which case v has already been discarded.
func (p *pipe[T]) Push(v T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.drop(v)
		return false
	}
	select {
	case p.ch <- v:
		return true
	default:
	}
	select {
	case old := <-p.ch:
		p.drop(old)
		p.dropped++
	default:
	}
	select {
	case p.ch <- v:
	default:
		p.drop(v)
		p.dropped++
	}
	return true
}

// Dropped reports how many entries were discarded because the consumer fell
// behind.
func (p *pipe[T]) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Close marks the end of input. Buffered entries remain readable.
func (p *pipe[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
}

// Stop ends the track from the consumer side, runs the stop hook and
// discards anything still buffered.
func (p *pipe[T]) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		if p.onStop != nil {
			p.onStop()
		}
		p.Close()
		for v := range p.ch {
			p.drop(v)
		}
	})
}

func (p *pipe[T]) Done() <-chan struct{} {
	return p.done
}

func (p *pipe[T]) drop(v T) {
	if p.discard != nil {
		p.discard(v)
	}
}

// FrameTrack is a VideoTrack fed by Push.
type FrameTrack struct {
	pipe[*Frame]
	settings VideoSettings
}

// NewFrameTrack returns a track buffering up to buffer frames. onStop runs
// once when a consumer stops the track.
func NewFrameTrack(settings VideoSettings, buffer int, onStop func()) *FrameTrack {
	return &FrameTrack{
		pipe:     newPipe(buffer, onStop, func(f *Frame) { f.Release() }),
		settings: settings,
	}
}

func (t *FrameTrack) Frames() <-chan *Frame { return t.ch }
func (t *FrameTrack) Settings() VideoSettings { return t.settings }

// SampleTrack is an AudioTrack fed by Push.
type SampleTrack struct {
	pipe[AudioChunk]
	format AudioFormat
}

// NewSampleTrack returns a track buffering up to buffer chunks.
func NewSampleTrack(format AudioFormat, buffer int, onStop func()) *SampleTrack {
	return &SampleTrack{
		pipe:   newPipe[AudioChunk](buffer, onStop, nil),
		format: format,
	}
}

func (t *SampleTrack) Samples() <-chan AudioChunk { return t.ch }
func (t *SampleTrack) Format() AudioFormat { return t.format }
