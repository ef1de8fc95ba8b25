package recorder

import (
	"context"
	"fmt"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/breeze-rmm/screenrec/internal/capture"
	"github.com/breeze-rmm/screenrec/internal/encoder"
	"github.com/breeze-rmm/screenrec/internal/health"
)

type fakePlatform struct {
	sources     []capture.Source
	transform   bool
	scale       float64
	systemAudio bool
	noFrames    bool
	micErr      error
	primary     capture.Rect
	primaryErr  error

	mu       sync.Mutex
	acquired []*capture.RawStream
	mics     []*capture.SampleTrack
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		sources: []capture.Source{
			{ID: "screen:0", Name: "Screen 0", Kind: capture.SourceScreen, Primary: true},
			{ID: "window:42", Name: "Editor", Kind: capture.SourceWindow},
		},
		transform: true,
		scale:     1,
		primary:   capture.Rect{Width: 64, Height: 48},
	}
}

func (p *fakePlatform) EnumerateSources(context.Context) ([]capture.Source, error) {
	return p.sources, nil
}

func (p *fakePlatform) AcquireStream(_ context.Context, sourceID string, c capture.Constraints) (*capture.RawStream, error) {
	found := false
	for _, s := range p.sources {
		found = found || s.ID == sourceID
	}
	if !found {
		return nil, fmt.Errorf("%q: %w", sourceID, capture.ErrSourceNotFound)
	}

	video := capture.NewFrameTrack(capture.VideoSettings{Width: 64, Height: 48, FrameRate: c.FrameRate}, 4, nil)
	raw := &capture.RawStream{Video: video}
	if !p.noFrames {
		go produceFrames(video)
	}
	if c.IncludeSystemAudio && p.systemAudio {
		raw.Audio = capture.NewSampleTrack(capture.DefaultAudioFormat, 8, nil)
	}

	p.mu.Lock()
	p.acquired = append(p.acquired, raw)
	p.mu.Unlock()
	return raw, nil
}

func produceFrames(t *capture.FrameTrack) {
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-t.Done():
			return
		case <-tick.C:
			t.Push(capture.NewFrame(image.NewRGBA(image.Rect(0, 0, 64, 48)), 0))
		}
	}
}

func (p *fakePlatform) OpenMicrophone(context.Context, capture.MicrophoneOptions) (capture.AudioTrack, error) {
	if p.micErr != nil {
		return nil, p.micErr
	}
	mic := capture.NewSampleTrack(capture.DefaultAudioFormat, 8, nil)
	p.mu.Lock()
	p.mics = append(p.mics, mic)
	p.mu.Unlock()
	return mic, nil
}

func (p *fakePlatform) ScaleFactor(int, int) float64 { return p.scale }

func (p *fakePlatform) PrimaryDisplayBounds() (capture.Rect, error) {
	return p.primary, p.primaryErr
}

func (p *fakePlatform) Capabilities() capture.Capabilities {
	return capture.Capabilities{FrameTransform: p.transform}
}

func (p *fakePlatform) streams() []*capture.RawStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*capture.RawStream(nil), p.acquired...)
}

// allStopped reports whether every acquired track has been stopped.
func (p *fakePlatform) allStopped() bool {
	for _, raw := range p.streams() {
		if !closed(raw.Video.Done()) {
			return false
		}
		if raw.Audio != nil && !closed(raw.Audio.Done()) {
			return false
		}
	}
	return true
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

type fakeEncoder struct {
	cfg   encoder.Config
	video capture.VideoTrack
	audio capture.AudioTrack

	mu      sync.Mutex
	paused  int
	resumed int
	stopped int
	final   []byte
	stopErr error
	quit    chan struct{}
	drained chan struct{}
}

func (e *fakeEncoder) Start(video capture.VideoTrack, audio capture.AudioTrack) error {
	e.video, e.audio = video, audio
	e.quit = make(chan struct{})
	e.drained = make(chan struct{})
	go func() {
		defer close(e.drained)
		frames := video.Frames()
		for {
			select {
			case <-e.quit:
				return
			case f, ok := <-frames:
				if !ok {
					return
				}
				f.Release()
			}
		}
	}()
	return nil
}

func (e *fakeEncoder) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused++
}

func (e *fakeEncoder) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resumed++
}

func (e *fakeEncoder) Stop(context.Context) error {
	e.mu.Lock()
	e.stopped++
	first := e.stopped == 1
	final, err := e.final, e.stopErr
	e.mu.Unlock()
	if first {
		close(e.quit)
		<-e.drained
		if len(final) > 0 {
			e.cfg.OnData(final)
		}
	}
	return err
}

func (e *fakeEncoder) MimeType() string { return e.cfg.Profile.MimeType }

// emit delivers a chunk the way the encoder's output goroutine would.
func (e *fakeEncoder) emit(p []byte) { e.cfg.OnData(p) }

func (e *fakeEncoder) counts() (paused, resumed int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused, e.resumed
}

type encoderFactory struct {
	mu       sync.Mutex
	err      error
	stopErr  error
	final    []byte
	encoders []*fakeEncoder
}

func (f *encoderFactory) New(cfg encoder.Config) (Encoder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	e := &fakeEncoder{cfg: cfg, stopErr: f.stopErr, final: f.final}
	f.encoders = append(f.encoders, e)
	return e, nil
}

func (f *encoderFactory) last() *fakeEncoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.encoders) == 0 {
		return nil
	}
	return f.encoders[len(f.encoders)-1]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) record(s State) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) statuses() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Status, 0, len(l.states))
	for _, s := range l.states {
		if len(out) == 0 || out[len(out)-1] != s.Status {
			out = append(out, s.Status)
		}
	}
	return out
}

type harness struct {
	session  *Session
	platform *fakePlatform
	encoders *encoderFactory
	clock    *fakeClock
	fs       afero.Fs
	health   *health.Monitor
	states   *stateLog
}

func newHarness(t *testing.T, mutate func(*Options, *fakePlatform)) *harness {
	t.Helper()
	h := &harness{
		platform: newFakePlatform(),
		encoders: &encoderFactory{},
		clock:    newFakeClock(),
		fs:       afero.NewMemMapFs(),
		health:   health.NewMonitor(),
		states:   &stateLog{},
	}
	opts := Options{
		Platform:   h.platform,
		SpillFs:    h.fs,
		SpillDir:   "/spill",
		NewEncoder: h.encoders.New,
		Negotiate: func(context.Context) (encoder.Profile, error) {
			return encoder.Preferences[0], nil
		},
		Health:       h.health,
		Now:          h.clock.Now,
		TickInterval: time.Hour,
	}
	if mutate != nil {
		mutate(&opts, h.platform)
	}
	h.session = New(opts)
	sub := h.session.Subscribe(h.states.record)
	t.Cleanup(func() {
		sub.Release()
		h.session.Stop(context.Background())
	})
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
