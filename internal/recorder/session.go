// Package recorder implements the capture session: it resolves a source,
// acquires the platform stream, optionally crops and mixes it, and turns the
// result into an ordered sequence of encoded chunks.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/breeze-rmm/screenrec/internal/capture"
	"github.com/breeze-rmm/screenrec/internal/crop"
	"github.com/breeze-rmm/screenrec/internal/encoder"
	"github.com/breeze-rmm/screenrec/internal/health"
	"github.com/breeze-rmm/screenrec/internal/logging"
	"github.com/breeze-rmm/screenrec/internal/metrics"
	"github.com/breeze-rmm/screenrec/internal/mixer"
	"github.com/breeze-rmm/screenrec/internal/notify"
)

var log = logging.L("recorder")

const (
	defaultTick      = time.Second
	faultStopTimeout = 5 * time.Second
)

// Encoder consumes the composed tracks. OnData and OnError are set through
// encoder.Config by the factory.
type Encoder interface {
	Start(video capture.VideoTrack, audio capture.AudioTrack) error
	Pause()
	Resume()
	Stop(ctx context.Context) error
	MimeType() string
}

// EncoderFactory builds the encoder for one recording.
type EncoderFactory func(cfg encoder.Config) (Encoder, error)

// Inhibitor suppresses the screen saver while a recording runs.
type Inhibitor interface {
	Inhibit(reason string) (release func(), err error)
}

// Options wires a Session to its collaborators. Platform is required.
type Options struct {
	Platform   capture.Platform
	FFmpegPath string

	Timeslice     time.Duration
	MemoryCeiling int64
	SpillFs       afero.Fs
	SpillDir      string

	Crop       crop.Options
	NewEncoder EncoderFactory
	// Negotiate picks the container profile. It runs once per Session.
	Negotiate func(ctx context.Context) (encoder.Profile, error)

	Inhibitor Inhibitor
	Health    *health.Monitor
	Metrics   *metrics.Metrics

	Now          func() time.Time
	TickInterval time.Duration
}

// Session is the recording state machine. One Session is created by the
// composition root and shared by every caller.
type Session struct {
	opts  Options
	mixer *mixer.Mixer

	// ctl serializes Start, Pause, Resume, Stop and fault handling.
	ctl sync.Mutex
	// emit orders broadcasts; it is taken before mu.
	emit sync.Mutex
	mu   sync.Mutex

	state State
	run   *run

	states notify.Hub[State]
	diags  notify.Hub[Diagnostic]

	profileOnce sync.Once
	profile     encoder.Profile
}

// run holds everything acquired for one recording. Timing fields are
// guarded by Session.mu.
type run struct {
	id   string
	log  *slog.Logger
	area bool

	raw    *capture.RawStream
	crop   *crop.Pipeline
	// origin is the primary display's top-left inside the captured frame.
	origin image.Point
	mixing bool
	enc    Encoder
	buf    *chunkBuffer

	startedAt   time.Time
	pausedAt    time.Time
	pausedTotal time.Duration
	paused      bool

	timerStop chan struct{}
	timerDone chan struct{}
	release   func()
}

func (r *run) elapsed(now time.Time) time.Duration {
	end := now
	if r.paused {
		end = r.pausedAt
	}
	d := end.Sub(r.startedAt) - r.pausedTotal
	if d < 0 {
		return 0
	}
	return d
}

func New(opts Options) *Session {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.Timeslice <= 0 {
		opts.Timeslice = encoder.DefaultTimeslice
	}
	if opts.MemoryCeiling <= 0 {
		opts.MemoryCeiling = DefaultMemoryCeiling
	}
	if opts.SpillFs == nil {
		opts.SpillFs = afero.NewOsFs()
	}
	if opts.SpillDir == "" {
		opts.SpillDir = filepath.Join(os.TempDir(), "screenrec-spill")
	}
	if opts.NewEncoder == nil {
		opts.NewEncoder = ffmpegEncoder
	}
	if opts.Negotiate == nil {
		path := opts.FFmpegPath
		opts.Negotiate = func(ctx context.Context) (encoder.Profile, error) {
			return encoder.Negotiate(ctx, path)
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTick
	}
	return &Session{
		opts:  opts,
		mixer: mixer.New(opts.Platform),
		state: State{Status: StatusIdle},
	}
}

func ffmpegEncoder(cfg encoder.Config) (Encoder, error) {
	e, err := encoder.New(cfg)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// State returns the current snapshot.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers fn for every state snapshot. Snapshots are delivered
// synchronously and in order; fn must not call Session control methods.
func (s *Session) Subscribe(fn func(State)) *notify.Subscription {
	return s.states.Subscribe(fn)
}

// SubscribeDiagnostics registers fn for non-fatal warnings.
func (s *Session) SubscribeDiagnostics(fn func(Diagnostic)) *notify.Subscription {
	return s.diags.Subscribe(fn)
}

// Sources lists capturable screens and windows.
func (s *Session) Sources(ctx context.Context) ([]capture.Source, error) {
	return s.opts.Platform.EnumerateSources(ctx)
}

// update applies fn to the state under the lock and broadcasts the result
// if fn returns true. Broadcasts leave in the order updates were applied.
func (s *Session) update(fn func(st *State) bool) {
	s.emit.Lock()
	defer s.emit.Unlock()

	s.mu.Lock()
	changed := fn(&s.state)
	snap := s.state
	s.mu.Unlock()

	if changed {
		s.states.Publish(snap)
	}
}

func (s *Session) diagnose(r *run, component, code, message string) {
	d := Diagnostic{
		Time:      s.opts.Now(),
		SessionID: r.id,
		Component: component,
		Code:      code,
		Message:   message,
	}
	r.log.Warn("recording diagnostic", "code", code, "message", message)
	s.diags.Publish(d)
}

// Start begins a recording. On any failure every acquired resource is
// released and the session is Idle with LastError set.
func (s *Session) Start(ctx context.Context, req Request) error {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	if s.State().Status != StatusIdle {
		return ErrAlreadyRecording
	}

	req.applyDefaults()
	if err := req.Validate(); err != nil {
		s.setIdle(nil, err.Error())
		return err
	}

	id := uuid.NewString()
	r := &run{
		id:   id,
		log:  logging.WithSession(log, id),
		area: req.Mode == ModeArea,
		buf:  newChunkBuffer(s.opts.SpillFs, s.opts.SpillDir, id, s.opts.MemoryCeiling),
	}

	if err := s.begin(ctx, r, req); err != nil {
		r.log.Warn("recording failed to start", "mode", string(req.Mode), "error", err.Error())
		s.teardown(r)
		r.buf.Discard()
		s.opts.Metrics.RecordingFailed()
		s.setIdle(nil, err.Error())
		return err
	}

	now := s.opts.Now()
	r.timerStop = make(chan struct{})
	r.timerDone = make(chan struct{})
	s.update(func(st *State) bool {
		s.run = r
		r.startedAt = now
		*st = State{Status: StatusRecording}
		return true
	})
	go s.tick(r, r.timerStop, r.timerDone)

	s.opts.Metrics.RecordingStarted()
	s.opts.Health.Update(health.ComponentCapture, health.Healthy, "")
	s.opts.Health.Update(health.ComponentEncoder, health.Healthy, "")
	r.log.Info("recording started",
		"mode", string(req.Mode),
		"fps", req.FrameRate,
		"bitrate", req.VideoBitsPerSecond,
		"systemAudio", req.IncludeSystemAudio,
		"microphone", req.IncludeMicrophone,
	)
	return nil
}

func (s *Session) begin(ctx context.Context, r *run, req Request) error {
	platform := s.opts.Platform

	sources, err := platform.EnumerateSources(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	var src capture.Source
	var ok bool
	if req.Mode == ModeWindow {
		src, ok = capture.FindWindow(sources, req.SourceID)
	} else {
		src, ok = capture.PrimaryScreen(sources)
	}
	if !ok {
		return ErrSourceUnavailable
	}

	if r.area && !platform.Capabilities().FrameTransform {
		return ErrUnsupportedCrop
	}

	raw, err := platform.AcquireStream(ctx, src.ID, capture.Constraints{
		FrameRate:          int(req.FrameRate),
		IncludeSystemAudio: req.IncludeSystemAudio,
	})
	if err != nil {
		s.opts.Health.Update(health.ComponentCapture, health.Unhealthy, err.Error())
		if errors.Is(err, capture.ErrSourceNotFound) {
			return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
		}
		return fmt.Errorf("acquire stream: %w", err)
	}
	r.raw = raw

	video := raw.Video
	if r.area {
		r.origin = primaryOrigin(platform, src)
		physical := capture.ToPhysical(platform, *req.Area).Translate(r.origin.X, r.origin.Y)
		p, err := crop.Start(ctx, raw.Video, physical, s.opts.Crop)
		if err != nil {
			if errors.Is(err, crop.ErrInitTimeout) || errors.Is(err, crop.ErrInputEnded) {
				return fmt.Errorf("%w: %w", ErrCropInitTimeout, err)
			}
			return fmt.Errorf("start crop pipeline: %w", err)
		}
		r.crop = p
		video = p.Track()
		r.log.Debug("cropping to area", "logical", req.Area.String(), "physical", physical.String())
	}

	audio := raw.Audio
	if req.IncludeMicrophone {
		out := s.mixer.Mix(ctx, raw.Audio, true)
		r.mixing = true
		audio = out.Track
		s.reportMicrophone(r, out.MicrophoneErr)
	}

	profile := s.negotiate(ctx)
	settings := video.Settings()
	cfg := encoder.Config{
		FFmpegPath:         s.opts.FFmpegPath,
		Profile:            profile,
		VideoBitsPerSecond: int(req.VideoBitsPerSecond),
		FrameRate:          int(req.FrameRate),
		Width:              settings.Width,
		Height:             settings.Height,
		Timeslice:          s.opts.Timeslice,
		OnData:             func(p []byte) { s.onChunk(r, p) },
		OnError:            func(err error) { go s.fault(r, err) },
	}
	if audio != nil {
		f := audio.Format()
		cfg.Audio = &f
	}

	enc, err := s.opts.NewEncoder(cfg)
	if err != nil {
		return fmt.Errorf("create encoder: %w", err)
	}
	if err := enc.Start(video, audio); err != nil {
		return fmt.Errorf("start encoder: %w", err)
	}
	r.enc = enc

	if s.opts.Inhibitor != nil {
		release, err := s.opts.Inhibitor.Inhibit("Screen recording in progress")
		if err != nil {
			r.log.Info("screen saver not inhibited", "error", err.Error())
			s.opts.Health.Update(health.ComponentInhibitor, health.Degraded, err.Error())
		} else {
			r.release = release
			s.opts.Health.Update(health.ComponentInhibitor, health.Healthy, "")
		}
	}
	return nil
}

func (s *Session) reportMicrophone(r *run, err error) {
	if err == nil {
		s.opts.Health.Update(health.ComponentMicrophone, health.Healthy, "")
		return
	}
	code := CodeMicrophoneUnavailable
	var micErr *mixer.MicrophoneUnavailableError
	if errors.As(err, &micErr) && micErr.Denied() {
		code = CodeMicrophoneDenied
	}
	s.opts.Health.Update(health.ComponentMicrophone, health.Degraded, err.Error())
	s.diagnose(r, health.ComponentMicrophone, code, "recording without microphone: "+err.Error())
}

func (s *Session) negotiate(ctx context.Context) encoder.Profile {
	s.profileOnce.Do(func() {
		p, err := s.opts.Negotiate(ctx)
		if err != nil {
			log.Warn("codec negotiation failed, using baseline", "error", err.Error())
		}
		s.profile = p
		log.Info("negotiated recording profile", "mimeType", p.MimeType)
	})
	return s.profile
}

// Pause freezes the encoder and the duration. Ignored unless Recording.
func (s *Session) Pause() {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	s.mu.Lock()
	r := s.run
	recording := s.state.Status == StatusRecording
	s.mu.Unlock()
	if !recording || r == nil {
		return
	}

	r.enc.Pause()
	now := s.opts.Now()
	s.update(func(st *State) bool {
		r.paused = true
		r.pausedAt = now
		st.Status = StatusPaused
		st.DurationSeconds = seconds(r.elapsed(now))
		return true
	})
	r.log.Info("recording paused")
}

// Resume continues a paused recording. Ignored unless Paused.
func (s *Session) Resume() {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	s.mu.Lock()
	r := s.run
	paused := s.state.Status == StatusPaused
	s.mu.Unlock()
	if !paused || r == nil {
		return
	}

	now := s.opts.Now()
	s.update(func(st *State) bool {
		r.pausedTotal += now.Sub(r.pausedAt)
		r.paused = false
		st.Status = StatusRecording
		return true
	})
	r.enc.Resume()
	r.log.Info("recording resumed")
}

// Stop finalizes the encoder, returns everything recorded as one Blob and
// releases all resources. It returns an empty Blob when Idle. When the
// encoder fails to finalize, the bytes received so far are still returned
// together with an *EncoderFault.
func (s *Session) Stop(ctx context.Context) (*Blob, error) {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r == nil {
		return &Blob{}, nil
	}

	var final time.Duration
	now := s.opts.Now()
	s.update(func(st *State) bool {
		final = r.elapsed(now)
		st.Status = StatusStopping
		st.DurationSeconds = seconds(final)
		return true
	})

	encErr := r.enc.Stop(ctx)
	blob := r.buf.Blob(r.enc.MimeType(), final)
	s.teardown(r)

	if encErr != nil {
		fault := &EncoderFault{Err: encErr}
		r.log.Error("encoder failed to finalize", "error", encErr.Error())
		s.opts.Health.Update(health.ComponentEncoder, health.Unhealthy, encErr.Error())
		s.opts.Metrics.RecordingEnded("fault", final)
		s.setIdle(r, fault.Error())
		return blob, fault
	}

	s.opts.Metrics.RecordingEnded("ok", final)
	r.log.Info("recording stopped",
		"durationMs", final.Milliseconds(),
		"bytes", blob.Size(),
		"segments", len(blob.segments),
	)
	s.setIdle(r, "")
	return blob, nil
}

// UpdateArea moves the crop rectangle of an area recording. rect is in
// logical coordinates.
func (s *Session) UpdateArea(ctx context.Context, rect capture.Rect) error {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r == nil || r.crop == nil {
		return ErrNotCropping
	}
	physical := capture.ToPhysical(s.opts.Platform, rect).Translate(r.origin.X, r.origin.Y)
	return r.crop.UpdateCropArea(ctx, physical)
}

// primaryOrigin locates the primary display inside frames grabbed from src.
// A source without bounds covers the whole desktop starting at 0,0.
func primaryOrigin(platform capture.Platform, src capture.Source) image.Point {
	primary, err := platform.PrimaryDisplayBounds()
	if err != nil {
		log.Debug("primary display bounds unavailable, cropping from frame origin", "error", err.Error())
		return image.Point{}
	}
	var frame image.Point
	if src.Bounds != nil {
		frame = image.Pt(src.Bounds.X, src.Bounds.Y)
	}
	return image.Pt(primary.X, primary.Y).Sub(frame)
}

// fault handles an encoder that died while recording.
func (s *Session) fault(r *run, err error) {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	s.mu.Lock()
	current := s.run == r
	s.mu.Unlock()
	if !current {
		return
	}

	f := &EncoderFault{Err: err}
	r.log.Error("encoder fault, tearing down recording", "error", err.Error())
	s.opts.Health.Update(health.ComponentEncoder, health.Unhealthy, err.Error())

	ctx, cancel := context.WithTimeout(context.Background(), faultStopTimeout)
	defer cancel()
	r.enc.Stop(ctx)

	s.mu.Lock()
	final := r.elapsed(s.opts.Now())
	s.mu.Unlock()

	s.teardown(r)
	r.buf.Discard()
	s.opts.Metrics.RecordingEnded("fault", final)
	s.setIdle(r, f.Error())
}

// setIdle returns to Idle. The final duration and byte count of r stay on
// the snapshot.
func (s *Session) setIdle(r *run, lastError string) {
	s.update(func(st *State) bool {
		if r == nil {
			*st = State{Status: StatusIdle, LastError: lastError}
			return true
		}
		s.run = nil
		st.Status = StatusIdle
		st.LastError = lastError
		return true
	})
}

// teardown releases everything r acquired. Safe on a partially started run.
func (s *Session) teardown(r *run) {
	if r.timerStop != nil {
		close(r.timerStop)
		<-r.timerDone
		r.timerStop = nil
	}
	if r.crop != nil {
		r.crop.Stop()
	}
	r.raw.Stop()
	if r.mixing {
		s.mixer.Cleanup()
	}
	if r.release != nil {
		r.release()
	}
}

func (s *Session) onChunk(r *run, p []byte) {
	flushed, err := r.buf.Append(p)
	if err != nil {
		s.diagnose(r, "recorder", CodeSpillFailed, "keeping recording in memory: "+err.Error())
	}
	if flushed {
		s.opts.Metrics.SpillFlushed()
		r.log.Info("chunk buffer flushed to spill store", "flushes", r.buf.flushes, "bytes", r.buf.Total())
	}
	s.opts.Metrics.ChunkReceived(len(p))

	total := r.buf.Total()
	s.update(func(st *State) bool {
		if s.run != r {
			return false
		}
		st.AccumulatedBytes = total
		return true
	})
}

func (s *Session) tick(r *run, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(s.opts.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			now := s.opts.Now()
			s.update(func(st *State) bool {
				if s.run != r || st.Status != StatusRecording {
					return false
				}
				d := seconds(r.elapsed(now))
				if d == st.DurationSeconds {
					return false
				}
				st.DurationSeconds = d
				return true
			})
		}
	}
}

func seconds(d time.Duration) uint64 {
	return uint64(d / time.Second)
}
