// Package encoder turns a live video track and an optional audio track into
// a growing WebM byte stream using an ffmpeg child process.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"

	"github.com/breeze-rmm/screenrec/internal/capture"
	"github.com/breeze-rmm/screenrec/internal/logging"
	"github.com/breeze-rmm/screenrec/internal/processutil"
)

var log = logging.L("encoder")

var (
	ErrInvalidBitrate   = errors.New("encoder: bitrate must be positive")
	ErrInvalidFrameRate = errors.New("encoder: frame rate must be between 1 and 120")
	ErrInvalidSize      = errors.New("encoder: width and height must be at least 2")
	ErrAlreadyStarted   = errors.New("encoder: already started")
)

const (
	// DefaultTimeslice is how often buffered output is handed to OnData.
	DefaultTimeslice = 5 * time.Second

	audioTick      = 20 * time.Millisecond
	audioGapFill   = 40 * time.Millisecond
	audioOpenLimit = 10 * time.Second
)

// Config configures a session encoder.
type Config struct {
	FFmpegPath         string
	Profile            Profile
	VideoBitsPerSecond int
	FrameRate          int
	Width              int
	Height             int
	// Audio is nil for video-only recordings.
	Audio     *capture.AudioFormat
	Timeslice time.Duration

	// OnData receives output chunks in order from a single goroutine.
	OnData func([]byte)
	// OnError is called at most once if ffmpeg exits before Stop.
	OnError func(error)
}

// DefaultConfig returns a config with the standard bitrate, frame rate and
// timeslice and the baseline profile.
func DefaultConfig() Config {
	return Config{
		FFmpegPath:         "ffmpeg",
		Profile:            Baseline,
		VideoBitsPerSecond: 2_500_000,
		FrameRate:          30,
		Timeslice:          DefaultTimeslice,
	}
}

func applyDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = def.FFmpegPath
	}
	if cfg.Profile.VideoEncoder == "" {
		cfg.Profile = def.Profile
	}
	if cfg.VideoBitsPerSecond == 0 {
		cfg.VideoBitsPerSecond = def.VideoBitsPerSecond
	}
	if cfg.FrameRate == 0 {
		cfg.FrameRate = def.FrameRate
	}
	if cfg.Timeslice <= 0 {
		cfg.Timeslice = def.Timeslice
	}
	// yuv420p needs even dimensions.
	cfg.Width &^= 1
	cfg.Height &^= 1
	return cfg
}

func validateConfig(cfg Config) error {
	if cfg.VideoBitsPerSecond <= 0 {
		return ErrInvalidBitrate
	}
	if cfg.FrameRate < 1 || cfg.FrameRate > 120 {
		return ErrInvalidFrameRate
	}
	if cfg.Width < 2 || cfg.Height < 2 {
		return ErrInvalidSize
	}
	return nil
}

// ExitError reports an ffmpeg process that failed.
type ExitError struct {
	Err    error
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("ffmpeg: %v", e.Err)
	}
	return fmt.Sprintf("ffmpeg: %v: %s", e.Err, e.Stderr)
}

func (e *ExitError) Unwrap() error { return e.Err }

// FFmpeg encodes tracks into WebM through an ffmpeg process.
type FFmpeg struct {
	cfg Config

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *processutil.TailBuffer
	sink   audioSink

	mu       sync.Mutex
	audioW   io.WriteCloser
	started  bool
	paused   atomic.Bool
	stopping atomic.Bool
	written  atomic.Uint64

	quit     chan struct{}
	feeders  sync.WaitGroup
	exited   chan struct{}
	waitErr  error
	stopOnce sync.Once
	canvas   *image.RGBA
}

// New validates cfg and returns an encoder ready to Start.
func New(cfg Config) (*FFmpeg, error) {
	cfg = applyDefaults(cfg)
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return &FFmpeg{
		cfg:    cfg,
		stderr: processutil.NewTailBuffer(0),
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
	}, nil
}

// MimeType reports the container and codecs being produced.
func (e *FFmpeg) MimeType() string { return e.cfg.Profile.MimeType }

// BytesWritten reports how many output bytes have been delivered to OnData.
func (e *FFmpeg) BytesWritten() uint64 { return e.written.Load() }

// Start launches ffmpeg and begins consuming the tracks. The encoder does not
// stop the tracks; their owner does.
func (e *FFmpeg) Start(video capture.VideoTrack, audio capture.AudioTrack) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}

	if audio != nil && e.cfg.Audio != nil {
		sink, err := newAudioSink()
		if err != nil {
			return err
		}
		e.sink = sink
	} else {
		audio = nil
	}

	cmd := execCommand(context.Background(), e.cfg.FFmpegPath)
	if e.sink != nil {
		e.sink.Attach(cmd)
	}
	cmd.Args = append(cmd.Args, e.args()...)
	cmd.Stderr = e.stderr
	processutil.Configure(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		e.closeSink()
		return fmt.Errorf("encoder stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		e.closeSink()
		return fmt.Errorf("encoder stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		e.closeSink()
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	if e.sink != nil {
		e.sink.Started()
	}
	e.cmd = cmd
	e.stdin = stdin
	e.started = true

	log.Info("encoder started",
		"profile", e.cfg.Profile.MimeType,
		"width", e.cfg.Width,
		"height", e.cfg.Height,
		"fps", e.cfg.FrameRate,
		"bitrate", e.cfg.VideoBitsPerSecond,
		"audio", audio != nil,
	)

	emitted := make(chan struct{})
	go e.emit(stdout, emitted)
	go e.wait(emitted)

	e.feeders.Add(1)
	go e.feedVideo(video)
	if audio != nil {
		e.feeders.Add(1)
		go e.feedAudio(audio)
	}
	return nil
}

func (e *FFmpeg) args() []string {
	cfg := e.cfg
	args := []string{
		"-hide_banner", "-loglevel", "error", "-nostats",
		"-f", "rawvideo", "-pix_fmt", "bgra",
		"-video_size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"-framerate", strconv.Itoa(cfg.FrameRate),
		"-i", "pipe:0",
	}
	if e.sink != nil {
		args = append(args,
			"-f", "s16le",
			"-ar", strconv.Itoa(cfg.Audio.SampleRate),
			"-ac", strconv.Itoa(cfg.Audio.Channels),
			"-i", e.sink.URL(),
		)
	}
	args = append(args,
		"-c:v", cfg.Profile.VideoEncoder,
		"-b:v", strconv.Itoa(cfg.VideoBitsPerSecond),
		"-pix_fmt", "yuv420p",
		"-deadline", "realtime",
		"-cpu-used", "8",
	)
	if cfg.Profile.VideoEncoder == "libvpx-vp9" {
		args = append(args, "-row-mt", "1")
	}
	if e.sink != nil {
		args = append(args, "-c:a", cfg.Profile.AudioEncoder)
		if cfg.Profile.AudioEncoder == "libvorbis" {
			args = append(args, "-q:a", "4")
		} else {
			args = append(args, "-b:a", "128k")
		}
	}
	return append(args, "-f", cfg.Profile.Container, "pipe:1")
}

// Pause stops feeding frames and samples. The output timeline has no gap
// because nothing is encoded while paused.
func (e *FFmpeg) Pause() {
	if e.paused.CompareAndSwap(false, true) {
		log.Debug("encoder paused")
	}
}

func (e *FFmpeg) Resume() {
	if e.paused.CompareAndSwap(true, false) {
		log.Debug("encoder resumed")
	}
}

// Stop closes ffmpeg's inputs, waits for it to finalize the container and
// for every remaining byte to reach OnData. If ctx expires first the process
// group is killed. Safe to call more than once and after ffmpeg exited.
func (e *FFmpeg) Stop(ctx context.Context) error {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return nil
	}

	e.stopOnce.Do(func() {
		e.stopping.Store(true)
		close(e.quit)
		e.stdin.Close()
		e.mu.Lock()
		if e.audioW != nil {
			e.audioW.Close()
		}
		e.mu.Unlock()
		e.closeSink()
		e.feeders.Wait()

		select {
		case <-e.exited:
		case <-ctx.Done():
			log.Warn("encoder did not finalize in time, killing", "error", ctx.Err())
			if err := processutil.Kill(e.cmd); err != nil {
				log.Debug("kill encoder", "error", err)
			}
			<-e.exited
		}
	})
	return e.waitErr
}

func (e *FFmpeg) closeSink() {
	if e.sink != nil {
		e.sink.Close()
	}
}

// emit reads ffmpeg output and hands it to OnData once per timeslice, plus a
// final delivery at end of stream.
func (e *FFmpeg) emit(stdout io.Reader, done chan<- struct{}) {
	defer close(done)

	pieces := make(chan []byte, 16)
	go func() {
		defer close(pieces)
		for {
			buf := make([]byte, 64*1024)
			n, err := stdout.Read(buf)
			if n > 0 {
				pieces <- buf[:n]
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(e.cfg.Timeslice)
	defer ticker.Stop()

	var pending []byte
	flush := func() {
		if len(pending) == 0 {
			return
		}
		chunk := pending
		pending = nil
		e.written.Add(uint64(len(chunk)))
		if e.cfg.OnData != nil {
			e.cfg.OnData(chunk)
		}
	}
	for {
		select {
		case p, ok := <-pieces:
			if !ok {
				flush()
				return
			}
			pending = append(pending, p...)
		case <-ticker.C:
			flush()
		}
	}
}

func (e *FFmpeg) wait(emitted <-chan struct{}) {
	<-emitted
	err := e.cmd.Wait()
	if err != nil {
		e.waitErr = &ExitError{Err: err, Stderr: e.stderr.String()}
	}
	stopping := e.stopping.Load()
	close(e.exited)

	if stopping {
		if err != nil {
			log.Warn("encoder exited with error during stop", "error", e.waitErr)
		}
		return
	}
	exitErr := e.waitErr
	if exitErr == nil {
		exitErr = &ExitError{Err: errors.New("exited before stop"), Stderr: e.stderr.String()}
	}
	log.Error("encoder exited unexpectedly", "error", exitErr)
	if e.cfg.OnError != nil {
		e.cfg.OnError(exitErr)
	}
}

// feedVideo writes frames at a constant rate, repeating the latest frame
// when the source is slower than the output rate.
func (e *FFmpeg) feedVideo(video capture.VideoTrack) {
	defer e.feeders.Done()

	ticker := time.NewTicker(time.Second / time.Duration(e.cfg.FrameRate))
	defer ticker.Stop()

	var latest *capture.Frame
	defer func() { latest.Release() }()

	frames := video.Frames()
	for {
		select {
		case <-e.quit:
			return
		case f, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			latest.Release()
			latest = f
		case <-ticker.C:
			if latest == nil || e.paused.Load() {
				continue
			}
			if _, err := e.stdin.Write(e.fit(latest)); err != nil {
				if !e.stopping.Load() {
					log.Debug("video write failed", "error", err)
				}
				return
			}
		}
	}
}

// fit returns frame pixels at exactly the configured size. Larger frames are
// cropped and smaller ones padded with black.
func (e *FFmpeg) fit(f *capture.Frame) []byte {
	w, h := e.cfg.Width, e.cfg.Height
	img := f.Image
	if img.Rect.Min == (image.Point{}) && img.Rect.Dx() == w && img.Rect.Dy() == h && img.Stride == 4*w {
		return img.Pix[:4*w*h]
	}
	if e.canvas == nil {
		e.canvas = image.NewRGBA(image.Rect(0, 0, w, h))
	}
	clear(e.canvas.Pix)
	draw.Copy(e.canvas, image.Point{}, img, img.Rect, draw.Src, nil)
	return e.canvas.Pix
}

// feedAudio forwards PCM and writes silence across gaps so audio keeps pace
// with the video clock.
func (e *FFmpeg) feedAudio(audio capture.AudioTrack) {
	defer e.feeders.Done()

	ctx, cancel := context.WithTimeout(context.Background(), audioOpenLimit)
	go func() {
		select {
		case <-e.quit:
			cancel()
		case <-ctx.Done():
		}
	}()
	w, err := e.sink.Open(ctx)
	cancel()
	if err != nil {
		if !e.stopping.Load() {
			log.Warn("audio input not accepted by encoder", "error", err)
		}
		return
	}
	e.mu.Lock()
	e.audioW = w
	e.mu.Unlock()

	format := audio.Format()
	silence := make([]byte, format.SampleRate*format.Channels*2*int(audioTick/time.Millisecond)/1000)

	ticker := time.NewTicker(audioTick)
	defer ticker.Stop()

	lastWrite := time.Now()
	write := func(b []byte) bool {
		if _, err := w.Write(b); err != nil {
			if !e.stopping.Load() {
				log.Debug("audio write failed", "error", err)
			}
			return false
		}
		lastWrite = time.Now()
		return true
	}

	samples := audio.Samples()
	for {
		select {
		case <-e.quit:
			return
		case chunk, ok := <-samples:
			if !ok {
				samples = nil
				continue
			}
			if e.paused.Load() {
				continue
			}
			if !write(pcmBytes(chunk.Samples)) {
				return
			}
		case <-ticker.C:
			if e.paused.Load() {
				lastWrite = time.Now()
				continue
			}
			if time.Since(lastWrite) < audioGapFill {
				continue
			}
			if !write(silence) {
				return
			}
		}
	}
}

func pcmBytes(samples []int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		out[2*i] = byte(s)
		out[2*i+1] = byte(uint16(s) >> 8)
	}
	return out
}
