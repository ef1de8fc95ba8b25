package capture

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/breeze-rmm/screenrec/internal/logging"
	"github.com/breeze-rmm/screenrec/internal/processutil"
)

var log = logging.L("capture")

// execCommand is replaced in tests.
var execCommand = exec.Command

const (
	defaultFrameRate   = 30
	videoTrackBuffer   = 4
	audioTrackBuffer   = 64
	audioChunkFrames   = 1024
	streamStartTimeout = 10 * time.Second
	micProbeTimeout    = 3 * time.Second
)

var outputSizeRe = regexp.MustCompile(`Video: rawvideo.*?, (\d+)x(\d+)`)

// FFmpegOptions configures the ffmpeg-backed capture platform.
type FFmpegOptions struct {
	FFmpegPath       string
	Display          string
	AudioDevice      string
	MicrophoneDevice string
	// ScaleFactor overrides display scale detection when positive.
	ScaleFactor  float64
	PoolCapacity int
}

// FFmpegPlatform captures screens, windows and audio devices by running
// ffmpeg grabbers and reading raw BGRA frames and s16le PCM from their stdout.
type FFmpegPlatform struct {
	opts FFmpegOptions

	mu      sync.Mutex
	sources map[string]Source

	scaleOnce sync.Once
	scale     float64
}

// NewFFmpegPlatform returns a Platform backed by ffmpeg device grabbers.
func NewFFmpegPlatform(opts FFmpegOptions) *FFmpegPlatform {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.PoolCapacity <= 0 {
		opts.PoolCapacity = DefaultPoolCapacity
	}
	return &FFmpegPlatform{opts: opts, sources: make(map[string]Source)}
}

// Capabilities reports FrameTransform: frames arrive as raw buffers.
func (p *FFmpegPlatform) Capabilities() Capabilities {
	return Capabilities{FrameTransform: true}
}

func (p *FFmpegPlatform) ScaleFactor(x, y int) float64 {
	if p.opts.ScaleFactor > 0 {
		return p.opts.ScaleFactor
	}
	p.scaleOnce.Do(func() { p.scale = detectScaleFactor() })
	return p.scale
}

func (p *FFmpegPlatform) PrimaryDisplayBounds() (Rect, error) {
	return p.primaryBounds()
}

func (p *FFmpegPlatform) EnumerateSources(ctx context.Context) ([]Source, error) {
	sources, err := p.listSources(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.sources = make(map[string]Source, len(sources))
	for _, s := range sources {
		p.sources[s.ID] = s
	}
	p.mu.Unlock()
	return sources, nil
}

func (p *FFmpegPlatform) lookup(ctx context.Context, id string) (Source, error) {
	p.mu.Lock()
	s, ok := p.sources[id]
	p.mu.Unlock()
	if ok {
		return s, nil
	}
	if _, err := p.EnumerateSources(ctx); err != nil {
		return Source{}, err
	}
	p.mu.Lock()
	s, ok = p.sources[id]
	p.mu.Unlock()
	if !ok {
		return Source{}, fmt.Errorf("%w: %s", ErrSourceNotFound, id)
	}
	return s, nil
}

// AcquireStream starts a video grabber for sourceID and, when requested and
// available, a system-audio grabber. It returns once the first video frame
// geometry is known.
func (p *FFmpegPlatform) AcquireStream(ctx context.Context, sourceID string, c Constraints) (*RawStream, error) {
	src, err := p.lookup(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	fps := c.FrameRate
	if fps <= 0 {
		fps = defaultFrameRate
	}

	input, err := p.videoInputArgs(src, fps)
	if err != nil {
		return nil, err
	}
	video, err := p.startVideo(ctx, input, fps)
	if err != nil {
		return nil, err
	}

	stream := &RawStream{Video: video}
	if c.IncludeSystemAudio {
		args, ok := p.systemAudioInputArgs()
		if !ok {
			log.Warn("system audio requested but no loopback device is configured for this platform")
			return stream, nil
		}
		audio, err := p.startAudio(args, nil)
		if err != nil {
			log.Warn("system audio unavailable, recording without it", "error", err.Error())
			return stream, nil
		}
		stream.Audio = audio
	}
	return stream, nil
}

// OpenMicrophone starts a microphone grabber. Noise suppression maps onto
// ffmpeg's afftdn filter. Echo cancellation depends on the input device
// (for example a PulseAudio echo-cancel source) and is only logged here.
func (p *FFmpegPlatform) OpenMicrophone(ctx context.Context, opts MicrophoneOptions) (AudioTrack, error) {
	args, err := p.microphoneInputArgs()
	if err != nil {
		return nil, err
	}
	var filters []string
	if opts.NoiseSuppression {
		filters = append(filters, "afftdn=nf=-25")
	}
	if opts.EchoCancellation {
		log.Debug("echo cancellation requested, relying on the configured input device")
	}

	track, err := p.startAudio(args, filters)
	if err != nil {
		return nil, err
	}

	// A denied or missing device makes ffmpeg exit almost immediately.
	timer := time.NewTimer(micProbeTimeout)
	defer timer.Stop()
	select {
	case <-track.ready:
		return track, nil
	case <-track.exited:
		track.Stop()
		return nil, classifyDeviceError(track.stderr.LastLines(3))
	case <-timer.C:
		return track, nil
	case <-ctx.Done():
		track.Stop()
		return nil, ctx.Err()
	}
}

func classifyDeviceError(stderr string) error {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "permission denied"),
		strings.Contains(lower, "access denied"),
		strings.Contains(lower, "not authorized"):
		return fmt.Errorf("%w: %s", ErrPermissionDenied, stderr)
	default:
		return fmt.Errorf("%w: %s", ErrDeviceUnavailable, stderr)
	}
}

type grabVideo struct {
	*FrameTrack
	cmd *exec.Cmd
}

func (p *FFmpegPlatform) startVideo(ctx context.Context, input []string, fps int) (*grabVideo, error) {
	args := []string{"-hide_banner", "-loglevel", "info", "-nostats"}
	args = append(args, input...)
	args = append(args, "-an", "-f", "rawvideo", "-pix_fmt", "bgra", "pipe:1")

	cmd := execCommand(p.opts.FFmpegPath, args...)
	processutil.Configure(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg grabber: %w", err)
	}

	tail := processutil.NewTailBuffer(0)
	sizeCh := make(chan [2]int, 1)
	go scanOutputSize(stderr, tail, sizeCh)

	var size [2]int
	timer := time.NewTimer(streamStartTimeout)
	defer timer.Stop()
	select {
	case s, ok := <-sizeCh:
		if !ok {
			processutil.Kill(cmd)
			cmd.Wait()
			return nil, fmt.Errorf("ffmpeg grabber exited before producing video: %s", tail.LastLines(3))
		}
		size = s
	case <-timer.C:
		processutil.Kill(cmd)
		cmd.Wait()
		return nil, fmt.Errorf("ffmpeg grabber did not report a frame size within %s", streamStartTimeout)
	case <-ctx.Done():
		processutil.Kill(cmd)
		cmd.Wait()
		return nil, ctx.Err()
	}

	settings := VideoSettings{Width: size[0], Height: size[1], FrameRate: fps}
	g := &grabVideo{cmd: cmd}
	g.FrameTrack = NewFrameTrack(settings, videoTrackBuffer, func() { processutil.Kill(cmd) })

	pool := NewFramePool(p.opts.PoolCapacity)
	go g.readFrames(stdout, pool, tail)

	log.Info("video grabber started", "width", size[0], "height", size[1], "fps", fps)
	return g, nil
}

func (g *grabVideo) readFrames(r io.Reader, pool *FramePool, tail *processutil.TailBuffer) {
	s := g.Settings()
	frameSize := s.Width * s.Height * 4
	scratch := make([]byte, frameSize)
	interval := time.Second / time.Duration(s.FrameRate)
	dropped := 0

	for idx := 0; ; idx++ {
		f, ok := pool.Get(s.Width, s.Height, time.Duration(idx)*interval)
		dst := scratch
		if ok {
			dst = f.Image.Pix[:frameSize]
		}
		if _, err := io.ReadFull(r, dst); err != nil {
			if ok {
				f.Release()
			}
			break
		}
		if !ok {
			dropped++
			continue
		}
		g.Push(f)
	}
	g.Close()

	err := g.cmd.Wait()
	select {
	case <-g.Done():
	default:
		if err != nil {
			log.Warn("video grabber exited", "error", err.Error(), "stderr", tail.LastLines(3))
		}
	}
	if dropped > 0 {
		log.Debug("video grabber dropped frames, pool exhausted", "dropped", dropped)
	}
}

// scanOutputSize copies ffmpeg stderr into tail and sends the rawvideo output
// geometry once. sizeCh is closed if stderr ends first.
func scanOutputSize(r io.Reader, tail *processutil.TailBuffer, sizeCh chan<- [2]int) {
	sc := bufio.NewScanner(r)
	sc.Split(scanLinesOrCR)
	inOutput := false
	sent := false
	for sc.Scan() {
		line := sc.Text()
		tail.Write([]byte(line + "\n"))
		if sent {
			continue
		}
		if strings.HasPrefix(line, "Output #0") {
			inOutput = true
			continue
		}
		if !inOutput {
			continue
		}
		if m := outputSizeRe.FindStringSubmatch(line); m != nil {
			w, _ := strconv.Atoi(m[1])
			h, _ := strconv.Atoi(m[2])
			sizeCh <- [2]int{w, h}
			sent = true
		}
	}
	if !sent {
		close(sizeCh)
	}
}

// scanLinesOrCR splits on \n or \r; ffmpeg rewrites status lines with \r.
func scanLinesOrCR(data []byte, atEOF bool) (int, []byte, error) {
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

type grabAudio struct {
	*SampleTrack
	cmd    *exec.Cmd
	stderr *processutil.TailBuffer
	ready  chan struct{}
	exited chan struct{}
}

func (p *FFmpegPlatform) startAudio(input, filters []string) (*grabAudio, error) {
	format := DefaultAudioFormat
	args := []string{"-hide_banner", "-loglevel", "error", "-nostats"}
	args = append(args, input...)
	args = append(args, "-vn")
	if len(filters) > 0 {
		args = append(args, "-af", strings.Join(filters, ","))
	}
	args = append(args,
		"-f", "s16le",
		"-ar", strconv.Itoa(format.SampleRate),
		"-ac", strconv.Itoa(format.Channels),
		"pipe:1",
	)

	cmd := execCommand(p.opts.FFmpegPath, args...)
	processutil.Configure(cmd)
	tail := processutil.NewTailBuffer(0)
	cmd.Stderr = tail
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg audio grabber: %w", err)
	}

	a := &grabAudio{
		cmd:    cmd,
		stderr: tail,
		ready:  make(chan struct{}),
		exited: make(chan struct{}),
	}
	a.SampleTrack = NewSampleTrack(format, audioTrackBuffer, func() { processutil.Kill(cmd) })
	go a.readSamples(stdout)
	return a, nil
}

func (a *grabAudio) readSamples(r io.Reader) {
	format := a.Format()
	buf := make([]byte, audioChunkFrames*format.Channels*2)
	var frames int64
	var readyOnce sync.Once

	for {
		n, err := io.ReadFull(r, buf)
		if n >= 2 {
			samples := make([]int16, n/2)
			for i := range samples {
				samples[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
			}
			ts := time.Duration(frames) * time.Second / time.Duration(format.SampleRate)
			frames += int64(len(samples) / format.Channels)
			readyOnce.Do(func() { close(a.ready) })
			a.Push(AudioChunk{Samples: samples, Timestamp: ts})
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				log.Debug("audio grabber read failed", "error", err.Error())
			}
			break
		}
	}
	a.Close()
	a.cmd.Wait()
	close(a.exited)
}
