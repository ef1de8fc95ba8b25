// Package transcode converts finished recordings into distribution formats
// with an external ffmpeg, reporting progress and supporting cancellation.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/breeze-rmm/screenrec/internal/health"
	"github.com/breeze-rmm/screenrec/internal/logging"
	"github.com/breeze-rmm/screenrec/internal/metrics"
	"github.com/breeze-rmm/screenrec/internal/notify"
	"github.com/breeze-rmm/screenrec/internal/processutil"
)

var log = logging.L("transcode")

// Status is the service lifecycle position.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConverting Status = "converting"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
)

// Progress is broadcast to subscribers while a job runs. Percent never
// decreases within a job.
type Progress struct {
	JobID   string `json:"jobId"`
	Percent int    `json:"percent"`
	Status  Status `json:"status"`
	Error   string `json:"error,omitempty"`
}

type Options struct {
	FFmpegPath  string
	FFprobePath string
	// Fs holds the input and output files. ffmpeg itself always uses the
	// OS filesystem, so anything other than an OS-backed Fs only works for
	// WebM pass-through.
	Fs afero.Fs
	// TempDir is where GIF palettes are generated. Empty means os.TempDir.
	TempDir string

	Health  *health.Monitor
	Metrics *metrics.Metrics
}

// Service runs at most one conversion at a time.
type Service struct {
	opts Options

	mu     sync.Mutex
	status Status
	active *activeJob

	progress notify.Hub[Progress]
}

type activeJob struct {
	job       Job
	log       *slog.Logger
	cmd       *exec.Cmd
	cancelled bool
	last      int
}

func New(opts Options) *Service {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.FFprobePath == "" {
		opts.FFprobePath = "ffprobe"
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	return &Service{opts: opts, status: StatusIdle}
}

// Status returns the state of the current or most recent job.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SubscribeProgress registers fn for progress of every job.
func (s *Service) SubscribeProgress(fn func(Progress)) *notify.Subscription {
	return s.progress.Subscribe(fn)
}

// Convert runs job to completion. It returns ErrBusy while another job is
// active, ErrCancelled after Cancel, and *ConversionError on encoder failure.
func (s *Service) Convert(ctx context.Context, job Job) error {
	job.applyDefaults()
	if err := job.validate(); err != nil {
		return err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	s.mu.Lock()
	if s.status == StatusConverting {
		s.mu.Unlock()
		return ErrBusy
	}
	a := &activeJob{job: job, log: logging.WithJob(log, job.ID)}
	s.active = a
	s.status = StatusConverting
	s.mu.Unlock()

	start := time.Now()
	a.log.Info("conversion started",
		"input", job.InputPath,
		"output", job.OutputPath,
		"format", string(job.Format),
		"resolution", string(job.Resolution),
		"fps", job.FPS,
	)
	s.progress.Publish(Progress{JobID: job.ID, Status: StatusConverting})

	err := s.run(ctx, a)

	final := StatusComplete
	switch {
	case err == nil:
	case s.wasCancelled(a) || ctx.Err() != nil:
		final = StatusCancelled
		if !errors.Is(err, ErrCancelled) {
			err = fmt.Errorf("%w: %w", ErrCancelled, err)
		}
	default:
		final = StatusError
	}
	if err != nil {
		if rmErr := s.opts.Fs.Remove(job.OutputPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			a.log.Warn("failed to remove partial output", "path", job.OutputPath, "error", rmErr.Error())
		}
	}

	s.mu.Lock()
	s.status = final
	s.active = nil
	s.mu.Unlock()

	elapsed := time.Since(start)
	s.opts.Metrics.TranscodeFinished(string(job.Format), string(final), elapsed)
	p := Progress{JobID: job.ID, Percent: a.last, Status: final}
	switch final {
	case StatusComplete:
		p.Percent = 100
		s.opts.Health.Update(health.ComponentTranscoder, health.Healthy, "")
		a.log.Info("conversion complete", "durationMs", elapsed.Milliseconds())
	case StatusCancelled:
		a.log.Info("conversion cancelled", "durationMs", elapsed.Milliseconds())
	default:
		p.Error = err.Error()
		s.opts.Health.Update(health.ComponentTranscoder, health.Degraded, err.Error())
		a.log.Error("conversion failed", "error", err.Error())
	}
	s.progress.Publish(p)
	return err
}

// Cancel stops the active conversion, killing its encoder process group if
// one is running. It is a no-op when idle.
func (s *Service) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.active
	if a == nil || a.cancelled {
		return nil
	}
	a.cancelled = true
	a.log.Info("cancelling conversion")
	if a.cmd != nil && a.cmd.Process != nil {
		if err := processutil.Kill(a.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill encoder: %w", err)
		}
	}
	return nil
}

func (s *Service) wasCancelled(a *activeJob) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return a.cancelled
}

// report publishes p when it moves the job forward.
func (s *Service) report(a *activeJob, percent int) {
	percent = min(max(percent, 0), 100)
	if percent <= a.last {
		return
	}
	a.last = percent
	s.progress.Publish(Progress{JobID: a.job.ID, Percent: percent, Status: StatusConverting})
}

func (s *Service) run(ctx context.Context, a *activeJob) error {
	if _, err := s.opts.Fs.Stat(a.job.InputPath); err != nil {
		return &ConversionError{Stage: "open input", Err: err}
	}
	switch a.job.Format {
	case FormatWebM:
		return s.copyThrough(ctx, a)
	case FormatGIF:
		return s.convertGIF(ctx, a)
	default:
		return s.convertVideo(ctx, a)
	}
}

const copyChunkSize = 256 << 10

// copyThrough copies the input byte for byte. Cancellation is checked
// between chunks.
func (s *Service) copyThrough(ctx context.Context, a *activeJob) error {
	fs := s.opts.Fs
	in, err := fs.Open(a.job.InputPath)
	if err != nil {
		return &ConversionError{Stage: "copy", Err: err}
	}
	defer in.Close()

	var total int64
	if info, err := in.Stat(); err == nil {
		total = info.Size()
	}

	out, err := fs.OpenFile(a.job.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return &ConversionError{Stage: "copy", Err: err}
	}
	if err := s.copyChunks(ctx, a, out, in, total); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return &ConversionError{Stage: "copy", Err: err}
	}
	s.report(a, 100)
	return nil
}

func (s *Service) copyChunks(ctx context.Context, a *activeJob, dst io.Writer, src io.Reader, total int64) error {
	buf := make([]byte, copyChunkSize)
	var copied int64
	for {
		if s.wasCancelled(a) {
			return ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return &ConversionError{Stage: "copy", Err: err}
			}
			copied += int64(n)
			if total > 0 {
				s.report(a, int(copied*100/total))
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return &ConversionError{Stage: "copy", Err: rerr}
		}
	}
}

func (s *Service) convertVideo(ctx context.Context, a *activeJob) error {
	total := s.probeDuration(ctx, a)
	args := videoArgs(a.job)
	return s.pass(ctx, a, "encode", args, func(t time.Duration) {
		s.report(a, percentOf(t, total))
	})
}

// convertGIF runs palette generation then palette application. The palette
// directory is removed on every path out.
func (s *Service) convertGIF(ctx context.Context, a *activeJob) error {
	total := s.probeDuration(ctx, a)

	dir, err := os.MkdirTemp(s.opts.TempDir, "screenrec-palette-")
	if err != nil {
		return &ConversionError{Stage: "palette", Err: err}
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			a.log.Warn("failed to remove palette dir", "dir", dir, "error", err.Error())
		}
	}()
	palette := dir + string(os.PathSeparator) + "palette.png"

	if err := s.pass(ctx, a, "palette", paletteArgs(a.job, palette), nil); err != nil {
		return err
	}
	s.report(a, 50)

	return s.pass(ctx, a, "gif", gifArgs(a.job, palette), func(t time.Duration) {
		s.report(a, 50+percentOf(t, total)/2)
	})
}

func percentOf(t, total time.Duration) int {
	if total <= 0 {
		return 0
	}
	p := int(float64(t)/float64(total)*100 + 0.5)
	return min(p, 100)
}
