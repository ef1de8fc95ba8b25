package transcode

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/breeze-rmm/screenrec/internal/processutil"
)

// execCommand is replaced in tests.
var execCommand = exec.CommandContext

const stderrLines = 5

func scaleFilter(j Job) string {
	f := "fps=" + strconv.Itoa(j.FPS)
	if h := j.Resolution.Height(); h > 0 {
		f += fmt.Sprintf(",scale=-2:%d:flags=lanczos", h)
	}
	return f
}

func videoArgs(j Job) []string {
	args := []string{
		"-hide_banner", "-y", "-nostats", "-progress", "pipe:1",
		"-i", j.InputPath,
		"-vf", scaleFilter(j),
		"-c:v", "libx264", "-preset", "medium", "-crf", "18", "-pix_fmt", "yuv420p",
		"-c:a", "aac", "-b:a", "192k",
	}
	if j.Format == FormatMP4 {
		args = append(args, "-movflags", "+faststart")
	}
	return append(args, j.OutputPath)
}

func paletteArgs(j Job, palette string) []string {
	return []string{
		"-hide_banner", "-y", "-nostats", "-progress", "pipe:1",
		"-i", j.InputPath,
		"-vf", scaleFilter(j) + ",palettegen=stats_mode=diff",
		palette,
	}
}

func gifArgs(j Job, palette string) []string {
	return []string{
		"-hide_banner", "-y", "-nostats", "-progress", "pipe:1",
		"-i", j.InputPath,
		"-i", palette,
		"-lavfi", scaleFilter(j) + "[x];[x][1:v]paletteuse=dither=bayer:bayer_scale=5:diff_mode=rectangle",
		"-loop", "0",
		j.OutputPath,
	}
}

// pass runs one ffmpeg invocation. onTime receives each encoded position
// reported on the progress pipe.
func (s *Service) pass(ctx context.Context, a *activeJob, stage string, args []string, onTime func(time.Duration)) error {
	cmd := execCommand(ctx, s.opts.FFmpegPath, args...)
	processutil.Configure(cmd)
	cmd.Cancel = func() error { return processutil.Kill(cmd) }
	stderr := processutil.NewTailBuffer(0)
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &ConversionError{Stage: stage, Err: err}
	}

	s.mu.Lock()
	if a.cancelled {
		s.mu.Unlock()
		return ErrCancelled
	}
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return &ConversionError{Stage: stage, Err: err}
	}
	a.cmd = cmd
	s.mu.Unlock()
	a.log.Debug("encoder pass started", "stage", stage, "pid", cmd.Process.Pid)

	readProgress(stdout, onTime)
	err = cmd.Wait()

	s.mu.Lock()
	a.cmd = nil
	cancelled := a.cancelled
	s.mu.Unlock()

	if cancelled {
		return ErrCancelled
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &ConversionError{Stage: stage, Err: err, Stderr: stderr.LastLines(stderrLines)}
	}
	return nil
}

// readProgress consumes ffmpeg's -progress key=value stream until EOF.
func readProgress(r io.Reader, onTime func(time.Duration)) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok || onTime == nil {
			continue
		}
		switch key {
		case "out_time_us", "out_time_ms":
			// Both keys carry microseconds.
			us, err := strconv.ParseInt(value, 10, 64)
			if err != nil || us < 0 {
				continue
			}
			onTime(time.Duration(us) * time.Microsecond)
		}
	}
	io.Copy(io.Discard, r)
}

// probeDuration returns the input duration, or 0 when it cannot be
// determined. Live-muxed WebM often has no container duration, so the last
// video packet timestamp is used as a fallback.
func (s *Service) probeDuration(ctx context.Context, a *activeJob) time.Duration {
	out, err := s.probe(ctx, "-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		a.job.InputPath)
	if err == nil {
		if d, ok := parseSeconds(out); ok {
			return d
		}
	}

	out, err = s.probe(ctx, "-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "packet=pts_time",
		"-of", "csv=p=0",
		a.job.InputPath)
	if err == nil {
		lines := strings.Split(strings.TrimSpace(out), "\n")
		for i := len(lines) - 1; i >= 0; i-- {
			if d, ok := parseSeconds(lines[i]); ok {
				return d
			}
		}
	}
	a.log.Warn("could not determine input duration, progress will jump to 100", "error", err)
	return 0
}

func (s *Service) probe(ctx context.Context, args ...string) (string, error) {
	cmd := execCommand(ctx, s.opts.FFprobePath, args...)
	processutil.Configure(cmd)
	out, err := cmd.Output()
	return string(out), err
}

func parseSeconds(s string) (time.Duration, bool) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), ","))
	if s == "" || s == "N/A" {
		return 0, false
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil || secs <= 0 {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}
