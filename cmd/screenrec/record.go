package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/screenrec/internal/capture"
	"github.com/breeze-rmm/screenrec/internal/preflight"
	"github.com/breeze-rmm/screenrec/internal/recorder"
	"github.com/breeze-rmm/screenrec/internal/transcode"
)

const stopTimeout = 30 * time.Second

var recordFlags struct {
	mode      string
	source    string
	area      string
	duration  time.Duration
	noAudio   bool
	mic       bool
	format    string
	frameRate uint32
	skipCheck bool
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record until interrupted or for a fixed duration",
	Long: `Record the primary screen, a window (--mode window --source <id>) or an area
(--mode area --area x,y,width,height in logical pixels). Press Ctrl+C to stop.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRecord(cmd.Context())
	},
}

func init() {
	f := recordCmd.Flags()
	f.StringVar(&recordFlags.mode, "mode", "", "capture mode: fullscreen, window or area (default fullscreen, area when --area is set)")
	f.StringVar(&recordFlags.source, "source", "", "source id for window capture (see 'screenrec sources')")
	f.StringVar(&recordFlags.area, "area", "", "capture area as x,y,width,height")
	f.DurationVar(&recordFlags.duration, "duration", 0, "stop after this long (0 records until interrupted)")
	f.BoolVar(&recordFlags.noAudio, "no-audio", false, "do not capture system audio")
	f.BoolVar(&recordFlags.mic, "mic", false, "mix in the microphone (default from include_microphone)")
	f.StringVar(&recordFlags.format, "format", "", "output format: webm, mp4, mkv or gif (default from output_format)")
	f.Uint32Var(&recordFlags.frameRate, "frame-rate", 0, "capture frame rate (default from capture_frame_rate)")
	f.BoolVar(&recordFlags.skipCheck, "skip-preflight", false, "start without checking ffmpeg and disk space")

	rootCmd.AddCommand(recordCmd)
}

func runRecord(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	format := transcode.Format(a.cfg.OutputFormat)
	if recordFlags.format != "" {
		if format, err = transcode.ParseFormat(recordFlags.format); err != nil {
			return err
		}
	}

	req, err := buildRequest(a)
	if err != nil {
		return err
	}

	if !recordFlags.skipCheck {
		if err := preflight.Run(ctx, preflight.OptionsFromConfig(a.cfg)).FirstError(); err != nil {
			return err
		}
	}

	diag := a.session.SubscribeDiagnostics(func(d recorder.Diagnostic) {
		fmt.Fprintf(os.Stderr, "warning: %s: %s\n", d.Code, d.Message)
	})
	defer diag.Release()

	if err := a.session.Start(ctx, req); err != nil {
		return err
	}
	fmt.Println("Recording... press Ctrl+C to stop.")

	waitForStop(ctx, a.session, recordFlags.duration)

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	blob, stopErr := a.session.Stop(stopCtx)
	var fault *recorder.EncoderFault
	if stopErr != nil && !errors.As(stopErr, &fault) {
		return stopErr
	}
	if fault != nil {
		fmt.Fprintf(os.Stderr, "warning: %v, saving what was recorded\n", fault)
	}
	if blob.Empty() {
		if st := a.session.State(); st.LastError != "" {
			return errors.New(st.LastError)
		}
	}

	path, err := a.finish(context.Background(), blob, format)
	if err != nil {
		return err
	}
	fmt.Printf("Saved %s (%s)\n", path, blob.Duration.Round(time.Second))
	return nil
}

func buildRequest(a *app) (recorder.Request, error) {
	req := recorder.Request{
		Mode:               recorder.Mode(strings.ToLower(strings.TrimSpace(recordFlags.mode))),
		SourceID:           recordFlags.source,
		IncludeSystemAudio: a.cfg.IncludeAudio && !recordFlags.noAudio,
		IncludeMicrophone:  a.cfg.IncludeMicrophone || recordFlags.mic,
		VideoBitsPerSecond: uint32(a.cfg.VideoBitsPerSecond),
		FrameRate:          uint32(a.cfg.CaptureFrameRate),
	}
	if recordFlags.frameRate > 0 {
		req.FrameRate = recordFlags.frameRate
	}
	if recordFlags.area != "" {
		switch req.Mode {
		case "":
			req.Mode = recorder.ModeArea
		case recorder.ModeArea:
		default:
			return req, fmt.Errorf("--area cannot be combined with --mode %s", req.Mode)
		}
		rect, err := parseArea(recordFlags.area)
		if err != nil {
			return req, err
		}
		req.Area = &rect
	}
	if req.Mode == "" {
		req.Mode = recorder.ModeFullscreen
	}
	return req, nil
}

// waitForStop returns on SIGINT/SIGTERM, when d elapses, or when the session
// goes idle on its own after an encoder fault.
func waitForStop(ctx context.Context, s *recorder.Session, d time.Duration) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	idle := make(chan struct{})
	var once sync.Once
	sub := s.Subscribe(func(st recorder.State) {
		if st.Status == recorder.StatusIdle {
			once.Do(func() { close(idle) })
		}
	})
	defer sub.Release()

	var timeout <-chan time.Time
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-sigChan:
		fmt.Println()
	case <-timeout:
	case <-idle:
	case <-ctx.Done():
	}
}

func parseArea(s string) (capture.Rect, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return capture.Rect{}, fmt.Errorf("area %q must be x,y,width,height", s)
	}
	var v [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return capture.Rect{}, fmt.Errorf("area %q: %w", s, err)
		}
		v[i] = n
	}
	return capture.Rect{X: v[0], Y: v[1], Width: v[2], Height: v[3]}, nil
}
