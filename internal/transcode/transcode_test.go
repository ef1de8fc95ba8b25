package transcode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
)

func fakeExecCommand(t *testing.T, mode string) {
	t.Helper()
	orig := execCommand
	execCommand = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		cs := append([]string{"-test.run=TestHelperProcess", "--", name}, args...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "HELPER_MODE="+mode)
		return cmd
	}
	t.Cleanup(func() { execCommand = orig })
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	os.Exit(fakeTool(os.Getenv("HELPER_MODE"), args[1], args[2:]))
}

func fakeTool(mode, name string, args []string) int {
	joined := strings.Join(args, " ")
	if strings.Contains(name, "ffprobe") {
		switch {
		case mode == "noduration" && strings.Contains(joined, "format=duration"):
			fmt.Println("N/A")
		case strings.Contains(joined, "format=duration"):
			fmt.Println("10.000000")
		default:
			fmt.Println("0.000000\n4.000000\n8.000000,")
		}
		return 0
	}

	out := args[len(args)-1]
	if mode == "fail" || (mode == "failgif" && strings.Contains(joined, "paletteuse")) {
		os.WriteFile(out, []byte("partial"), 0o644)
		fmt.Fprintln(os.Stderr, "frame=1")
		fmt.Fprintln(os.Stderr, "Error while decoding stream: Invalid data found")
		return 1
	}
	if mode == "hang" {
		os.WriteFile(out, []byte("partial"), 0o644)
		fmt.Println("out_time_us=1000000")
		time.Sleep(30 * time.Second)
		return 0
	}

	// Progress in microseconds, including a backwards step.
	for _, us := range []int{2_000_000, 5_000_000, 4_000_000, 10_000_000, 12_000_000} {
		fmt.Printf("frame=10\nout_time_us=%d\nprogress=continue\n", us)
	}
	fmt.Println("progress=end")
	if err := os.WriteFile(out, []byte("converted:"+joined), 0o644); err != nil {
		return 2
	}
	return 0
}

type progressLog struct {
	mu   sync.Mutex
	seen []Progress
}

func (l *progressLog) record(p Progress) {
	l.mu.Lock()
	l.seen = append(l.seen, p)
	l.mu.Unlock()
}

func (l *progressLog) percents() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []int
	for _, p := range l.seen {
		out = append(out, p.Percent)
	}
	return out
}

func (l *progressLog) last() Progress {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seen[len(l.seen)-1]
}

func newTestService(t *testing.T) (*Service, *progressLog, string) {
	t.Helper()
	dir := t.TempDir()
	tmp := filepath.Join(dir, "tmp")
	if err := os.Mkdir(tmp, 0o755); err != nil {
		t.Fatal(err)
	}
	input := filepath.Join(dir, "recording.webm")
	if err := os.WriteFile(input, []byte("webm-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	svc := New(Options{TempDir: tmp})
	log := &progressLog{}
	sub := svc.SubscribeProgress(log.record)
	t.Cleanup(sub.Release)
	return svc, log, input
}

func assertNonDecreasing(t *testing.T, percents []int) {
	t.Helper()
	for i := 1; i < len(percents); i++ {
		if percents[i] < percents[i-1] {
			t.Fatalf("progress went backwards: %v", percents)
		}
	}
}

func TestConvertMP4ReportsMonotonicProgress(t *testing.T) {
	fakeExecCommand(t, "")
	svc, log, input := newTestService(t)

	job := Job{InputPath: input, Format: FormatMP4, Resolution: Resolution720p, FPS: 24}
	if err := svc.Convert(context.Background(), job); err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if svc.Status() != StatusComplete {
		t.Fatalf("status = %s", svc.Status())
	}

	percents := log.percents()
	assertNonDecreasing(t, percents)
	want := []int{0, 20, 50, 100, 100}
	if fmt.Sprint(percents) != fmt.Sprint(want) {
		t.Fatalf("progress = %v, want %v", percents, want)
	}
	if log.last().Status != StatusComplete {
		t.Fatalf("last progress = %+v", log.last())
	}

	out, err := os.ReadFile(filepath.Join(filepath.Dir(input), "recording.mp4"))
	if err != nil {
		t.Fatalf("output missing: %v", err)
	}
	for _, want := range []string{"fps=24,scale=-2:720:flags=lanczos", "libx264", "-crf 18", "+faststart"} {
		if !strings.Contains(string(out), want) {
			t.Errorf("ffmpeg args missing %q: %s", want, out)
		}
	}
}

func TestConvertMKVOriginalSkipsScale(t *testing.T) {
	fakeExecCommand(t, "")
	svc, _, input := newTestService(t)
	out := filepath.Join(filepath.Dir(input), "custom.mkv")
	if err := svc.Convert(context.Background(), Job{InputPath: input, OutputPath: out, Format: FormatMKV, FPS: 60}); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(out)
	if strings.Contains(string(data), "scale=") || !strings.Contains(string(data), "fps=60") {
		t.Fatalf("unexpected filter in args: %s", data)
	}
	if strings.Contains(string(data), "faststart") {
		t.Fatal("mkv should not get mp4 flags")
	}
}

func TestConvertGIFTwoPass(t *testing.T) {
	fakeExecCommand(t, "")
	svc, log, input := newTestService(t)

	if err := svc.Convert(context.Background(), Job{InputPath: input, Format: FormatGIF, FPS: 15, Resolution: Resolution480p}); err != nil {
		t.Fatalf("Convert: %v", err)
	}

	percents := log.percents()
	assertNonDecreasing(t, percents)
	hit50 := false
	for _, p := range percents {
		if p == 50 {
			hit50 = true
		}
	}
	if !hit50 {
		t.Fatalf("progress %v never reported 50 at the pass boundary", percents)
	}
	if percents[len(percents)-1] != 100 {
		t.Fatalf("final progress = %v", percents)
	}

	out, err := os.ReadFile(filepath.Join(filepath.Dir(input), "recording.gif"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "paletteuse=dither=bayer") || !strings.Contains(string(out), "scale=-2:480") {
		t.Fatalf("pass-2 args = %s", out)
	}

	assertEmptyDir(t, svc.opts.TempDir)
}

func TestConvertGIFFailureRemovesPaletteAndOutput(t *testing.T) {
	fakeExecCommand(t, "failgif")
	svc, log, input := newTestService(t)

	err := svc.Convert(context.Background(), Job{InputPath: input, Format: FormatGIF})
	var convErr *ConversionError
	if !errors.As(err, &convErr) {
		t.Fatalf("err = %v, want *ConversionError", err)
	}
	if convErr.Stage != "gif" || !strings.Contains(convErr.Stderr, "Invalid data") {
		t.Fatalf("ConversionError = %+v", convErr)
	}
	if svc.Status() != StatusError {
		t.Fatalf("status = %s", svc.Status())
	}
	if last := log.last(); last.Status != StatusError || last.Error == "" {
		t.Fatalf("last progress = %+v", last)
	}

	assertEmptyDir(t, svc.opts.TempDir)
	if _, err := os.Stat(filepath.Join(filepath.Dir(input), "recording.gif")); !os.IsNotExist(err) {
		t.Fatalf("partial gif left behind: %v", err)
	}
	if data, _ := os.ReadFile(input); string(data) != "webm-bytes" {
		t.Fatal("input modified by failed conversion")
	}
}

func TestConvertWebMCopiesBytes(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/rec/a.webm", []byte("raw"), 0o644)
	svc := New(Options{Fs: fs})
	log := &progressLog{}
	defer svc.SubscribeProgress(log.record).Release()

	if err := svc.Convert(context.Background(), Job{InputPath: "/rec/a.webm", Format: FormatWebM}); err != nil {
		t.Fatal(err)
	}
	data, err := afero.ReadFile(fs, "/rec/a-converted.webm")
	if err != nil || string(data) != "raw" {
		t.Fatalf("copy = %q, %v", data, err)
	}
	if fmt.Sprint(log.percents()) != "[0 100 100]" {
		t.Fatalf("progress = %v", log.percents())
	}
}

func TestCancelDuringWebMCopy(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/rec/a.webm", make([]byte, 4*copyChunkSize), 0o644)
	svc := New(Options{Fs: fs})

	var statuses []Status
	defer svc.SubscribeProgress(func(p Progress) {
		statuses = append(statuses, p.Status)
		if p.Status == StatusConverting && p.Percent > 0 {
			if err := svc.Cancel(); err != nil {
				t.Errorf("Cancel: %v", err)
			}
		}
	}).Release()

	err := svc.Convert(context.Background(), Job{InputPath: "/rec/a.webm", OutputPath: "/rec/out.webm", Format: FormatWebM})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Convert = %v, want ErrCancelled", err)
	}
	if svc.Status() != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", svc.Status())
	}
	if last := statuses[len(statuses)-1]; last != StatusCancelled {
		t.Fatalf("statuses = %v", statuses)
	}
	if ok, _ := afero.Exists(fs, "/rec/out.webm"); ok {
		t.Fatal("partial copy left after cancel")
	}
}

func TestConvertUnknownDurationStillCompletes(t *testing.T) {
	fakeExecCommand(t, "noduration")
	svc, log, input := newTestService(t)
	if err := svc.Convert(context.Background(), Job{InputPath: input, Format: FormatMP4}); err != nil {
		t.Fatal(err)
	}
	// The packet fallback yields 8 s; 10 s of output clamps to 100.
	percents := log.percents()
	assertNonDecreasing(t, percents)
	if percents[1] != 25 {
		t.Fatalf("progress = %v, want 25 after 2s of 8s", percents)
	}
}

func TestCancelKillsEncoder(t *testing.T) {
	fakeExecCommand(t, "hang")
	svc, log, input := newTestService(t)

	done := make(chan error, 1)
	go func() {
		done <- svc.Convert(context.Background(), Job{InputPath: input, Format: FormatMP4})
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		svc.mu.Lock()
		running := svc.active != nil && svc.active.cmd != nil
		svc.mu.Unlock()
		if running {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("encoder never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := svc.Convert(context.Background(), Job{InputPath: input, Format: FormatMKV}); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Convert = %v, want ErrBusy", err)
	}
	if err := svc.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("Convert = %v, want ErrCancelled", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Convert did not return after Cancel")
	}
	if svc.Status() != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", svc.Status())
	}
	if last := log.last(); last.Status != StatusCancelled || last.Error != "" {
		t.Fatalf("last progress = %+v", last)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(input), "recording.mp4")); !os.IsNotExist(err) {
		t.Fatal("partial output left after cancel")
	}
}

func TestCancelWhenIdleIsNoop(t *testing.T) {
	svc := New(Options{})
	if err := svc.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if svc.Status() != StatusIdle {
		t.Fatalf("status = %s", svc.Status())
	}
}

func TestConvertValidation(t *testing.T) {
	svc := New(Options{Fs: afero.NewMemMapFs()})
	tests := []struct {
		name string
		job  Job
	}{
		{name: "no input", job: Job{Format: FormatMP4}},
		{name: "bad format", job: Job{InputPath: "/a.webm", Format: "avi"}},
		{name: "bad resolution", job: Job{InputPath: "/a.webm", Format: FormatMP4, Resolution: "4k"}},
		{name: "bad fps", job: Job{InputPath: "/a.webm", Format: FormatMP4, FPS: 25}},
		{name: "overwrite input", job: Job{InputPath: "/a.webm", OutputPath: "/a.webm", Format: FormatWebM}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := svc.Convert(context.Background(), tt.job); !errors.Is(err, ErrInvalidJob) {
				t.Fatalf("err = %v, want ErrInvalidJob", err)
			}
		})
	}
	if svc.Status() != StatusIdle {
		t.Fatalf("validation changed status to %s", svc.Status())
	}
}

func TestOutputPath(t *testing.T) {
	tests := []struct {
		input  string
		format Format
		want   string
	}{
		{input: "/v/rec.webm", format: FormatMP4, want: "/v/rec.mp4"},
		{input: "/v/rec.webm", format: FormatGIF, want: "/v/rec.gif"},
		{input: "/v/rec.webm", format: FormatWebM, want: "/v/rec-converted.webm"},
		{input: "/v/rec", format: FormatMKV, want: "/v/rec.mkv"},
	}
	for _, tt := range tests {
		if got := OutputPath(tt.input, tt.format); got != tt.want {
			t.Errorf("OutputPath(%q, %s) = %q, want %q", tt.input, tt.format, got, tt.want)
		}
	}
}

func TestPercentOf(t *testing.T) {
	tests := []struct {
		t, total time.Duration
		want     int
	}{
		{t: 0, total: 10 * time.Second, want: 0},
		{t: 4950 * time.Millisecond, total: 10 * time.Second, want: 50},
		{t: 15 * time.Second, total: 10 * time.Second, want: 100},
		{t: time.Second, total: 0, want: 0},
	}
	for _, tt := range tests {
		if got := percentOf(tt.t, tt.total); got != tt.want {
			t.Errorf("percentOf(%v, %v) = %d, want %d", tt.t, tt.total, got, tt.want)
		}
	}
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("%s not empty: %v", dir, entries)
	}
}
