// Package preflight checks that the host can record and convert before a
// session starts.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/breeze-rmm/screenrec/internal/config"
	"github.com/breeze-rmm/screenrec/internal/encoder"
	"github.com/breeze-rmm/screenrec/internal/logging"
)

var log = logging.L("preflight")

// Replaced in tests.
var (
	lookPath      = exec.LookPath
	diskUsage     = disk.UsageWithContext
	virtualMemory = mem.VirtualMemoryWithContext
	negotiate     = encoder.Negotiate
	processNames  = runningProcessNames
)

// Options selects the checks to run.
type Options struct {
	FFmpegPath    string
	FFprobePath   string
	SaveLocation  string
	SpillDir      string
	MinFreeMB     uint64
	MemoryCeiling uint64
}

// OptionsFromConfig builds Options from config fields.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		FFmpegPath:    cfg.FFmpegPath,
		FFprobePath:   cfg.FFprobePath,
		SaveLocation:  cfg.SaveLocation,
		SpillDir:      cfg.SpillDir,
		MinFreeMB:     512,
		MemoryCeiling: uint64(cfg.MemoryCeilingMB) << 20,
	}
}

// Check is one check result. A warning does not fail the run.
type Check struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Warning bool   `json:"warning,omitempty"`
	Message string `json:"message"`
}

// Result captures the outcome of all checks.
type Result struct {
	OK      bool             `json:"ok"`
	Checks  []Check          `json:"checks"`
	Profile *encoder.Profile `json:"profile,omitempty"`
}

// ErrPreflightFailed names the first failing check.
type ErrPreflightFailed struct {
	Check   string
	Message string
}

func (e *ErrPreflightFailed) Error() string {
	return fmt.Sprintf("preflight check %s failed: %s", e.Check, e.Message)
}

// FirstError returns the first failed check, or nil if all passed.
func (r Result) FirstError() error {
	for _, c := range r.Checks {
		if !c.Passed && !c.Warning {
			return &ErrPreflightFailed{Check: c.Name, Message: c.Message}
		}
	}
	return nil
}

// Run executes every check and returns the combined result.
func Run(ctx context.Context, opts Options) Result {
	result := Result{OK: true}
	add := func(c Check) {
		result.Checks = append(result.Checks, c)
		if !c.Passed && !c.Warning {
			result.OK = false
		}
		if c.Passed {
			log.Debug("preflight check passed", "check", c.Name, "message", c.Message)
		} else {
			log.Warn("preflight check failed", "check", c.Name, "message", c.Message, "warning", c.Warning)
		}
	}

	ffmpeg := checkBinary("ffmpeg", opts.FFmpegPath)
	add(ffmpeg)
	if ffmpeg.Passed {
		profile, err := negotiate(ctx, opts.FFmpegPath)
		c := Check{Name: "codec", Passed: err == nil, Warning: err != nil}
		if err != nil {
			c.Message = fmt.Sprintf("using %s: %v", profile.MimeType, err)
		} else {
			c.Message = profile.MimeType
		}
		result.Profile = &profile
		add(c)
	}
	add(checkBinary("ffprobe", opts.FFprobePath))

	add(checkDiskSpace(ctx, "save_location_space", opts.SaveLocation, opts.MinFreeMB))
	if opts.SpillDir != "" && !sameTarget(opts.SpillDir, opts.SaveLocation) {
		add(checkDiskSpace(ctx, "spill_dir_space", opts.SpillDir, opts.MinFreeMB))
	}
	if opts.MemoryCeiling > 0 {
		add(checkMemory(ctx, opts.MemoryCeiling))
	}
	add(checkStaleEncoders(ctx, opts.FFmpegPath))

	return result
}

func checkBinary(name, path string) Check {
	c := Check{Name: name}
	if path == "" {
		path = name
	}
	resolved, err := lookPath(path)
	if err != nil {
		c.Message = fmt.Sprintf("%s not found: %v", path, err)
		return c
	}
	c.Passed = true
	c.Message = resolved
	return c
}

func checkDiskSpace(ctx context.Context, name, dir string, minFreeMB uint64) Check {
	c := Check{Name: name}
	target := existingAncestor(dir)
	usage, err := diskUsage(ctx, target)
	if err != nil {
		c.Message = fmt.Sprintf("failed to query %s: %v", target, err)
		return c
	}
	freeMB := usage.Free / 1024 / 1024
	if freeMB < minFreeMB {
		c.Message = fmt.Sprintf("%d MB free on %s, need %d MB", freeMB, target, minFreeMB)
		return c
	}
	c.Passed = true
	c.Message = fmt.Sprintf("%d MB free on %s", freeMB, target)
	return c
}

// checkMemory warns when less memory is available than the recorder may
// buffer before spilling.
func checkMemory(ctx context.Context, ceiling uint64) Check {
	c := Check{Name: "memory"}
	vm, err := virtualMemory(ctx)
	if err != nil {
		c.Warning = true
		c.Message = fmt.Sprintf("failed to query memory: %v", err)
		return c
	}
	if vm.Available < ceiling {
		c.Warning = true
		c.Message = fmt.Sprintf("%d MB available, below the %d MB buffer ceiling", vm.Available>>20, ceiling>>20)
		return c
	}
	c.Passed = true
	c.Message = fmt.Sprintf("%d MB available", vm.Available>>20)
	return c
}

// checkStaleEncoders warns about ffmpeg processes left running, which
// usually hold the capture device.
func checkStaleEncoders(ctx context.Context, ffmpegPath string) Check {
	c := Check{Name: "stale_encoders"}
	names, err := processNames(ctx)
	if err != nil {
		c.Warning = true
		c.Message = fmt.Sprintf("failed to list processes: %v", err)
		return c
	}
	want := binaryName(ffmpegPath)
	count := 0
	for _, n := range names {
		if strings.EqualFold(binaryName(n), want) {
			count++
		}
	}
	if count > 0 {
		c.Warning = true
		c.Message = fmt.Sprintf("%d %s process(es) already running", count, want)
		return c
	}
	c.Passed = true
	c.Message = "none running"
	return c
}

func runningProcessNames(ctx context.Context) ([]string, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	self := int32(os.Getpid())
	names := make([]string, 0, len(procs))
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

func binaryName(path string) string {
	if path == "" {
		path = "ffmpeg"
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// existingAncestor returns dir or its nearest parent that exists, so the
// check works before the save location has been created.
func existingAncestor(dir string) string {
	dir = filepath.Clean(dir)
	for {
		if _, err := os.Stat(dir); err == nil || !errors.Is(err, os.ErrNotExist) {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}

func sameTarget(a, b string) bool {
	return existingAncestor(a) == existingAncestor(b)
}
