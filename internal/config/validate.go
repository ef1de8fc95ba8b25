package config

import (
	"fmt"
	"log/slog"
	"math"
	"net"
	"slices"
	"strings"
	"unicode"
)

var validOutputFormats = map[string]bool{
	"webm": true,
	"mp4":  true,
	"mkv":  true,
	"gif":  true,
}

var validResolutions = map[string]bool{
	"480p":     true,
	"720p":     true,
	"1080p":    true,
	"original": true,
}

var validFPS = []int{15, 24, 30, 60}

var validProviders = map[string]bool{
	"none":  true,
	"local": true,
	"s3":    true,
	"azure": true,
	"gcs":   true,
	"b2":    true,
}

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates errors that must stop startup from values that
// were corrected in place.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether any fatal error was found.
func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// AllErrors returns fatals followed by warnings.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	return append(all, r.Warnings...)
}

// ValidateTiered checks the config. Out-of-range numeric values are clamped
// and reported as warnings; values no component can act on are fatal.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult
	fatal := func(format string, args ...any) { r.Fatals = append(r.Fatals, fmt.Errorf(format, args...)) }
	warn := func(format string, args ...any) { r.Warnings = append(r.Warnings, fmt.Errorf(format, args...)) }

	c.OutputFormat = strings.ToLower(strings.TrimSpace(c.OutputFormat))
	if !validOutputFormats[c.OutputFormat] {
		fatal("output_format %q is not valid (use webm, mp4, mkv or gif)", c.OutputFormat)
	}

	c.Resolution = strings.ToLower(strings.TrimSpace(c.Resolution))
	if !validResolutions[c.Resolution] {
		fatal("resolution %q is not valid (use 480p, 720p, 1080p or original)", c.Resolution)
	}

	if strings.TrimSpace(c.SaveLocation) == "" {
		fatal("save_location must not be empty")
	}

	for name, value := range map[string]string{
		"ffmpeg_path":   c.FFmpegPath,
		"ffprobe_path":  c.FFprobePath,
		"save_location": c.SaveLocation,
		"spill_dir":     c.SpillDir,
	} {
		if hasControlChars(value) {
			fatal("%s contains control characters", name)
		}
	}

	if !slices.Contains(validFPS, c.FPS) {
		nearest := nearestInt(validFPS, c.FPS)
		warn("fps %d is not one of 15, 24, 30, 60, using %d", c.FPS, nearest)
		c.FPS = nearest
	}

	c.VideoBitsPerSecond = clamp(&r, "video_bits_per_second", c.VideoBitsPerSecond, 250_000, 50_000_000)
	c.CaptureFrameRate = clamp(&r, "capture_frame_rate", c.CaptureFrameRate, 1, 60)
	c.ChunkIntervalSeconds = clamp(&r, "chunk_interval_seconds", c.ChunkIntervalSeconds, 1, 60)
	c.MemoryCeilingMB = clamp(&r, "memory_ceiling_mb", c.MemoryCeilingMB, 16, 4096)
	c.LogMaxSizeMB = clamp(&r, "log_max_size_mb", c.LogMaxSizeMB, 1, 1024)
	c.LogMaxBackups = clamp(&r, "log_max_backups", c.LogMaxBackups, 1, 50)

	if math.IsNaN(c.ScaleFactor) || c.ScaleFactor < 0 || c.ScaleFactor > 4 {
		warn("scale_factor %v is outside 0-4, detecting it instead", c.ScaleFactor)
		c.ScaleFactor = 0
	}

	if c.ControlListen != "" {
		if _, _, err := net.SplitHostPort(c.ControlListen); err != nil {
			fatal("control_listen %q is not host:port: %v", c.ControlListen, err)
		}
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		warn("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel)
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		warn("log_format %q is not valid (use text or json)", c.LogFormat)
	}

	c.validateStorage(&r)

	for _, err := range r.Fatals {
		slog.Error("config validation", "error", err)
	}
	for _, err := range r.Warnings {
		slog.Warn("config validation", "error", err)
	}

	return r
}

func (c *Config) validateStorage(r *ValidationResult) {
	s := &c.Storage
	s.Provider = strings.ToLower(strings.TrimSpace(s.Provider))
	if s.Provider == "" {
		s.Provider = "none"
	}
	if !validProviders[s.Provider] {
		r.Fatals = append(r.Fatals, fmt.Errorf("storage.provider %q is not valid (use none, local, s3, azure, gcs or b2)", s.Provider))
		return
	}

	require := func(field, value string) {
		if strings.TrimSpace(value) == "" {
			r.Fatals = append(r.Fatals, fmt.Errorf("storage.%s is required for provider %q", field, s.Provider))
		}
	}
	switch s.Provider {
	case "local":
		require("local_dir", s.LocalDir)
	case "s3", "gcs":
		require("bucket", s.Bucket)
	case "azure":
		require("bucket", s.Bucket)
		require("connection_string", s.ConnectionString)
	case "b2":
		require("bucket", s.Bucket)
		require("account_id", s.AccountID)
		require("application_key", s.ApplicationKey)
	}

	if s.Provider != "none" {
		s.Workers = clamp(r, "storage.workers", s.Workers, 1, 16)
		s.QueueSize = clamp(r, "storage.queue_size", s.QueueSize, 1, 1000)
	}
}

func clamp(r *ValidationResult, name string, value, lo, hi int) int {
	if value < lo {
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d is below minimum %d, clamping", name, value, lo))
		return lo
	}
	if value > hi {
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d exceeds maximum %d, clamping", name, value, hi))
		return hi
	}
	return value
}

func hasControlChars(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}

func nearestInt(values []int, v int) int {
	best := values[0]
	for _, candidate := range values[1:] {
		if abs(candidate-v) < abs(best-v) {
			best = candidate
		}
	}
	return best
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
