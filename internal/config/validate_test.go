package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateTieredUnknownOutputFormatIsFatal(t *testing.T) {
	cfg := Default()
	cfg.OutputFormat = "avi"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("unknown output format should be fatal")
	}
	found := false
	for _, err := range result.Fatals {
		if strings.Contains(err.Error(), "output_format") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected output_format error in fatals")
	}
}

func TestValidateTieredNormalizesFormatCase(t *testing.T) {
	cfg := Default()
	cfg.OutputFormat = " MP4 "
	cfg.Resolution = "720P"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("unexpected fatals: %v", result.Fatals)
	}
	if cfg.OutputFormat != "mp4" || cfg.Resolution != "720p" {
		t.Fatalf("got format=%q resolution=%q", cfg.OutputFormat, cfg.Resolution)
	}
}

func TestValidateTieredUnknownResolutionIsFatal(t *testing.T) {
	cfg := Default()
	cfg.Resolution = "4k"
	if !cfg.ValidateTiered().HasFatals() {
		t.Fatal("unknown resolution should be fatal")
	}
}

func TestValidateTieredControlCharsInPathIsFatal(t *testing.T) {
	cfg := Default()
	cfg.FFmpegPath = "ffmpeg\x00--evil"
	if !cfg.ValidateTiered().HasFatals() {
		t.Fatal("control chars in ffmpeg_path should be fatal")
	}
}

func TestValidateTieredFPSSnapsToNearestIsWarning(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{in: 25, want: 24},
		{in: 0, want: 15},
		{in: 120, want: 60},
		{in: 29, want: 30},
	}
	for _, tt := range tests {
		cfg := Default()
		cfg.FPS = tt.in
		result := cfg.ValidateTiered()
		if result.HasFatals() {
			t.Fatalf("fps %d: unexpected fatals %v", tt.in, result.Fatals)
		}
		if len(result.Warnings) == 0 {
			t.Fatalf("fps %d: expected warning", tt.in)
		}
		if cfg.FPS != tt.want {
			t.Fatalf("fps %d: got %d, want %d", tt.in, cfg.FPS, tt.want)
		}
	}
}

func TestValidateTieredBitrateClampingIsWarning(t *testing.T) {
	cfg := Default()
	cfg.VideoBitsPerSecond = 1
	result := cfg.ValidateTiered()

	if result.HasFatals() {
		t.Fatalf("clamped bitrate should be warning, not fatal: %v", result.Fatals)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for clamped bitrate")
	}
	if cfg.VideoBitsPerSecond != 250_000 {
		t.Fatalf("VideoBitsPerSecond = %d, want 250000 (clamped)", cfg.VideoBitsPerSecond)
	}
}

func TestValidateTieredMemoryCeilingClamping(t *testing.T) {
	cfg := Default()
	cfg.MemoryCeilingMB = 100000
	cfg.ChunkIntervalSeconds = 0
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped values should be warnings: %v", result.Fatals)
	}
	if cfg.MemoryCeilingMB != 4096 {
		t.Fatalf("MemoryCeilingMB = %d, want 4096", cfg.MemoryCeilingMB)
	}
	if cfg.ChunkIntervalSeconds != 1 {
		t.Fatalf("ChunkIntervalSeconds = %d, want 1", cfg.ChunkIntervalSeconds)
	}
}

func TestValidateTieredStorageProviderRequirements(t *testing.T) {
	tests := []struct {
		name      string
		storage   StorageConfig
		wantFatal bool
	}{
		{name: "none", storage: StorageConfig{Provider: "none"}},
		{name: "local without dir", storage: StorageConfig{Provider: "local"}, wantFatal: true},
		{name: "local", storage: StorageConfig{Provider: "local", LocalDir: "/srv/rec", Workers: 1, QueueSize: 1}},
		{name: "s3 without bucket", storage: StorageConfig{Provider: "s3"}, wantFatal: true},
		{name: "azure without connection", storage: StorageConfig{Provider: "azure", Bucket: "rec"}, wantFatal: true},
		{name: "b2 complete", storage: StorageConfig{Provider: "B2", Bucket: "rec", AccountID: "id", ApplicationKey: "key", Workers: 2, QueueSize: 4}},
		{name: "unknown", storage: StorageConfig{Provider: "ftp"}, wantFatal: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Storage = tt.storage
			result := cfg.ValidateTiered()
			if result.HasFatals() != tt.wantFatal {
				t.Fatalf("HasFatals = %v, want %v (%v)", result.HasFatals(), tt.wantFatal, result.Fatals)
			}
		})
	}
}

func TestValidateTieredScaleFactor(t *testing.T) {
	tests := []struct {
		in       float64
		want     float64
		wantWarn bool
	}{
		{in: 0, want: 0},
		{in: 1.25, want: 1.25},
		{in: -1, want: 0, wantWarn: true},
		{in: 12, want: 0, wantWarn: true},
		{in: math.NaN(), want: 0, wantWarn: true},
	}
	for _, tt := range tests {
		cfg := Default()
		cfg.ScaleFactor = tt.in
		result := cfg.ValidateTiered()
		if result.HasFatals() {
			t.Fatalf("scale_factor %v: unexpected fatals %v", tt.in, result.Fatals)
		}
		if (len(result.Warnings) > 0) != tt.wantWarn {
			t.Fatalf("scale_factor %v: warnings %v, wantWarn %v", tt.in, result.Warnings, tt.wantWarn)
		}
		if cfg.ScaleFactor != tt.want {
			t.Fatalf("scale_factor %v: got %v, want %v", tt.in, cfg.ScaleFactor, tt.want)
		}
	}
}

func TestValidateTieredInvalidControlListenIsFatal(t *testing.T) {
	cfg := Default()
	cfg.ControlListen = "localhost"
	if !cfg.ValidateTiered().HasFatals() {
		t.Fatal("control_listen without port should be fatal")
	}
}

func TestValidateTieredUnknownLogLevelIsWarning(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("unknown log level should not be fatal")
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for unknown log level")
	}
}

func TestValidateTieredInvalidLogFormatIsWarning(t *testing.T) {
	cfg := Default()
	cfg.LogFormat = "xml"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("invalid log format should not be fatal")
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for invalid log format")
	}
}

func TestHasFatals(t *testing.T) {
	r := ValidationResult{}
	if r.HasFatals() {
		t.Fatal("HasFatals() on empty result should be false")
	}
	r.Fatals = append(r.Fatals, fmt.Errorf("test error"))
	if !r.HasFatals() {
		t.Fatal("HasFatals() should be true with a fatal error")
	}
}

func TestAllErrorsReturnsBoth(t *testing.T) {
	cfg := Default()
	cfg.OutputFormat = "avi" // fatal
	cfg.LogFormat = "xml"    // warning
	result := cfg.ValidateTiered()

	all := result.AllErrors()
	if len(all) < 2 {
		t.Fatalf("AllErrors() returned %d errors, expected at least 2 (fatals + warnings)", len(all))
	}
}

func TestDefaultConfigHasNoErrors(t *testing.T) {
	cfg := Default()
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("default config has fatals: %v", result.Fatals)
	}
	if len(result.Warnings) > 0 {
		t.Fatalf("default config has warnings: %v", result.Warnings)
	}
}

func TestSaveToAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "screenrec.yaml")

	cfg := Default()
	cfg.OutputFormat = "gif"
	cfg.FPS = 15
	cfg.ScaleFactor = 1.5
	cfg.Storage.Provider = "s3"
	cfg.Storage.Bucket = "recordings"
	if err := SaveTo(cfg, path); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("config file mode = %o, want 600", perm)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.OutputFormat != "gif" || loaded.FPS != 15 {
		t.Fatalf("loaded format=%q fps=%d", loaded.OutputFormat, loaded.FPS)
	}
	if loaded.ScaleFactor != 1.5 {
		t.Fatalf("loaded scale_factor = %v", loaded.ScaleFactor)
	}
	if loaded.Storage.Provider != "s3" || loaded.Storage.Bucket != "recordings" {
		t.Fatalf("loaded storage = %+v", loaded.Storage)
	}

	s := loaded.Settings()
	if s.OutputFormat != "gif" || s.FPS != 15 || s.SaveLocation != cfg.SaveLocation {
		t.Fatalf("Settings() = %+v", s)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "screenrec.yaml")
	if err := os.WriteFile(path, []byte("output_format: mkv\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SCREENREC_FPS", "24")
	t.Setenv("SCREENREC_STORAGE_PROVIDER", "gcs")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.OutputFormat != "mkv" {
		t.Fatalf("OutputFormat = %q, want mkv", cfg.OutputFormat)
	}
	if cfg.FPS != 24 {
		t.Fatalf("FPS = %d, want 24 from env", cfg.FPS)
	}
	if cfg.Storage.Provider != "gcs" {
		t.Fatalf("Storage.Provider = %q, want gcs from env", cfg.Storage.Provider)
	}
	if cfg.ChunkIntervalSeconds != 5 {
		t.Fatalf("ChunkIntervalSeconds = %d, want default 5", cfg.ChunkIntervalSeconds)
	}
}
