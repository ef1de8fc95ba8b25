package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// StorageConfig selects where finished recordings are published.
type StorageConfig struct {
	Provider           string `mapstructure:"provider" yaml:"provider"`
	LocalDir           string `mapstructure:"local_dir" yaml:"local_dir,omitempty"`
	Bucket             string `mapstructure:"bucket" yaml:"bucket,omitempty"`
	Prefix             string `mapstructure:"prefix" yaml:"prefix,omitempty"`
	Region             string `mapstructure:"region" yaml:"region,omitempty"`
	Endpoint           string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	AccessKeyID        string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey    string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`
	ConnectionString   string `mapstructure:"connection_string" yaml:"connection_string,omitempty"`
	CredentialsFile    string `mapstructure:"credentials_file" yaml:"credentials_file,omitempty"`
	AccountID          string `mapstructure:"account_id" yaml:"account_id,omitempty"`
	ApplicationKey     string `mapstructure:"application_key" yaml:"application_key,omitempty"`
	Workers            int    `mapstructure:"workers" yaml:"workers"`
	QueueSize          int    `mapstructure:"queue_size" yaml:"queue_size"`
	DeleteAfterPublish bool   `mapstructure:"delete_after_publish" yaml:"delete_after_publish"`
}

type Config struct {
	SaveLocation      string `mapstructure:"save_location" yaml:"save_location"`
	OutputFormat      string `mapstructure:"output_format" yaml:"output_format"`
	Resolution        string `mapstructure:"resolution" yaml:"resolution"`
	FPS               int    `mapstructure:"fps" yaml:"fps"`
	IncludeAudio      bool   `mapstructure:"include_audio" yaml:"include_audio"`
	IncludeMicrophone bool   `mapstructure:"include_microphone" yaml:"include_microphone"`

	VideoBitsPerSecond   int    `mapstructure:"video_bits_per_second" yaml:"video_bits_per_second"`
	CaptureFrameRate     int    `mapstructure:"capture_frame_rate" yaml:"capture_frame_rate"`
	ChunkIntervalSeconds int    `mapstructure:"chunk_interval_seconds" yaml:"chunk_interval_seconds"`
	MemoryCeilingMB      int    `mapstructure:"memory_ceiling_mb" yaml:"memory_ceiling_mb"`
	SpillDir             string `mapstructure:"spill_dir" yaml:"spill_dir"`

	FFmpegPath         string  `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
	FFprobePath        string  `mapstructure:"ffprobe_path" yaml:"ffprobe_path"`
	Display            string  `mapstructure:"display" yaml:"display,omitempty"`
	AudioDevice        string  `mapstructure:"audio_device" yaml:"audio_device,omitempty"`
	MicrophoneDevice   string  `mapstructure:"microphone_device" yaml:"microphone_device,omitempty"`
	// ScaleFactor overrides display scale detection; 0 detects it.
	ScaleFactor        float64 `mapstructure:"scale_factor" yaml:"scale_factor,omitempty"`
	InhibitScreensaver bool    `mapstructure:"inhibit_screensaver" yaml:"inhibit_screensaver"`

	ControlListen string `mapstructure:"control_listen" yaml:"control_listen"`

	LogLevel      string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat     string `mapstructure:"log_format" yaml:"log_format"`
	LogFile       string `mapstructure:"log_file" yaml:"log_file,omitempty"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb" yaml:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups" yaml:"log_max_backups"`

	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
}

// Settings is the subset of configuration the recording flow consumes.
type Settings struct {
	SaveLocation string
	Resolution   string
	FPS          int
	OutputFormat string
	IncludeAudio bool
}

func Default() *Config {
	return &Config{
		SaveLocation:         defaultSaveLocation(),
		OutputFormat:         "webm",
		Resolution:           "original",
		FPS:                  30,
		IncludeAudio:         true,
		VideoBitsPerSecond:   2_500_000,
		CaptureFrameRate:     30,
		ChunkIntervalSeconds: 5,
		MemoryCeilingMB:      100,
		SpillDir:             filepath.Join(os.TempDir(), "screenrec-spill"),
		FFmpegPath:           "ffmpeg",
		FFprobePath:          "ffprobe",
		InhibitScreensaver:   true,
		ControlListen:        "127.0.0.1:7878",
		LogLevel:             "info",
		LogFormat:            "text",
		LogMaxSizeMB:         20,
		LogMaxBackups:        3,
		Storage: StorageConfig{
			Provider:  "none",
			Workers:   2,
			QueueSize: 16,
		},
	}
}

// Settings returns the persisted user-facing recording settings.
func (c *Config) Settings() Settings {
	return Settings{
		SaveLocation: c.SaveLocation,
		Resolution:   c.Resolution,
		FPS:          c.FPS,
		OutputFormat: c.OutputFormat,
		IncludeAudio: c.IncludeAudio,
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := newViper(cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("screenrec")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SCREENREC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

// Path returns cfgFile, or the default config file location when it is
// empty.
func Path(cfgFile string) string {
	if cfgFile != "" {
		return cfgFile
	}
	return filepath.Join(configDir(), "screenrec.yaml")
}

func SaveTo(cfg *Config, cfgFile string) error {
	v := newViper(cfg)

	cfgPath := Path(cfgFile)
	if dir := filepath.Dir(cfgPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}

	if err := v.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	// Owner-only: the storage section may hold cloud credentials
	return os.Chmod(cfgPath, 0600)
}

// newViper registers every key of cfg as a default. AutomaticEnv only
// overrides keys viper already knows about.
func newViper(cfg *Config) *viper.Viper {
	v := viper.New()
	for key, value := range flatten(cfg) {
		v.SetDefault(key, value)
	}
	return v
}

func flatten(cfg *Config) map[string]any {
	return map[string]any{
		"save_location":                cfg.SaveLocation,
		"output_format":                cfg.OutputFormat,
		"resolution":                   cfg.Resolution,
		"fps":                          cfg.FPS,
		"include_audio":                cfg.IncludeAudio,
		"include_microphone":           cfg.IncludeMicrophone,
		"video_bits_per_second":        cfg.VideoBitsPerSecond,
		"capture_frame_rate":           cfg.CaptureFrameRate,
		"chunk_interval_seconds":       cfg.ChunkIntervalSeconds,
		"memory_ceiling_mb":            cfg.MemoryCeilingMB,
		"spill_dir":                    cfg.SpillDir,
		"ffmpeg_path":                  cfg.FFmpegPath,
		"ffprobe_path":                 cfg.FFprobePath,
		"display":                      cfg.Display,
		"audio_device":                 cfg.AudioDevice,
		"microphone_device":            cfg.MicrophoneDevice,
		"scale_factor":                 cfg.ScaleFactor,
		"inhibit_screensaver":          cfg.InhibitScreensaver,
		"control_listen":               cfg.ControlListen,
		"log_level":                    cfg.LogLevel,
		"log_format":                   cfg.LogFormat,
		"log_file":                     cfg.LogFile,
		"log_max_size_mb":              cfg.LogMaxSizeMB,
		"log_max_backups":              cfg.LogMaxBackups,
		"storage.provider":             cfg.Storage.Provider,
		"storage.local_dir":            cfg.Storage.LocalDir,
		"storage.bucket":               cfg.Storage.Bucket,
		"storage.prefix":               cfg.Storage.Prefix,
		"storage.region":               cfg.Storage.Region,
		"storage.endpoint":             cfg.Storage.Endpoint,
		"storage.access_key_id":        cfg.Storage.AccessKeyID,
		"storage.secret_access_key":    cfg.Storage.SecretAccessKey,
		"storage.connection_string":    cfg.Storage.ConnectionString,
		"storage.credentials_file":     cfg.Storage.CredentialsFile,
		"storage.account_id":           cfg.Storage.AccountID,
		"storage.application_key":      cfg.Storage.ApplicationKey,
		"storage.workers":              cfg.Storage.Workers,
		"storage.queue_size":           cfg.Storage.QueueSize,
		"storage.delete_after_publish": cfg.Storage.DeleteAfterPublish,
	}
}

func configDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "screenrec")
	}
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "screenrec")
	default:
		return filepath.Join(os.Getenv("HOME"), ".config", "screenrec")
	}
}

func defaultSaveLocation() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "."
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Movies", "screenrec")
	}
	return filepath.Join(home, "Videos", "screenrec")
}
