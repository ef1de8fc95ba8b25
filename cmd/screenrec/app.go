package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/afero"

	"github.com/breeze-rmm/screenrec/internal/capture"
	"github.com/breeze-rmm/screenrec/internal/config"
	"github.com/breeze-rmm/screenrec/internal/health"
	"github.com/breeze-rmm/screenrec/internal/inhibit"
	"github.com/breeze-rmm/screenrec/internal/logging"
	"github.com/breeze-rmm/screenrec/internal/metrics"
	"github.com/breeze-rmm/screenrec/internal/recorder"
	"github.com/breeze-rmm/screenrec/internal/storage"
	"github.com/breeze-rmm/screenrec/internal/transcode"
)

var log = logging.L("main")

const publishDrainTimeout = 2 * time.Minute

// app holds the components one process shares between commands.
type app struct {
	cfg       *config.Config
	fs        afero.Fs
	health    *health.Monitor
	metrics   *metrics.Metrics
	platform  *capture.FFmpegPlatform
	session   *recorder.Session
	converter *transcode.Service
	publisher *storage.Publisher

	logCloser io.Closer
}

// loadConfig reads and validates the config, then installs logging.
func loadConfig() (*config.Config, io.Closer, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if result := cfg.ValidateTiered(); result.HasFatals() {
		return nil, nil, errors.Join(result.Fatals...)
	}

	out, closer, err := logging.Output(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, out)
	return cfg, closer, nil
}

func captureOptions(cfg *config.Config) capture.FFmpegOptions {
	return capture.FFmpegOptions{
		FFmpegPath:       cfg.FFmpegPath,
		Display:          cfg.Display,
		AudioDevice:      cfg.AudioDevice,
		MicrophoneDevice: cfg.MicrophoneDevice,
		ScaleFactor:      cfg.ScaleFactor,
	}
}

// newApp wires the recorder, converter and optional publisher.
func newApp(ctx context.Context) (*app, error) {
	cfg, closer, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:       cfg,
		fs:        afero.NewOsFs(),
		health:    health.NewMonitor(),
		metrics:   metrics.New(),
		logCloser: closer,
	}
	a.platform = capture.NewFFmpegPlatform(captureOptions(cfg))

	opts := recorder.Options{
		Platform:      a.platform,
		FFmpegPath:    cfg.FFmpegPath,
		Timeslice:     time.Duration(cfg.ChunkIntervalSeconds) * time.Second,
		MemoryCeiling: int64(cfg.MemoryCeilingMB) << 20,
		SpillFs:       a.fs,
		SpillDir:      cfg.SpillDir,
		Health:        a.health,
		Metrics:       a.metrics,
	}
	if cfg.InhibitScreensaver {
		opts.Inhibitor = inhibit.New()
	}
	a.session = recorder.New(opts)

	a.converter = transcode.New(transcode.Options{
		FFmpegPath:  cfg.FFmpegPath,
		FFprobePath: cfg.FFprobePath,
		Fs:          a.fs,
		Health:      a.health,
		Metrics:     a.metrics,
	})

	provider, err := storage.New(ctx, cfg.Storage)
	switch {
	case errors.Is(err, storage.ErrNoProvider):
	case err != nil:
		a.close(ctx)
		return nil, fmt.Errorf("storage: %w", err)
	default:
		a.publisher = storage.NewPublisher(provider, storage.PublisherOptions{
			Prefix:             cfg.Storage.Prefix,
			Retry:              storage.DefaultRetryConfig(),
			Workers:            cfg.Storage.Workers,
			QueueSize:          cfg.Storage.QueueSize,
			DeleteAfterPublish: cfg.Storage.DeleteAfterPublish,
			Fs:                 a.fs,
			Health:             a.health,
			Metrics:            a.metrics,
		})
		log.Info("publishing enabled", "provider", provider.Name())
	}
	return a, nil
}

// close waits for queued uploads and releases the log file.
func (a *app) close(ctx context.Context) {
	if a.publisher != nil {
		ctx, cancel := context.WithTimeout(ctx, publishDrainTimeout)
		a.publisher.Close(ctx)
		cancel()
	}
	if a.logCloser != nil {
		a.logCloser.Close()
	}
}

// finish saves blob to the save location, converts it when the configured
// output format is not WebM and queues the result for publishing. It
// returns the path of the final file.
func (a *app) finish(ctx context.Context, blob *recorder.Blob, format transcode.Format) (string, error) {
	defer blob.Discard()
	if blob.Empty() {
		return "", errors.New("recording is empty")
	}

	path, err := blob.Save(a.fs, a.cfg.SaveLocation, recorder.FileName(time.Now(), blob.Extension()))
	if err != nil {
		return "", err
	}
	log.Info("recording saved", "path", path, "bytes", blob.Size(), "durationMs", blob.Duration.Milliseconds())

	final := path
	if format != "" && format != transcode.FormatWebM {
		job := transcode.Job{
			InputPath:  path,
			Format:     format,
			Resolution: transcode.Resolution(a.cfg.Resolution),
			FPS:        a.cfg.FPS,
		}
		if err := a.converter.Convert(ctx, job); err != nil {
			return path, fmt.Errorf("convert %s: %w", path, err)
		}
		final = transcode.OutputPath(path, format)
	}

	if a.publisher != nil {
		if _, err := a.publisher.Publish(final); err != nil {
			log.Warn("recording not queued for publishing", "path", final, "error", err.Error())
		}
	}
	return final, nil
}
