package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/breeze-rmm/screenrec/internal/health"
	"github.com/breeze-rmm/screenrec/internal/logging"
	"github.com/breeze-rmm/screenrec/internal/metrics"
	"github.com/breeze-rmm/screenrec/internal/notify"
	"github.com/breeze-rmm/screenrec/internal/workerpool"
)

var log = logging.L("storage")

// ErrQueueFull is returned by Publish when the upload queue has no room or
// the publisher is closing.
var ErrQueueFull = errors.New("publish queue is full")

// Result reports one finished upload.
type Result struct {
	ID         string `json:"id"`
	Path       string `json:"path"`
	Key        string `json:"key"`
	Provider   string `json:"provider"`
	Bytes      int64  `json:"bytes"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
}

// PublisherOptions configures a Publisher. Fs defaults to the OS
// filesystem. A zero Retry makes a single attempt.
type PublisherOptions struct {
	Prefix             string
	Retry              RetryConfig
	Workers            int
	QueueSize          int
	DeleteAfterPublish bool
	Fs                 afero.Fs
	Health             *health.Monitor
	Metrics            *metrics.Metrics
}

// Publisher uploads saved recordings in the background.
type Publisher struct {
	provider Provider
	opts     PublisherOptions
	pool     *workerpool.Pool
	results  notify.Hub[Result]
}

func NewPublisher(provider Provider, opts PublisherOptions) *Publisher {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	opts.Health.Update(health.ComponentPublisher, health.Healthy, provider.Name())
	return &Publisher{
		provider: provider,
		opts:     opts,
		pool:     workerpool.New(opts.Workers, opts.QueueSize),
	}
}

// Subscribe registers fn for upload results.
func (p *Publisher) Subscribe(fn func(Result)) *notify.Subscription {
	return p.results.Subscribe(fn)
}

// Pending reports queued plus running uploads.
func (p *Publisher) Pending() int {
	return p.pool.Pending()
}

// Publish queues the file at path for upload and returns its job id.
func (p *Publisher) Publish(path string) (string, error) {
	id := uuid.NewString()
	ok := p.pool.Submit(func(ctx context.Context) {
		p.results.Publish(p.upload(ctx, id, path))
	})
	if !ok {
		return "", ErrQueueFull
	}
	return id, nil
}

// Close stops accepting uploads and waits for queued ones until ctx ends.
func (p *Publisher) Close(ctx context.Context) {
	p.pool.Shutdown(ctx)
}

func (p *Publisher) upload(ctx context.Context, id, path string) Result {
	logger := logging.WithJob(log, id)
	start := time.Now()
	res := Result{
		ID:       id,
		Path:     path,
		Key:      ObjectKey(p.opts.Prefix, filepath.Base(path)),
		Provider: p.provider.Name(),
	}

	attempts := 0
	err := withRetry(ctx, p.opts.Retry, func() error {
		attempts++
		return p.send(ctx, path, res.Key, &res.Bytes)
	})
	res.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		res.Error = err.Error()
		logger.Warn("publish failed", "path", path, "key", res.Key, "attempts", attempts, "error", err.Error())
		p.opts.Health.Update(health.ComponentPublisher, health.Degraded, err.Error())
		p.opts.Metrics.Published(res.Provider, "error")
		return res
	}

	logger.Info("recording published", "key", res.Key, "bytes", res.Bytes,
		"durationMs", res.DurationMs)
	p.opts.Health.Update(health.ComponentPublisher, health.Healthy, res.Provider)
	p.opts.Metrics.Published(res.Provider, "ok")

	if p.opts.DeleteAfterPublish {
		if err := p.opts.Fs.Remove(path); err != nil {
			logger.Warn("failed to remove published file", "path", path, "error", err.Error())
		}
	}
	return res
}

func (p *Publisher) send(ctx context.Context, path, key string, n *int64) error {
	f, err := p.opts.Fs.Open(path)
	if err != nil {
		return permanent(fmt.Errorf("open %s: %w", path, err))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return permanent(fmt.Errorf("stat %s: %w", path, err))
	}
	*n = info.Size()
	return p.provider.Upload(ctx, key, f, info.Size(), ContentType(path))
}
