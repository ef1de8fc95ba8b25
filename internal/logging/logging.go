package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Key constants for structured log fields.
const (
	KeyComponent  = "component"
	KeySessionID  = "sessionId"
	KeyJobID      = "jobId"
	KeyDurationMs = "durationMs"
	KeyError      = "error"
)

type contextKey struct{}

// rootHandler forwards every record to whichever handler Init installed last.
// Package-level loggers are built at import time, long before the config is
// read, so they hold a rootHandler rather than a concrete handler.
type rootHandler struct {
	target *atomic.Pointer[slog.Handler]
	attrs  []slog.Attr
	groups []string
}

func newRootHandler(h slog.Handler) *rootHandler {
	target := &atomic.Pointer[slog.Handler]{}
	target.Store(&h)
	return &rootHandler{target: target}
}

func (h *rootHandler) install(handler slog.Handler) {
	h.target.Store(&handler)
}

func (h *rootHandler) resolve() slog.Handler {
	handler := *h.target.Load()
	for _, group := range h.groups {
		handler = handler.WithGroup(group)
	}
	if len(h.attrs) > 0 {
		handler = handler.WithAttrs(h.attrs)
	}
	return handler
}

func (h *rootHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.resolve().Enabled(ctx, level)
}

func (h *rootHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.resolve().Handle(ctx, record)
}

func (h *rootHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &rootHandler{
		target: h.target,
		attrs:  append(append([]slog.Attr(nil), h.attrs...), attrs...),
		groups: append([]string(nil), h.groups...),
	}
}

func (h *rootHandler) WithGroup(name string) slog.Handler {
	return &rootHandler{
		target: h.target,
		attrs:  append([]slog.Attr(nil), h.attrs...),
		groups: append(append([]string(nil), h.groups...), name),
	}
}

var (
	root          = newRootHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	defaultLogger = slog.New(root)
)

func init() {
	slog.SetDefault(defaultLogger)
}

// Init installs the process-wide handler. Call once after config is loaded.
// format: "json" or "text" (default "text")
// level: "debug", "info", "warn", "error" (default "info")
// output: writer to log to (nil = os.Stderr, stdout is reserved for command output)
func Init(format, level string, output io.Writer) {
	if output == nil {
		output = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	root.install(handler)
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return defaultLogger.With(slog.String(KeyComponent, component))
}

// WithSession returns a child logger carrying the recording session id.
func WithSession(logger *slog.Logger, sessionID string) *slog.Logger {
	return logger.With(slog.String(KeySessionID, sessionID))
}

// WithJob returns a child logger carrying the conversion job id.
func WithJob(logger *slog.Logger, jobID string) *slog.Logger {
	return logger.With(slog.String(KeyJobID, jobID))
}

// NewContext returns a new context carrying the given logger.
func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext extracts the logger from context, falling back to the default.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok {
		return l
	}
	return defaultLogger
}

// ParseLevel maps a config level name onto a slog level. Unknown names map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
