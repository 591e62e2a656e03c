// Package logger provides slog loggers configured from the environment,
// with helpers to carry a logger through a context.
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// Subsystem names used to tag loggers per component.
const (
	SubsystemAPI      = "api"
	SubsystemAssembly = "assembly"
	SubsystemRegistry = "registry"
	SubsystemCLI      = "cli"
)

// Config controls log level and output format.
type Config struct {
	Level  slog.Level
	Format string // "json" or "text"
}

// NewConfig reads LOG_LEVEL and LOG_FORMAT from the environment.
func NewConfig() Config {
	cfg := Config{
		Level:  slog.LevelInfo,
		Format: "json",
	}

	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		cfg.Level = slog.LevelDebug
	case "warn":
		cfg.Level = slog.LevelWarn
	case "error":
		cfg.Level = slog.LevelError
	}

	if f := strings.ToLower(os.Getenv("LOG_FORMAT")); f == "text" {
		cfg.Format = "text"
	}

	return cfg
}

// New creates a root logger for the process.
func New(cfg Config) *slog.Logger {
	return slog.New(newHandler(cfg))
}

// NewSubsystemLogger creates a logger tagged with a subsystem name. When an
// OTel slog handler is provided, records fan out to both stdout and OTel.
func NewSubsystemLogger(subsystem string, cfg Config, otelHandler slog.Handler) *slog.Logger {
	h := newHandler(cfg)
	if otelHandler != nil {
		h = fanoutHandler{handlers: []slog.Handler{h, otelHandler}}
	}
	return slog.New(h).With("subsystem", subsystem)
}

func newHandler(cfg Config) slog.Handler {
	opts := &slog.HandlerOptions{Level: cfg.Level}
	if cfg.Format == "text" {
		return slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.NewJSONHandler(os.Stdout, opts)
}

type ctxKey struct{}

// AddToContext returns a context carrying the logger.
func AddToContext(ctx context.Context, log *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, log)
}

// FromContext returns the logger carried by the context, or slog.Default.
func FromContext(ctx context.Context) *slog.Logger {
	if log, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return log
	}
	return slog.Default()
}

// fanoutHandler duplicates records to every wrapped handler.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanoutHandler) Handle(ctx context.Context, rec slog.Record) error {
	var firstErr error
	for _, h := range f.handlers {
		if !h.Enabled(ctx, rec.Level) {
			continue
		}
		if err := h.Handle(ctx, rec.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return fanoutHandler{handlers: next}
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithGroup(name)
	}
	return fanoutHandler{handlers: next}
}
