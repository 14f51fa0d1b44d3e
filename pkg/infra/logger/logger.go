// Package logger configures the process-wide slog logger for gametrans and
// carries request correlation (request id, trace id, pipeline stage)
// through context.Context.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum level: debug, info, warn or error.
	Level string
	// Format is json or text.
	Format string
	// Output defaults to os.Stderr.
	Output io.Writer
	// AddSource adds file:line to every record.
	AddSource bool
}

var current atomic.Pointer[slog.Logger]

// Init installs the default logger. Only the first call after start or
// after Reset takes effect.
func Init(cfg Config) {
	current.CompareAndSwap(nil, New(cfg))
	slog.SetDefault(Default())
}

// Reset drops the installed logger so Init can run again.
func Reset() {
	current.Store(nil)
}

// New builds a logger from cfg without installing it.
func New(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level:       ParseLevel(cfg.Level),
		AddSource:   cfg.AddSource,
		ReplaceAttr: redact,
	}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}

// secretAttrs are attribute keys whose values never reach the log.
var secretAttrs = map[string]bool{
	"api_key":       true,
	"apikey":        true,
	"authorization": true,
	"x-api-key":     true,
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if secretAttrs[strings.ToLower(a.Key)] && a.Value.String() != "" {
		return slog.String(a.Key, "[redacted]")
	}
	return a
}

// ParseLevel maps a level name to a slog.Level; unknown names are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// Default returns the installed logger, or slog.Default before Init.
func Default() *slog.Logger {
	if l := current.Load(); l != nil {
		return l
	}
	return slog.Default()
}

type ctxKey struct{}

// fields is stored by value so every Set* returns an independent context.
type fields struct {
	requestID string
	traceID   string
	stage     string
}

func fromContext(ctx context.Context) fields {
	f, _ := ctx.Value(ctxKey{}).(fields)
	return f
}

func with(ctx context.Context, fn func(*fields)) context.Context {
	f := fromContext(ctx)
	fn(&f)
	return context.WithValue(ctx, ctxKey{}, f)
}

func SetRequestID(ctx context.Context, id string) context.Context {
	return with(ctx, func(f *fields) { f.requestID = id })
}

// SetTraceID ties work spawned for one external call together, e.g. all
// units of an HTTP batch.
func SetTraceID(ctx context.Context, id string) context.Context {
	return with(ctx, func(f *fields) { f.traceID = id })
}

// SetStage records the pipeline stage the context was handed to.
func SetStage(ctx context.Context, stage string) context.Context {
	return with(ctx, func(f *fields) { f.stage = stage })
}

func GetRequestID(ctx context.Context) string { return fromContext(ctx).requestID }
func GetTraceID(ctx context.Context) string   { return fromContext(ctx).traceID }
func GetStage(ctx context.Context) string     { return fromContext(ctx).stage }

// WithContext returns the default logger with request_id, trace_id and
// stage attached when present.
func WithContext(ctx context.Context) *slog.Logger {
	f := fromContext(ctx)
	var args []any
	for _, kv := range [][2]string{{"request_id", f.requestID}, {"trace_id", f.traceID}, {"stage", f.stage}} {
		if kv[1] != "" {
			args = append(args, slog.String(kv[0], kv[1]))
		}
	}
	if len(args) == 0 {
		return Default()
	}
	return Default().With(args...)
}

// OpenFile opens path for appending, creating parent directories. An empty
// path returns os.Stderr and a no-op closer.
func OpenFile(path string) (io.Writer, func() error, error) {
	if path == "" {
		return os.Stderr, func() error { return nil }, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return f, f.Close, nil
}

func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
