package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"gopkg.in/natefinch/lumberjack.v2"
)

// TraceContextHandler is a slog.Handler that adds trace context to log records.
type TraceContextHandler struct {
	handler slog.Handler
}

// NewTraceContextHandler creates a new handler that adds trace context.
func NewTraceContextHandler(handler slog.Handler) *TraceContextHandler {
	return &TraceContextHandler{
		handler: handler,
	}
}

// Enabled reports whether the handler handles records at the given level.
func (h *TraceContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// Handle adds trace context and passes to underlying handler.
func (h *TraceContextHandler) Handle(ctx context.Context, record slog.Record) error {
	spanContext := trace.SpanFromContext(ctx).SpanContext()
	if spanContext.IsValid() {
		record.AddAttrs(
			slog.String("trace_id", spanContext.TraceID().String()),
			slog.String("span_id", spanContext.SpanID().String()),
		)
	}

	return h.handler.Handle(ctx, record)
}

// WithAttrs returns a new handler with additional attributes.
func (h *TraceContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceContextHandler{
		handler: h.handler.WithAttrs(attrs),
	}
}

// WithGroup returns a new handler with the given group.
func (h *TraceContextHandler) WithGroup(name string) slog.Handler {
	return &TraceContextHandler{
		handler: h.handler.WithGroup(name),
	}
}

// StructuredHandler is a JSON slog.Handler writing one object per line.
type StructuredHandler struct {
	out    io.Writer
	mu     *sync.Mutex
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

// NewStructuredHandler creates a new structured JSON handler writing to out.
// Records below level are dropped.
func NewStructuredHandler(out io.Writer, level slog.Leveler) *StructuredHandler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &StructuredHandler{
		out:   out,
		mu:    &sync.Mutex{},
		level: level,
	}
}

// Enabled reports whether level is at or above the handler's level.
func (h *StructuredHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle formats and outputs the log record as JSON.
func (h *StructuredHandler) Handle(ctx context.Context, record slog.Record) error {
	logEntry := make(map[string]interface{})
	logEntry["timestamp"] = record.Time.Format(time.RFC3339Nano)
	logEntry["level"] = record.Level.String()
	logEntry["message"] = record.Message

	if record.PC != 0 {
		fs := runtime.CallersFrames([]uintptr{record.PC})
		f, _ := fs.Next()
		logEntry["source"] = map[string]interface{}{
			"function": f.Function,
			"file":     f.File,
			"line":     f.Line,
		}
	}

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	for _, attr := range h.attrs {
		logEntry[attr.Key] = attrValue(attr.Value)
	}
	record.Attrs(func(attr slog.Attr) bool {
		logEntry[prefix+attr.Key] = attrValue(attr.Value)
		return true
	})

	data, err := json.Marshal(logEntry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.out.Write(append(data, '\n'))
	return err
}

// attrValue converts a slog value into something encoding/json renders
// readably.
func attrValue(v slog.Value) interface{} {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindGroup:
		group := make(map[string]interface{}, len(v.Group()))
		for _, attr := range v.Group() {
			group[attr.Key] = attrValue(attr.Value)
		}
		return group
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
	}
	return v.Any()
}

// WithAttrs returns a new handler with additional attributes.
func (h *StructuredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	for _, attr := range attrs {
		newAttrs = append(newAttrs, slog.Attr{Key: prefix + attr.Key, Value: attr.Value})
	}

	clone := *h
	clone.attrs = newAttrs
	return &clone
}

// WithGroup returns a new handler with the given group.
func (h *StructuredHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	newGroups := make([]string, len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups[len(h.groups)] = name

	clone := *h
	clone.groups = newGroups
	return &clone
}

// LogFileConfig enables a rotating log file next to stdout.
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// LogConfig configures process logging.
type LogConfig struct {
	Level               slog.Level
	Structured          bool
	IncludeTraceContext bool
	File                *LogFileConfig

	// Output overrides stdout; used by tests.
	Output io.Writer
}

// NewLogger builds a logger from config. The returned closer releases the
// log file, if any.
func NewLogger(config LogConfig) (*slog.Logger, io.Closer) {
	var out io.Writer = os.Stdout
	if config.Output != nil {
		out = config.Output
	}

	var closer io.Closer = nopCloser{}
	if config.File != nil && config.File.Path != "" {
		rotator := &lumberjack.Logger{
			Filename:   config.File.Path,
			MaxSize:    config.File.MaxSizeMB,
			MaxBackups: config.File.MaxBackups,
			MaxAge:     config.File.MaxAgeDays,
			Compress:   config.File.Compress,
		}
		out = io.MultiWriter(out, rotator)
		closer = rotator
	}

	var handler slog.Handler
	if config.Structured {
		handler = NewStructuredHandler(out, config.Level)
	} else {
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{
			Level: config.Level,
		})
	}

	if config.IncludeTraceContext {
		handler = NewTraceContextHandler(handler)
	}

	return slog.New(handler), closer
}

// ConfigureLogging builds a logger from config and installs it as the
// slog default.
func ConfigureLogging(config LogConfig) (*slog.Logger, io.Closer) {
	logger, closer := NewLogger(config)
	slog.SetDefault(logger)
	return logger, closer
}

// GetLoggerWithTrace returns a logger that includes trace context.
func GetLoggerWithTrace() *slog.Logger {
	handler := NewTraceContextHandler(slog.Default().Handler())
	return slog.New(handler)
}

// ParseLevel maps "debug", "info", "warn" and "error" to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return l, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
