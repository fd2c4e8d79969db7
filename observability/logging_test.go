package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTraceContextHandlerAddsTraceContext(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := trace.NewTracerProvider(
		trace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(provider)
	defer provider.Shutdown(context.Background())

	var buf bytes.Buffer
	baseHandler := slog.NewTextHandler(&buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger := slog.New(NewTraceContextHandler(baseHandler))

	tracer := otel.Tracer("test")
	ctx, span := tracer.Start(context.Background(), "test-span")
	spanContext := span.SpanContext()

	logger.InfoContext(ctx, "round complete")
	span.End()

	output := buf.String()
	if !strings.Contains(output, "round complete") {
		t.Errorf("Output missing message: %s", output)
	}
	if !strings.Contains(output, spanContext.TraceID().String()) {
		t.Errorf("Output missing trace_id: %s", output)
	}
	if !strings.Contains(output, spanContext.SpanID().String()) {
		t.Errorf("Output missing span_id: %s", output)
	}
}

func TestTraceContextHandlerWithoutSpan(t *testing.T) {
	var buf bytes.Buffer
	baseHandler := slog.NewTextHandler(&buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger := slog.New(NewTraceContextHandler(baseHandler))

	logger.InfoContext(context.Background(), "no span")

	output := buf.String()
	if !strings.Contains(output, "no span") {
		t.Errorf("Output missing message: %s", output)
	}
	if strings.Contains(output, "trace_id") {
		t.Errorf("Unexpected trace_id without span: %s", output)
	}
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("Failed to parse JSON line %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestStructuredHandlerProducesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewStructuredHandler(&buf, slog.LevelInfo))

	logger.Info("leaf simulated",
		slog.Int("node_id", 4),
		slog.Float64("delta", -1),
		slog.Duration("duration", 1500*time.Millisecond),
		slog.Any("error", errors.New("boom")),
	)

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry["message"] != "leaf simulated" || entry["level"] != "INFO" {
		t.Errorf("Unexpected entry %v", entry)
	}
	if entry["node_id"] != float64(4) || entry["delta"] != float64(-1) {
		t.Errorf("Unexpected attributes %v", entry)
	}
	if entry["duration"] != "1.5s" {
		t.Errorf("Expected duration rendered as string, got %v", entry["duration"])
	}
	if entry["error"] != "boom" {
		t.Errorf("Expected error rendered as message, got %v", entry["error"])
	}
}

func TestStructuredHandlerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewStructuredHandler(&buf, slog.LevelWarn))

	logger.Info("dropped")
	logger.Warn("kept")

	entries := decodeLines(t, &buf)
	if len(entries) != 1 || entries[0]["message"] != "kept" {
		t.Errorf("Expected only the warning, got %v", entries)
	}
}

func TestStructuredHandlerWithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewStructuredHandler(&buf, nil)).
		With(slog.String("session_id", "abc")).
		WithGroup("round").
		With(slog.Int("number", 2))

	logger.Info("round complete", slog.Int("tree_size", 7))

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry["session_id"] != "abc" {
		t.Errorf("Expected session_id attribute, got %v", entry)
	}
	if entry["round.number"] != float64(2) || entry["round.tree_size"] != float64(7) {
		t.Errorf("Expected grouped attributes, got %v", entry)
	}
}

func TestTraceContextHandlerWithGroup(t *testing.T) {
	var buf bytes.Buffer
	baseHandler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger := slog.New(NewTraceContextHandler(baseHandler)).WithGroup("request")

	logger.Info("search", slog.String("method", "POST"))

	var logData map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logData); err != nil {
		t.Fatalf("Failed to parse JSON: %v", err)
	}
	requestGroup, ok := logData["request"].(map[string]interface{})
	if !ok {
		t.Fatal("Expected 'request' group in output")
	}
	if requestGroup["method"] != "POST" {
		t.Errorf("Expected method='POST', got '%v'", requestGroup["method"])
	}
}

func TestTraceContextHandlerEnabled(t *testing.T) {
	baseHandler := slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})
	handler := NewTraceContextHandler(baseHandler)

	if handler.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Expected Info level to be disabled when base is Warn")
	}
	if !handler.Enabled(context.Background(), slog.LevelError) {
		t.Error("Expected Error level to be enabled")
	}
}

func TestNewLogger(t *testing.T) {
	testCases := []struct {
		name       string
		level      slog.Level
		structured bool
		traceCtx   bool
	}{
		{"text debug", slog.LevelDebug, false, false},
		{"json info", slog.LevelInfo, true, false},
		{"text warn with trace", slog.LevelWarn, false, true},
		{"json error with trace", slog.LevelError, true, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger, closer := NewLogger(LogConfig{
				Level:               tc.level,
				Structured:          tc.structured,
				IncludeTraceContext: tc.traceCtx,
				Output:              &buf,
			})
			defer closer.Close()

			logger.Log(context.Background(), tc.level, "configured")
			if !strings.Contains(buf.String(), "configured") {
				t.Errorf("Expected message at level %s, got %q", tc.level, buf.String())
			}
			if _, ok := logger.Handler().(*TraceContextHandler); ok != tc.traceCtx {
				t.Errorf("Trace context handler present = %v, want %v", ok, tc.traceCtx)
			}
		})
	}
}

func TestNewLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "search.log")
	var buf bytes.Buffer

	logger, closer := NewLogger(LogConfig{
		Level:      slog.LevelInfo,
		Structured: true,
		Output:     &buf,
		File:       &LogFileConfig{Path: path, MaxSizeMB: 1},
	})
	logger.Info("to both")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !strings.Contains(string(data), "to both") || !strings.Contains(buf.String(), "to both") {
		t.Errorf("Expected message in file and output, file=%q out=%q", data, buf.String())
	}
}

func TestConfigureLoggingSetsDefault(t *testing.T) {
	previous := slog.Default()
	defer slog.SetDefault(previous)

	var buf bytes.Buffer
	logger, closer := ConfigureLogging(LogConfig{Level: slog.LevelInfo, Output: &buf})
	defer closer.Close()

	if slog.Default() != logger {
		t.Error("Expected ConfigureLogging to install the logger as default")
	}
	if GetLoggerWithTrace() == nil {
		t.Error("GetLoggerWithTrace returned nil")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
