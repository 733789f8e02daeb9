package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"raycastlab/tuner/internal/config"
)

func TestWriterLoggerEmitsStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWriterLogger(&buf, "debug")
	if err != nil {
		t.Fatalf("NewWriterLogger: %v", err)
	}

	logger.Named("rig").Info("chassis rebuilt",
		Float64("half_x", 0.98),
		Int("wheel", 2),
		Duration("took", 1500*time.Microsecond),
		Error(errors.New("boom")),
	)

	var payload map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &payload); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if payload["message"] != "chassis rebuilt" || payload["level"] != "info" {
		t.Fatalf("unexpected envelope %+v", payload)
	}
	if payload[ComponentField] != "rig" || payload["service"] != "tuner" {
		t.Fatalf("missing component/service fields %+v", payload)
	}
	if payload["half_x"] != 0.98 || payload["wheel"] != float64(2) || payload["took"] != 1.5 {
		t.Fatalf("unexpected numeric fields %+v", payload)
	}
	if payload["error"] != "boom" {
		t.Fatalf("expected error message, got %v", payload["error"])
	}
}

func TestLoggerFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWriterLogger(&buf, "warn")
	if err != nil {
		t.Fatalf("NewWriterLogger: %v", err)
	}
	logger.Debug("ignored")
	logger.Info("ignored")
	logger.Warn("kept")
	if lines := strings.Count(buf.String(), "\n"); lines != 1 {
		t.Fatalf("expected exactly one line, got %d: %q", lines, buf.String())
	}
}

func TestWriterLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := NewWriterLogger(nil, "chatty"); err == nil {
		t.Fatal("expected unknown level to be rejected")
	}
}

func TestLoggerKeepsFieldOrderAndLatestValue(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWriterLogger(&buf, "info")
	if err != nil {
		t.Fatalf("NewWriterLogger: %v", err)
	}
	logger.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	logger.Named("hub").With(String("panel", "panel-1")).Info("panel connected", String("panel", "panel-2"), Bool("editor", true))

	want := `{"timestamp":"2026-03-01T12:00:00Z","level":"info","message":"panel connected","service":"tuner","component":"hub","panel":"panel-2","editor":true}` + "\n"
	if buf.String() != want {
		t.Fatalf("unexpected line\n got %s\nwant %s", buf.String(), want)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{"": InfoLevel, "DEBUG": DebugLevel, " warning ": WarnLevel, "fatal": FatalLevel}
	for raw, want := range tests {
		if got, err := ParseLevel(raw); err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v", raw, got, err)
		}
	}
}

func TestHTTPTraceMiddlewarePropagatesTrace(t *testing.T) {
	var buf bytes.Buffer
	base, err := NewWriterLogger(&buf, "debug")
	if err != nil {
		t.Fatalf("NewWriterLogger: %v", err)
	}
	var seen string
	handler := HTTPTraceMiddleware(base)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = TraceIDFromContext(r.Context())
		LoggerFromContext(r.Context(), nil).Info("handled")
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodGet, "/params", nil)
	req.Header.Set(TraceIDHeader, " panel-7 ")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if seen != "panel-7" || rr.Header().Get(TraceIDHeader) != "panel-7" {
		t.Fatalf("trace not propagated: context %q header %q", seen, rr.Header().Get(TraceIDHeader))
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 || !strings.Contains(lines[0], `"trace_id":"panel-7"`) || !strings.Contains(lines[1], `"status":202`) {
		t.Fatalf("unexpected log lines %q", lines)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/params", nil))
	if generated := rr.Header().Get(TraceIDHeader); len(generated) != 32 || generated != seen {
		t.Fatalf("expected a generated trace id, got header %q context %q", generated, seen)
	}
}

func TestLoggerFromContextFallback(t *testing.T) {
	fallback := NewTestLogger()
	if LoggerFromContext(context.Background(), fallback) != fallback {
		t.Fatal("expected the fallback logger without a context logger")
	}
	if LoggerFromContext(context.Background(), nil) != L() {
		t.Fatal("expected the global logger for a nil fallback")
	}
}

func TestRotatingFileRotatesCompressesAndPrunes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "tuner.log")
	file, err := openRotatingFile(config.LoggingConfig{Path: path, MaxSizeMB: 1, MaxBackups: 2, Compress: true})
	if err != nil {
		t.Fatalf("openRotatingFile: %v", err)
	}
	defer file.Sync()
	file.maxBytes = 32
	tick := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	file.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	line := []byte(strings.Repeat("x", 20) + "\n")
	for i := 0; i < 5; i++ {
		if _, err := file.Write(line); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	backups, err := filepath.Glob(path + ".*")
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(backups) != 2 {
		t.Fatalf("expected two retained backups, got %v", backups)
	}
	for _, backup := range backups {
		if !strings.HasSuffix(backup, ".gz") {
			t.Fatalf("expected compressed backups, got %s", backup)
		}
	}
	current, err := os.ReadFile(path)
	if err != nil || string(current) != string(line) {
		t.Fatalf("expected the active file to hold the last line, got %q (%v)", current, err)
	}
}

func TestOpenRotatingFileValidates(t *testing.T) {
	_, err := openRotatingFile(config.LoggingConfig{Path: filepath.Join(t.TempDir(), "tuner.log"), MaxBackups: -1})
	if err == nil || !strings.Contains(err.Error(), "TUNER_LOG_MAX_SIZE_MB") || !strings.Contains(err.Error(), "TUNER_LOG_MAX_BACKUPS") {
		t.Fatalf("expected every problem reported, got %v", err)
	}
}
