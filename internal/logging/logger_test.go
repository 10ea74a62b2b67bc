package logging_test

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

	"modelq/internal/config"
	"modelq/internal/logging"
)

func TestConsoleHandlerLiftsComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewComponentLogger(logging.NewWithWriter(&buf, "console", "info"), "queue")

	logger.Info("merged batch", logging.Args(logging.Int("updates", 3), logging.TaskID("t-1"))...)

	line := buf.String()
	if !strings.Contains(line, " INFO queue: merged batch") {
		t.Fatalf("expected component prefix, got %q", line)
	}
	if !strings.Contains(line, "updates=3") || !strings.Contains(line, "task_id=t-1") {
		t.Fatalf("expected attributes, got %q", line)
	}
	if strings.Contains(line, "component=") {
		t.Fatalf("component should not repeat as attribute: %q", line)
	}
}

func TestConsoleHandlerQuotesAndGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter(&buf, "console", "debug").WithGroup("http")

	logger.Debug("request failed", "status", 503, logging.Error(errors.New("bad gateway")))

	line := buf.String()
	if !strings.Contains(line, "DEBUG request failed") {
		t.Fatalf("unexpected line %q", line)
	}
	if !strings.Contains(line, "http.status=503") {
		t.Fatalf("expected grouped key, got %q", line)
	}
	if !strings.Contains(line, `http.error="bad gateway"`) {
		t.Fatalf("expected quoted error, got %q", line)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter(&buf, "console", "warn")
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "WARN shown") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestJSONHandlerUsesShortKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter(&buf, "json", "info")
	logger.Info("connected", logging.String(logging.FieldComponent, "realtime"))

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode json log: %v (%q)", err, buf.String())
	}
	if payload["level"] != "info" || payload["msg"] != "connected" {
		t.Fatalf("unexpected payload %v", payload)
	}
	if _, ok := payload["ts"]; !ok {
		t.Fatalf("expected ts key, got %v", payload)
	}
	if payload["component"] != "realtime" {
		t.Fatalf("expected component attribute, got %v", payload)
	}
}

func TestNewFromConfigWritesLogFile(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.LogDir = t.TempDir()
	cfg.Logging.Level = "info"

	logger, err := logging.NewFromConfig(&cfg)
	if err != nil {
		t.Fatalf("NewFromConfig returned error: %v", err)
	}
	logger.Info("file sink check")

	data, err := os.ReadFile(filepath.Join(cfg.Paths.LogDir, "modelq.log"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"file sink check"`) {
		t.Fatalf("expected json record in log file, got %q", data)
	}
}

func TestTeeHandlerDuplicatesRecords(t *testing.T) {
	var first, second bytes.Buffer
	a := logging.NewWithWriter(&first, "console", "info").Handler()
	b := logging.NewWithWriter(&second, "console", "error").Handler()
	logger := slog.New(logging.TeeHandler(a, nil, b))

	logger.Info("only first")
	logger.Error("both")

	if !strings.Contains(first.String(), "only first") || !strings.Contains(first.String(), "both") {
		t.Fatalf("first handler missing records: %q", first.String())
	}
	if strings.Contains(second.String(), "only first") || !strings.Contains(second.String(), "both") {
		t.Fatalf("second handler level filter broken: %q", second.String())
	}
}

func TestNopLoggerDiscards(t *testing.T) {
	logger := logging.NewComponentLogger(nil, "x")
	if logger.Enabled(context.Background(), slog.LevelError) {
		t.Fatal("expected nop logger to be disabled")
	}
}
