package notify_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"modelq/internal/logging"
	"modelq/internal/notify"
)

func TestAtLeastFiltersLowSeverity(t *testing.T) {
	rec := &notify.Recorder{}
	sink := notify.AtLeast(notify.Warning, rec)

	sink.Notify(notify.Info, "Connected to server")
	sink.Notify(notify.Success, "done")
	sink.Notify(notify.Warning, "Failed to connect to server. Retrying...")
	sink.Notify(notify.Error, "Server error, please try again later")

	msgs := rec.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %+v", msgs)
	}
	if msgs[0].Severity != notify.Warning || msgs[1].Severity != notify.Error {
		t.Fatalf("unexpected severities %+v", msgs)
	}
}

func TestMultiFansOut(t *testing.T) {
	a, b := &notify.Recorder{}, &notify.Recorder{}
	notify.Multi(a, nil, b).Notify(notify.Info, "hello")
	if a.Count(notify.Info) != 1 || b.Count(notify.Info) != 1 {
		t.Fatalf("expected both recorders to receive message")
	}
}

func TestParseSeverity(t *testing.T) {
	for input, want := range map[string]notify.Severity{
		"":        notify.Info,
		"SUCCESS": notify.Success,
		"warn":    notify.Warning,
		"error":   notify.Error,
	} {
		got, err := notify.ParseSeverity(input)
		if err != nil || got != want {
			t.Fatalf("ParseSeverity(%q) = %v, %v; want %v", input, got, err, want)
		}
	}
	if _, err := notify.ParseSeverity("loud"); err == nil {
		t.Fatal("expected error for unknown severity")
	}
}

func TestLogSinkWritesSeverity(t *testing.T) {
	var buf bytes.Buffer
	sink := notify.NewLogSink(logging.NewWithWriter(&buf, "console", "info"))
	sink.Notify(notify.Error, "Resource not found")
	line := buf.String()
	if !strings.Contains(line, "ERROR notify: Resource not found") || !strings.Contains(line, "severity=error") {
		t.Fatalf("unexpected log line %q", line)
	}
}

func TestNtfySinkPostsMessages(t *testing.T) {
	var (
		mu       sync.Mutex
		bodies   []string
		titles   []string
		priority []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(data))
		titles = append(titles, r.Header.Get("Title"))
		priority = append(priority, r.Header.Get("Priority"))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := notify.NewNtfySink(srv.URL, "modelq-test", time.Second, logging.NewNop())
	sink.Notify(notify.Success, "Download completed: Alpha")
	sink.Notify(notify.Error, "Download failed: Beta")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sink.Close(ctx); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 2 {
		t.Fatalf("expected 2 posts, got %d", len(bodies))
	}
	if bodies[0] != "Download completed: Alpha" || titles[0] != "modelq - Download Complete" {
		t.Fatalf("unexpected first post %q / %q", bodies[0], titles[0])
	}
	if priority[1] != "high" {
		t.Fatalf("expected high priority for error, got %q", priority[1])
	}
}

func TestNtfySinkDropsMessagesAfterClose(t *testing.T) {
	var (
		mu    sync.Mutex
		count int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		count++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := notify.NewNtfySink(srv.URL, "modelq-test", time.Second, logging.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sink.Close(ctx); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	sink.Notify(notify.Error, "Failed to cancel download")
	if err := sink.Close(ctx); err != nil {
		t.Fatalf("second Close returned error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Fatalf("expected no posts after close, got %d", count)
	}
}
