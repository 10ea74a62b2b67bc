package metrics_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"modelq/internal/metrics"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *metrics.Metrics
	m.ObserveRequest("GET", "ok", time.Second)
	m.IncRetry("transient")
	m.RealtimeConnected()
	m.SetQueueTasks(3)
	if m.Registry() != nil {
		t.Fatal("expected nil registry")
	}
}

func TestHandlerExposesCounters(t *testing.T) {
	m := metrics.New()
	m.ObserveRequest("POST", "ok", 20*time.Millisecond)
	m.IncRetry("rate_limited")
	m.IncTerminal("completed")
	m.SetQueueTasks(2)
	m.RealtimeConnected()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	for _, want := range []string{
		`modelq_backend_requests_total{method="POST",outcome="ok"} 1`,
		`modelq_backend_retries_total{reason="rate_limited"} 1`,
		`modelq_queue_terminal_tasks_total{status="completed"} 1`,
		`modelq_queue_tasks 2`,
		`modelq_realtime_connected 1`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in scrape output:\n%s", want, text)
		}
	}
}
