package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"modelq/internal/logging"
)

const ntfyBuffer = 32

// NtfySink mirrors notifications to an ntfy topic. Messages are queued and
// posted by a single worker; when the queue is full the message is dropped.
type NtfySink struct {
	endpoint  string
	userAgent string
	client    *http.Client
	logger    *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Message
	done   chan struct{}
}

// NewNtfySink starts the delivery worker. Call Close to flush and stop it.
func NewNtfySink(endpoint, userAgent string, timeout time.Duration, logger *slog.Logger) *NtfySink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	s := &NtfySink{
		endpoint:  strings.TrimSpace(endpoint),
		userAgent: userAgent,
		client:    &http.Client{Timeout: timeout},
		logger:    logging.NewComponentLogger(logger, "ntfy"),
		queue:     make(chan Message, ntfyBuffer),
		done:      make(chan struct{}),
	}
	go s.run()
	return s
}

// Notify queues a message. Messages sent after Close are dropped.
func (s *NtfySink) Notify(severity Severity, message string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- Message{Severity: severity, Text: message}:
	default:
		s.logger.Warn("ntfy queue full; dropping notification",
			logging.String(logging.FieldEventType, "ntfy_dropped"),
			logging.String("severity", severity.String()),
		)
	}
}

// Close stops accepting messages and waits for queued ones to be sent or ctx to expire.
func (s *NtfySink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *NtfySink) run() {
	defer close(s.done)
	for msg := range s.queue {
		if err := s.send(context.Background(), msg); err != nil {
			s.logger.Warn("ntfy delivery failed", logging.Args(logging.Error(err))...)
		}
	}
}

func (s *NtfySink) send(ctx context.Context, msg Message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(msg.Text))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	req.Header.Set("Title", "modelq - "+titleFor(msg.Severity))
	req.Header.Set("Tags", strings.Join([]string{"modelq", msg.Severity.String()}, ","))
	if msg.Severity == Error {
		req.Header.Set("Priority", "high")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func titleFor(severity Severity) string {
	switch severity {
	case Success:
		return "Download Complete"
	case Warning:
		return "Warning"
	case Error:
		return "Error"
	default:
		return "Info"
	}
}
