package notify

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"modelq/internal/logging"
)

// Severity ranks a user-facing message.
type Severity int

const (
	Info Severity = iota
	Success
	Warning
	Error
)

func (s Severity) String() string {
	switch s {
	case Success:
		return "success"
	case Warning:
		return "warning"
	case Error:
		return "error"
	default:
		return "info"
	}
}

// ParseSeverity maps a config value onto a Severity.
func ParseSeverity(value string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return Info, nil
	case "success":
		return Success, nil
	case "warning", "warn":
		return Warning, nil
	case "error":
		return Error, nil
	default:
		return Info, fmt.Errorf("unknown severity %q", value)
	}
}

// Sink receives user-facing messages. Implementations must not block.
type Sink interface {
	Notify(severity Severity, message string)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Severity, string)

func (f SinkFunc) Notify(severity Severity, message string) {
	if f != nil {
		f(severity, message)
	}
}

// Discard drops every message.
var Discard Sink = SinkFunc(func(Severity, string) {})

type multiSink []Sink

// Multi fans a message out to every non-nil sink in order.
func Multi(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

func (m multiSink) Notify(severity Severity, message string) {
	for _, s := range m {
		s.Notify(severity, message)
	}
}

// AtLeast forwards messages whose severity is at or above min.
func AtLeast(min Severity, sink Sink) Sink {
	if sink == nil {
		return Discard
	}
	return SinkFunc(func(severity Severity, message string) {
		if severity >= min {
			sink.Notify(severity, message)
		}
	})
}

// NewLogSink records every message as a structured log line.
func NewLogSink(logger *slog.Logger) Sink {
	logger = logging.NewComponentLogger(logger, "notify")
	return SinkFunc(func(severity Severity, message string) {
		attrs := logging.Args(logging.String("severity", severity.String()))
		switch severity {
		case Error:
			logger.Error(message, attrs...)
		case Warning:
			logger.Warn(message, attrs...)
		default:
			logger.Info(message, attrs...)
		}
	})
}

// Message is one recorded notification.
type Message struct {
	Severity Severity
	Text     string
}

// Recorder keeps every message it receives. Safe for concurrent use.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

func (r *Recorder) Notify(severity Severity, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{Severity: severity, Text: message})
}

// Messages returns a copy of the recorded messages.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Count returns how many recorded messages have the given severity.
func (r *Recorder) Count(severity Severity) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.messages {
		if m.Severity == severity {
			n++
		}
	}
	return n
}

// Reset forgets recorded messages.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = nil
}
