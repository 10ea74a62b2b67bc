package transport

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a terminal request failure.
type Kind int

const (
	// RateLimited is a 429 response. The client re-issues these on its own,
	// so callers only see it when the context ends during the wait.
	RateLimited Kind = iota + 1
	// Transient is a 5xx response or a failure with no response at all.
	Transient
	// NotFound is a 404 response.
	NotFound
	// ClientError is any other 4xx response.
	ClientError
	// Timeout is a per-attempt deadline expiry. It retries like Transient.
	Timeout
)

func (k Kind) String() string {
	switch k {
	case RateLimited:
		return "rate_limited"
	case Transient:
		return "transient"
	case NotFound:
		return "not_found"
	case ClientError:
		return "client_error"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is returned for every request that could not be completed.
type Error struct {
	Kind       Kind
	Method     string
	Path       string
	StatusCode int
	// Message is the backend's "message" field for 4xx responses, when present.
	Message  string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Method, e.Path)
	switch {
	case e.StatusCode > 0:
		fmt.Fprintf(&b, ": backend returned %d", e.StatusCode)
	default:
		b.WriteString(": no response")
	}
	if e.Message != "" {
		fmt.Fprintf(&b, " (%s)", e.Message)
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a transport *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == kind
}

// StatusCode returns the HTTP status carried by err, or 0 when there was no response.
func StatusCode(err error) int {
	var te *Error
	if errors.As(err, &te) {
		return te.StatusCode
	}
	return 0
}

// userMessage selects the notification text for a terminal failure.
func (e *Error) userMessage() string {
	switch {
	case e.Kind == NotFound:
		return "Resource not found"
	case e.StatusCode >= 500:
		return "Server error, please try again later"
	case e.StatusCode >= 400:
		message := e.Message
		if message == "" {
			message = "Unknown error"
		}
		return "An error occurred: " + message
	default:
		return "Network error, please check your connection"
	}
}
