package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Status is a task lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status ends the task's life in the queue.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsValid reports whether s is one of the canonical statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusQueued, StatusActive, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// NormalizeStatus maps backend status strings, including aliases such as
// "downloading", onto a canonical Status.
func NormalizeStatus(raw string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued", "pending":
		return StatusQueued, true
	case "active", "downloading", "started", "running":
		return StatusActive, true
	case "completed", "complete", "done":
		return StatusCompleted, true
	case "failed", "error":
		return StatusFailed, true
	case "cancelled", "canceled":
		return StatusCancelled, true
	}
	return "", false
}

// Task is one tracked download.
type Task struct {
	ID        string    `json:"taskId"`
	ModelName string    `json:"modelName"`
	Progress  float64   `json:"progress"`
	Status    Status    `json:"status"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitzero"`
}

// Label is the name shown to users, falling back to the id.
func (t Task) Label() string {
	if name := strings.TrimSpace(t.ModelName); name != "" {
		return name
	}
	return t.ID
}

// Update is one entry of a queue_update batch.
type Update struct {
	ID       string   `json:"id"`
	Status   string   `json:"status,omitempty"`
	Progress *float64 `json:"progress,omitempty"`
	Name     string   `json:"name,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	Warning  string   `json:"warning,omitempty"`
}

// UnmarshalJSON accepts numeric or string ids and progress values. A
// progress value that is not a number is treated as absent.
func (u *Update) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID       json.RawMessage `json:"id"`
		Status   string          `json:"status"`
		Progress json.RawMessage `json:"progress"`
		Name     string          `json:"name"`
		Reason   string          `json:"reason"`
		Warning  string          `json:"warning"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*u = Update{Status: raw.Status, Name: raw.Name, Reason: raw.Reason, Warning: raw.Warning}

	id, err := scalarString(raw.ID)
	if err != nil {
		return fmt.Errorf("update id: %w", err)
	}
	u.ID = id

	if progress, err := scalarString(raw.Progress); err == nil && progress != "" {
		if value, err := strconv.ParseFloat(progress, 64); err == nil && !math.IsNaN(value) && !math.IsInf(value, 0) {
			u.Progress = &value
		}
	}
	return nil
}

func scalarString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

// Progress returns a pointer for building updates.
func Progress(value float64) *float64 { return &value }
