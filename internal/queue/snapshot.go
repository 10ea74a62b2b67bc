package queue

import (
	"context"
	"encoding/json"
	"fmt"
)

// Snapshotter is the durable home of the serialized queue.
type Snapshotter interface {
	// ReadSnapshot returns the stored bytes (nil when absent) and a revision
	// that changes on every write.
	ReadSnapshot(ctx context.Context) ([]byte, int64, error)
	WriteSnapshot(ctx context.Context, data []byte) (int64, error)
}

// Locker is implemented by snapshotters shared between processes.
type Locker interface {
	Lock(ctx context.Context) (func(), error)
}

// Encode serializes tasks as a JSON array.
func Encode(tasks []Task) ([]byte, error) {
	if tasks == nil {
		tasks = []Task{}
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return nil, fmt.Errorf("encode queue snapshot: %w", err)
	}
	return data, nil
}

// Decode parses a snapshot. Entries without an id or a known status,
// repeated ids, and terminal tasks are dropped and counted. A payload that
// is not a JSON array returns ErrCorruptSnapshot.
func Decode(data []byte) ([]Task, int, error) {
	if len(data) == 0 {
		return nil, 0, nil
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}

	tasks := make([]Task, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	dropped := 0
	for _, entry := range entries {
		var task Task
		if err := json.Unmarshal(entry, &task); err != nil {
			dropped++
			continue
		}
		if task.ID == "" || !task.Status.IsValid() || task.Status.IsTerminal() {
			dropped++
			continue
		}
		if _, dup := seen[task.ID]; dup {
			dropped++
			continue
		}
		seen[task.ID] = struct{}{}
		tasks = append(tasks, task)
	}
	return tasks, dropped, nil
}
