package queue

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"modelq/internal/logging"
	"modelq/internal/metrics"
	"modelq/internal/notify"
)

// Store is the authoritative task collection.
type Store struct {
	mu       sync.Mutex
	snap     Snapshotter
	sink     notify.Sink
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	tasks    []Task
	revision int64

	subsMu  sync.Mutex
	subs    map[int]chan []Task
	nextSub int
}

// Option customizes a Store.
type Option func(*Store)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock overrides the time source used for CreatedAt defaults.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore builds an empty store. Call Load to seed it from the snapshot.
func NewStore(snap Snapshotter, sink notify.Sink, logger *slog.Logger, opts ...Option) *Store {
	if sink == nil {
		sink = notify.Discard
	}
	s := &Store{
		snap:   snap,
		sink:   sink,
		logger: logging.NewComponentLogger(logger, "queue"),
		now:    time.Now,
		subs:   make(map[int]chan []Task),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Load replaces the collection with the durable snapshot. A missing or
// corrupt snapshot leaves the queue empty; only storage failures are returned.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.reloadLocked(ctx, true); err != nil {
		return err
	}
	s.logger.Info("queue loaded", logging.Args(logging.Int("tasks", len(s.tasks)))...)
	s.metrics.SetQueueTasks(len(s.tasks))
	s.publish(s.copyLocked())
	return nil
}

// Refresh reloads the snapshot when another process rewrote it. It reports
// whether the collection changed.
func (s *Store) Refresh(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snap == nil {
		return false, nil
	}
	_, revision, err := s.snap.ReadSnapshot(ctx)
	if err != nil {
		return false, fmt.Errorf("read queue snapshot: %w", err)
	}
	if revision == s.revision {
		return false, nil
	}
	if err := s.reloadLocked(ctx, false); err != nil {
		return false, err
	}
	s.metrics.SetQueueTasks(len(s.tasks))
	s.publish(s.copyLocked())
	return true, nil
}

func (s *Store) reloadLocked(ctx context.Context, initial bool) error {
	if s.snap == nil {
		s.tasks = nil
		return nil
	}
	data, revision, err := s.snap.ReadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("read queue snapshot: %w", err)
	}
	s.revision = revision

	tasks, dropped, err := Decode(data)
	if err != nil {
		s.logger.Warn("queue snapshot unreadable; starting empty",
			logging.Args(
				logging.String(logging.FieldEventType, "corrupt_snapshot"),
				logging.Error(err),
			)...)
		s.tasks = nil
		return nil
	}
	if dropped > 0 {
		s.logger.Info("dropped invalid snapshot entries", logging.Args(logging.Int("dropped", dropped))...)
	}
	if !initial {
		s.logger.Debug("queue snapshot changed externally", logging.Args(logging.Int("tasks", len(tasks)))...)
	}
	s.tasks = tasks
	return nil
}

// mutate runs fn under the store mutex and the cross-process lock, after
// picking up any external snapshot change, then persists once and publishes.
// fn returns false to skip persisting.
func (s *Store) mutate(ctx context.Context, fn func() (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if locker, ok := s.snap.(Locker); ok {
		unlock, err := locker.Lock(ctx)
		if err != nil {
			return fmt.Errorf("lock queue snapshot: %w", err)
		}
		defer unlock()
	}
	s.syncLocked(ctx)

	persist, err := fn()
	if err != nil || !persist {
		return err
	}

	snapshot := s.copyLocked()
	s.metrics.SetQueueTasks(len(snapshot))
	perr := s.persistLocked(ctx, snapshot)
	s.publish(snapshot)
	return perr
}

func (s *Store) syncLocked(ctx context.Context) {
	if s.snap == nil {
		return
	}
	_, revision, err := s.snap.ReadSnapshot(ctx)
	if err != nil {
		s.logger.Debug("snapshot revision check failed", logging.Args(logging.Error(err))...)
		return
	}
	if revision != s.revision {
		if err := s.reloadLocked(ctx, false); err != nil {
			s.logger.Debug("snapshot reload failed", logging.Args(logging.Error(err))...)
		}
	}
}

func (s *Store) persistLocked(ctx context.Context, tasks []Task) error {
	if s.snap == nil {
		return nil
	}
	data, err := Encode(tasks)
	if err != nil {
		return err
	}
	revision, err := s.snap.WriteSnapshot(ctx, data)
	if err != nil {
		s.logger.Error("persist queue snapshot failed",
			logging.Args(logging.String(logging.FieldEventType, "persist_failed"), logging.Error(err))...)
		return fmt.Errorf("persist queue snapshot: %w", err)
	}
	s.revision = revision
	return nil
}

// Merge applies a realtime batch in list order. Terminal updates notify and
// remove the task; other updates replace progress and move between
// non-terminal statuses. The collection is persisted once per batch.
func (s *Store) Merge(ctx context.Context, updates []Update) error {
	return s.mutate(ctx, func() (bool, error) {
		for _, update := range updates {
			s.applyLocked(update)
		}
		return true, nil
	})
}

func (s *Store) applyLocked(update Update) {
	id := strings.TrimSpace(update.ID)
	idx := s.indexLocked(id)
	if idx < 0 {
		s.metrics.IncUpdate("stale")
		s.logger.Debug("ignoring update for unknown task",
			logging.Args(
				logging.TaskID(id),
				logging.String(logging.FieldEventType, "stale_update"),
				logging.Error(ErrStaleUpdate),
			)...)
		return
	}
	task := &s.tasks[idx]

	var (
		status   Status
		hasState bool
	)
	if update.Status != "" {
		status, hasState = NormalizeStatus(update.Status)
		if !hasState {
			s.logger.Debug("unknown status in update; keeping current",
				logging.Args(logging.TaskID(id), logging.String("status", update.Status))...)
		}
	}
	if update.Warning != "" {
		s.logger.Warn("backend reported warning",
			logging.Args(logging.TaskID(id), logging.String("warning", update.Warning))...)
	}

	switch {
	case hasState && status == StatusCompleted:
		s.sink.Notify(notify.Success, fmt.Sprintf("Download completed: %s", task.Label()))
		s.finishLocked(idx, status, "")
	case hasState && status == StatusFailed:
		message := fmt.Sprintf("Download failed: %s", task.Label())
		if reason := strings.TrimSpace(update.Reason); reason != "" {
			message += " (" + reason + ")"
		}
		s.sink.Notify(notify.Error, message)
		s.finishLocked(idx, status, update.Reason)
	case hasState && status == StatusCancelled:
		s.sink.Notify(notify.Warning, fmt.Sprintf("Download cancelled: %s", task.Label()))
		s.finishLocked(idx, status, update.Reason)
	default:
		if p := update.Progress; p != nil && !math.IsNaN(*p) && !math.IsInf(*p, 0) {
			task.Progress = *p
		}
		if hasState && status != task.Status {
			s.logger.Debug("task status changed",
				logging.Args(logging.TaskID(id), logging.String("from", string(task.Status)), logging.String("to", string(status)))...)
			task.Status = status
		}
		s.metrics.IncUpdate("applied")
	}
}

func (s *Store) finishLocked(idx int, status Status, reason string) {
	task := s.tasks[idx]
	attrs := []logging.Attr{logging.TaskID(task.ID), logging.String("model", task.ModelName), logging.String("status", string(status))}
	if reason != "" {
		attrs = append(attrs, logging.String("reason", reason))
	}
	s.logger.Info("task finished", logging.Args(attrs...)...)
	s.metrics.IncUpdate("terminal")
	s.metrics.IncTerminal(string(status))
	s.tasks = append(s.tasks[:idx], s.tasks[idx+1:]...)
}

// Insert adds a new task. Empty and already tracked ids are rejected.
func (s *Store) Insert(ctx context.Context, task Task) error {
	task.ID = strings.TrimSpace(task.ID)
	if task.ID == "" {
		return fmt.Errorf("%w: missing task id", ErrInvalidTask)
	}
	if task.Status == "" {
		task.Status = StatusQueued
	}
	if !task.Status.IsValid() || task.Status.IsTerminal() {
		return fmt.Errorf("%w: status %q", ErrInvalidTask, task.Status)
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = s.now().UTC()
	}
	return s.mutate(ctx, func() (bool, error) {
		if s.indexLocked(task.ID) >= 0 {
			return false, fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
		}
		s.tasks = append(s.tasks, task)
		s.logger.Info("task queued", logging.Args(logging.TaskID(task.ID), logging.String("model", task.ModelName))...)
		return true, nil
	})
}

// Remove deletes a task regardless of status. It reports whether the task was present.
func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	removed := false
	err := s.mutate(ctx, func() (bool, error) {
		idx := s.indexLocked(id)
		if idx < 0 {
			return false, nil
		}
		s.tasks = append(s.tasks[:idx], s.tasks[idx+1:]...)
		removed = true
		return true, nil
	})
	return removed, err
}

// Clear drops every task.
func (s *Store) Clear(ctx context.Context) (int, error) {
	cleared := 0
	err := s.mutate(ctx, func() (bool, error) {
		cleared = len(s.tasks)
		s.tasks = nil
		return true, nil
	})
	return cleared, err
}

// Tasks returns a copy of the collection in insertion order.
func (s *Store) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

// Get returns the task with id.
func (s *Store) Get(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx := s.indexLocked(strings.TrimSpace(id)); idx >= 0 {
		return s.tasks[idx], true
	}
	return Task{}, false
}

// Len returns the number of tracked tasks.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Subscribe returns a channel carrying the latest snapshot after each
// mutation. A slow reader only ever sees the most recent snapshot. The
// returned func unsubscribes and closes the channel.
func (s *Store) Subscribe() (<-chan []Task, func()) {
	ch := make(chan []Task, 1)
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
			close(ch)
		})
	}
}

func (s *Store) publish(snapshot []Task) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- append([]Task(nil), snapshot...):
		default:
		}
	}
}

func (s *Store) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i := range s.tasks {
		if s.tasks[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) copyLocked() []Task {
	out := make([]Task, len(s.tasks))
	copy(out, s.tasks)
	return out
}
