package devbackend

import (
	"github.com/google/uuid"

	"modelq/internal/logging"
	"modelq/internal/queue"
)

const (
	sourceCivitai     = "civitai"
	sourceHuggingFace = "huggingface"

	wireDownloading = "downloading"
	wireCompleted   = "completed"
	wireFailed      = "failed"
)

type simTask struct {
	id       string
	name     string
	source   string
	url      string
	path     string
	status   string
	progress float64
}

// TaskState is a read-only view of a simulated task.
type TaskState struct {
	ID       string
	Name     string
	Source   string
	URL      string
	Path     string
	Status   string
	Progress float64
}

func (t *simTask) state() TaskState {
	return TaskState{
		ID:       t.id,
		Name:     t.name,
		Source:   t.source,
		URL:      t.url,
		Path:     t.path,
		Status:   t.status,
		Progress: t.progress,
	}
}

func (s *Server) addTask(name, source, url, path string) TaskState {
	task := &simTask{
		id:      uuid.NewString(),
		name:    name,
		source:  source,
		url:     url,
		path:    path,
		status:  "queued",
	}
	s.mu.Lock()
	s.tasks = append(s.tasks, task)
	s.mu.Unlock()
	s.logger.Info("task accepted",
		logging.Args(logging.TaskID(task.id), logging.String("model", name), logging.String("source", source))...)
	return task.state()
}

func (s *Server) removeTaskLocked(id string) (*simTask, bool) {
	for i, task := range s.tasks {
		if task.id == id {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			return task, true
		}
	}
	return nil, false
}

// Tasks lists tasks still in flight, in acceptance order.
func (s *Server) Tasks() []TaskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskState, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, task.state())
	}
	return out
}

// Tick advances every in-flight task by Step and broadcasts one
// queue_update batch. Tasks reaching 100% complete and leave the backend.
func (s *Server) Tick() []queue.Update {
	s.mu.Lock()
	batch := make([]queue.Update, 0, len(s.tasks))
	kept := s.tasks[:0]
	for _, task := range s.tasks {
		task.progress = min(task.progress+s.opts.Step, 100)
		task.status = wireDownloading
		update := queue.Update{ID: task.id, Name: task.name, Status: wireDownloading, Progress: queue.Progress(task.progress)}
		if task.progress >= 100 {
			update.Status = wireCompleted
			s.usage[usageBucket(task.source)] += s.opts.SizeGB
			batch = append(batch, update)
			continue
		}
		batch = append(batch, update)
		kept = append(kept, task)
	}
	clear(s.tasks[len(kept):])
	s.tasks = kept
	s.mu.Unlock()

	if len(batch) > 0 {
		s.broadcast(batch)
	}
	return batch
}

// FailTask reports id as failed with reason and forgets it.
func (s *Server) FailTask(id, reason string) bool {
	s.mu.Lock()
	task, ok := s.removeTaskLocked(id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.broadcast([]queue.Update{{ID: task.id, Name: task.name, Status: wireFailed, Progress: queue.Progress(task.progress), Reason: reason}})
	return true
}

// Push broadcasts an arbitrary batch without touching simulated state.
func (s *Server) Push(batch []queue.Update) {
	s.broadcast(batch)
}

// DiskUsage reports accumulated usage in gigabytes.
func (s *Server) DiskUsage() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.usage))
	for k, v := range s.usage {
		out[k] = v
	}
	return out
}

func usageBucket(source string) string {
	switch source {
	case sourceCivitai, sourceHuggingFace:
		return source
	default:
		return "other"
	}
}
