package testsupport

import (
	"context"
	"sync"
	"testing"

	"modelq/internal/config"
	"modelq/internal/state"
)

// MustOpenState opens the state database for cfg and closes it on cleanup.
func MustOpenState(t testing.TB, cfg *config.Config) *state.DB {
	t.Helper()

	db, err := state.Open(cfg.StatePath())
	if err != nil {
		t.Fatalf("open state: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

// MemorySnapshot is an in-memory queue snapshot that counts writes.
type MemorySnapshot struct {
	mu       sync.Mutex
	data     []byte
	revision int64
	writes   int
}

// NewMemorySnapshot seeds a snapshot with data.
func NewMemorySnapshot(data string) *MemorySnapshot {
	snap := &MemorySnapshot{}
	if data != "" {
		snap.data = []byte(data)
		snap.revision = 1
	}
	return snap
}

func (m *MemorySnapshot) ReadSnapshot(context.Context) ([]byte, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...), m.revision, nil
}

func (m *MemorySnapshot) WriteSnapshot(_ context.Context, data []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append([]byte(nil), data...)
	m.revision++
	m.writes++
	return m.revision, nil
}

// Writes returns how many times the snapshot was written.
func (m *MemorySnapshot) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Data returns the last written bytes.
func (m *MemorySnapshot) Data() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.data)
}
