package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"modelq/internal/logging"
	"modelq/internal/notify"
	"modelq/internal/queue"
	"modelq/internal/state"
)

type memSnapshot struct {
	mu       sync.Mutex
	data     []byte
	revision int64
	writes   int
	failNext error
}

func (m *memSnapshot) ReadSnapshot(context.Context) ([]byte, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...), m.revision, nil
}

func (m *memSnapshot) WriteSnapshot(_ context.Context, data []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext; err != nil {
		m.failNext = nil
		return 0, err
	}
	m.data = append([]byte(nil), data...)
	m.revision++
	m.writes++
	return m.revision, nil
}

func (m *memSnapshot) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func newStore(t *testing.T, snap queue.Snapshotter) (*queue.Store, *notify.Recorder) {
	t.Helper()
	rec := &notify.Recorder{}
	store := queue.NewStore(snap, rec, logging.NewNop())
	if err := store.Load(context.Background()); err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	return store, rec
}

func insert(t *testing.T, store *queue.Store, id, name string) {
	t.Helper()
	if err := store.Insert(context.Background(), queue.Task{ID: id, ModelName: name}); err != nil {
		t.Fatalf("Insert(%s) returned error: %v", id, err)
	}
}

func TestMergeCompletedNotifiesAndRemoves(t *testing.T) {
	store, rec := newStore(t, &memSnapshot{})
	insert(t, store, "T1", "Alpha")

	if err := store.Merge(context.Background(), []queue.Update{{ID: "T1", Status: "completed"}}); err != nil {
		t.Fatalf("Merge returned error: %v", err)
	}
	if _, ok := store.Get("T1"); ok {
		t.Fatal("expected T1 removed after completion")
	}
	msgs := rec.Messages()
	if len(msgs) != 1 || msgs[0].Severity != notify.Success || msgs[0].Text != "Download completed: Alpha" {
		t.Fatalf("expected one success notification naming Alpha, got %+v", msgs)
	}
}

func TestMergeFailedIncludesReason(t *testing.T) {
	store, rec := newStore(t, &memSnapshot{})
	insert(t, store, "T2", "Beta")

	_ = store.Merge(context.Background(), []queue.Update{{ID: "T2", Status: "failed", Reason: "Timeout"}})

	if store.Len() != 0 {
		t.Fatalf("expected empty queue, got %+v", store.Tasks())
	}
	msgs := rec.Messages()
	if len(msgs) != 1 || msgs[0].Severity != notify.Error || msgs[0].Text != "Download failed: Beta (Timeout)" {
		t.Fatalf("unexpected notifications %+v", msgs)
	}
}

func TestMergeServerCancelledRemovesWithWarning(t *testing.T) {
	store, rec := newStore(t, &memSnapshot{})
	insert(t, store, "T3", "Gamma")

	_ = store.Merge(context.Background(), []queue.Update{{ID: "T3", Status: "canceled"}})

	if store.Len() != 0 {
		t.Fatal("expected server-cancelled task removed")
	}
	if rec.Count(notify.Warning) != 1 {
		t.Fatalf("expected one warning, got %+v", rec.Messages())
	}
}

func TestMergeUnknownIDIsNoop(t *testing.T) {
	snap := &memSnapshot{}
	store, rec := newStore(t, snap)
	insert(t, store, "T1", "Alpha")
	before := store.Tasks()

	if err := store.Merge(context.Background(), []queue.Update{
		{ID: "ghost", Status: "completed"},
		{ID: "ghost-2", Progress: queue.Progress(50)},
	}); err != nil {
		t.Fatalf("Merge returned error: %v", err)
	}
	if !reflect.DeepEqual(before, store.Tasks()) {
		t.Fatalf("collection changed: before=%+v after=%+v", before, store.Tasks())
	}
	if len(rec.Messages()) != 0 {
		t.Fatalf("expected no notifications, got %+v", rec.Messages())
	}
}

func TestMergeProgressIsIdempotent(t *testing.T) {
	store, _ := newStore(t, &memSnapshot{})
	insert(t, store, "T1", "Alpha")
	update := queue.Update{ID: "T1", Status: "downloading", Progress: queue.Progress(42)}

	_ = store.Merge(context.Background(), []queue.Update{update})
	once := store.Tasks()
	_ = store.Merge(context.Background(), []queue.Update{update})
	twice := store.Tasks()

	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("replay changed state: %+v vs %+v", once, twice)
	}
	if twice[0].Progress != 42 || twice[0].Status != queue.StatusActive {
		t.Fatalf("unexpected task %+v", twice[0])
	}
}

func TestNonFiniteProgressDoesNotBlockPersistence(t *testing.T) {
	snap := &memSnapshot{}
	store, _ := newStore(t, snap)
	insert(t, store, "a", "Alpha")
	insert(t, store, "b", "Bravo")

	var batch []queue.Update
	if err := json.Unmarshal([]byte(`[{"id":"a","status":"downloading","progress":"NaN"},{"id":"a","progress":"Infinity"}]`), &batch); err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if err := store.Merge(context.Background(), batch); err != nil {
		t.Fatalf("Merge returned error: %v", err)
	}
	if err := store.Merge(context.Background(), []queue.Update{{ID: "a", Progress: queue.Progress(math.Inf(1))}}); err != nil {
		t.Fatalf("Merge with infinite progress returned error: %v", err)
	}
	if err := store.Merge(context.Background(), []queue.Update{{ID: "b", Status: "completed"}}); err != nil {
		t.Fatalf("Merge completion returned error: %v", err)
	}
	insert(t, store, "c", "Charlie")

	data, _, _ := snap.ReadSnapshot(context.Background())
	tasks, dropped, err := queue.Decode(data)
	if err != nil || dropped != 0 {
		t.Fatalf("Decode snapshot: dropped=%d err=%v", dropped, err)
	}
	if len(tasks) != 2 || tasks[0].ID != "a" || tasks[1].ID != "c" {
		t.Fatalf("expected persisted a and c, got %+v", tasks)
	}
	if tasks[0].Status != queue.StatusActive || tasks[0].Progress != 0 {
		t.Fatalf("expected a active with progress untouched, got %+v", tasks[0])
	}
}

func TestMergeWithoutStatusKeepsStatus(t *testing.T) {
	store, _ := newStore(t, &memSnapshot{})
	insert(t, store, "T1", "Alpha")

	_ = store.Merge(context.Background(), []queue.Update{{ID: "T1", Status: "mystery", Progress: queue.Progress(5)}})
	task, _ := store.Get("T1")
	if task.Status != queue.StatusQueued || task.Progress != 5 {
		t.Fatalf("expected queued at 5%%, got %+v", task)
	}

	_ = store.Merge(context.Background(), []queue.Update{{ID: "T1", Status: "active"}})
	task, _ = store.Get("T1")
	if task.Status != queue.StatusActive || task.Progress != 5 {
		t.Fatalf("status-only update should keep progress, got %+v", task)
	}
}

func TestMergePersistsOncePerBatch(t *testing.T) {
	snap := &memSnapshot{}
	store, _ := newStore(t, snap)
	insert(t, store, "A", "a")
	insert(t, store, "B", "b")
	base := snap.writeCount()

	_ = store.Merge(context.Background(), []queue.Update{
		{ID: "A", Progress: queue.Progress(10)},
		{ID: "B", Progress: queue.Progress(20)},
		{ID: "A", Progress: queue.Progress(30)},
	})
	if got := snap.writeCount() - base; got != 1 {
		t.Fatalf("expected one write per batch, got %d", got)
	}
	task, _ := store.Get("A")
	if task.Progress != 30 {
		t.Fatalf("expected last write to win, got %v", task.Progress)
	}
}

func TestMergeLastInBatchWinsForConflictingStatuses(t *testing.T) {
	store, rec := newStore(t, &memSnapshot{})
	insert(t, store, "A", "Alpha")

	_ = store.Merge(context.Background(), []queue.Update{
		{ID: "A", Status: "active", Progress: queue.Progress(90)},
		{ID: "A", Status: "completed"},
		{ID: "A", Status: "active", Progress: queue.Progress(95)},
	})
	if store.Len() != 0 {
		t.Fatalf("expected removal after completed, got %+v", store.Tasks())
	}
	if len(rec.Messages()) != 1 {
		t.Fatalf("expected exactly one notification, got %+v", rec.Messages())
	}
}

func TestCancelRaceLeavesTaskAbsent(t *testing.T) {
	store, rec := newStore(t, &memSnapshot{})
	insert(t, store, "T1", "Alpha")
	_ = store.Merge(context.Background(), []queue.Update{{ID: "T1", Status: "active", Progress: queue.Progress(20)}})

	removed, err := store.Remove(context.Background(), "T1")
	if err != nil || !removed {
		t.Fatalf("Remove returned removed=%v err=%v", removed, err)
	}
	_ = store.Merge(context.Background(), []queue.Update{{ID: "T1", Status: "active", Progress: queue.Progress(25)}})

	if _, ok := store.Get("T1"); ok {
		t.Fatal("stale update resurrected a cancelled task")
	}
	if len(rec.Messages()) != 0 {
		t.Fatalf("expected no notifications, got %+v", rec.Messages())
	}
	removed, _ = store.Remove(context.Background(), "T1")
	if removed {
		t.Fatal("second Remove should report absent")
	}
}

func TestInsertRejectsInvalidAndDuplicate(t *testing.T) {
	store, _ := newStore(t, &memSnapshot{})
	if err := store.Insert(context.Background(), queue.Task{ModelName: "x"}); !errors.Is(err, queue.ErrInvalidTask) {
		t.Fatalf("expected ErrInvalidTask, got %v", err)
	}
	insert(t, store, "A", "a")
	if err := store.Insert(context.Background(), queue.Task{ID: "A"}); !errors.Is(err, queue.ErrDuplicateTask) {
		t.Fatalf("expected ErrDuplicateTask, got %v", err)
	}
	if err := store.Insert(context.Background(), queue.Task{ID: "B", Status: queue.StatusCompleted}); !errors.Is(err, queue.ErrInvalidTask) {
		t.Fatalf("expected terminal insert rejected, got %v", err)
	}
}

func TestLoadRecoversFromCorruptSnapshot(t *testing.T) {
	snap := &memSnapshot{data: []byte(`{not json`), revision: 4}
	store, _ := newStore(t, snap)
	if store.Len() != 0 {
		t.Fatalf("expected empty queue, got %+v", store.Tasks())
	}
	insert(t, store, "A", "a")
	if store.Len() != 1 {
		t.Fatal("store should stay usable after corrupt load")
	}
}

func TestLoadDropsInvalidEntries(t *testing.T) {
	snap := &memSnapshot{data: []byte(`[
		{"taskId":"A","modelName":"a","progress":10,"status":"active"},
		{"modelName":"no id","status":"queued"},
		{"taskId":"B","modelName":"no status"},
		{"taskId":"A","modelName":"dup","status":"queued"},
		{"taskId":"C","modelName":"done","status":"completed"},
		{"taskId":"D","modelName":"bad progress","progress":"x","status":"queued"},
		{"taskId":"E","modelName":"e","progress":0,"status":"queued"}
	]`), revision: 1}
	store, _ := newStore(t, snap)
	tasks := store.Tasks()
	if len(tasks) != 2 || tasks[0].ID != "A" || tasks[1].ID != "E" {
		t.Fatalf("unexpected tasks after load: %+v", tasks)
	}
}

func TestSnapshotRoundTripThroughStateDB(t *testing.T) {
	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open state: %v", err)
	}
	defer db.Close()

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, _ := newStore(t, db.QueueSnapshot())
	for _, task := range []queue.Task{
		{ID: "A", ModelName: "Alpha", Source: "civitai", CreatedAt: created},
		{ID: "B", ModelName: "Beta", Source: "huggingface", CreatedAt: created},
		{ID: "C", ModelName: "Gamma", CreatedAt: created},
	} {
		if err := store.Insert(context.Background(), task); err != nil {
			t.Fatalf("Insert returned error: %v", err)
		}
	}
	_ = store.Merge(context.Background(), []queue.Update{
		{ID: "A", Status: "active", Progress: queue.Progress(33.5)},
		{ID: "C", Status: "completed"},
	})
	want := store.Tasks()

	reloaded, _ := newStore(t, db.QueueSnapshot())
	if got := reloaded.Tasks(); !reflect.DeepEqual(want, got) {
		t.Fatalf("round trip mismatch:\nwant %+v\ngot  %+v", want, got)
	}
}

func TestExternalSnapshotChangeIsPickedUp(t *testing.T) {
	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open state: %v", err)
	}
	defer db.Close()

	watcher, _ := newStore(t, db.QueueSnapshot())
	cli, _ := newStore(t, db.QueueSnapshot())
	insert(t, cli, "A", "Alpha")

	changed, err := watcher.Refresh(context.Background())
	if err != nil || !changed {
		t.Fatalf("Refresh returned changed=%v err=%v", changed, err)
	}
	if _, ok := watcher.Get("A"); !ok {
		t.Fatal("expected watcher to see task written by another store")
	}

	insert(t, cli, "B", "Beta")
	_ = watcher.Merge(context.Background(), []queue.Update{{ID: "B", Progress: queue.Progress(5)}})
	task, ok := watcher.Get("B")
	if !ok || task.Progress != 5 {
		t.Fatalf("expected merge to apply to externally inserted task, got %+v ok=%v", task, ok)
	}
	if changed, _ := watcher.Refresh(context.Background()); changed {
		t.Fatal("expected no change after own write")
	}
}

func TestSubscribeDeliversLatestSnapshot(t *testing.T) {
	store, _ := newStore(t, &memSnapshot{})
	ch, cancel := store.Subscribe()
	defer cancel()

	insert(t, store, "A", "a")
	insert(t, store, "B", "b")

	select {
	case snapshot := <-ch:
		if len(snapshot) != 2 {
			t.Fatalf("expected latest snapshot with 2 tasks, got %+v", snapshot)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered")
	}

	cancel()
	if _, open := <-ch; open {
		t.Fatal("expected channel closed after unsubscribe")
	}
}

func TestPersistFailureIsReturned(t *testing.T) {
	snap := &memSnapshot{}
	store, _ := newStore(t, snap)
	snap.failNext = errors.New("disk full")
	if err := store.Insert(context.Background(), queue.Task{ID: "A"}); err == nil {
		t.Fatal("expected persist error")
	}
}

func TestClearEmptiesQueue(t *testing.T) {
	store, _ := newStore(t, &memSnapshot{})
	insert(t, store, "A", "a")
	insert(t, store, "B", "b")
	n, err := store.Clear(context.Background())
	if err != nil || n != 2 || store.Len() != 0 {
		t.Fatalf("Clear returned n=%d err=%v len=%d", n, err, store.Len())
	}
}
