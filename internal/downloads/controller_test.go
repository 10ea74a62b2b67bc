package downloads_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelq/internal/downloads"
	"modelq/internal/logging"
	"modelq/internal/notify"
	"modelq/internal/queue"
	"modelq/internal/testsupport"
	"modelq/internal/transport"
)

type fixture struct {
	controller *downloads.Controller
	store      *queue.Store
	sink       *notify.Recorder
	snapshot   *testsupport.MemorySnapshot
}

func newFixture(t *testing.T, handler http.HandlerFunc, opts ...downloads.Option) *fixture {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	sink := &notify.Recorder{}
	client, err := transport.New(srv.URL,
		transport.WithHTTPClient(srv.Client()),
		transport.WithSink(sink),
		transport.WithSleeper(func(time.Duration) {}),
	)
	require.NoError(t, err)

	snap := testsupport.NewMemorySnapshot("")
	store := queue.NewStore(snap, sink, logging.NewNop())
	require.NoError(t, store.Load(context.Background()))

	return &fixture{
		controller: downloads.New(client, store, sink, logging.NewNop(), opts...),
		store:      store,
		sink:       sink,
		snapshot:   snap,
	}
}

type staticPath string

func (p staticPath) DownloadPath(context.Context, string) (string, error) { return string(p), nil }

func TestEnqueueInsertsQueuedTask(t *testing.T) {
	var received map[string]string
	var path string
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &received)
		_, _ = io.WriteString(w, `{"taskId":"T1"}`)
	}, downloads.WithDownloadPath(staticPath("/data/models"), "/workspace/models"))

	task, err := f.controller.Enqueue(context.Background(), downloads.Descriptor{
		Source:    "CivitAI",
		URL:       "https://civitai.com/api/download/models/1",
		ModelID:   "1",
		ModelName: "Alpha",
	})
	require.NoError(t, err)

	assert.Equal(t, "/api/download/civitai", path)
	assert.Equal(t, map[string]string{
		"source":   "civitai",
		"url":      "https://civitai.com/api/download/models/1",
		"model_id": "1",
		"name":     "Alpha",
		"path":     "/data/models",
	}, received)

	assert.Equal(t, "T1", task.ID)
	assert.Equal(t, queue.StatusQueued, task.Status)
	stored, ok := f.store.Get("T1")
	require.True(t, ok)
	assert.Equal(t, "Alpha", stored.ModelName)
	assert.Equal(t, "civitai", stored.Source)
	assert.Equal(t, 1, f.sink.Count(notify.Info))
	assert.Contains(t, f.snapshot.Data(), `"taskId":"T1"`)
}

func TestEnqueueValidationRejectsBeforeCallingBackend(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) { calls.Add(1) })

	_, err := f.controller.Enqueue(context.Background(), downloads.Descriptor{Source: "dropbox", URL: "not a url"})
	require.ErrorIs(t, err, downloads.ErrInvalidDescriptor)
	assert.Contains(t, err.Error(), "source must be one of civitai, huggingface")
	assert.Contains(t, err.Error(), "url must be an http(s) URL")
	assert.Contains(t, err.Error(), "name is required")
	assert.Zero(t, calls.Load())
	assert.Zero(t, f.store.Len())
}

func TestEnqueueFailureLeavesStoreUntouchedWithOneNotification(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := f.controller.Enqueue(context.Background(), downloads.Descriptor{
		Source: "huggingface", URL: "https://huggingface.co/x/y", ModelName: "Beta",
	})
	require.Error(t, err)
	assert.True(t, transport.IsKind(err, transport.Transient))
	assert.Zero(t, f.store.Len())
	msgs := f.sink.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Server error, please try again later", msgs[0].Text)
}

func TestEnqueueWithoutTaskIDIsAnError(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "accepted")
	})

	_, err := f.controller.Enqueue(context.Background(), downloads.Descriptor{
		Source: "civitai", URL: "https://civitai.com/x", ModelName: "Gamma",
	})
	require.ErrorIs(t, err, downloads.ErrMissingTaskID)
	assert.Zero(t, f.store.Len())
	assert.Equal(t, 1, f.sink.Count(notify.Error))
}

func TestCancelRemovesTaskAndNotifies(t *testing.T) {
	var cancelPath string
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		cancelPath = r.URL.Path
		_, _ = io.WriteString(w, `{"message":"Download cancelled"}`)
	})
	require.NoError(t, f.store.Insert(context.Background(), queue.Task{ID: "T1", ModelName: "Alpha", Status: queue.StatusActive}))
	f.sink.Reset()

	require.NoError(t, f.controller.Cancel(context.Background(), "T1"))
	assert.Equal(t, "/api/download/cancel/T1", cancelPath)
	_, ok := f.store.Get("T1")
	assert.False(t, ok)
	msgs := f.sink.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, notify.Info, msgs[0].Severity)
	assert.Equal(t, "Download cancelled", msgs[0].Text)

	require.NoError(t, f.store.Merge(context.Background(), []queue.Update{{ID: "T1", Progress: queue.Progress(80)}}))
	_, ok = f.store.Get("T1")
	assert.False(t, ok, "late progress must not resurrect a cancelled task")
}

func TestCancelFailureKeepsTaskAndNotifiesOnce(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})
	require.NoError(t, f.store.Insert(context.Background(), queue.Task{ID: "T1", ModelName: "Alpha"}))

	err := f.controller.Cancel(context.Background(), "T1")
	require.Error(t, err)
	assert.True(t, transport.IsKind(err, transport.NotFound))
	assert.Equal(t, int32(1), calls.Load(), "cancel is not retried")
	_, ok := f.store.Get("T1")
	assert.True(t, ok)

	msgs := f.sink.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, notify.Error, msgs[0].Severity)
	assert.Equal(t, "Failed to cancel download", msgs[0].Text)
}

func TestCancelServerErrorRetriesTransportButNotifiesOnce(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	require.NoError(t, f.store.Insert(context.Background(), queue.Task{ID: "T1", ModelName: "Alpha"}))

	require.Error(t, f.controller.Cancel(context.Background(), "T1"))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 1, f.sink.Count(notify.Error))
}
