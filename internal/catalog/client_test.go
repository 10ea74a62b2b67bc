package catalog_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"modelq/internal/catalog"
	"modelq/internal/notify"
	"modelq/internal/transport"
)

func newCatalog(t *testing.T, handler http.HandlerFunc) (*catalog.Client, *notify.Recorder) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	rec := &notify.Recorder{}
	client, err := transport.New(srv.URL,
		transport.WithHTTPClient(srv.Client()),
		transport.WithSink(rec),
		transport.WithSleeper(func(time.Duration) {}),
	)
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}
	return catalog.New(client), rec
}

func TestCivitaiModelsSendsQueryAndDecodes(t *testing.T) {
	var gotPath, gotQuery string
	c, _ := newCatalog(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		_, _ = io.WriteString(w, `{
			"items": [{
				"id": 42, "name": "Alpha", "type": "Checkpoint", "tags": ["anime"],
				"stats": {"downloadCount": 1200, "rating": 4.5, "favoriteCount": 3},
				"modelVersions": [{"id": 7, "name": "v2", "baseModel": "SDXL 1.0",
					"files": [{"id": 1, "name": "alpha.safetensors", "sizeKB": 2048, "downloadUrl": "https://civitai.com/api/download/models/7"}]}]
			}],
			"metadata": {"currentPage": 1, "pageSize": 1, "nextPage": "https://civitai.com/api/v1/models?page=2"}
		}`)
	})

	page, err := c.CivitaiModels(context.Background(), catalog.CivitaiQuery{Query: "alpha", Sort: "Most Downloaded", Limit: 1, Page: 1})
	if err != nil {
		t.Fatalf("CivitaiModels: %v", err)
	}
	if gotPath != "/civitai/models" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotQuery != "limit=1&page=1&query=alpha&sort=Most+Downloaded" {
		t.Fatalf("query = %q", gotQuery)
	}
	if len(page.Items) != 1 {
		t.Fatalf("items = %d, want 1", len(page.Items))
	}
	model := page.Items[0]
	if model.ID != 42 || model.Name != "Alpha" || model.Stats.DownloadCount != 1200 {
		t.Fatalf("unexpected model %+v", model)
	}
	if got := model.DownloadURL(); got != "https://civitai.com/api/download/models/7" {
		t.Fatalf("DownloadURL = %q", got)
	}
	if got := model.Versions[0].Files[0].SizeBytes(); got != 2048*1024 {
		t.Fatalf("SizeBytes = %d", got)
	}
	if !page.Metadata.HasMore() {
		t.Fatal("expected another page")
	}
}

func TestCivitaiModelFetchesDetail(t *testing.T) {
	var gotPath string
	c, _ := newCatalog(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = io.WriteString(w, `{"id": 9, "name": "Beta", "modelVersions": []}`)
	})
	model, err := c.CivitaiModel(context.Background(), 9)
	if err != nil {
		t.Fatalf("CivitaiModel: %v", err)
	}
	if gotPath != "/civitai/models/9" || model.Name != "Beta" {
		t.Fatalf("path=%q model=%+v", gotPath, model)
	}
	if model.DownloadURL() != "" {
		t.Fatal("model without versions has no download url")
	}
	if _, err := c.CivitaiModel(context.Background(), 0); err == nil {
		t.Fatal("expected error for zero id")
	}
}

func TestHuggingFaceModels(t *testing.T) {
	var gotQuery string
	c, _ := newCatalog(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = io.WriteString(w, `[{"id": "org/gamma", "name": "org/gamma", "children": []}]`)
	})
	models, err := c.HuggingFaceModels(context.Background(), catalog.HuggingFaceQuery{Search: "gamma", Limit: 5})
	if err != nil {
		t.Fatalf("HuggingFaceModels: %v", err)
	}
	if gotQuery != "limit=5&search=gamma" {
		t.Fatalf("query = %q", gotQuery)
	}
	if len(models) != 1 || models[0].ID != "org/gamma" {
		t.Fatalf("models = %+v", models)
	}
	if got := models[0].DownloadURL(); got != "https://huggingface.co/org/gamma" {
		t.Fatalf("DownloadURL = %q", got)
	}
}

func TestDiskUsage(t *testing.T) {
	c, _ := newCatalog(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/disk-usage" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, `{"civitai": 1.5, "huggingface": 2.25, "other": 0.25}`)
	})
	usage, err := c.DiskUsage(context.Background())
	if err != nil {
		t.Fatalf("DiskUsage: %v", err)
	}
	if usage.Civitai != 1.5 || usage.HuggingFace != 2.25 || usage.Total() != 4 {
		t.Fatalf("usage = %+v", usage)
	}
}

func TestUnexpectedPayloadIsWrapped(t *testing.T) {
	c, rec := newCatalog(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"not": "a list"}`)
	})
	_, err := c.HuggingFaceModels(context.Background(), catalog.HuggingFaceQuery{})
	if !errors.Is(err, catalog.ErrUnexpectedPayload) {
		t.Fatalf("err = %v, want ErrUnexpectedPayload", err)
	}
	if rec.Count(notify.Error) != 0 {
		t.Fatal("decode failures are not transport notifications")
	}
}

func TestTransportFailurePassesThrough(t *testing.T) {
	c, rec := newCatalog(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	_, err := c.DiskUsage(context.Background())
	if !transport.IsKind(err, transport.NotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
	msgs := rec.Messages()
	if len(msgs) != 1 || msgs[0].Text != "Resource not found" {
		t.Fatalf("notifications = %+v", msgs)
	}
}
