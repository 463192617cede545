package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"dlhub/internal/config"
	"dlhub/internal/model"
	"dlhub/internal/notify"
	"dlhub/internal/provider"
	"dlhub/internal/queue"
	"dlhub/internal/store"
)

type instantExec struct{}

func (instantExec) Prepare(ctx context.Context, job *provider.Job) error { return nil }
func (instantExec) Run(ctx context.Context, job *provider.Job, sink provider.Sink) error {
	return nil
}
func (instantExec) Cancel(job *provider.Job)         { job.RequestCancel() }
func (instantExec) CleanupPartial(job *provider.Job) {}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	cfg.DownloadDir = t.TempDir()
	cfg.StateDir = t.TempDir()
	cfg.CreateFolders = true

	hub := notify.NewHub(logger)
	registry := queue.NewRegistry(func(user string, p model.Provider) (*queue.Queue, error) {
		st, err := store.New(t.TempDir(), cfg.HistoryCap())
		if err != nil {
			return nil, err
		}
		opts := queue.Options{
			Provider:      p,
			Owner:         user,
			DownloadDir:   cfg.DownloadDir,
			TempDir:       cfg.TempDir,
			CreateFolders: true,
		}
		factory := func(rec *model.Record) (provider.Executor, error) { return instantExec{}, nil }
		return queue.New(opts, st, &cfg, hub, queue.Unbounded{}, factory, nil, logger), nil
	})
	t.Cleanup(registry.Shutdown)

	server := httptest.NewServer(New(&cfg, registry, hub, nil, logger).Router())
	t.Cleanup(server.Close)
	return server
}

func postJSON(t *testing.T, url string, body any) map[string]any {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestAddAndListQueue(t *testing.T) {
	server := newTestServer(t)

	out := postJSON(t, server.URL+"/api/add", map[string]any{
		"provider": "proxy",
		"url":      "https://example.com/video.mp4",
		"title":    "video",
	})
	if id, _ := out["id"].(string); out["status"] != "ok" || id == "" {
		t.Fatalf("add = %v", out)
	}

	resp, err := http.Get(server.URL + "/api/queue?provider=proxy")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var snapshot struct {
		Queue []*model.Record `json:"queue"`
		Done  []*model.Record `json:"done"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		t.Fatal(err)
	}
	if len(snapshot.Queue) != 1 || snapshot.Queue[0].Status != model.StatusPending {
		t.Fatalf("queue = %+v", snapshot.Queue)
	}
}

func TestAddAutoStartReachesHistory(t *testing.T) {
	server := newTestServer(t)

	out := postJSON(t, server.URL+"/api/add", map[string]any{
		"provider":   "proxy",
		"url":        "https://example.com/video.mp4",
		"auto_start": true,
	})
	if out["status"] != "ok" {
		t.Fatalf("add = %v", out)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(server.URL + "/api/queue?provider=proxy")
		if err != nil {
			t.Fatal(err)
		}
		var snapshot struct {
			Done []*model.Record `json:"done"`
		}
		json.NewDecoder(resp.Body).Decode(&snapshot)
		resp.Body.Close()
		if len(snapshot.Done) == 1 && snapshot.Done[0].Status == model.StatusFinished {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("auto-started job never reached history")
}

func TestUnknownProviderRejected(t *testing.T) {
	server := newTestServer(t)
	out := postJSON(t, server.URL+"/api/add", map[string]any{
		"provider": "carrier-pigeon",
		"url":      "https://example.com/x",
	})
	if out["status"] != "error" {
		t.Fatalf("add = %v", out)
	}
}

func TestRenameUnknownIDErrors(t *testing.T) {
	server := newTestServer(t)
	out := postJSON(t, server.URL+"/api/rename", map[string]any{
		"provider": "proxy",
		"id":       "nope",
		"new_name": "other.mp4",
	})
	if out["status"] != "error" {
		t.Fatalf("rename = %v", out)
	}
}

func TestProbeReportsLimitExceeded(t *testing.T) {
	payloadSize := int64(10 * 1024 * 1024)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.FormatInt(payloadSize, 10))
		w.Header().Set("Content-Type", "video/mp4")
	}))
	defer origin.Close()

	server := newTestServer(t)
	limit := int64(1024 * 1024)
	out := postJSON(t, server.URL+"/api/probe", map[string]any{
		"url":                 origin.URL + "/clip.mp4",
		"size_limit_override": limit,
	})
	if out["limit_exceeded"] != true {
		t.Fatalf("probe = %v", out)
	}
}
