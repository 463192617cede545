package proxystream

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"dlhub/internal/model"
	"dlhub/internal/provider"
	"dlhub/internal/sizelimit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func limitSource(limit int64) sizelimit.Source {
	return sizelimit.SourceFunc(func() int64 { return limit })
}

func TestProbeReportsSizeAndLimit(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method = %s, want HEAD", r.Method)
		}
		w.Header().Set("Content-Length", strconv.Itoa(4096))
		w.Header().Set("Content-Type", "video/mp4")
	}))
	defer origin.Close()

	result, err := Probe(context.Background(), nil, origin.URL+"/clip.mp4", 1024)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if result.Size == nil || *result.Size != 4096 {
		t.Fatalf("size = %v", result.Size)
	}
	if !result.LimitExceeded {
		t.Fatal("expected limit exceeded")
	}
	if result.Filename != "clip.mp4" {
		t.Fatalf("filename = %q", result.Filename)
	}
}

func TestProbeWithoutContentLength(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
	}))
	defer origin.Close()

	result, err := Probe(context.Background(), nil, origin.URL+"/blob", 1024)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if result.Size != nil || result.LimitExceeded {
		t.Fatalf("result = %+v, want unknown size and no limit verdict", result)
	}
}

func TestRunStreamsPayloadToDisk(t *testing.T) {
	payload := []byte("a small but genuine payload")
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Header().Set("Content-Type", "video/mp4")
		w.Write(payload)
	}))
	defer origin.Close()

	exec := New(origin.URL+"/show.mp4", testLogger())
	rec := model.NewRecord(model.ProviderProxy, "tester", "show", origin.URL+"/show.mp4", "", "", "", "", "")
	job := &provider.Job{Rec: rec, Dir: t.TempDir(), Guard: sizelimit.Resolve(limitSource(0), nil)}

	var final provider.Progress
	sink := provider.SinkFunc(func(p provider.Progress) { final = p })
	if err := exec.Prepare(context.Background(), job); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := exec.Run(context.Background(), job, sink); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if filepath.Base(job.FilePath) != "show.mp4" {
		t.Fatalf("file path = %q", job.FilePath)
	}
	got, err := os.ReadFile(job.FilePath)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Fatalf("payload = %q", got)
	}
	if final.Percent == nil || *final.Percent != 100 {
		t.Fatalf("final progress = %+v", final)
	}
	if final.Size == nil || *final.Size != int64(len(payload)) {
		t.Fatalf("final size = %v", final.Size)
	}
}

func TestPrepareRejectsOversizedEstimate(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(10*1024*1024))
	}))
	defer origin.Close()

	exec := New(origin.URL+"/big.bin", testLogger())
	rec := model.NewRecord(model.ProviderProxy, "tester", "big", origin.URL+"/big.bin", "", "", "", "", "")
	job := &provider.Job{Rec: rec, Dir: t.TempDir(), Guard: sizelimit.Resolve(limitSource(1024*1024), nil)}

	err := exec.Prepare(context.Background(), job)
	if !sizelimit.IsLimitError(err) {
		t.Fatalf("err = %v, want limit error", err)
	}
}

func TestRunEnforcesLimitMidFlight(t *testing.T) {
	// The origin lies about its length so only the running tally can catch it.
	payload := make([]byte, 2*1024*1024)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer origin.Close()

	exec := New(origin.URL+"/liar.bin", testLogger())
	rec := model.NewRecord(model.ProviderProxy, "tester", "liar", origin.URL+"/liar.bin", "", "", "", "", "")
	job := &provider.Job{Rec: rec, Dir: t.TempDir(), Guard: sizelimit.Resolve(limitSource(1024*1024), nil)}

	err := exec.Run(context.Background(), job, provider.SinkFunc(func(provider.Progress) {}))
	if !sizelimit.IsLimitError(err) {
		t.Fatalf("err = %v, want limit error", err)
	}
}

func TestCancelMidTransfer(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("first chunk"))
		w.(http.Flusher).Flush()
		<-release
	}))
	defer origin.Close()
	defer once.Do(func() { close(release) })

	exec := New(origin.URL+"/slow.bin", testLogger())
	rec := model.NewRecord(model.ProviderProxy, "tester", "slow", origin.URL+"/slow.bin", "", "", "", "", "")
	job := &provider.Job{Rec: rec, Dir: t.TempDir(), Guard: sizelimit.Resolve(limitSource(0), nil)}

	started := make(chan struct{})
	var startOnce sync.Once
	sink := provider.SinkFunc(func(p provider.Progress) {
		if p.Filename != "" {
			startOnce.Do(func() { close(started) })
		}
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- exec.Run(context.Background(), job, sink)
	}()

	// Wait until the transfer resolved its filename so the request is in
	// flight before canceling.
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("transfer never started")
	}
	exec.Cancel(job)

	select {
	case err := <-errCh:
		if err != provider.ErrCanceled {
			t.Fatalf("err = %v, want ErrCanceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run never returned after cancel")
	}

	exec.CleanupPartial(job)
	if _, err := os.Stat(job.FilePath); !os.IsNotExist(err) {
		t.Fatalf("partial file still present: %v", err)
	}
}
