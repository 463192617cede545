package queue

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dlhub/internal/model"
	"dlhub/internal/provider"
	"dlhub/internal/sizelimit"
	"dlhub/internal/store"
)

// stubExec is a scriptable executor for orchestrator tests.
type stubExec struct {
	prepare func(ctx context.Context, job *provider.Job) error
	run     func(ctx context.Context, job *provider.Job, sink provider.Sink) error
	cleanup func(job *provider.Job)
}

func (s *stubExec) Prepare(ctx context.Context, job *provider.Job) error {
	if s.prepare != nil {
		return s.prepare(ctx, job)
	}
	return nil
}

func (s *stubExec) Run(ctx context.Context, job *provider.Job, sink provider.Sink) error {
	if s.run != nil {
		return s.run(ctx, job, sink)
	}
	return nil
}

func (s *stubExec) Cancel(job *provider.Job) {
	job.RequestCancel()
}

func (s *stubExec) CleanupPartial(job *provider.Job) {
	if s.cleanup != nil {
		s.cleanup(job)
	}
}

// blockingRun returns a run func that reports started and blocks until
// release is closed or the job is canceled.
func blockingRun(started chan<- string, release <-chan struct{}) func(context.Context, *provider.Job, provider.Sink) error {
	return func(ctx context.Context, job *provider.Job, sink provider.Sink) error {
		if started != nil {
			started <- job.Rec.StorageKey
		}
		for {
			select {
			case <-release:
				return nil
			case <-time.After(5 * time.Millisecond):
				if job.CancelRequested() {
					return provider.ErrCanceled
				}
			}
		}
	}
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestQueue(t *testing.T, controller Controller, limit int64, factory provider.Factory) (*Queue, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir(), -1)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	opts := Options{
		Provider:      model.ProviderProxy,
		Owner:         "tester",
		DownloadDir:   t.TempDir(),
		TempDir:       t.TempDir(),
		CreateFolders: true,
	}
	source := sizelimit.SourceFunc(func() int64 { return limit })
	q := New(opts, st, source, nil, controller, factory, nil, silentLogger())
	t.Cleanup(q.Shutdown)
	return q, st
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func countByStatus(recs []*model.Record, status string) int {
	n := 0
	for _, rec := range recs {
		if rec.Status == status {
			n++
		}
	}
	return n
}

func TestAddStartFinalize(t *testing.T) {
	var prepares atomic.Int32
	factory := func(rec *model.Record) (provider.Executor, error) {
		return &stubExec{
			prepare: func(ctx context.Context, job *provider.Job) error {
				prepares.Add(1)
				return nil
			},
		}, nil
	}
	q, st := newTestQueue(t, Unbounded{}, 0, factory)

	result := q.Add(Request{URL: "https://example.com/a", Title: "a"})
	if result.Status != "ok" || result.ID == "" {
		t.Fatalf("Add = %+v", result)
	}
	if st.Pending.Len() != 1 {
		t.Fatalf("pending = %d", st.Pending.Len())
	}

	q.Start([]string{result.ID})
	waitFor(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return st.Done.Len() == 1
	}, "job never finalized")

	done := st.Done.Records()[0]
	if done.Status != model.StatusFinished {
		t.Fatalf("status = %q", done.Status)
	}
	if prepares.Load() != 1 {
		t.Fatalf("prepare calls = %d", prepares.Load())
	}

	// A second start on the same id is a no-op.
	q.Start([]string{result.ID})
	time.Sleep(20 * time.Millisecond)
	if prepares.Load() != 1 {
		t.Fatalf("second start re-ran the job: %d prepares", prepares.Load())
	}
}

func TestLimitedAdmitsNAtATime(t *testing.T) {
	started := make(chan string, 3)
	release := make(chan struct{})
	factory := func(rec *model.Record) (provider.Executor, error) {
		return &stubExec{run: blockingRun(started, release)}, nil
	}
	q, st := newTestQueue(t, NewLimited(2), 0, factory)

	for i := 0; i < 3; i++ {
		result := q.Add(Request{URL: "https://example.com/file", AutoStart: true})
		if result.Status != "ok" {
			t.Fatalf("Add = %+v", result)
		}
	}

	<-started
	<-started
	select {
	case key := <-started:
		t.Fatalf("third job %s admitted past the limit", key)
	case <-time.After(50 * time.Millisecond):
	}

	q.mu.Lock()
	active := countByStatus(st.Queue.Records(), model.StatusActive)
	queued := countByStatus(st.Queue.Records(), model.StatusQueued)
	q.mu.Unlock()
	if active != 2 || queued != 1 {
		t.Fatalf("active = %d queued = %d", active, queued)
	}

	close(release)
	<-started
	waitFor(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return st.Done.Len() == 3
	}, "jobs never drained")
}

func TestCancelBeforeAdmissionSkipsExecutor(t *testing.T) {
	var built atomic.Int32
	started := make(chan string, 1)
	release := make(chan struct{})
	defer close(release)
	factory := func(rec *model.Record) (provider.Executor, error) {
		built.Add(1)
		return &stubExec{run: blockingRun(started, release)}, nil
	}
	q, st := newTestQueue(t, NewSequential(), 0, factory)

	q.Add(Request{URL: "https://example.com/one", AutoStart: true})
	<-started

	second := q.Add(Request{URL: "https://example.com/two", AutoStart: true})
	waitFor(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		_, found := q.running["proxy:"+second.ID]
		return found
	}, "second job never spawned")

	q.Cancel([]string{second.ID})
	waitFor(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		_, found := q.running["proxy:"+second.ID]
		return !found
	}, "canceled job never unwound")

	if built.Load() != 1 {
		t.Fatalf("executor built %d times, want 1 (first job only)", built.Load())
	}
	q.mu.Lock()
	if _, found := st.Locate("proxy:" + second.ID); found {
		t.Fatal("canceled job still present in a partition")
	}
	if st.Done.Len() != 0 {
		t.Fatal("canceled job reached history")
	}
	q.mu.Unlock()
}

func TestCancelActiveDiscardsRecord(t *testing.T) {
	started := make(chan string, 1)
	release := make(chan struct{})
	defer close(release)

	var partial string
	factory := func(rec *model.Record) (provider.Executor, error) {
		return &stubExec{
			run: func(ctx context.Context, job *provider.Job, sink provider.Sink) error {
				path := filepath.Join(job.Dir, "partial.bin")
				os.WriteFile(path, []byte("partial"), 0o644)
				job.FilePath = path
				partial = path
				return blockingRun(started, release)(ctx, job, sink)
			},
			cleanup: func(job *provider.Job) {
				os.Remove(job.FilePath)
			},
		}, nil
	}
	q, st := newTestQueue(t, Unbounded{}, 0, factory)

	result := q.Add(Request{URL: "https://example.com/big", AutoStart: true})
	key := <-started

	q.Cancel([]string{result.ID})
	waitFor(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		_, found := st.Locate(key)
		return !found
	}, "canceled job still tracked")

	if st.Done.Len() != 0 {
		t.Fatal("canceled job reached history")
	}
	if _, err := os.Stat(partial); !os.IsNotExist(err) {
		t.Fatal("partial file survived cancellation")
	}
}

func TestMidFlightLimitFinalizesError(t *testing.T) {
	factory := func(rec *model.Record) (provider.Executor, error) {
		return &stubExec{
			run: func(ctx context.Context, job *provider.Job, sink provider.Sink) error {
				path := filepath.Join(job.Dir, "partial.bin")
				os.WriteFile(path, make([]byte, 2048), 0o644)
				job.FilePath = path
				return job.Guard.Observe(0, 2048)
			},
			cleanup: func(job *provider.Job) {
				os.Remove(job.FilePath)
			},
		}, nil
	}
	q, st := newTestQueue(t, Unbounded{}, 1024, factory)

	q.Add(Request{URL: "https://example.com/over", AutoStart: true})
	waitFor(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return st.Done.Len() == 1
	}, "job never finalized")

	done := st.Done.Records()[0]
	if done.Status != model.StatusError {
		t.Fatalf("status = %q", done.Status)
	}
	if !strings.Contains(done.Error, "exceeds the configured size limit") {
		t.Fatalf("error = %q", done.Error)
	}
	if _, err := os.Stat(filepath.Join(q.opts.DownloadDir, "partial.bin")); !os.IsNotExist(err) {
		t.Fatal("partial file survived limit abort")
	}
}

func TestAddPreflightEstimateRejected(t *testing.T) {
	var built atomic.Int32
	factory := func(rec *model.Record) (provider.Executor, error) {
		built.Add(1)
		return &stubExec{}, nil
	}
	q, st := newTestQueue(t, Unbounded{}, 1024*1024, factory)

	result := q.Add(Request{URL: "https://example.com/huge", EstimatedSize: 10 * 1024 * 1024, AutoStart: true})
	if result.Status != "error" {
		t.Fatalf("Add = %+v", result)
	}
	if !strings.Contains(result.Msg, "exceeds the configured size limit") {
		t.Fatalf("msg = %q", result.Msg)
	}
	if built.Load() != 0 {
		t.Fatal("executor built despite pre-flight rejection")
	}
	if st.Pending.Len() != 0 || st.Done.Len() != 0 {
		t.Fatal("rejected request left a record behind")
	}
}

func TestAddRejectsEscapingFolder(t *testing.T) {
	q, _ := newTestQueue(t, Unbounded{}, 0, func(rec *model.Record) (provider.Executor, error) {
		return &stubExec{}, nil
	})
	result := q.Add(Request{URL: "https://example.com/x", Folder: "../outside"})
	if result.Status != "error" || !strings.Contains(result.Msg, "outside the download directory") {
		t.Fatalf("Add = %+v", result)
	}
}

func putDone(t *testing.T, q *Queue, st *store.Store, filename, contents string) *model.Record {
	t.Helper()
	rec := model.NewRecord(model.ProviderProxy, "tester", filename, "https://example.com/"+filename, "", "", "", "", "")
	rec.Status = model.StatusFinished
	rec.Filename = filename
	if contents != "" {
		if err := os.WriteFile(filepath.Join(q.opts.DownloadDir, filename), []byte(contents), 0o644); err != nil {
			t.Fatalf("write fixture: %v", err)
		}
	}
	st.Done.Put(rec)
	if err := st.PersistDone(); err != nil {
		t.Fatalf("persist fixture: %v", err)
	}
	return rec
}

func TestClearDeletesFilesAndReportsMissing(t *testing.T) {
	q, st := newTestQueue(t, Unbounded{}, 0, nil)
	rec := putDone(t, q, st, "keepsake.mp4", "data")

	result := q.Clear([]string{rec.ID, "no-such-id"})
	if result.Status != "ok" {
		t.Fatalf("Clear = %+v", result)
	}
	if len(result.Deleted) != 1 || result.Deleted[0] != rec.ID {
		t.Fatalf("deleted = %v", result.Deleted)
	}
	if len(result.Missing) != 1 || result.Missing[0] != "no-such-id" {
		t.Fatalf("missing = %v", result.Missing)
	}
	if _, err := os.Stat(filepath.Join(q.opts.DownloadDir, "keepsake.mp4")); !os.IsNotExist(err) {
		t.Fatal("backing file survived clear")
	}
	if st.Done.Len() != 0 {
		t.Fatal("record survived clear")
	}
}

func TestRenameRejectsCollisionAndSeparators(t *testing.T) {
	q, st := newTestQueue(t, Unbounded{}, 0, nil)
	rec := putDone(t, q, st, "original.mp4", "data")
	putDone(t, q, st, "taken.mp4", "other")

	if result := q.Rename(rec.ID, "taken.mp4"); result.Status != "error" {
		t.Fatalf("collision rename = %+v", result)
	}
	if result := q.Rename(rec.ID, "sub/dir.mp4"); result.Status != "error" {
		t.Fatalf("separator rename = %+v", result)
	}
	if result := q.Rename(rec.ID, "  "); result.Status != "error" {
		t.Fatalf("empty rename = %+v", result)
	}
	if _, err := os.Stat(filepath.Join(q.opts.DownloadDir, "original.mp4")); err != nil {
		t.Fatal("original file was disturbed by rejected renames")
	}

	result := q.Rename(rec.ID, "renamed.mp4")
	if result.Status != "ok" || result.Filename != "renamed.mp4" {
		t.Fatalf("rename = %+v", result)
	}
	if _, err := os.Stat(filepath.Join(q.opts.DownloadDir, "renamed.mp4")); err != nil {
		t.Fatal("renamed file missing")
	}
}

func TestSnapshotNewestFirstHistory(t *testing.T) {
	q, st := newTestQueue(t, Unbounded{}, 0, nil)
	first := putDone(t, q, st, "first.mp4", "")
	time.Sleep(time.Millisecond)
	second := model.NewRecord(model.ProviderProxy, "tester", "second", "https://example.com/2", "", "", "", "", "")
	second.Status = model.StatusFinished
	st.Done.Put(second)

	_, done := q.Snapshot()
	if len(done) != 2 {
		t.Fatalf("done = %d", len(done))
	}
	if done[0].StorageKey != second.StorageKey || done[1].StorageKey != first.StorageKey {
		t.Fatal("history not newest-first")
	}
}

func TestResumeRestartsPersistedQueue(t *testing.T) {
	stateDir := t.TempDir()
	st, err := store.New(stateDir, -1)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	rec := model.NewRecord(model.ProviderProxy, "tester", "interrupted", "https://example.com/a", "", "", "", "", "")
	rec.Status = model.StatusQueued
	st.Queue.Put(rec)
	if err := st.PersistBacklog(); err != nil {
		t.Fatalf("PersistBacklog: %v", err)
	}

	// A fresh store over the same dir is what a restarted process sees.
	recovered, err := store.New(stateDir, -1)
	if err != nil {
		t.Fatalf("store.New (recovered): %v", err)
	}
	if recovered.Queue.Len() != 1 {
		t.Fatalf("recovered queue len = %d", recovered.Queue.Len())
	}

	var runs atomic.Int32
	factory := func(r *model.Record) (provider.Executor, error) {
		return &stubExec{run: func(ctx context.Context, job *provider.Job, sink provider.Sink) error {
			runs.Add(1)
			return nil
		}}, nil
	}
	opts := Options{
		Provider:      model.ProviderProxy,
		Owner:         "tester",
		DownloadDir:   t.TempDir(),
		TempDir:       t.TempDir(),
		CreateFolders: true,
	}
	q := New(opts, recovered, sizelimit.SourceFunc(func() int64 { return 0 }),
		nil, Unbounded{}, factory, nil, silentLogger())
	t.Cleanup(q.Shutdown)
	q.Resume()

	waitFor(t, func() bool {
		_, done := q.Snapshot()
		return len(done) == 1 && done[0].Status == model.StatusFinished
	}, "recovered job never finished")
	if runs.Load() != 1 {
		t.Fatalf("runs = %d", runs.Load())
	}
}

func TestRegistryCachesPerScope(t *testing.T) {
	var builds int
	var mu sync.Mutex
	reg := NewRegistry(func(user string, p model.Provider) (*Queue, error) {
		mu.Lock()
		builds++
		mu.Unlock()
		st, err := store.New(t.TempDir(), -1)
		if err != nil {
			return nil, err
		}
		return New(Options{Provider: p, Owner: user, DownloadDir: t.TempDir()}, st,
			nil, nil, Unbounded{}, nil, nil, silentLogger()), nil
	})
	t.Cleanup(reg.Shutdown)

	a, err := reg.ForUser("alice", model.ProviderProxy)
	if err != nil {
		t.Fatalf("ForUser: %v", err)
	}
	b, _ := reg.ForUser("alice", model.ProviderProxy)
	if a != b {
		t.Fatal("same scope built twice")
	}
	reg.ForUser("alice", model.ProviderScraper)
	reg.ForUser("bob", model.ProviderProxy)
	if builds != 3 {
		t.Fatalf("builds = %d", builds)
	}
}
