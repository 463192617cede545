// Package queue is the orchestrator: it owns the three-partition job store
// for one user×provider scope, admits execution through a Controller, runs
// provider executors in their own goroutines, and finalizes every record into
// history exactly once. Canceled jobs are the deliberate exception: they are
// discarded, never persisted as history.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"dlhub/internal/model"
	"dlhub/internal/notify"
	"dlhub/internal/provider"
	"dlhub/internal/sizelimit"
	"dlhub/internal/store"
)

// CredentialStatus is told whether stored credentials worked after each run.
// The orchestrator never sees the secrets themselves.
type CredentialStatus interface {
	MarkValid()
	MarkInvalid(warning string)
}

// Request is one add call.
type Request struct {
	URL           string `json:"url"`
	Title         string `json:"title"`
	Quality       string `json:"quality"`
	Format        string `json:"format"`
	Folder        string `json:"folder"`
	NamePrefix    string `json:"custom_name_prefix"`
	AutoStart     bool   `json:"auto_start"`
	EstimatedSize int64  `json:"estimated_size,omitempty"`

	SizeLimitOverride *int64 `json:"size_limit_override,omitempty"`
}

// Result is the uniform response shape for add, start, cancel, and rename.
type Result struct {
	Status   string `json:"status"`
	ID       string `json:"id,omitempty"`
	Msg      string `json:"msg,omitempty"`
	Filename string `json:"filename,omitempty"`
	Title    string `json:"title,omitempty"`
}

// ClearResult aggregates per-id outcomes of a clear batch.
type ClearResult struct {
	Status  string            `json:"status"`
	Deleted []string          `json:"deleted"`
	Missing []string          `json:"missing"`
	Errors  map[string]string `json:"errors,omitempty"`
}

func ok() Result             { return Result{Status: "ok"} }
func fail(msg string) Result { return Result{Status: "error", Msg: msg} }

// Options fixes the on-disk layout and folder policy for one queue.
type Options struct {
	Provider    model.Provider
	Owner       string
	DownloadDir string
	TempDir     string

	// CreateFolders makes add create requested subfolders instead of
	// rejecting ones that do not exist yet.
	CreateFolders bool
}

// Queue orchestrates jobs for one user×provider scope. All partition and
// record mutations happen under mu; executors run outside it and report back
// only through the progress sink.
type Queue struct {
	opts       Options
	store      *store.Store
	limit      sizelimit.Source
	notifier   notify.Notifier
	controller Controller
	factory    provider.Factory
	creds      CredentialStatus
	logger     *slog.Logger

	mu      sync.Mutex
	running map[string]*task

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// task is the orchestrator-side handle of one started job.
type task struct {
	rec       *model.Record
	cancel    context.CancelFunc
	exec      provider.Executor // nil until admitted
	job       *provider.Job
	canceled  bool
	finalized bool
}

func New(opts Options, st *store.Store, limit sizelimit.Source, notifier notify.Notifier, controller Controller, factory provider.Factory, creds CredentialStatus, logger *slog.Logger) *Queue {
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	if controller == nil {
		controller = Unbounded{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		opts:       opts,
		store:      st,
		limit:      limit,
		notifier:   notifier,
		controller: controller,
		factory:    factory,
		creds:      creds,
		logger:     logger,
		running:    make(map[string]*task),
		baseCtx:    ctx,
		stop:       cancel,
	}
}

// Resume restarts every record the store recovered into the queued partition.
// Called once after construction, before the API goes live.
func (q *Queue) Resume() {
	q.mu.Lock()
	recs := q.store.Queue.Records()
	for _, rec := range recs {
		q.spawnLocked(rec)
	}
	q.mu.Unlock()
	if len(recs) > 0 {
		q.logger.Info("resumed interrupted jobs", "count", len(recs), "provider", q.opts.Provider)
	}
}

// Shutdown cancels everything in flight and waits for the tasks to unwind.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	for _, t := range q.running {
		t.canceled = true
		if t.exec != nil && t.job != nil {
			t.exec.Cancel(t.job)
		}
		t.cancel()
	}
	q.mu.Unlock()
	q.stop()
	q.wg.Wait()
}

// Add validates the request, creates a pending record, and optionally starts
// it right away.
func (q *Queue) Add(req Request) Result {
	url := strings.TrimSpace(req.URL)
	if url == "" {
		return fail("A source URL is required.")
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = url
	}
	if strings.ContainsAny(req.NamePrefix, `/\`) {
		return fail("The name prefix cannot contain path separators.")
	}
	if _, err := q.resolveDir(req.Folder); err != nil {
		return fail(err.Error())
	}

	guard := sizelimit.Resolve(q.limit, req.SizeLimitOverride)
	if err := guard.CheckEstimate(req.EstimatedSize); err != nil {
		return fail(err.Error())
	}

	rec := model.NewRecord(q.opts.Provider, q.opts.Owner, title, url, req.URL, req.Quality, req.Format, req.Folder, req.NamePrefix)
	rec.SizeLimitOverride = req.SizeLimitOverride

	q.mu.Lock()
	q.store.Pending.Put(rec)
	if err := q.store.PersistBacklog(); err != nil {
		q.store.Pending.Delete(rec.StorageKey)
		q.mu.Unlock()
		return fail(fmt.Sprintf("Failed to persist the new job: %v", err))
	}
	q.notifier.Added(rec)
	q.mu.Unlock()

	if req.AutoStart {
		q.Start([]string{rec.ID})
	}
	return Result{Status: "ok", ID: rec.ID}
}

// Start moves the given pending jobs into the queued partition and spawns
// their execution tasks. Unknown ids are logged and skipped, not errors.
func (q *Queue) Start(ids []string) Result {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range ids {
		key := q.resolveKeyLocked(id)
		rec, found := q.store.Pending.Get(key)
		if !found {
			q.logger.Debug("start skipped unknown or non-pending id", "id", id)
			continue
		}
		if err := model.TransitionStatus(rec, model.StatusQueued); err != nil {
			q.logger.Warn("start rejected", "id", id, "error", err)
			continue
		}
		q.store.Pending.Delete(key)
		q.store.Queue.Put(rec)
		q.notifier.Updated(rec)
		q.spawnLocked(rec)
	}
	if err := q.store.PersistBacklog(); err != nil {
		q.logger.Error("failed to persist backlog after start", "error", err)
	}
	return ok()
}

// Cancel discards pending jobs outright and requests cooperative cancellation
// of started ones. Always succeeds.
func (q *Queue) Cancel(ids []string) Result {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range ids {
		key := q.resolveKeyLocked(id)
		if q.store.Pending.Delete(key) {
			if err := q.store.PersistBacklog(); err != nil {
				q.logger.Error("failed to persist backlog after cancel", "error", err)
			}
			q.notifier.Canceled(key)
			continue
		}
		t, found := q.running[key]
		if !found {
			q.logger.Debug("cancel skipped unknown id", "id", id)
			continue
		}
		t.canceled = true
		if t.exec != nil && t.job != nil {
			t.exec.Cancel(t.job)
		}
		t.cancel()
	}
	return ok()
}

// Clear removes completed records from history, deleting the backing file
// when it still exists. Per-id failures are aggregated, not fatal.
func (q *Queue) Clear(ids []string) ClearResult {
	result := ClearResult{Status: "ok", Deleted: []string{}, Missing: []string{}}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range ids {
		key := q.resolveKeyLocked(id)
		rec, found := q.store.Done.Get(key)
		if !found {
			result.Missing = append(result.Missing, id)
			continue
		}
		if path := q.recordPath(rec); path != "" {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				if result.Errors == nil {
					result.Errors = make(map[string]string)
				}
				result.Errors[id] = fmt.Sprintf("failed to delete file: %v", err)
				continue
			} else if os.IsNotExist(err) {
				q.logger.Debug("cleared record had no file on disk", "key", key, "path", path)
			}
		}
		q.store.Done.Delete(key)
		result.Deleted = append(result.Deleted, id)
		q.notifier.Cleared(key)
	}
	if len(result.Deleted) > 0 {
		if err := q.store.PersistDone(); err != nil {
			q.logger.Error("failed to persist history after clear", "error", err)
		}
	}
	return result
}

// Rename gives a completed download a new filename on disk. The original file
// is left untouched on any rejection.
func (q *Queue) Rename(id, newName string) Result {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return fail("The new name cannot be empty.")
	}
	if strings.ContainsAny(newName, `/\`) || newName != filepath.Base(newName) {
		return fail("The new name cannot contain path separators.")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	key := q.resolveKeyLocked(id)
	rec, found := q.store.Done.Get(key)
	if !found {
		return fail("Only completed downloads can be renamed.")
	}
	if rec.Filename == "" {
		return fail("This download has no file to rename.")
	}

	dir, err := q.resolveDir(rec.Folder)
	if err != nil {
		return fail(err.Error())
	}
	oldPath := filepath.Join(dir, rec.Filename)
	newPath := filepath.Join(dir, newName)
	if _, err := os.Stat(oldPath); err != nil {
		return fail("The original file no longer exists.")
	}
	if _, err := os.Stat(newPath); err == nil {
		return fail("A file with that name already exists.")
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return fail(fmt.Sprintf("Rename failed: %v", err))
	}

	var size *int64
	if info, err := os.Stat(newPath); err == nil {
		v := info.Size()
		size = &v
	}
	if err := q.store.RenameDone(key, newName, size); err != nil {
		q.logger.Error("failed to persist rename", "key", key, "error", err)
	}
	q.notifier.Renamed(rec)
	return Result{Status: "ok", Filename: rec.Filename, Title: rec.Title}
}

// Snapshot returns copies of the live records (queued then pending, insertion
// order) and the done records newest-first.
func (q *Queue) Snapshot() (live, done []*model.Record) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, rec := range q.store.Queue.Records() {
		live = append(live, copyRecord(rec))
	}
	for _, rec := range q.store.Pending.Records() {
		live = append(live, copyRecord(rec))
	}
	doneRecs := q.store.Done.Records()
	for i := len(doneRecs) - 1; i >= 0; i-- {
		done = append(done, copyRecord(doneRecs[i]))
	}
	return live, done
}

func copyRecord(rec *model.Record) *model.Record {
	clone := *rec
	return &clone
}

// spawnLocked registers the task handle and launches the execution goroutine.
// Caller holds mu.
func (q *Queue) spawnLocked(rec *model.Record) {
	ctx, cancel := context.WithCancel(q.baseCtx)
	t := &task{rec: rec, cancel: cancel}
	q.running[rec.StorageKey] = t
	q.wg.Add(1)
	go q.runTask(ctx, t)
}

func (q *Queue) runTask(ctx context.Context, t *task) {
	defer q.wg.Done()
	rec := t.rec

	if err := q.controller.Acquire(ctx); err != nil {
		// Canceled while waiting for a slot: the executor was never built,
		// so there is nothing to clean up.
		q.discard(t)
		return
	}
	defer q.controller.Release()

	q.mu.Lock()
	if t.canceled {
		q.mu.Unlock()
		q.discard(t)
		return
	}
	exec, err := q.factory(rec)
	if err != nil {
		q.mu.Unlock()
		q.finalizeError(t, fmt.Errorf("failed to build executor: %w", err))
		return
	}
	dir, dirErr := q.resolveDir(rec.Folder)
	if dirErr != nil {
		q.mu.Unlock()
		q.finalizeError(t, dirErr)
		return
	}
	guard := sizelimit.Resolve(q.limit, rec.SizeLimitOverride)
	job := &provider.Job{Rec: rec, Dir: dir, TempDir: q.opts.TempDir, Guard: guard}
	t.exec = exec
	t.job = job
	if err := model.TransitionStatus(rec, model.StatusPreparing); err != nil {
		q.mu.Unlock()
		q.finalizeError(t, err)
		return
	}
	rec.Msg = "Preparing download"
	q.notifier.Updated(rec)
	q.mu.Unlock()

	if err := exec.Prepare(ctx, job); err != nil {
		exec.CleanupPartial(job)
		q.finalizeError(t, err)
		return
	}

	q.mu.Lock()
	if t.canceled {
		q.mu.Unlock()
		exec.CleanupPartial(job)
		q.discard(t)
		return
	}
	if err := model.TransitionStatus(rec, model.StatusActive); err != nil {
		q.mu.Unlock()
		q.finalizeError(t, err)
		return
	}
	rec.Msg = "Starting download"
	q.notifier.Updated(rec)
	q.mu.Unlock()

	runErr := exec.Run(ctx, job, provider.SinkFunc(func(p provider.Progress) {
		q.applyProgress(t, p)
	}))

	switch {
	case runErr == nil:
		q.finalizeSuccess(t)
	case errors.Is(runErr, provider.ErrCanceled):
		exec.CleanupPartial(job)
		q.discard(t)
	default:
		exec.CleanupPartial(job)
		q.finalizeError(t, runErr)
	}
}

// applyProgress folds one executor report into the record under the lock.
func (q *Queue) applyProgress(t *task, p provider.Progress) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.finalized {
		return
	}
	rec := t.rec
	if p.CookieWarning != "" {
		rec.CookieWarning = p.CookieWarning
		if q.creds != nil {
			q.creds.MarkInvalid(p.CookieWarning)
		}
	}
	if p.Filename != "" {
		rec.Filename = p.Filename
	}
	if p.Size != nil {
		rec.Size = p.Size
	}
	if p.Message != "" {
		rec.Msg = p.Message
	}
	if p.Percent != nil || p.Speed != nil || p.ETA != nil {
		rec.SetProgress(p.Percent, p.Speed, p.ETA)
	}
	q.notifier.Updated(rec)
}

// finalizeSuccess moves the record to history as finished. The finalize guard
// makes a racing cancel a no-op once this has run.
func (q *Queue) finalizeSuccess(t *task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.finalized {
		return
	}
	t.finalized = true
	rec := t.rec
	q.adoptJobState(t)
	if err := model.TransitionStatus(rec, model.StatusFinished); err != nil {
		q.logger.Warn("finish transition rejected", "key", rec.StorageKey, "error", err)
		rec.Status = model.StatusFinished
	}
	rec.Msg = "Download complete"
	rec.Error = ""
	rec.Touch()
	if q.creds != nil && rec.CookieWarning == "" {
		q.creds.MarkValid()
	}
	if err := q.store.MoveToDone(rec); err != nil {
		q.logger.Error("failed to persist finished job", "key", rec.StorageKey, "error", err)
	}
	delete(q.running, rec.StorageKey)
	q.notifier.Completed(rec)
}

// finalizeError moves the record to history as an error with the failure
// message preserved.
func (q *Queue) finalizeError(t *task, cause error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.finalized {
		return
	}
	t.finalized = true
	rec := t.rec
	q.adoptJobState(t)
	rec.Status = model.StatusError
	rec.Error = cause.Error()
	rec.Msg = cause.Error()
	rec.Percent = nil
	rec.Speed = nil
	rec.ETA = nil
	rec.Touch()
	if err := q.store.MoveToDone(rec); err != nil {
		q.logger.Error("failed to persist failed job", "key", rec.StorageKey, "error", err)
	}
	delete(q.running, rec.StorageKey)
	q.notifier.Completed(rec)
}

// discard drops a canceled record entirely: it leaves every partition and is
// never written to history.
func (q *Queue) discard(t *task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.finalized {
		return
	}
	t.finalized = true
	key := t.rec.StorageKey
	q.store.Pending.Delete(key)
	q.store.Queue.Delete(key)
	if err := q.store.PersistBacklog(); err != nil {
		q.logger.Error("failed to persist backlog after cancel", "error", err)
	}
	delete(q.running, key)
	q.notifier.Canceled(key)
}

// adoptJobState copies executor-owned outputs onto the record. Caller holds
// mu and the executor's Run has returned.
func (q *Queue) adoptJobState(t *task) {
	if t.job == nil {
		return
	}
	rec := t.rec
	if rec.Filename == "" && t.job.FilePath != "" {
		rec.Filename = filepath.Base(t.job.FilePath)
	}
	if rec.Provider == model.ProviderScraper && t.job.FilePath != "" {
		rec.ArchivePath = t.job.FilePath
	}
	if t.job.RemoteTorrentID != 0 {
		rec.RemoteTorrentID = t.job.RemoteTorrentID
	}
	if t.job.RemoteFolderID != 0 {
		rec.RemoteFolderID = t.job.RemoteFolderID
	}
	if t.job.RemoteFileID != 0 {
		rec.RemoteFileID = t.job.RemoteFileID
	}
}

// resolveKeyLocked maps an id or full storage key onto this queue's keyspace.
func (q *Queue) resolveKeyLocked(id string) string {
	if _, found := q.store.Locate(id); found {
		return id
	}
	return string(q.opts.Provider) + ":" + id
}

// resolveDir sandboxes a requested folder inside the download directory.
func (q *Queue) resolveDir(folder string) (string, error) {
	base := filepath.Clean(q.opts.DownloadDir)
	if folder == "" {
		return base, nil
	}
	if filepath.IsAbs(folder) {
		return "", fmt.Errorf("folder %q must be relative to the download directory", folder)
	}
	dir := filepath.Clean(filepath.Join(base, folder))
	if dir != base && !strings.HasPrefix(dir, base+string(filepath.Separator)) {
		return "", fmt.Errorf("folder %q resolves outside the download directory", folder)
	}
	if q.opts.CreateFolders {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create folder %q: %w", folder, err)
		}
		return dir, nil
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("folder %q does not exist", folder)
	}
	return dir, nil
}

// recordPath resolves where a done record's file lives, empty when unknown.
func (q *Queue) recordPath(rec *model.Record) string {
	if rec.ArchivePath != "" {
		return rec.ArchivePath
	}
	if rec.Filename == "" {
		return ""
	}
	dir := filepath.Clean(q.opts.DownloadDir)
	if rec.Folder != "" {
		dir = filepath.Join(dir, rec.Folder)
	}
	return filepath.Join(dir, rec.Filename)
}
