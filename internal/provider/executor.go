// Package provider defines the execution contract every download backend
// satisfies, plus helpers shared across the four strategies. The orchestrator
// talks to executors only through this contract; executors report state only
// through the progress sink, never by touching the record directly.
package provider

import (
	"context"
	"errors"
	"sync/atomic"

	"dlhub/internal/model"
	"dlhub/internal/sizelimit"
)

// ErrCanceled is returned by Run when the job was cooperatively canceled.
// Cancellation is not an error outcome; the orchestrator discards the record
// instead of finalizing it into history.
var ErrCanceled = errors.New("download canceled")

// Progress is the uniform report shape for all strategies. Nil fields mean
// unknown. Filename and Size are set once the executor resolves the output
// file; CookieWarning is a side-channel that never fails the job.
type Progress struct {
	Percent       *float64
	Speed         *float64
	ETA           *int
	Message       string
	Filename      string
	Size          *int64
	CookieWarning string
}

// Sink receives progress reports while a job runs.
type Sink interface {
	Update(p Progress)
}

// SinkFunc adapts a closure to Sink.
type SinkFunc func(p Progress)

func (f SinkFunc) Update(p Progress) { f(p) }

// Job is the executor's view of one admitted record: the resolved output
// context plus the cooperative cancel flag. FilePath is owned by the running
// executor and read by the orchestrator only after Run returns.
type Job struct {
	Rec     *model.Record
	Dir     string
	TempDir string
	Guard   sizelimit.Guard

	// FilePath is the absolute path of the produced (possibly partial) file.
	FilePath string

	// Remote identifiers resolved while a remote-fetch job runs. Owned by
	// the executor like FilePath; the orchestrator copies them onto the
	// record only after Run returns.
	RemoteTorrentID int64
	RemoteFolderID  int64
	RemoteFileID    int64

	canceled atomic.Bool
}

// RequestCancel sets the cooperative flag checked at suspension points.
func (j *Job) RequestCancel() {
	j.canceled.Store(true)
}

func (j *Job) CancelRequested() bool {
	return j.canceled.Load()
}

// Executor is the common contract all four backend strategies implement.
type Executor interface {
	// Prepare resolves whatever the strategy needs before any transfer
	// starts and runs the pre-flight size check where an estimate exists.
	Prepare(ctx context.Context, job *Job) error

	// Run performs the transfer, reporting through sink. It honors
	// job.CancelRequested at every suspension point and returns
	// ErrCanceled when it stopped for that reason.
	Run(ctx context.Context, job *Job, sink Sink) error

	// Cancel requests a cooperative stop and force-terminates any OS
	// process or connection the job owns.
	Cancel(job *Job)

	// CleanupPartial removes partial output left behind by a failed or
	// canceled run. Best effort; errors are logged by the caller.
	CleanupPartial(job *Job)
}

// Factory builds a fresh executor for one job. Executors carry per-job state
// (process handles, connections) and are never shared between jobs.
type Factory func(rec *model.Record) (Executor, error)
