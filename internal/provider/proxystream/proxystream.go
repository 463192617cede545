// Package proxystream downloads a direct HTTP byte stream to disk, resolving
// the output filename from response headers and reporting progress per chunk.
package proxystream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"dlhub/internal/provider"
)

const chunkSize = 256 * 1024

// Executor streams one job's source URL. It owns the HTTP response for the
// duration of Run; Cancel aborts the in-flight request.
type Executor struct {
	SourceURL string
	Client    *http.Client
	Logger    *slog.Logger

	mu        sync.Mutex
	abort     context.CancelFunc
	totalSize int64
}

func New(sourceURL string, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		SourceURL: sourceURL,
		Client:    &http.Client{},
		Logger:    logger,
	}
}

// ProbeResult describes a source URL without transferring its body.
type ProbeResult struct {
	ContentType   string `json:"content_type,omitempty"`
	Filename      string `json:"filename"`
	Size          *int64 `json:"size,omitempty"`
	LimitExceeded bool   `json:"limit_exceeded"`
}

// Probe issues a HEAD request and reports what a download would produce,
// including whether the given limit would reject it.
func Probe(ctx context.Context, client *http.Client, rawURL string, limitBytes int64) (*ProbeResult, error) {
	if client == nil {
		client = &http.Client{}
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build probe request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	result := &ProbeResult{
		ContentType: resp.Header.Get("Content-Type"),
		Filename:    provider.GuessFilename(resp.Header, resp.Request.URL.String()),
	}
	if size := parseContentLength(resp.Header); size > 0 {
		result.Size = &size
		result.LimitExceeded = limitBytes > 0 && size > limitBytes
	}
	return result, nil
}

// Prepare runs the pre-flight size check against the declared content length.
// Sources that reject HEAD simply skip the pre-flight; the mid-flight check
// still applies.
func (e *Executor) Prepare(ctx context.Context, job *provider.Job) error {
	if !job.Guard.Enabled() {
		return nil
	}
	headCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(headCtx, http.MethodHead, e.SourceURL, nil)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", e.SourceURL, err)
	}
	resp, err := e.Client.Do(req)
	if err != nil {
		e.Logger.Debug("pre-flight HEAD failed, deferring to mid-flight check", "url", e.SourceURL, "error", err)
		return nil
	}
	defer resp.Body.Close()
	if size := parseContentLength(resp.Header); size > 0 {
		if err := job.Guard.CheckEstimate(size); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) Run(ctx context.Context, job *provider.Job, sink provider.Sink) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.abort = cancel
	e.mu.Unlock()

	req, err := http.NewRequestWithContext(runCtx, http.MethodGet, e.SourceURL, nil)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", e.SourceURL, err)
	}
	resp, err := e.Client.Do(req)
	if err != nil {
		if job.CancelRequested() {
			return provider.ErrCanceled
		}
		return fmt.Errorf("fetch %s: %w", e.SourceURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("fetch %s: unexpected status %s", e.SourceURL, resp.Status)
	}

	total := parseContentLength(resp.Header)
	e.mu.Lock()
	e.totalSize = total
	e.mu.Unlock()
	if err := job.Guard.Observe(total, 0); err != nil {
		return err
	}

	filename := provider.GuessFilename(resp.Header, resp.Request.URL.String())
	filename = provider.FixExtension(filename, resp.Header.Get("Content-Type"), e.SourceURL)
	filename, path := provider.EnsureUniquePath(job.Dir, filename)
	job.FilePath = path

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output file %s: %w", path, err)
	}
	defer out.Close()

	meter := provider.NewMeter(total)
	sink.Update(provider.Progress{Filename: filename, Message: "Downloading"})

	buf := make([]byte, chunkSize)
	for {
		if job.CancelRequested() {
			return provider.ErrCanceled
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return fmt.Errorf("write output file %s: %w", path, err)
			}
			meter.Add(int64(n))
			if err := job.Guard.Observe(total, meter.Downloaded()); err != nil {
				return err
			}
			sink.Update(meter.Progress())
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if job.CancelRequested() {
				return provider.ErrCanceled
			}
			return fmt.Errorf("read from %s: %w", e.SourceURL, readErr)
		}
	}

	if err := out.Sync(); err != nil {
		return fmt.Errorf("flush output file %s: %w", path, err)
	}
	size := meter.Downloaded()
	percent := 100.0
	sink.Update(provider.Progress{Percent: &percent, Size: &size, Filename: filename})
	return nil
}

func (e *Executor) Cancel(job *provider.Job) {
	job.RequestCancel()
	e.mu.Lock()
	if e.abort != nil {
		e.abort()
	}
	e.mu.Unlock()
}

func (e *Executor) CleanupPartial(job *provider.Job) {
	if job.FilePath == "" {
		return
	}
	if err := os.Remove(job.FilePath); err != nil && !os.IsNotExist(err) {
		e.Logger.Warn("failed to remove partial file", "path", job.FilePath, "error", err)
	}
}

func parseContentLength(header http.Header) int64 {
	raw := header.Get("Content-Length")
	if raw == "" {
		return 0
	}
	size, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || size < 0 {
		return 0
	}
	return size
}
