// Package scraper drives a subprocess content scraper: an optional dry run
// estimates the item count, the real run streams progress heuristics from
// stdout, and the private working directory is packaged into one zip archive
// on success.
package scraper

import (
	"archive/zip"
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"dlhub/internal/provider"
)

const estimateTimeout = 60 * time.Second

// printOnlyFlags make the scraper list instead of download; when the caller
// already requested one the dry-run estimate is skipped.
var printOnlyFlags = map[string]bool{
	"--dump-json": true, "-g": true, "--get-urls": true,
	"--simulate": true, "-s": true,
}

type Options struct {
	Executable      string // defaults to gallery-dl
	CookiesPath     string
	ProxyURL        string
	Retries         *int
	WriteMetadata   bool
	DownloadArchive string // per-host archive file, optional
	ExtraArgs       []string
}

type Executor struct {
	SourceURL string
	Opts      Options
	Logger    *slog.Logger

	mu   sync.Mutex
	proc *os.Process
}

func New(sourceURL string, opts Options, logger *slog.Logger) *Executor {
	if opts.Executable == "" {
		opts.Executable = "gallery-dl"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{SourceURL: sourceURL, Opts: opts, Logger: logger}
}

func (e *Executor) Prepare(ctx context.Context, job *provider.Job) error {
	if _, err := exec.LookPath(e.Opts.Executable); err != nil {
		return fmt.Errorf("missing dependency: %s is not installed or not on PATH", e.Opts.Executable)
	}
	workDir, err := os.MkdirTemp(job.TempDir, "scraper-")
	if err != nil {
		return fmt.Errorf("create working directory: %w", err)
	}
	job.FilePath = workDir
	return nil
}

func (e *Executor) Run(ctx context.Context, job *provider.Job, sink provider.Sink) error {
	workDir := job.FilePath
	defer e.removeWorkDir(workDir)

	track := newTracker(workDir)
	sink.Update(provider.Progress{Message: "Analyzing source"})

	if total := e.estimateItems(ctx, workDir); total > 0 {
		track.setExpected(total)
		zero := 0.0
		sink.Update(provider.Progress{Percent: &zero, Message: fmt.Sprintf("Found %d items", total)})
	}
	if job.CancelRequested() {
		return provider.ErrCanceled
	}

	sink.Update(provider.Progress{Message: "Starting scraper"})
	cmd := exec.Command(e.Opts.Executable, e.buildArgs(workDir)...)
	cmd.Dir = workDir
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("open stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", e.Opts.Executable, err)
	}
	e.mu.Lock()
	e.proc = cmd.Process
	e.mu.Unlock()

	var lastLine string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lastLine = line
		if job.CancelRequested() {
			e.kill()
			break
		}
		msg, percent := track.handle(line)
		if msg == "" {
			msg = line
		}
		sink.Update(provider.Progress{Percent: percent, Message: msg})
	}
	waitErr := cmd.Wait()

	e.mu.Lock()
	e.proc = nil
	e.mu.Unlock()

	if job.CancelRequested() {
		return provider.ErrCanceled
	}
	if waitErr != nil {
		if lastLine != "" {
			return fmt.Errorf("%s failed: %s", e.Opts.Executable, lastLine)
		}
		return fmt.Errorf("%s failed: %w", e.Opts.Executable, waitErr)
	}

	if size, err := dirSize(workDir); err == nil {
		if err := job.Guard.Observe(0, size); err != nil {
			return err
		}
	}

	sink.Update(provider.Progress{Message: "Packaging results"})
	archivePath, err := e.archiveResults(job, workDir)
	if err != nil {
		return fmt.Errorf("package results: %w", err)
	}

	job.FilePath = archivePath
	percent := 100.0
	progress := provider.Progress{Percent: &percent, Filename: filepath.Base(archivePath)}
	if info, err := os.Stat(archivePath); err == nil {
		size := info.Size()
		progress.Size = &size
	}
	sink.Update(progress)
	return nil
}

func (e *Executor) Cancel(job *provider.Job) {
	job.RequestCancel()
	e.kill()
}

// CleanupPartial removes whatever the job left behind: the working directory
// while scraping, or a partial archive afterwards.
func (e *Executor) CleanupPartial(job *provider.Job) {
	if job.FilePath == "" {
		return
	}
	if info, err := os.Stat(job.FilePath); err == nil {
		if info.IsDir() {
			e.removeWorkDir(job.FilePath)
			return
		}
		if err := os.Remove(job.FilePath); err != nil {
			e.Logger.Warn("failed to remove partial archive", "path", job.FilePath, "error", err)
		}
	}
}

// estimateItems performs a short print-only invocation to count items. Any
// failure or timeout leaves the estimate unknown; the run proceeds anyway.
func (e *Executor) estimateItems(ctx context.Context, workDir string) int {
	for _, arg := range e.Opts.ExtraArgs {
		lowered := strings.ToLower(arg)
		if printOnlyFlags[lowered] || strings.HasPrefix(lowered, "--print") {
			return 0
		}
	}

	estimateCtx, cancel := context.WithTimeout(ctx, estimateTimeout)
	defer cancel()
	args := e.buildArgs(workDir)
	args = args[:len(args)-1]
	args = append(args, "--print", "file:{num}", e.SourceURL)

	out, err := exec.CommandContext(estimateCtx, e.Opts.Executable, args...).Output()
	if err != nil {
		e.Logger.Debug("item estimate failed", "url", e.SourceURL, "error", err)
		return 0
	}

	count, highest := 0, 0
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		v, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		count++
		if v > highest {
			highest = v
		}
	}
	if highest > 0 {
		return highest
	}
	return count
}

func (e *Executor) buildArgs(workDir string) []string {
	args := []string{"--ignore-config", "--destination", workDir}
	if e.Opts.CookiesPath != "" {
		args = append(args, "--cookies", e.Opts.CookiesPath)
	}
	if e.Opts.ProxyURL != "" {
		args = append(args, "--proxy", e.Opts.ProxyURL)
	}
	if e.Opts.Retries != nil {
		args = append(args, "--retries", strconv.Itoa(*e.Opts.Retries))
	}
	if e.Opts.WriteMetadata {
		args = append(args, "--write-metadata")
	}
	if e.Opts.DownloadArchive != "" {
		args = append(args, "--download-archive", e.Opts.DownloadArchive)
	}
	args = append(args, e.Opts.ExtraArgs...)
	args = append(args, e.SourceURL)
	return args
}

// archiveResults zips the working directory into the job's output directory
// under a collision-free name.
func (e *Executor) archiveResults(job *provider.Job, workDir string) (string, error) {
	if err := os.MkdirAll(job.Dir, 0o755); err != nil {
		return "", err
	}
	base := provider.SanitizeFilename(job.Rec.Title)
	if base == "" {
		base = "scrape"
	}
	_, archivePath := provider.EnsureUniquePath(job.Dir, base+".zip")

	out, err := os.Create(archivePath)
	if err != nil {
		return "", err
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	err = filepath.Walk(workDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(workDir, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(w, src)
		return err
	})
	if err != nil {
		_ = zw.Close()
		_ = os.Remove(archivePath)
		return "", err
	}
	if err := zw.Close(); err != nil {
		_ = os.Remove(archivePath)
		return "", err
	}
	return archivePath, nil
}

func (e *Executor) removeWorkDir(workDir string) {
	if workDir == "" {
		return
	}
	if err := os.RemoveAll(workDir); err != nil {
		e.Logger.Debug("failed to remove working directory", "path", workDir, "error", err)
	}
}

func (e *Executor) kill() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.proc == nil {
		return
	}
	if err := e.proc.Kill(); err != nil {
		e.Logger.Debug("kill scraper process", "error", err)
	}
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(_ string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
