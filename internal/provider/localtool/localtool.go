// Package localtool runs the download tool as a separate OS process and
// bridges its line-oriented progress output back into the owning job task
// through a channel read off the main loop.
package localtool

import (
	"bufio"
	"context"
	"fmt"
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

// Options configures the spawned tool for one job.
type Options struct {
	Executable     string // defaults to yt-dlp
	OutputTemplate string // defaults to %(title)s.%(ext)s
	Quality        string
	Format         string
	CookiesPath    string
	ProxyURL       string
	ExtraArgs      []string
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
		opts.Executable = "yt-dlp"
	}
	if opts.OutputTemplate == "" {
		opts.OutputTemplate = "%(title)s.%(ext)s"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{SourceURL: sourceURL, Opts: opts, Logger: logger}
}

// Prepare estimates the transfer size with a metadata-only invocation and
// runs the pre-flight check. Estimation failures are advisory: the tool may
// not know the size up front, and the mid-flight check still applies.
func (e *Executor) Prepare(ctx context.Context, job *provider.Job) error {
	if _, err := exec.LookPath(e.Opts.Executable); err != nil {
		return fmt.Errorf("missing dependency: %s is not installed or not on PATH", e.Opts.Executable)
	}
	if !job.Guard.Enabled() {
		return nil
	}

	estimateCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	args := []string{"--skip-download", "--no-warnings", "--print", "%(filesize,filesize_approx|0)s"}
	args = append(args, e.commonArgs()...)
	args = append(args, e.SourceURL)
	out, err := exec.CommandContext(estimateCtx, e.Opts.Executable, args...).Output()
	if err != nil {
		e.Logger.Debug("size estimate failed, deferring to mid-flight check", "url", e.SourceURL, "error", err)
		return nil
	}

	var total int64
	for _, line := range strings.Split(string(out), "\n") {
		v, err := strconv.ParseInt(strings.TrimSpace(line), 10, 64)
		if err != nil || v <= 0 {
			continue
		}
		total += v
	}
	return job.Guard.CheckEstimate(total)
}

func (e *Executor) Run(ctx context.Context, job *provider.Job, sink provider.Sink) error {
	args := e.buildArgs(job)
	cmd := exec.Command(e.Opts.Executable, args...)
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

	// Blocking pipe reads run in their own goroutine; the job task consumes
	// parsed updates from the channel so a stalled tool never wedges it.
	updates := make(chan lineUpdate, 64)
	go func() {
		defer close(updates)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			updates <- parseLine(scanner.Text())
		}
	}()

	var (
		total     int64
		lastLine  string
		destPath  string
		limitErr  error
		killedFor string
	)

consume:
	for {
		select {
		case <-ctx.Done():
			e.kill()
			killedFor = "context"
			break consume
		case update, ok := <-updates:
			if !ok {
				break consume
			}
			if job.CancelRequested() {
				e.kill()
				killedFor = "cancel"
				break consume
			}
			if update.message != "" {
				lastLine = update.message
			}
			if update.cookieWarning != "" {
				sink.Update(provider.Progress{CookieWarning: update.cookieWarning})
				continue
			}
			if update.destination != "" {
				destPath = e.resolveDest(job, update.destination)
				job.FilePath = destPath
				sink.Update(provider.Progress{Filename: filepath.Base(destPath)})
			}
			if update.totalBytes > 0 {
				total = update.totalBytes
			}

			downloaded := int64(0)
			if update.percent != nil && total > 0 {
				downloaded = int64(*update.percent / 100 * float64(total))
			}
			if err := job.Guard.Observe(total, downloaded); err != nil {
				limitErr = err
				e.kill()
				killedFor = "size limit"
				break consume
			}
			if update.percent != nil || update.speed != nil || update.etaSec != nil {
				sink.Update(provider.Progress{
					Percent: update.percent,
					Speed:   update.speed,
					ETA:     update.etaSec,
					Message: update.message,
				})
			}
		}
	}

	// Drain so the reader goroutine can finish even after a kill.
	for range updates {
	}
	waitErr := cmd.Wait()

	e.mu.Lock()
	e.proc = nil
	e.mu.Unlock()

	switch {
	case limitErr != nil:
		return limitErr
	case job.CancelRequested():
		return provider.ErrCanceled
	case killedFor == "context":
		return ctx.Err()
	case waitErr != nil:
		if lastLine != "" {
			return fmt.Errorf("%s failed: %s", e.Opts.Executable, lastLine)
		}
		return fmt.Errorf("%s failed: %w", e.Opts.Executable, waitErr)
	}

	if destPath != "" {
		if info, err := os.Stat(destPath); err == nil {
			size := info.Size()
			percent := 100.0
			sink.Update(provider.Progress{Percent: &percent, Size: &size, Filename: filepath.Base(destPath)})
		}
	}
	return nil
}

func (e *Executor) Cancel(job *provider.Job) {
	job.RequestCancel()
	e.kill()
}

func (e *Executor) CleanupPartial(job *provider.Job) {
	if job.FilePath == "" {
		return
	}
	for _, path := range []string{job.FilePath, job.FilePath + ".part"} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			e.Logger.Warn("failed to remove partial file", "path", path, "error", err)
		}
	}
}

func (e *Executor) kill() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.proc == nil {
		return
	}
	if err := e.proc.Kill(); err != nil {
		e.Logger.Debug("kill tool process", "error", err)
	}
}

func (e *Executor) buildArgs(job *provider.Job) []string {
	args := []string{
		"--newline",
		"--no-colors",
		"--no-playlist",
		"--paths", "home:" + job.Dir,
	}
	if job.TempDir != "" {
		args = append(args, "--paths", "temp:"+job.TempDir)
	}
	args = append(args, "--output", e.Opts.OutputTemplate)
	args = append(args, e.commonArgs()...)
	args = append(args, e.Opts.ExtraArgs...)
	args = append(args, e.SourceURL)
	return args
}

func (e *Executor) commonArgs() []string {
	args := []string{}
	if selector := formatSelector(e.Opts.Format, e.Opts.Quality); selector != "" {
		args = append(args, "--format", selector)
	}
	if e.Opts.CookiesPath != "" {
		args = append(args, "--cookies", e.Opts.CookiesPath)
	}
	if e.Opts.ProxyURL != "" {
		args = append(args, "--proxy", e.Opts.ProxyURL)
	}
	return args
}

// audioFormats are containers that imply an audio-only download.
var audioFormats = map[string]bool{
	"m4a": true, "mp3": true, "opus": true, "flac": true, "wav": true,
}

// formatSelector folds the requested container and quality into one format
// expression for the tool. "custom:" formats pass through verbatim; numeric
// qualities become a height cap on both video and fallback selectors. Empty
// on both sides means the tool's own default.
func formatSelector(format, quality string) string {
	format = strings.ToLower(strings.TrimSpace(format))
	quality = strings.ToLower(strings.TrimSpace(quality))
	if format == "" && quality == "" {
		return ""
	}
	if expr, ok := strings.CutPrefix(format, "custom:"); ok {
		return expr
	}
	if audioFormats[format] || quality == "audio" {
		return "bestaudio/best"
	}

	res := ""
	switch quality {
	case "", "best", "any":
	case "worst":
		return "worst"
	default:
		res = "[height<=" + quality + "]"
	}
	codec := ""
	if format == "mp4" {
		codec = "[vcodec~='^((he|a)vc|h26[45])']"
	}
	return "bestvideo" + res + codec + "+bestaudio/best" + res
}

func (e *Executor) resolveDest(job *provider.Job, reported string) string {
	if filepath.IsAbs(reported) {
		return reported
	}
	return filepath.Join(job.Dir, reported)
}
