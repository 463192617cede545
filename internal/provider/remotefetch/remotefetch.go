// Package remotefetch drives the multi-phase remote lifecycle: submit a
// magnet to the remote fetch service, poll the listing until the remote side
// has the content, then stream either a direct file link or a remotely built
// folder archive, and finally free the remote storage again.
package remotefetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"dlhub/internal/provider"
)

const (
	defaultPollInterval  = 10 * time.Second
	archiveMaxAttempts   = 6
	archiveRetryInterval = 5 * time.Second

	// The remote service aborts fetches after 3 hours on free accounts; the
	// stall ceiling cuts jobs loose well before that when nothing moves.
	defaultFetchCeiling = 3 * time.Hour
	defaultStallCeiling = 90 * time.Minute

	// Roughly five minutes of intermittent listing failures before giving up.
	maxStatusErrors = 30

	chunkSize = 256 * 1024
)

type Executor struct {
	Magnet string
	Client *Client
	Logger *slog.Logger

	// Poller timings, defaulted in New.
	PollInterval time.Duration
	FetchCeiling time.Duration
	StallCeiling time.Duration

	mu    sync.Mutex
	abort context.CancelFunc
}

func New(magnet string, client *Client, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		Magnet:       magnet,
		Client:       client,
		Logger:       logger,
		PollInterval: defaultPollInterval,
		FetchCeiling: defaultFetchCeiling,
		StallCeiling: defaultStallCeiling,
	}
}

func (e *Executor) Prepare(ctx context.Context, job *provider.Job) error {
	if e.Client == nil || e.Client.Token == "" {
		return errors.New("remote account not connected")
	}
	return nil
}

func (e *Executor) Run(ctx context.Context, job *provider.Job, sink provider.Sink) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.abort = cancel
	e.mu.Unlock()

	if job.CancelRequested() {
		return provider.ErrCanceled
	}

	sink.Update(provider.Progress{Message: "Submitting torrent to remote service"})
	added, err := e.Client.AddMagnet(runCtx, e.Magnet)
	if err != nil {
		if job.CancelRequested() {
			return provider.ErrCanceled
		}
		return fmt.Errorf("add torrent: %w", err)
	}
	if !added.Result || added.UserTorrentID == 0 {
		return errors.New("the remote service could not add this torrent")
	}
	job.RemoteTorrentID = added.UserTorrentID
	if added.FolderID != 0 {
		job.RemoteFolderID = added.FolderID
	}

	// Remote storage is freed on every exit path; cleanup failures are
	// logged and never mask the job's real outcome.
	defer e.cleanupRemote(job)

	expectedName := added.Title
	if expectedName == "" {
		expectedName = job.Rec.Title
	}
	hash := added.TorrentHash
	if hash == "" {
		hash = MagnetHash(e.Magnet)
	}

	sink.Update(provider.Progress{Message: "Waiting for remote service to fetch torrent"})
	torrent, listing, err := e.awaitFetch(runCtx, job, sink, hash, expectedName)
	if err != nil {
		return err
	}

	folderName := expectedName
	if torrent != nil {
		if torrent.Folder != "" {
			folderName = torrent.Folder
		} else if torrent.Name != "" {
			folderName = torrent.Name
		}
	}

	if file := matchFile(listing.Files, hash, expectedName); file != nil {
		return e.downloadFile(runCtx, job, sink, file)
	}

	folder := matchFolder(listing.Folders, folderName)
	if folder == nil {
		return errors.New("unable to locate the remote folder for a completed torrent")
	}
	job.RemoteFolderID = folder.ID

	folderListing, err := e.Client.ListContents(runCtx, folder.ID)
	if err != nil {
		if job.CancelRequested() {
			return provider.ErrCanceled
		}
		return fmt.Errorf("list remote folder: %w", err)
	}
	if len(folderListing.Folders) == 0 && len(folderListing.Files) == 1 {
		return e.downloadFile(runCtx, job, sink, &folderListing.Files[0])
	}
	return e.downloadArchive(runCtx, job, sink, folder, folderName)
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

// awaitFetch polls the remote listing until the matched torrent reports 100%
// or disappears into a completed folder. Three independent deadlines run per
// tick: the hard fetch ceiling, the no-progress stall ceiling, and the
// transient-error streak.
func (e *Executor) awaitFetch(ctx context.Context, job *provider.Job, sink provider.Sink, hash, expectedName string) (*Torrent, *Listing, error) {
	fetchStarted := time.Now()
	lastProgressAt := fetchStarted
	var lastPercent *float64
	errorStreak := 0

	for {
		if job.CancelRequested() {
			return nil, nil, provider.ErrCanceled
		}
		now := time.Now()
		if now.Sub(fetchStarted) > e.FetchCeiling {
			return nil, nil, fmt.Errorf("the remote service did not finish fetching this torrent within the %v time limit", e.FetchCeiling)
		}
		if lastPercent != nil && now.Sub(lastProgressAt) > e.StallCeiling {
			return nil, nil, errors.New("the remote service has not reported any download progress for an extended period; the job was canceled to avoid stalling the queue")
		}

		listing, err := e.Client.ListContents(ctx, 0)
		if err != nil {
			if job.CancelRequested() {
				return nil, nil, provider.ErrCanceled
			}
			if errors.Is(err, ErrUnauthorized) {
				return nil, nil, fmt.Errorf("remote authentication failed: %w", err)
			}
			errorStreak++
			if errorStreak >= maxStatusErrors {
				return nil, nil, fmt.Errorf("remote status checks failed repeatedly: %w", err)
			}
			e.Logger.Debug("remote listing failed", "streak", errorStreak, "error", err)
			if err := sleep(ctx, e.PollInterval); err != nil {
				return nil, nil, e.sleepOutcome(job, err)
			}
			continue
		}
		errorStreak = 0

		torrent := matchTorrent(listing.Torrents, job.RemoteTorrentID, hash)
		if torrent == nil {
			// The entry vanishes from the listing once the remote side has
			// finished; the content shows up as a folder or file instead.
			if matchFolder(listing.Folders, expectedName) != nil || matchFile(listing.Files, hash, expectedName) != nil {
				sink.Update(provider.Progress{Message: "Remote service finished fetching torrent"})
				return nil, listing, nil
			}
			if err := sleep(ctx, e.PollInterval); err != nil {
				return nil, nil, e.sleepOutcome(job, err)
			}
			continue
		}

		percent := ProgressPercent(torrent.Progress)
		if percent != nil && (lastPercent == nil || *percent > *lastPercent) {
			lastPercent = percent
			lastProgressAt = time.Now()
		}
		message := "Remote service downloading"
		if torrent.Progress != "" {
			message = "Remote progress: " + torrent.Progress
		}
		sink.Update(provider.Progress{Percent: percent, Message: message})

		if percent != nil && *percent >= 100 {
			sink.Update(provider.Progress{Message: "Remote service finished fetching torrent"})
			return torrent, listing, nil
		}
		if err := sleep(ctx, e.PollInterval); err != nil {
			return nil, nil, e.sleepOutcome(job, err)
		}
	}
}

func (e *Executor) downloadFile(ctx context.Context, job *provider.Job, sink provider.Sink, file *File) error {
	if file.FolderID > 0 {
		job.RemoteFolderID = file.FolderID
	}
	job.RemoteFileID = file.ID

	sink.Update(provider.Progress{Message: "Requesting remote download link"})
	fetch, err := e.Client.FetchFile(ctx, file.ID)
	if err != nil {
		if job.CancelRequested() {
			return provider.ErrCanceled
		}
		return fmt.Errorf("fetch remote file link: %w", err)
	}
	if !fetch.Result || fetch.URL == "" {
		return errors.New("the remote service did not return a download link for the file")
	}

	name := fetch.Name
	if name == "" {
		name = file.Name
	}
	if name == "" {
		name = job.Rec.Title
	}
	return e.stream(ctx, job, sink, fetch.URL, provider.SanitizeFilename(name), file.Size, "Downloading from remote service")
}

// downloadArchive asks the remote side to build a folder archive, retrying
// readiness a bounded number of times, then streams the result as a zip.
func (e *Executor) downloadArchive(ctx context.Context, job *provider.Job, sink provider.Sink, folder *Folder, folderName string) error {
	sink.Update(provider.Progress{Message: "Preparing remote archive"})

	var archive *ArchiveResult
	for attempt := 1; attempt <= archiveMaxAttempts; attempt++ {
		result, err := e.Client.CreateArchive(ctx, folder.ID)
		if err == nil && result.Result && result.ArchiveURL != "" {
			archive = result
			break
		}
		if job.CancelRequested() {
			return provider.ErrCanceled
		}
		if err != nil {
			e.Logger.Warn("remote archive request failed", "folder", folder.ID, "attempt", attempt, "error", err)
		}
		if err := sleep(ctx, archiveRetryInterval); err != nil {
			return e.sleepOutcome(job, err)
		}
	}
	if archive == nil {
		return errors.New("the remote archive is not ready yet; please try again later")
	}

	name := folder.FullName
	if name == "" {
		name = folderName
	}
	name = provider.SanitizeFilename(name)
	if !strings.HasSuffix(strings.ToLower(name), ".zip") {
		name += ".zip"
	}
	return e.stream(ctx, job, sink, archive.ArchiveURL, name, 0, "Downloading archive from remote service")
}

// stream performs the HTTP payload transfer shared by the direct-file and
// archive paths: fixed-size chunks, cancel checked per chunk, size guard
// observing total and downloaded bytes.
func (e *Executor) stream(ctx context.Context, job *provider.Job, sink provider.Sink, rawURL, filename string, knownSize int64, message string) error {
	if err := os.MkdirAll(job.Dir, 0o755); err != nil {
		return fmt.Errorf("create download directory: %w", err)
	}
	finalName, path := provider.EnsureUniquePath(job.Dir, filename)
	job.FilePath = path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := e.Client.StreamClient().Do(req)
	if err != nil {
		if job.CancelRequested() {
			return provider.ErrCanceled
		}
		return fmt.Errorf("remote transfer: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("remote transfer failed with status %s", resp.Status)
	}

	total := resp.ContentLength
	if total <= 0 {
		total = knownSize
	}
	if err := job.Guard.Observe(total, 0); err != nil {
		return err
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer out.Close()

	sink.Update(provider.Progress{Message: message, Filename: finalName})
	meter := provider.NewMeter(total)
	buf := make([]byte, chunkSize)
	for {
		if job.CancelRequested() {
			return provider.ErrCanceled
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return fmt.Errorf("write output file: %w", err)
			}
			meter.Add(int64(n))
			if err := job.Guard.Observe(total, meter.Downloaded()); err != nil {
				return err
			}
			p := meter.Progress()
			p.Message = message
			sink.Update(p)
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			if job.CancelRequested() {
				return provider.ErrCanceled
			}
			return fmt.Errorf("remote transfer: %w", readErr)
		}
	}
	if err := out.Sync(); err != nil {
		return fmt.Errorf("flush output file: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	size := info.Size()
	percent := 100.0
	sink.Update(provider.Progress{Percent: &percent, Size: &size, Filename: finalName, Message: "Remote transfer complete"})
	return nil
}

// cleanupRemote deletes the remote torrent, file, and folder best effort.
func (e *Executor) cleanupRemote(job *provider.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if job.RemoteTorrentID != 0 {
		if err := e.Client.DeleteTorrent(ctx, job.RemoteTorrentID); err != nil {
			e.Logger.Debug("remote torrent cleanup failed", "id", job.RemoteTorrentID, "error", err)
		}
	}
	if job.RemoteFileID != 0 {
		if err := e.Client.DeleteFile(ctx, job.RemoteFileID); err != nil {
			e.Logger.Debug("remote file cleanup failed", "id", job.RemoteFileID, "error", err)
		}
	}
	if job.RemoteFolderID > 0 {
		if err := e.Client.DeleteFolder(ctx, job.RemoteFolderID); err != nil {
			e.Logger.Debug("remote folder cleanup failed", "id", job.RemoteFolderID, "error", err)
		}
	}
}

func (e *Executor) sleepOutcome(job *provider.Job, err error) error {
	if job.CancelRequested() {
		return provider.ErrCanceled
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func matchTorrent(torrents []Torrent, id int64, hash string) *Torrent {
	for i := range torrents {
		if id != 0 && torrents[i].ID == id {
			return &torrents[i]
		}
		if hash != "" && strings.EqualFold(torrents[i].Hash, hash) {
			return &torrents[i]
		}
	}
	return nil
}

func matchFile(files []File, hash, name string) *File {
	for i := range files {
		if hash != "" && strings.EqualFold(files[i].Hash, hash) {
			return &files[i]
		}
		if name != "" && strings.EqualFold(files[i].Name, name) {
			return &files[i]
		}
	}
	return nil
}

func matchFolder(folders []Folder, name string) *Folder {
	if name == "" {
		return nil
	}
	normalized := strings.ToLower(strings.TrimSpace(name))
	for i := range folders {
		if strings.ToLower(strings.TrimSpace(folders[i].Name)) == normalized ||
			strings.ToLower(strings.TrimSpace(folders[i].FullName)) == normalized {
			return &folders[i]
		}
	}
	return nil
}

// ClearStorage deletes every torrent, file, and root folder on the remote
// account, returning counts of what was removed and any failures.
func ClearStorage(ctx context.Context, client *Client, logger *slog.Logger) (removed int, failures []string, err error) {
	listing, err := client.ListContents(ctx, 0)
	if err != nil {
		return 0, nil, err
	}
	for _, torrent := range listing.Torrents {
		if err := client.DeleteTorrent(ctx, torrent.ID); err != nil {
			failures = append(failures, fmt.Sprintf("torrent %d: %v", torrent.ID, err))
			continue
		}
		removed++
	}
	for _, file := range listing.Files {
		if err := client.DeleteFile(ctx, file.ID); err != nil {
			failures = append(failures, fmt.Sprintf("file %d: %v", file.ID, err))
			continue
		}
		removed++
	}
	for _, folder := range listing.Folders {
		if err := client.DeleteFolder(ctx, folder.ID); err != nil {
			failures = append(failures, fmt.Sprintf("folder %d: %v", folder.ID, err))
			continue
		}
		removed++
	}
	if logger != nil && len(failures) > 0 {
		logger.Warn("remote storage clear incomplete", "removed", removed, "failures", len(failures))
	}
	return removed, failures, nil
}
