package model

import (
	"time"

	"github.com/google/uuid"
)

// Record describes one transfer across its whole lifecycle. StorageKey is the
// sole identity used by every partition lookup and never changes after
// creation; everything under "progress" mutates while the job runs.
type Record struct {
	StorageKey  string   `json:"storage_key"`
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	URL         string   `json:"url"`
	OriginalURL string   `json:"original_url,omitempty"`
	Provider    Provider `json:"provider"`
	Quality     string   `json:"quality,omitempty"`
	Format      string   `json:"format,omitempty"`
	Folder      string   `json:"folder,omitempty"`
	NamePrefix  string   `json:"custom_name_prefix,omitempty"`
	Owner       string   `json:"owner,omitempty"`

	Status string `json:"status"`

	// Progress fields, unknown until the executor reports them.
	Percent  *float64 `json:"percent,omitempty"`
	Speed    *float64 `json:"speed,omitempty"`
	ETA      *int     `json:"eta,omitempty"`
	Size     *int64   `json:"size,omitempty"`
	Filename string   `json:"filename,omitempty"`

	Msg           string `json:"msg,omitempty"`
	Error         string `json:"error,omitempty"`
	CookieWarning string `json:"cookie_warning,omitempty"`

	// Timestamp is nanoseconds since epoch, the ordering key for history
	// eviction and display sort.
	Timestamp int64 `json:"timestamp"`

	SizeLimitOverride *int64 `json:"size_limit_override,omitempty"`

	// Remote-fetch payload.
	RemoteTorrentID int64  `json:"remote_torrent_id,omitempty"`
	RemoteFolderID  int64  `json:"remote_folder_id,omitempty"`
	RemoteFileID    int64  `json:"remote_file_id,omitempty"`
	ArchivePath     string `json:"archive_path,omitempty"`
}

// NewRecord builds a pending record. The custom name prefix is folded into the
// id and title the same way it later prefixes the output template.
func NewRecord(provider Provider, owner, title, url, originalURL, quality, format, folder, namePrefix string) *Record {
	id := uuid.NewString()
	if namePrefix != "" {
		id = namePrefix + "." + id
		title = namePrefix + "." + title
	}
	if originalURL == "" {
		originalURL = url
	}
	return &Record{
		StorageKey:  string(provider) + ":" + id,
		ID:          id,
		Title:       title,
		URL:         url,
		OriginalURL: originalURL,
		Provider:    provider,
		Quality:     quality,
		Format:      format,
		Folder:      folder,
		NamePrefix:  namePrefix,
		Owner:       owner,
		Status:      StatusPending,
		Timestamp:   time.Now().UnixNano(),
	}
}

// SetProgress applies a progress report. Percent is kept monotonic while the
// record is active unless the executor resets it to unknown.
func (r *Record) SetProgress(percent *float64, speed *float64, eta *int) {
	if percent == nil {
		r.Percent = nil
	} else if r.Status != StatusActive || r.Percent == nil || *percent >= *r.Percent {
		v := *percent
		r.Percent = &v
	}
	r.Speed = speed
	r.ETA = eta
}

func (r *Record) Touch() {
	r.Timestamp = time.Now().UnixNano()
}
