package remotefetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// APIError is a structured failure returned by the remote service.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
	}
	return e.Message
}

// ErrUnauthorized marks a rejected or expired account token. The executor
// fails the job immediately instead of retrying through the error streak.
var ErrUnauthorized = errors.New("remote service rejected the account token")

// Torrent is one in-flight remote fetch as reported by the listing endpoint.
type Torrent struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Hash     string `json:"hash"`
	Progress string `json:"progress"`
	Folder   string `json:"folder"`
	Size     int64  `json:"size"`
}

// File is a completed file inside a remote folder.
type File struct {
	ID       int64  `json:"folder_file_id"`
	FolderID int64  `json:"folder_id"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Hash     string `json:"hash"`
}

// Folder is a remote directory entry.
type Folder struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	FullName string `json:"fullname"`
	Size     int64  `json:"size"`
}

// Listing is the contents of the remote root or one folder.
type Listing struct {
	Torrents  []Torrent `json:"torrents"`
	Files     []File    `json:"files"`
	Folders   []Folder  `json:"folders"`
	SpaceUsed int64     `json:"space_used"`
	SpaceMax  int64     `json:"space_max"`
}

// AddResult is the response to a magnet/torrent submission.
type AddResult struct {
	Result        bool   `json:"result"`
	UserTorrentID int64  `json:"user_torrent_id"`
	Title         string `json:"title"`
	TorrentHash   string `json:"torrent_hash"`
	FolderID      int64  `json:"folder_id"`
}

// ArchiveResult is the response to a folder-archive request. ArchiveURL is
// empty until the remote side has finished building the archive.
type ArchiveResult struct {
	Result     bool   `json:"result"`
	ArchiveURL string `json:"archive_url"`
}

// FetchResult is the response to a single-file link request.
type FetchResult struct {
	Result bool   `json:"result"`
	URL    string `json:"url"`
	Name   string `json:"name"`
}

// Account is the remote account snapshot exposed through the API.
type Account struct {
	Username      string `json:"username"`
	SpaceUsed     int64  `json:"space_used"`
	SpaceMax      int64  `json:"space_max"`
	BandwidthUsed int64  `json:"bandwidth_used"`
	Premium       bool   `json:"premium"`
}

// Client is a minimal typed client for the remote fetch service's REST API.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// StreamClient returns the client used for payload downloads: no overall
// timeout, redirects followed.
func (c *Client) StreamClient() *http.Client {
	return &http.Client{}
}

func (c *Client) AddMagnet(ctx context.Context, magnet string) (*AddResult, error) {
	var out AddResult
	err := c.call(ctx, http.MethodPost, "/torrents/magnet", url.Values{"magnet": {magnet}}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// AddTorrentFile submits raw .torrent bytes.
func (c *Client) AddTorrentFile(ctx context.Context, data []byte) (*AddResult, error) {
	var out AddResult
	err := c.call(ctx, http.MethodPost, "/torrents/file", url.Values{"torrent": {string(data)}}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListContents returns the root listing, or one folder's listing when
// folderID is non-zero.
func (c *Client) ListContents(ctx context.Context, folderID int64) (*Listing, error) {
	endpoint := "/folder"
	if folderID != 0 {
		endpoint = "/folder/" + strconv.FormatInt(folderID, 10)
	}
	var out Listing
	if err := c.call(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateArchive(ctx context.Context, folderID int64) (*ArchiveResult, error) {
	var out ArchiveResult
	err := c.call(ctx, http.MethodPost, "/folder/"+strconv.FormatInt(folderID, 10)+"/archive", nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) FetchFile(ctx context.Context, fileID int64) (*FetchResult, error) {
	var out FetchResult
	err := c.call(ctx, http.MethodPost, "/file/"+strconv.FormatInt(fileID, 10)+"/link", nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteTorrent(ctx context.Context, id int64) error {
	return c.call(ctx, http.MethodDelete, "/torrents/"+strconv.FormatInt(id, 10), nil, nil)
}

func (c *Client) DeleteFile(ctx context.Context, id int64) error {
	return c.call(ctx, http.MethodDelete, "/file/"+strconv.FormatInt(id, 10), nil, nil)
}

func (c *Client) DeleteFolder(ctx context.Context, id int64) error {
	return c.call(ctx, http.MethodDelete, "/folder/"+strconv.FormatInt(id, 10), nil, nil)
}

func (c *Client) AccountInfo(ctx context.Context) (*Account, error) {
	var out Account
	if err := c.call(ctx, http.MethodGet, "/account", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) call(ctx context.Context, method, endpoint string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+endpoint, body)
	if err != nil {
		return err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return ErrUnauthorized
	}
	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

// decodeAPIError digs a human-readable message out of an error payload,
// falling back to quota hints when the service returns only an opaque body.
func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var payload map[string]any
	message := ""
	code := 0
	if json.Unmarshal(raw, &payload) == nil {
		for _, key := range []string{"error_description", "error", "message", "detail", "reason"} {
			if v, ok := payload[key].(string); ok && strings.TrimSpace(v) != "" {
				message = strings.TrimSpace(v)
				break
			}
		}
		if v, ok := payload["code"].(float64); ok {
			code = int(v)
		}
	}
	if code == 0 {
		code = resp.StatusCode
	}
	if message == "" {
		search := strings.ToLower(string(raw))
		switch {
		case strings.Contains(search, "space") || strings.Contains(search, "storage") ||
			strings.Contains(search, "quota") || strings.Contains(search, "full"):
			message = "Remote storage quota exceeded. Free up space before retrying."
		case strings.Contains(search, "bandwidth"):
			message = "Remote bandwidth quota exceeded. Please wait for the quota to reset."
		default:
			message = "Remote service request failed."
		}
	}
	return &APIError{Code: code, Message: message}
}

// ProgressPercent interprets the free-form progress string the listing
// reports ("42", "42%", "Done", "Seeding"). Returns nil when unparsable.
func ProgressPercent(progress string) *float64 {
	text := strings.TrimSpace(progress)
	if text == "" {
		return nil
	}
	lowered := strings.ToLower(text)
	for _, token := range []string{"done", "finished", "seeding", "complete"} {
		if strings.Contains(lowered, token) {
			v := 100.0
			return &v
		}
	}
	text = strings.TrimSuffix(text, "%")
	v, err := strconv.ParseFloat(text, 64)
	if err != nil || v < 0 || v > 1000 {
		return nil
	}
	return &v
}

// MagnetHash extracts the uppercased info hash from a magnet link, used to
// match a listing entry when the remote-assigned id is not yet known.
func MagnetHash(magnet string) string {
	parsed, err := url.Parse(magnet)
	if err != nil || parsed.Scheme != "magnet" {
		return ""
	}
	for _, xt := range parsed.Query()["xt"] {
		const prefix = "urn:btih:"
		if strings.HasPrefix(strings.ToLower(xt), prefix) {
			return strings.ToUpper(xt[len(prefix):])
		}
	}
	return ""
}
