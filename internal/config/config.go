// Package config loads the server configuration from a JSON file with
// environment overrides. Missing files yield the defaults so a bare binary
// starts without any setup.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	DefaultListenAddr  = ":8081"
	DefaultDownloadDir = "./downloads"
	DefaultStateDir    = "./state"
	DefaultMaxHistory  = 200
)

// ToolConfig configures the local download tool backend.
type ToolConfig struct {
	Path           string   `json:"path,omitempty"`
	OutputTemplate string   `json:"output_template,omitempty"`
	CookiesPath    string   `json:"cookies_path,omitempty"`
	ProxyURL       string   `json:"proxy_url,omitempty"`
	ExtraArgs      []string `json:"extra_args,omitempty"`
}

// ScraperConfig configures the scraper subprocess backend.
type ScraperConfig struct {
	Path            string   `json:"path,omitempty"`
	CookiesPath     string   `json:"cookies_path,omitempty"`
	ProxyURL        string   `json:"proxy_url,omitempty"`
	DownloadArchive string   `json:"download_archive,omitempty"`
	WriteMetadata   bool     `json:"write_metadata,omitempty"`
	ExtraArgs       []string `json:"extra_args,omitempty"`
}

// RemoteConfig points at the remote fetch service.
type RemoteConfig struct {
	APIURL string `json:"api_url,omitempty"`
	Token  string `json:"token,omitempty"`
}

type Config struct {
	ListenAddr  string `json:"listen_addr,omitempty"`
	DownloadDir string `json:"download_dir,omitempty"`
	TempDir     string `json:"temp_dir,omitempty"`
	StateDir    string `json:"state_dir,omitempty"`

	// CreateFolders lets add requests create subfolders on demand instead
	// of rejecting unknown ones.
	CreateFolders bool `json:"create_folders,omitempty"`

	// Concurrency per queue: 0 unbounded, 1 sequential, N>1 semaphore.
	Concurrency int `json:"concurrency,omitempty"`

	// MaxHistory bounds the done partition: nil defaults to 200, zero
	// clears history on every completion, negative disables eviction.
	MaxHistory *int `json:"max_history,omitempty"`

	// SizeLimitMB caps any single download; 0 disables the limit.
	SizeLimitMB int64 `json:"size_limit_mb,omitempty"`

	LogLevel string `json:"log_level,omitempty"`

	Tool    ToolConfig    `json:"tool,omitempty"`
	Scraper ScraperConfig `json:"scraper,omitempty"`
	Remote  RemoteConfig  `json:"remote,omitempty"`
}

func Default() Config {
	history := DefaultMaxHistory
	return Config{
		ListenAddr:  DefaultListenAddr,
		DownloadDir: DefaultDownloadDir,
		StateDir:    DefaultStateDir,
		MaxHistory:  &history,
	}
}

// Load reads path, falling back to defaults when the file does not exist,
// then applies DLHUB_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults apply.
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	applyEnv(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	setString("DLHUB_LISTEN_ADDR", &cfg.ListenAddr)
	setString("DLHUB_DOWNLOAD_DIR", &cfg.DownloadDir)
	setString("DLHUB_TEMP_DIR", &cfg.TempDir)
	setString("DLHUB_STATE_DIR", &cfg.StateDir)
	setString("DLHUB_LOG_LEVEL", &cfg.LogLevel)
	setString("DLHUB_TOOL_PATH", &cfg.Tool.Path)
	setString("DLHUB_SCRAPER_PATH", &cfg.Scraper.Path)
	setString("DLHUB_REMOTE_API_URL", &cfg.Remote.APIURL)
	setString("DLHUB_REMOTE_TOKEN", &cfg.Remote.Token)

	if v, ok := os.LookupEnv("DLHUB_CONCURRENCY"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Concurrency = n
		}
	}
	if v, ok := os.LookupEnv("DLHUB_MAX_HISTORY"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxHistory = &n
		}
	}
	if v, ok := os.LookupEnv("DLHUB_SIZE_LIMIT_MB"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.SizeLimitMB = n
		}
	}
	if v, ok := os.LookupEnv("DLHUB_CREATE_FOLDERS"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.CreateFolders = b
		}
	}
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if strings.TrimSpace(cfg.DownloadDir) == "" {
		cfg.DownloadDir = DefaultDownloadDir
	}
	if strings.TrimSpace(cfg.StateDir) == "" {
		cfg.StateDir = DefaultStateDir
	}
	if cfg.MaxHistory == nil {
		history := DefaultMaxHistory
		cfg.MaxHistory = &history
	}
	if cfg.SizeLimitMB < 0 {
		cfg.SizeLimitMB = 0
	}
	if cfg.Concurrency < 0 {
		cfg.Concurrency = 0
	}
}

// SizeLimitBytes satisfies the size-limit source contract; re-read at every
// job start.
func (c *Config) SizeLimitBytes() int64 {
	return c.SizeLimitMB * 1024 * 1024
}

// HistoryCap returns the effective done-partition cap.
func (c *Config) HistoryCap() int {
	if c.MaxHistory == nil {
		return DefaultMaxHistory
	}
	return *c.MaxHistory
}
