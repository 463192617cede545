// dlhubd is the download orchestration server: it recovers interrupted jobs,
// serves the JSON API and websocket feed, and shuts down cleanly on SIGINT or
// SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"dlhub/internal/config"
	"dlhub/internal/httpapi"
	"dlhub/internal/model"
	"dlhub/internal/notify"
	"dlhub/internal/provider"
	"dlhub/internal/provider/localtool"
	"dlhub/internal/provider/proxystream"
	"dlhub/internal/provider/remotefetch"
	"dlhub/internal/provider/scraper"
	"dlhub/internal/queue"
	"dlhub/internal/store"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("dlhubd", flag.ContinueOnError)
	configPath := fs.String("config", "dlhub.json", "configuration file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := store.Mkdir(cfg.StateDir); err != nil {
		return err
	}
	lock, err := store.AcquireStateLock(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("another instance appears to be running: %w", err)
	}
	defer lock.Release()

	var remoteClient *remotefetch.Client
	if cfg.Remote.APIURL != "" {
		remoteClient = remotefetch.NewClient(cfg.Remote.APIURL, cfg.Remote.Token)
	}

	hub := notify.NewHub(logger)
	registry := queue.NewRegistry(func(user string, p model.Provider) (*queue.Queue, error) {
		stateDir := filepath.Join(cfg.StateDir, user, string(p))
		st, err := store.New(stateDir, cfg.HistoryCap())
		if err != nil {
			return nil, err
		}
		opts := queue.Options{
			Provider:      p,
			Owner:         user,
			DownloadDir:   cfg.DownloadDir,
			TempDir:       cfg.TempDir,
			CreateFolders: cfg.CreateFolders,
		}
		q := queue.New(opts, st, &cfg, hub, queue.ControllerFor(cfg.Concurrency),
			executorFactory(&cfg, remoteClient, logger), nil, logger.With("provider", p, "user", user))
		q.Resume()
		return q, nil
	})
	defer registry.Shutdown()

	// Warm the default scope so interrupted jobs restart at boot, not on the
	// first API call.
	for _, p := range model.Providers() {
		if _, err := registry.ForUser("default", p); err != nil {
			return err
		}
	}

	server := httpapi.New(&cfg, registry, hub, remoteClient, logger)
	httpServer := server.HTTPServer()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// executorFactory builds the per-job executor for each backend strategy.
func executorFactory(cfg *config.Config, remoteClient *remotefetch.Client, logger *slog.Logger) provider.Factory {
	return func(rec *model.Record) (provider.Executor, error) {
		switch rec.Provider {
		case model.ProviderLocalTool:
			return localtool.New(rec.URL, localtool.Options{
				Executable:     cfg.Tool.Path,
				OutputTemplate: cfg.Tool.OutputTemplate,
				Quality:        rec.Quality,
				Format:         rec.Format,
				CookiesPath:    cfg.Tool.CookiesPath,
				ProxyURL:       cfg.Tool.ProxyURL,
				ExtraArgs:      cfg.Tool.ExtraArgs,
			}, logger), nil
		case model.ProviderProxy:
			return proxystream.New(rec.URL, logger), nil
		case model.ProviderScraper:
			return scraper.New(rec.URL, scraper.Options{
				Executable:      cfg.Scraper.Path,
				CookiesPath:     cfg.Scraper.CookiesPath,
				ProxyURL:        cfg.Scraper.ProxyURL,
				WriteMetadata:   cfg.Scraper.WriteMetadata,
				DownloadArchive: cfg.Scraper.DownloadArchive,
				ExtraArgs:       cfg.Scraper.ExtraArgs,
			}, logger), nil
		case model.ProviderRemoteFetch:
			if remoteClient == nil {
				return nil, errors.New("remote fetch service not configured")
			}
			return remotefetch.New(rec.URL, remoteClient, logger), nil
		default:
			return nil, fmt.Errorf("unknown provider %q", rec.Provider)
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
