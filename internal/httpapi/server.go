// Package httpapi exposes the orchestrator over HTTP: JSON endpoints for the
// queue operations plus a websocket feed of lifecycle events.
package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"dlhub/internal/config"
	"dlhub/internal/model"
	"dlhub/internal/notify"
	"dlhub/internal/provider/proxystream"
	"dlhub/internal/provider/remotefetch"
	"dlhub/internal/queue"
	"dlhub/internal/sizelimit"
)

const defaultUser = "default"

type Server struct {
	cfg      *config.Config
	registry *queue.Registry
	hub      *notify.Hub
	remote   *remotefetch.Client
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(cfg *config.Config, registry *queue.Registry, hub *notify.Hub, remote *remotefetch.Client, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		registry: registry,
		hub:      hub,
		remote:   remote,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/add", s.handleAdd)
		r.Post("/start", s.handleStart)
		r.Post("/cancel", s.handleCancel)
		r.Post("/clear", s.handleClear)
		r.Post("/rename", s.handleRename)
		r.Get("/queue", s.handleQueue)
		r.Post("/probe", s.handleProbe)
		r.Get("/remote/account", s.handleRemoteAccount)
		r.Post("/remote/clear", s.handleRemoteClear)
		r.Get("/ws", s.handleWS)
	})
	return r
}

type addRequest struct {
	Provider string `json:"provider"`
	queue.Request
}

type idsRequest struct {
	Provider string   `json:"provider"`
	IDs      []string `json:"ids"`
}

type renameRequest struct {
	Provider string `json:"provider"`
	ID       string `json:"id"`
	NewName  string `json:"new_name"`
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	q, err := s.queueFor(r, req.Provider)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeResult(w, q.Add(req.Request))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	q, err := s.queueFor(r, req.Provider)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeResult(w, q.Start(req.IDs))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	q, err := s.queueFor(r, req.Provider)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeResult(w, q.Cancel(req.IDs))
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	q, err := s.queueFor(r, req.Provider)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, q.Clear(req.IDs))
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	q, err := s.queueFor(r, req.Provider)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeResult(w, q.Rename(req.ID, req.NewName))
}

type queueSnapshot struct {
	Queue []*model.Record `json:"queue"`
	Done  []*model.Record `json:"done"`
}

// handleQueue lists live and done records, for one provider when requested or
// across all of them otherwise. History is newest-first.
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	user := userOf(r)
	providers := model.Providers()
	if raw := r.URL.Query().Get("provider"); raw != "" {
		p, err := model.ParseProvider(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		providers = []model.Provider{p}
	}

	snapshot := queueSnapshot{Queue: []*model.Record{}, Done: []*model.Record{}}
	for _, p := range providers {
		q, err := s.registry.ForUser(user, p)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		live, done := q.Snapshot()
		snapshot.Queue = append(snapshot.Queue, live...)
		snapshot.Done = append(snapshot.Done, done...)
	}
	writeJSON(w, http.StatusOK, snapshot)
}

type probeRequest struct {
	URL               string `json:"url"`
	SizeLimitOverride *int64 `json:"size_limit_override,omitempty"`
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	var req probeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("a url is required"))
		return
	}
	guard := sizelimit.Resolve(s.cfg, req.SizeLimitOverride)
	result, err := proxystream.Probe(r.Context(), nil, req.URL, guard.LimitBytes())
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "error", "msg": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRemoteAccount(w http.ResponseWriter, r *http.Request) {
	if s.remote == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("remote fetch service not configured"))
		return
	}
	account, err := s.remote.AccountInfo(r.Context())
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "error", "msg": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (s *Server) handleRemoteClear(w http.ResponseWriter, r *http.Request) {
	if s.remote == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("remote fetch service not configured"))
		return
	}
	removed, failures, err := remotefetch.ClearStorage(r.Context(), s.remote, s.logger)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "error", "msg": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"removed":  removed,
		"failures": failures,
	})
}

// handleWS upgrades the connection and keeps it subscribed to the hub until
// the client goes away. Inbound messages are discarded.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	s.hub.Subscribe(conn)
	defer s.hub.Unsubscribe(conn)

	conn.SetReadLimit(1024)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) queueFor(r *http.Request, rawProvider string) (*queue.Queue, error) {
	p, err := model.ParseProvider(rawProvider)
	if err != nil {
		return nil, err
	}
	return s.registry.ForUser(userOf(r), p)
}

func userOf(r *http.Request) string {
	if user := strings.TrimSpace(r.Header.Get("X-User")); user != "" {
		return user
	}
	return defaultUser
}

func decode(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeResult(w http.ResponseWriter, result queue.Result) {
	writeJSON(w, http.StatusOK, result)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"status": "error", "msg": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// HTTPServer wraps the router in a server bound to the configured address;
// the caller owns its lifecycle.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}
