package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"kvrepl/internal/config"
	"kvrepl/pkg/slave"
)

const (
	contentTypeJSON        = "application/json"
	contentTypeText        = "text/plain; charset=utf-8"
	defaultAddr            = ":8080"
	defaultShutdownTimeout = time.Second * 5
)

type iStoreAPI interface {
	GetString(key string) (string, bool, error)
}

type iStatsSource interface {
	Stats() slave.Stats
}

// Server is the read-only HTTP surface of a slave: health, replication
// stats, metrics and local reads. Writes only come from the master.
type Server struct {
	stats      iStatsSource
	store      iStoreAPI
	metrics    http.Handler
	httpServer *http.Server
	URL        string
	addr       string

	readHeaderTimeout time.Duration
}

// NewServer creates a new server instance. metrics may be nil.
func NewServer(cfg config.ServerConfig, stats iStatsSource, store iStoreAPI, metrics http.Handler) *Server {
	addr := cfg.Addr
	if addr == "" {
		addr = defaultAddr
	}
	if metrics == nil {
		metrics = http.NotFoundHandler()
	}
	return &Server{
		stats:             stats,
		store:             store,
		metrics:           metrics,
		addr:              addr,
		readHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}
	s.URL = "http://" + l.Addr().String()

	go func() {
		if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Method(http.MethodGet, "/metrics", s.metrics)
	r.Get("/api/string", s.handleGet)

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

// handleStats answers JSON, or the plain text report with ?format=text.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st := s.stats.Stats()

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", contentTypeText)
		if _, err := w.Write([]byte(st.String())); err != nil {
			slog.Warn("Failed to write stats response", "error", err)
		}
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	value, found, err := s.store.GetString(key)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	if !found {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Key not found"))
		return
	}

	s.writeJSON(w, http.StatusOK, NewValueResponse(key, value))
}
