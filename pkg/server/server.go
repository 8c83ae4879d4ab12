package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/stackkit/stackkit/pkg/telemetry"
)

const (
	stateFileName = "state.json"

	// maxDocumentSize bounds accepted state documents.
	maxDocumentSize = 8 << 20

	shutdownTimeout = 10 * time.Second
)

// Config wires a Server.
type Config struct {
	// Dir is the directory holding one subdirectory per deployment.
	Dir string

	ListenAddress string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration

	// Token, when set, is required as a bearer token on every request
	// except /healthz.
	Token string

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
}

// Server is the HTTP state service.
type Server struct {
	dir     string
	token   string
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	http    *http.Server
}

// New validates the config and builds a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("state server requires a storage directory")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create server storage dir: %w", err)
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 15 * time.Second
	}

	s := &Server{
		dir:     cfg.Dir,
		token:   cfg.Token,
		logger:  cfg.Logger.With().Str("component", "state-server").Logger(),
		metrics: cfg.Metrics,
	}
	s.http = &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

// Handler builds the route tree. Exposed separately so tests can drive it
// through httptest.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/deployments", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/", s.handleList)
		r.Route("/{id}/state", func(r chi.Router) {
			r.Post("/", s.handlePut)
			r.Put("/", s.handlePut)
			r.Get("/", s.handleGet)
			r.Delete("/", s.handleDelete)
		})
	})
	return r
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.http.Addr).Msg("state server listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("state server shutdown: %w", err)
	}
	s.logger.Info().Msg("state server stopped")
	return <-errCh
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != s.token {
				writeError(w, http.StatusUnauthorized, "invalid or missing token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list deployments")
		writeError(w, http.StatusInternalServerError, "failed to list deployments")
		return
	}
	idList := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.dir, entry.Name(), stateFileName)); err == nil {
			idList = append(idList, entry.Name())
		}
	}
	sort.Strings(idList)
	writeJSON(w, http.StatusOK, map[string][]string{"deployments": idList})
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	id, ok := s.deploymentID(w, r)
	if !ok {
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxDocumentSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(payload) == 0 {
		writeError(w, http.StatusBadRequest, "empty state document")
		return
	}
	if len(payload) > maxDocumentSize {
		writeError(w, http.StatusRequestEntityTooLarge, "state document too large")
		return
	}

	if err := s.write(id, payload); err != nil {
		s.logger.Error().Err(err).Str("deployment", id).Msg("failed to store state document")
		writeError(w, http.StatusInternalServerError, "failed to store state document")
		return
	}
	s.logger.Debug().Str("deployment", id).Int("bytes", len(payload)).Msg("state document stored")
	writeJSON(w, http.StatusOK, map[string]string{"status": "stored", "deployment_id": id})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.deploymentID(w, r)
	if !ok {
		return
	}
	data, err := os.ReadFile(filepath.Join(s.dir, id, stateFileName))
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "no state for deployment "+id)
			return
		}
		s.logger.Error().Err(err).Str("deployment", id).Msg("failed to read state document")
		writeError(w, http.StatusInternalServerError, "failed to read state document")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.deploymentID(w, r)
	if !ok {
		return
	}
	err := os.Remove(filepath.Join(s.dir, id, stateFileName))
	if err != nil && !os.IsNotExist(err) {
		s.logger.Error().Err(err).Str("deployment", id).Msg("failed to delete state document")
		writeError(w, http.StatusInternalServerError, "failed to delete state document")
		return
	}
	// Deleting an absent document succeeds; remote deletes are idempotent.
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "deployment_id": id})
}

// write stores the document with write-temp-then-rename so a crashed push
// never leaves a truncated file for the next pull.
func (s *Server) write(id string, payload []byte) error {
	dir := filepath.Join(s.dir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, filepath.Join(dir, stateFileName)); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func (s *Server) deploymentID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		writeError(w, http.StatusBadRequest, "invalid deployment id")
		return "", false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
