// Package server exposes the run lifecycle over a local JSON HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/shawl-hpc/shawl/internal/backup"
	"github.com/shawl-hpc/shawl/internal/constants"
	"github.com/shawl-hpc/shawl/internal/lifecycle"
	"github.com/shawl-hpc/shawl/internal/logging"
	"github.com/shawl-hpc/shawl/internal/reconcile"
	"github.com/shawl-hpc/shawl/internal/remote"
	"github.com/shawl-hpc/shawl/internal/state"
)

// Connector is the shared remote session with settable credentials.
type Connector interface {
	remote.Session
	SetCredentials(host, username, password string)
}

// BackupFunc picks the backup target for the current configuration.
type BackupFunc func(ctx context.Context) (backup.Target, error)

// Server serves the API.
type Server struct {
	store     *state.Store
	ctrl      *lifecycle.Controller
	engine    *reconcile.Engine
	conn      Connector
	newBackup BackupFunc
	logger    *logging.Logger
}

// New creates a server. newBackup may be nil, which disables the backup
// endpoints.
func New(store *state.Store, ctrl *lifecycle.Controller, engine *reconcile.Engine, conn Connector, newBackup BackupFunc, logger *logging.Logger) *Server {
	return &Server{
		store:     store,
		ctrl:      ctrl,
		engine:    engine,
		conn:      conn,
		newBackup: newBackup,
		logger:    logger,
	}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/connection", s.handleConnection)
		r.Post("/login", s.handleLogin)
		r.Post("/signout", s.handleSignout)

		r.Post("/backup", s.handleBackup)
		r.Post("/restore", s.handleRestore)

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Post("/", s.handleSubmitRun)

			r.Route("/{runID}", func(r chi.Router) {
				r.Get("/", s.handleGetRun)
				r.Delete("/", s.handleRemoveRun)
				r.Post("/cancel", s.handleCancelRun)
				r.Post("/download", s.handleDownloadRun)
				r.Post("/repeat", s.handleRepeatRun)
				r.Get("/browse", s.handleBrowseRun)
			})
		})
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: constants.ServerReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("API server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ServerShutdownTimeout)
	defer cancel()
	s.logger.Info().Msg("Shutting down API server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}
