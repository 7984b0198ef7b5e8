package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/shawl-hpc/shawl/internal/lifecycle"
	"github.com/shawl-hpc/shawl/internal/models"
	"github.com/shawl-hpc/shawl/internal/pathutil"
	"github.com/shawl-hpc/shawl/internal/recovery"
	"github.com/shawl-hpc/shawl/internal/remote"
	"github.com/shawl-hpc/shawl/internal/state"
	"github.com/shawl-hpc/shawl/internal/version"
)

// Error codes
const (
	CodeBadRequest        = "BAD_REQUEST"
	CodeNotFound          = "NOT_FOUND"
	CodeRunBusy           = "RUN_BUSY"
	CodeActionNotAllowed  = "ACTION_NOT_ALLOWED"
	CodeRemoteUnavailable = "REMOTE_UNAVAILABLE"
	CodeNotConfigured     = "NOT_CONFIGURED"
	CodeInternal          = "INTERNAL"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RunView is a run as the API returns it.
type RunView struct {
	models.Run
	StatusLabel   string          `json:"status_label"`
	Actions       []models.Action `json:"actions"`
	DefaultAction models.Action   `json:"default_action"`
	Busy          bool            `json:"busy"`
}

// RunList is the response of GET /api/runs.
type RunList struct {
	Runs       []RunView `json:"runs"`
	Reconciled bool      `json:"reconciled"`
	Warning    string    `json:"warning,omitempty"`
}

// ConnectionView never carries the credential itself.
type ConnectionView struct {
	Host          string `json:"host"`
	Username      string `json:"username"`
	HasCredential bool   `json:"has_credential"`
	Connected     bool   `json:"connected"`
}

type loginRequest struct {
	Host     string `json:"host"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type submitRequest struct {
	Name     string `json:"run_name"`
	LocalDir string `json:"local_dir"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

// writeErr maps domain errors onto HTTP statuses.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, state.ErrRunNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, lifecycle.ErrRunBusy):
		writeError(w, http.StatusConflict, CodeRunBusy, err.Error())
	case errors.Is(err, lifecycle.ErrActionNotAllowed):
		writeError(w, http.StatusConflict, CodeActionNotAllowed, err.Error())
	case errors.Is(err, lifecycle.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
	default:
		s.logger.Error().Err(err).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) view(r models.Run) RunView {
	actions := r.Actions()
	return RunView{
		Run:           r,
		StatusLabel:   r.Status.Label(),
		Actions:       actions.All,
		DefaultAction: actions.Default,
		Busy:          s.ctrl.Busy(r.ID),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.Version})
}

func (s *Server) connectionView(r *http.Request) ConnectionView {
	c := s.store.Connection()
	return ConnectionView{
		Host:          c.Host,
		Username:      c.Username,
		HasCredential: c.Credential != "",
		Connected:     s.conn.IsAlive(r.Context()),
	}
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.connectionView(r))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decode(w, r, &req) {
		return
	}
	req.Host = strings.TrimSpace(req.Host)
	req.Username = strings.TrimSpace(req.Username)
	if req.Host == "" || req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "host, username and password are required")
		return
	}

	if err := s.store.SetConnection(models.Connection{Host: req.Host, Username: req.Username, Credential: req.Password}); err != nil {
		s.writeErr(w, err)
		return
	}
	s.conn.SetCredentials(req.Host, req.Username, req.Password)

	log := s.logger.Child(map[string]string{"host": req.Host, "username": req.Username})
	if err := s.conn.Reconnect(r.Context()); err != nil {
		log.Warn().Err(err).Msg("Login saved but connection failed")
		writeError(w, http.StatusBadGateway, CodeRemoteUnavailable, err.Error())
		return
	}
	log.Info().Msg("Logged in")
	writeJSON(w, http.StatusOK, s.connectionView(r))
}

func (s *Server) handleSignout(w http.ResponseWriter, r *http.Request) {
	c := s.store.Connection()
	c.Credential = ""
	if err := s.store.SetConnection(c); err != nil {
		s.writeErr(w, err)
		return
	}
	if err := s.conn.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Error closing session")
	}
	s.conn.SetCredentials(c.Host, c.Username, "")
	s.logger.Info().Str("host", c.Host).Msg("Signed out")
	writeJSON(w, http.StatusOK, s.connectionView(r))
}

// reconcile refreshes statuses from the queue when a session can be had.
func (s *Server) reconcile(r *http.Request) (bool, string) {
	if !s.conn.IsAlive(r.Context()) && !s.store.Connection().IsComplete() {
		return false, "not logged in"
	}
	if err := remote.EnsureConnected(r.Context(), s.conn); err != nil {
		s.logger.Warn().Err(err).Msg("Showing stored statuses")
		return false, err.Error()
	}
	if _, err := s.engine.Reconcile(r.Context()); err != nil {
		s.logger.Warn().Err(err).Msg("Showing stored statuses")
		return false, err.Error()
	}
	return true, ""
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	ok, warning := s.reconcile(r)
	runs := s.store.Runs()
	out := RunList{Runs: make([]RunView, 0, len(runs)), Reconciled: ok, Warning: warning}
	for _, run := range runs {
		out.Runs = append(out.Runs, s.view(run))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.LocalDir) == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "local_dir is required")
		return
	}
	dir, err := pathutil.ResolveAbsolutePath(req.LocalDir)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	run, err := s.ctrl.Submit(req.Name, dir)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.view(run))
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.Get(chi.URLParam(r, "runID"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(run))
}

func (s *Server) handleRemoveRun(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Remove(chi.URLParam(r, "runID")); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.ctrl.Cancel(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(run))
}

func (s *Server) handleDownloadRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.ctrl.Download(chi.URLParam(r, "runID"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.view(run))
}

func (s *Server) handleRepeatRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.ctrl.Repeat(chi.URLParam(r, "runID"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.view(run))
}

// BrowseResponse carries the local result directory of a downloaded run.
// Opening it is left to the client.
type BrowseResponse struct {
	RunID string `json:"run_id"`
	Path  string `json:"path"`
}

func (s *Server) handleBrowseRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	path, err := s.ctrl.Browse(id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BrowseResponse{RunID: id, Path: path})
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	if s.newBackup == nil {
		writeError(w, http.StatusNotImplemented, CodeNotConfigured, "backup is not configured")
		return
	}
	target, err := s.newBackup(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	data, err := s.store.Export()
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if err := target.Save(r.Context(), data); err != nil {
		s.logger.Error().Err(err).Str("target", target.Name()).Msg("Backup failed")
		writeError(w, http.StatusBadGateway, CodeRemoteUnavailable, err.Error())
		return
	}
	s.logger.Info().Str("target", target.Name()).Int("bytes", len(data)).Msg("State backed up")
	writeJSON(w, http.StatusOK, map[string]any{"target": target.Name(), "bytes": len(data)})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	if s.newBackup == nil {
		writeError(w, http.StatusNotImplemented, CodeNotConfigured, "backup is not configured")
		return
	}
	if !s.ctrl.Idle() {
		writeError(w, http.StatusConflict, CodeRunBusy, "pipelines are still running")
		return
	}
	target, err := s.newBackup(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	data, err := target.Load(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Str("target", target.Name()).Msg("Restore failed")
		writeError(w, http.StatusBadGateway, CodeRemoteUnavailable, err.Error())
		return
	}
	if err := s.store.Restore(data); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	repaired, err := recovery.Recover(s.store, s.logger)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	c := s.store.Connection()
	if c.IsComplete() {
		s.conn.SetCredentials(c.Host, c.Username, c.Credential)
	}
	s.logger.Info().Str("target", target.Name()).Int("runs", s.store.Len()).Msg("State restored")
	writeJSON(w, http.StatusOK, map[string]any{"target": target.Name(), "runs": s.store.Len(), "recovered": repaired})
}
