package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/BadgerOps/reposync/internal/packages"
	"github.com/BadgerOps/reposync/internal/store"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := s.table.Repositories(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if repos == nil {
		repos = []string{}
	}
	writeJSON(w, http.StatusOK, repos)
}

func (s *Server) handlePackages(w http.ResponseWriter, r *http.Request) {
	repo := r.PathValue("repo")
	if repo == "" {
		jsonError(w, http.StatusBadRequest, "repository name required")
		return
	}

	names, err := s.table.ListPackages(r.Context(), repo)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"repo":     repo,
		"count":    len(names),
		"packages": names,
	})
}

type runJSON struct {
	RunID        string `json:"run_id"`
	Mirror       string `json:"mirror"`
	StartTime    string `json:"start_time"`
	EndTime      string `json:"end_time,omitempty"`
	Repositories int    `json:"repositories"`
	Current      int    `json:"current"`
	Added        int    `json:"added"`
	Removed      int    `json:"removed"`
	DryRun       bool   `json:"dry_run"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
}

func runToJSON(run store.UpdateRun) runJSON {
	rj := runJSON{
		RunID:        run.RunID,
		Mirror:       run.Mirror,
		StartTime:    run.StartTime.UTC().Format("2006-01-02T15:04:05Z"),
		Repositories: run.Repositories,
		Current:      run.Current,
		Added:        run.Added,
		Removed:      run.Removed,
		DryRun:       run.DryRun,
		Status:       run.Status,
		Error:        run.ErrorMessage,
	}
	if !run.EndTime.IsZero() {
		rj.EndTime = run.EndTime.UTC().Format("2006-01-02T15:04:05Z")
	}
	return rj
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r.URL.Query(), "limit")
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit == 0 {
		limit = 20
	}

	runs, err := s.runs.ListUpdateRuns(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := make([]runJSON, 0, len(runs))
	for _, run := range runs {
		out = append(out, runToJSON(run))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.GetUpdateRun(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrRunNotFound) {
		jsonError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runToJSON(*run))
}

// handleUpdate runs the updater in the request. Only one update runs at a
// time.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if s.updater == nil {
		jsonError(w, http.StatusServiceUnavailable, "updates are not enabled")
		return
	}
	if !s.updating.TryLock() {
		jsonError(w, http.StatusConflict, "an update is already running")
		return
	}
	defer s.updating.Unlock()

	report, err := s.updater.Run(r.Context())
	if err != nil && report == nil {
		s.writeError(w, err)
		return
	}
	if err != nil {
		s.logger.Warn("update failed", "run_id", report.RunID, "kind", packages.ErrorKind(err), "error", err)
		writeJSON(w, statusForError(err), report)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// writeError maps err onto a status code and the {"error", "kind"} shape.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := packages.ErrorKind(err)
	code := statusForError(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "kind", kind, "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "kind": kind})
}

func statusForError(err error) int {
	switch packages.ErrorKind(err) {
	case packages.KindRetrieval, packages.KindDataFormat, packages.KindDatabaseFormat:
		return http.StatusBadGateway
	case packages.KindNoMirror:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
