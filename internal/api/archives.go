package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"backup-orchestrator/internal/executor"
	"backup-orchestrator/internal/models"
)

// commandResponse is the envelope for direct tool invocations. Tool failures are
// reported with success=false and a 200 status.
func commandResponse(res models.CommandResult, extra map[string]any) map[string]any {
	out := map[string]any{
		"success": res.Success,
		"result":  res,
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func (s *Server) handleArchiveList(w http.ResponseWriter, r *http.Request) {
	res := s.exec.ListArchives(r.Context(), r.URL.Query().Get("repository"))
	extra := map[string]any{}
	if res.Success {
		archives, err := executor.ParseArchives(res.Stdout)
		if err != nil {
			s.log.Warnw("Unparseable archive listing", "error", err)
		} else {
			extra["archives"] = archives
		}
	}
	writeJSON(w, http.StatusOK, commandResponse(res, extra))
}

func (s *Server) handleArchiveInfo(w http.ResponseWriter, r *http.Request) {
	res := s.exec.GetArchiveInfo(r.Context(), r.URL.Query().Get("repository"), chi.URLParam(r, "archive"))
	writeJSON(w, http.StatusOK, commandResponse(res, nil))
}

func (s *Server) handleArchiveContents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res := s.exec.ListArchiveContents(r.Context(), q.Get("repository"), chi.URLParam(r, "archive"), q.Get("path"))
	writeJSON(w, http.StatusOK, commandResponse(res, nil))
}

func (s *Server) handleArchiveDelete(w http.ResponseWriter, r *http.Request) {
	archive := chi.URLParam(r, "archive")
	res := s.exec.DeleteArchive(r.Context(), r.URL.Query().Get("repository"), archive)
	if res.Success {
		s.log.Infow("Archive deleted", "archive", archive, "user", identity(r).Username)
	}
	writeJSON(w, http.StatusOK, commandResponse(res, nil))
}

type pruneRequest struct {
	Repository string `json:"repository"`
	models.RetentionPolicy
}

func (s *Server) handleArchivePrune(w http.ResponseWriter, r *http.Request) {
	req := pruneRequest{RetentionPolicy: models.DefaultRetention()}
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	res := s.exec.PruneArchives(r.Context(), req.Repository, req.RetentionPolicy)
	writeJSON(w, http.StatusOK, commandResponse(res, nil))
}

type restoreRequest struct {
	Repository  string   `json:"repository"`
	Archive     string   `json:"archive"`
	Paths       []string `json:"paths"`
	Destination string   `json:"destination"`
}

func (s *Server) handleRestorePreview(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res := s.exec.ExtractArchive(r.Context(), req.Repository, req.Archive, req.Paths, req.Destination, true)
	writeJSON(w, http.StatusOK, commandResponse(res, map[string]any{"preview": res.Stdout}))
}

func (s *Server) handleRestoreStart(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res := s.exec.ExtractArchive(r.Context(), req.Repository, req.Archive, req.Paths, req.Destination, false)
	s.log.Infow("Restore finished", "archive", req.Archive, "destination", req.Destination, "success", res.Success, "user", identity(r).Username)
	writeJSON(w, http.StatusOK, commandResponse(res, nil))
}

type repositoryRequest struct {
	Repository string `json:"repository"`
}

func (s *Server) handleRepositoryCheck(w http.ResponseWriter, r *http.Request) {
	var req repositoryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, commandResponse(s.exec.CheckRepository(r.Context(), req.Repository), nil))
}

func (s *Server) handleRepositoryCompact(w http.ResponseWriter, r *http.Request) {
	var req repositoryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, commandResponse(s.exec.CompactRepository(r.Context(), req.Repository), nil))
}

func (s *Server) handleRepositoryStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.exec.GetRepositoryStatus(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
