package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"backup-orchestrator/internal/models"
)

type backupRequest struct {
	Repository string `json:"repository"`
	ConfigFile string `json:"config_file"`
}

type backupResponse struct {
	JobID   string                `json:"job_id"`
	Status  models.RunStatus      `json:"status"`
	Message string                `json:"message"`
	Result  *models.CommandResult `json:"result,omitempty"`
}

// handleBackupStart starts a backup in the background and answers 202. With
// ?wait=true it blocks until the tool exits and reports the outcome.
func (s *Server) handleBackupStart(w http.ResponseWriter, r *http.Request) {
	var req backupRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	id := identity(r)

	if r.URL.Query().Get("wait") == "true" {
		run, res, err := s.runs.Run(r.Context(), id.ID, req.Repository, req.ConfigFile)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		msg := "Backup completed successfully"
		if !res.Success {
			msg = "Backup failed"
		}
		writeJSON(w, http.StatusOK, backupResponse{JobID: run.ID, Status: run.Status, Message: msg, Result: &res})
		return
	}

	run, err := s.runs.Start(r.Context(), id.ID, req.Repository, req.ConfigFile)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Infow("Backup started", "run_id", run.ID, "repository", run.Repository, "user", id.Username)
	writeJSON(w, http.StatusAccepted, backupResponse{JobID: run.ID, Status: run.Status, Message: "Backup job started"})
}

func (s *Server) handleBackupStatus(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleBackupRecent(w http.ResponseWriter, r *http.Request) {
	list, err := s.runs.Recent(r.Context(), queryInt(r, "limit", 20))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": list})
}

func (s *Server) handleBackupCancel(w http.ResponseWriter, r *http.Request) {
	if _, err := s.runs.Cancel(r.Context(), chi.URLParam(r, "id"), identity(r).ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Backup cancelled successfully"})
}

func (s *Server) handleBackupLogs(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":        run.ID,
		"status":        run.Status,
		"logs":          run.Logs,
		"error_message": run.ErrorMessage,
	})
}
