package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"backup-orchestrator/internal/scheduler"
)

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "jobs": jobs})
}

func (s *Server) handleJobCreate(w http.ResponseWriter, r *http.Request) {
	var in scheduler.JobInput
	if !decodeJSON(w, r, &in) {
		return
	}
	job, err := s.jobs.Create(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "job": job})
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	detail, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "job": detail})
}

func (s *Server) handleJobUpdate(w http.ResponseWriter, r *http.Request) {
	var in scheduler.JobUpdate
	if !decodeJSON(w, r, &in) {
		return
	}
	job, err := s.jobs.Update(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "job": job})
}

func (s *Server) handleJobDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Scheduled job deleted successfully"})
}

func (s *Server) handleJobToggle(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Toggle(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	state := "disabled"
	if job.Enabled {
		state = "enabled"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Scheduled job " + state,
		"enabled": job.Enabled,
	})
}

func (s *Server) handleJobRunNow(w http.ResponseWriter, r *http.Request) {
	job, res, err := s.jobs.RunNow(r.Context(), chi.URLParam(r, "id"), identity(r).ID)
	if err != nil && job.ID == "" {
		s.writeError(w, r, err)
		return
	}
	if err != nil {
		// The backup ran; only its bookkeeping failed.
		s.log.Errorw("Run-now bookkeeping failed", "job_id", job.ID, "error", err)
	}
	msg := "Scheduled job executed successfully"
	if !res.Success {
		msg = "Scheduled job failed"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": res.Success,
		"message": msg,
		"result":  res,
		"job":     job,
	})
}

func (s *Server) handleCronPresets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "presets": scheduler.Presets()})
}

func (s *Server) handleUpcomingJobs(w http.ResponseWriter, r *http.Request) {
	hours := queryInt(r, "hours", 24)
	if hours <= 0 {
		hours = 24
	}
	upcoming, err := s.jobs.Upcoming(r.Context(), time.Duration(hours)*time.Hour)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "upcoming_jobs": upcoming, "hours_ahead": hours})
}

type cronRequest struct {
	scheduler.CronFields
	CronExpression string `json:"cron_expression"`
}

// handleValidateCron accepts either the five fields or a whole expression. An
// invalid expression is a normal answer with success=false.
func (s *Server) handleValidateCron(w http.ResponseWriter, r *http.Request) {
	var req cronRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	fields := req.CronFields
	if expr := strings.TrimSpace(req.CronExpression); expr != "" {
		parts := strings.Fields(expr)
		if len(parts) != 5 {
			writeJSON(w, http.StatusOK, map[string]any{
				"success":         false,
				"error":           "Invalid cron expression: expected exactly 5 fields",
				"cron_expression": expr,
			})
			return
		}
		fields = scheduler.CronFields{Minute: parts[0], Hour: parts[1], DayOfMonth: parts[2], Month: parts[3], DayOfWeek: parts[4]}
	}
	preview, err := s.jobs.PreviewCron(fields)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"success":         false,
			"error":           err.Error(),
			"cron_expression": preview.Expression,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"cron_expression": preview.Expression,
		"next_runs":       preview.NextRuns,
		"description":     preview.Description,
	})
}
