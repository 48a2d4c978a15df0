package api

import (
	"net/http"
)

type configContent struct {
	Content string `json:"content"`
}

func (s *Server) handleConfigCurrent(w http.ResponseWriter, r *http.Request) {
	raw, err := s.exec.ReadConfig()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	parsed, err := s.exec.ConfigInfo()
	if err != nil {
		// Still hand back the raw text so it can be fixed.
		writeJSON(w, http.StatusOK, map[string]any{
			"content":     string(raw),
			"config_path": s.exec.ConfigPath(),
			"parsed":      nil,
			"error":       err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"content":     string(raw),
		"config_path": s.exec.ConfigPath(),
		"parsed":      parsed,
	})
}

func (s *Server) handleConfigValidate(w http.ResponseWriter, r *http.Request) {
	var req configContent
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Content == "" {
		writeDetail(w, http.StatusBadRequest, "content is required")
		return
	}
	res, err := s.exec.ValidateConfig(r.Context(), req.Content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":    res.Valid,
		"errors":   res.Errors,
		"warnings": res.Warnings,
	})
}

func (s *Server) handleConfigBackup(w http.ResponseWriter, r *http.Request) {
	if s.snapshots == nil {
		writeDetail(w, http.StatusNotImplemented, "Configuration backup is not configured")
		return
	}
	snap, err := s.snapshots.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Infow("Configuration backed up", "key", snap.Key, "user", identity(r).Username)
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleConfigBackups(w http.ResponseWriter, r *http.Request) {
	if s.snapshots == nil {
		writeJSON(w, http.StatusOK, map[string]any{"backups": []any{}})
		return
	}
	list, err := s.snapshots.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backups": list})
}
