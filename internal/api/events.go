package api

import (
	"context"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"backup-orchestrator/internal/events"
	"backup-orchestrator/internal/models"
)

const wsWriteWait = 10 * time.Second

// handleEventStream serves the caller's events as Server-Sent Events until the
// client goes away or a newer connection for the same identity replaces it.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeDetail(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	id := identity(r).ID
	stream := events.OpenStream(s.bus, id, events.TransportSSE, s.cfg.EventKeepalive)
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	s.log.Infow("Event stream opened", "user", id)

	for {
		frame, err := stream.Next(r.Context())
		if err != nil {
			s.log.Infow("Event stream closed", "user", id, "reason", err.Error())
			return
		}
		payload, err := frame.SSE()
		if err != nil {
			s.log.Errorw("Failed to encode event", "user", id, "error", err)
			continue
		}
		if _, err := w.Write(payload); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      s.checkOrigin,
	}
}

// checkOrigin allows non-browser clients (no Origin header) and configured origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	s.log.Warnw("WebSocket connection rejected", "origin", origin)
	return false
}

// handleEventSocket carries the same stream as handleEventStream over a WebSocket.
// Keepalives become ping frames.
func (s *Server) handleEventSocket(w http.ResponseWriter, r *http.Request) {
	up := s.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	id := identity(r).ID
	stream := events.OpenStream(s.bus, id, events.TransportWebSocket, s.cfg.EventKeepalive)
	defer stream.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	s.log.Infow("Event socket opened", "user", id)

	for {
		frame, err := stream.Next(ctx)
		if err != nil {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
			s.log.Infow("Event socket closed", "user", id, "reason", err.Error())
			return
		}
		if frame.Keepalive {
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			continue
		}
		payload, err := json.Marshal(frame.Event)
		if err != nil {
			s.log.Errorw("Failed to encode event", "user", id, "error", err)
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

type progressRequest struct {
	JobID    string `json:"job_id"`
	Progress int    `json:"progress"`
	Status   string `json:"status"`
	Message  string `json:"message"`
}

// handlePublishProgress lets an external reporter push progress to its own identity.
func (s *Server) handlePublishProgress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.JobID == "" || req.Status == "" {
		writeDetail(w, http.StatusBadRequest, "job_id and status are required")
		return
	}
	if req.Progress < 0 || req.Progress > 100 {
		writeDetail(w, http.StatusBadRequest, "progress must be between 0 and 100")
		return
	}
	id := identity(r).ID
	s.bus.Publish(models.EventBackupProgress, map[string]any{
		"job_id":   req.JobID,
		"progress": req.Progress,
		"status":   req.Status,
		"message":  req.Message,
		"user_id":  id,
	}, id)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Progress update sent"})
}

func (s *Server) handlePublishSystemStatus(w http.ResponseWriter, r *http.Request) {
	var data map[string]any
	if !decodeJSON(w, r, &data) {
		return
	}
	n := s.bus.Publish(models.EventSystemStatus, data)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "System status update sent", "recipients": n})
}

type logUpdateRequest struct {
	LogType string `json:"log_type"`
	LogData string `json:"log_data"`
}

func (s *Server) handlePublishLogUpdate(w http.ResponseWriter, r *http.Request) {
	var req logUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.LogType == "" {
		writeDetail(w, http.StatusBadRequest, "log_type is required")
		return
	}
	n := s.bus.Publish(models.EventLogUpdate, map[string]any{
		"log_type":  req.LogType,
		"log_data":  req.LogData,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Log update sent", "recipients": n})
}

func (s *Server) handleConnections(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":            true,
		"active_connections": s.bus.Count(),
		"subscribers":        s.bus.Connections(),
	})
}
