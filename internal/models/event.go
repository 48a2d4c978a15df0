package models

import "time"

// Event types broadcast to subscribers.
const (
	EventBackupProgress        = "backup_progress"
	EventSystemStatus          = "system_status"
	EventLogUpdate             = "log_update"
	EventConnectionEstablished = "connection_established"
)

// Event is a fire-and-forget payload fanned out by the event bus.
type Event struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}
