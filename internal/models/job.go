package models

import (
	"time"
)

// ScheduledJob is a recurring backup definition persisted by the job store.
// LastRun and NextRun are owned by the scheduler; every other field is owned by
// the administrator who created the job.
type ScheduledJob struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	CronExpression string     `json:"cron_expression"`
	Repository     *string    `json:"repository,omitempty"`
	ConfigFile     *string    `json:"config_file,omitempty"`
	Enabled        bool       `json:"enabled"`
	LastRun        *time.Time `json:"last_run"`
	NextRun        *time.Time `json:"next_run"`
	Description    *string    `json:"description,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// RepositoryValue returns the target repository or "" when the tool default applies.
func (j ScheduledJob) RepositoryValue() string {
	if j.Repository == nil {
		return ""
	}
	return *j.Repository
}

// ConfigFileValue returns the config override or "".
func (j ScheduledJob) ConfigFileValue() string {
	if j.ConfigFile == nil {
		return ""
	}
	return *j.ConfigFile
}

// IsDue reports whether the job should run at now.
func (j ScheduledJob) IsDue(now time.Time) bool {
	return j.Enabled && j.NextRun != nil && !j.NextRun.After(now)
}

// RunStatus enumerates BackupJobRun lifecycle states.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status can no longer change.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// BackupJobRun is one concrete execution of a backup, manual or scheduled.
type BackupJobRun struct {
	ID             string     `json:"id"`
	Repository     string     `json:"repository"`
	ScheduledJobID *string    `json:"scheduled_job_id,omitempty"`
	RequestedBy    string     `json:"requested_by,omitempty"`
	Status         RunStatus  `json:"status"`
	Progress       int        `json:"progress"`
	Logs           string     `json:"logs"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// RetentionPolicy controls prune behaviour.
type RetentionPolicy struct {
	KeepDaily   int `json:"keep_daily"`
	KeepWeekly  int `json:"keep_weekly"`
	KeepMonthly int `json:"keep_monthly"`
	KeepYearly  int `json:"keep_yearly"`
}

// DefaultRetention mirrors the tool's commonly used defaults.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{KeepDaily: 7, KeepWeekly: 4, KeepMonthly: 6, KeepYearly: 1}
}
