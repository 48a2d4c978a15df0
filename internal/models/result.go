package models

import (
	"strings"
	"time"
)

// CommandResult is the outcome of one external process execution.
// It is built once and never mutated afterwards.
type CommandResult struct {
	ExitCode int           `json:"return_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Success  bool          `json:"success"`
	Command  []string      `json:"command,omitempty"`
	Duration time.Duration `json:"duration_ns,omitempty"`
}

// TimedOut reports whether the result was produced by a timeout kill.
func (r CommandResult) TimedOut() bool {
	return r.ExitCode == -1 && !r.Success && strings.HasPrefix(r.Stderr, "Command timed out")
}

// Archive is one entry of the tool's JSON archive listing.
type Archive struct {
	Name     string `json:"name"`
	ID       string `json:"id,omitempty"`
	Time     string `json:"time,omitempty"`
	Start    string `json:"start,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	Size     any    `json:"size,omitempty"`
}

// RepositoryStatus values.
const (
	RepoStatusHealthy = "healthy"
	RepoStatusEmpty   = "empty"
	RepoStatusError   = "error"
	RepoStatusUnknown = "unknown"
)

// RepositoryStatus is one item of the aggregate repository report.
type RepositoryStatus struct {
	Name         string  `json:"name"`
	Path         string  `json:"path"`
	Encryption   string  `json:"encryption"`
	LastBackup   *string `json:"last_backup"`
	ArchiveCount int     `json:"archive_count"`
	TotalSize    string  `json:"total_size"`
	Status       string  `json:"status"`
	Error        string  `json:"error,omitempty"`
}

// RepositoryStatusReport aggregates per-repository status. It succeeds as a whole
// even when individual repositories are flagged with an error status.
type RepositoryStatusReport struct {
	Repositories []RepositoryStatus `json:"repositories"`
	CheckedAt    time.Time          `json:"checked_at"`
}

// ConfigValidation is the parsed output of the tool's config validator.
type ConfigValidation struct {
	Valid    bool     `json:"success"`
	Config   any      `json:"config,omitempty"`
	Error    string   `json:"error,omitempty"`
	Warnings []string `json:"warnings"`
	Errors   []string `json:"errors"`
}

// SystemInfo summarises the tool installation.
type SystemInfo struct {
	Version        string   `json:"borgmatic_version"`
	ConfigPath     string   `json:"config_path"`
	BackupPath     string   `json:"backup_path"`
	HelpAvailable  bool     `json:"help_available"`
	// RunningBackups names repositories with a backup in flight; "default" is the
	// tool's configured default repository.
	RunningBackups []string `json:"running_backups"`
}
