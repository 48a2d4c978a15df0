// Package runs records individual backup executions and reports their progress.
package runs

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"backup-orchestrator/internal/models"
	"backup-orchestrator/internal/runner"
)

// DefaultRepository labels runs that target the tool's configured repository.
const DefaultRepository = "default"

var (
	ErrNotRunning  = errors.New("can only cancel running jobs")
	ErrInvalidPath = errors.New("invalid path")
)

// RunStore persists runs. UpdateRun must fail with models.ErrConflict when the
// stored run is already terminal.
type RunStore interface {
	CreateRun(ctx context.Context, run models.BackupJobRun) error
	GetRun(ctx context.Context, id string) (models.BackupJobRun, error)
	UpdateRun(ctx context.Context, run models.BackupJobRun) error
	ListRuns(ctx context.Context, limit int) ([]models.BackupJobRun, error)
}

// BackupExecutor is satisfied by *executor.Executor.
type BackupExecutor interface {
	RunBackup(ctx context.Context, repository, configFile string) models.CommandResult
}

type Publisher interface {
	Publish(eventType string, data map[string]any, targets ...string) int
}

// Tracker wraps backup execution with a persisted BackupJobRun.
type Tracker struct {
	store RunStore
	exec  BackupExecutor
	pub   Publisher
	log   *zap.SugaredLogger
	now   func() time.Time
	wg    sync.WaitGroup
}

func NewTracker(store RunStore, exec BackupExecutor, pub Publisher, log *zap.SugaredLogger) *Tracker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Tracker{store: store, exec: exec, pub: pub, log: log, now: time.Now}
}

func checkPaths(repository, configFile string) error {
	if repository != "" && !runner.ValidatePath(repository) {
		return errors.Wrap(ErrInvalidPath, "invalid repository path: contains dangerous characters")
	}
	if configFile != "" && !runner.ValidatePath(configFile) {
		return errors.Wrap(ErrInvalidPath, "invalid config file path: contains dangerous characters")
	}
	return nil
}

func (t *Tracker) begin(ctx context.Context, requestedBy, repository string, jobID *string) (models.BackupJobRun, error) {
	label := repository
	if label == "" {
		label = DefaultRepository
	}
	run := models.BackupJobRun{
		ID:             uuid.NewString(),
		Repository:     label,
		ScheduledJobID: jobID,
		RequestedBy:    requestedBy,
		Status:         models.RunStatusRunning,
		StartedAt:      t.now().UTC(),
	}
	if err := t.store.CreateRun(ctx, run); err != nil {
		return run, errors.Wrap(err, "create backup run")
	}
	return run, nil
}

// Start records a manual backup and runs it in the background. Progress events
// go to the requesting identity only. The returned run is in the running state.
func (t *Tracker) Start(ctx context.Context, identity, repository, configFile string) (models.BackupJobRun, error) {
	if err := checkPaths(repository, configFile); err != nil {
		return models.BackupJobRun{}, err
	}
	run, err := t.begin(ctx, identity, repository, nil)
	if err != nil {
		return models.BackupJobRun{}, err
	}
	t.progress(identity, run, 0, "starting", "Backup job started")

	bg := context.WithoutCancel(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.execute(bg, run, identity, repository, configFile)
	}()
	return run, nil
}

// Run is the synchronous form of Start.
func (t *Tracker) Run(ctx context.Context, identity, repository, configFile string) (models.BackupJobRun, models.CommandResult, error) {
	if err := checkPaths(repository, configFile); err != nil {
		return models.BackupJobRun{}, models.CommandResult{}, err
	}
	run, err := t.begin(ctx, identity, repository, nil)
	if err != nil {
		return models.BackupJobRun{}, models.CommandResult{}, err
	}
	t.progress(identity, run, 0, "starting", "Backup job started")
	run, res := t.execute(ctx, run, identity, repository, configFile)
	return run, res, nil
}

// RunJob executes a scheduled job synchronously. The scheduler publishes its own
// outcome event, so no progress events are sent from here.
func (t *Tracker) RunJob(ctx context.Context, job models.ScheduledJob, requestedBy string) (models.BackupJobRun, models.CommandResult) {
	jobID := job.ID
	run, err := t.begin(ctx, requestedBy, job.RepositoryValue(), &jobID)
	if err != nil {
		// The backup matters more than its history row.
		t.log.Errorw("Failed to record scheduled run", "job_id", job.ID, "error", err)
	}
	return t.execute(ctx, run, "", job.RepositoryValue(), job.ConfigFileValue())
}

func (t *Tracker) execute(ctx context.Context, run models.BackupJobRun, notify, repository, configFile string) (models.BackupJobRun, models.CommandResult) {
	res := t.exec.RunBackup(ctx, repository, configFile)

	completed := t.now().UTC()
	run.CompletedAt = &completed
	run.Logs = res.Stdout
	if res.Success {
		run.Status = models.RunStatusCompleted
		run.Progress = 100
	} else {
		run.Status = models.RunStatusFailed
		msg := res.Stderr
		run.ErrorMessage = &msg
	}

	if err := t.store.UpdateRun(ctx, run); err != nil {
		if errors.Is(err, models.ErrConflict) {
			t.log.Infow("Run finished after it was cancelled; keeping cancelled state", "run_id", run.ID, "success", res.Success)
			return run, res
		}
		t.log.Errorw("Failed to record backup outcome", "run_id", run.ID, "error", err)
	}

	if res.Success {
		t.progress(notify, run, 100, "completed", "Backup completed successfully")
	} else {
		t.progress(notify, run, 0, "failed", "Backup failed: "+truncate(runner.SanitizeArg(res.Stderr), 500))
	}
	t.log.Infow("Backup completed", "run_id", run.ID, "repository", run.Repository, "success", res.Success)
	return run, res
}

func (t *Tracker) progress(target string, run models.BackupJobRun, pct int, status, message string) {
	if t.pub == nil || target == "" {
		return
	}
	t.pub.Publish(models.EventBackupProgress, map[string]any{
		"job_id":   run.ID,
		"progress": pct,
		"status":   status,
		"message":  message,
		"user_id":  target,
	}, target)
}

// Cancel marks a running run as cancelled. The process itself keeps running
// until it exits or times out; its outcome is then discarded.
func (t *Tracker) Cancel(ctx context.Context, id, identity string) (models.BackupJobRun, error) {
	run, err := t.store.GetRun(ctx, id)
	if err != nil {
		return models.BackupJobRun{}, err
	}
	if run.Status != models.RunStatusRunning {
		return models.BackupJobRun{}, ErrNotRunning
	}
	now := t.now().UTC()
	run.Status = models.RunStatusCancelled
	run.CompletedAt = &now
	if err := t.store.UpdateRun(ctx, run); err != nil {
		if errors.Is(err, models.ErrConflict) {
			return models.BackupJobRun{}, ErrNotRunning
		}
		return models.BackupJobRun{}, err
	}
	t.log.Infow("Backup cancelled", "run_id", id, "user", identity)
	t.progress(identity, run, run.Progress, "cancelled", "Backup cancelled")
	return run, nil
}

func (t *Tracker) Get(ctx context.Context, id string) (models.BackupJobRun, error) {
	return t.store.GetRun(ctx, id)
}

// Recent lists the latest runs, newest first.
func (t *Tracker) Recent(ctx context.Context, limit int) ([]models.BackupJobRun, error) {
	return t.store.ListRuns(ctx, limit)
}

// Wait blocks until background runs started with Start have finished.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
