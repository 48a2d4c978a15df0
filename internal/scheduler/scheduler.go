// Package scheduler runs cron-defined backup jobs.
//
// A Scheduler polls the job store on a fixed interval and runs every enabled job
// whose next_run has passed. After each run, successful or not, last_run is set
// and next_run is recomputed from the cron expression relative to the current
// time, so a long outage produces one catch-up run rather than a storm.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"backup-orchestrator/internal/models"
	"backup-orchestrator/internal/runner"
	"backup-orchestrator/internal/telemetry"
)

// DefaultPollInterval is used when the configured interval is not positive.
const DefaultPollInterval = time.Minute

const (
	maxEventError  = 500
	recordAttempts = 3
)

var (
	ErrNotFound    = models.ErrNotFound
	ErrInvalidCron = errors.New("invalid cron expression")
	ErrNameTaken   = errors.New("job name already exists")
	ErrInvalidName = errors.New("invalid job name")
	ErrInvalidPath = errors.New("invalid path")
)

// JobStore persists scheduled jobs. Get/Update/Delete return ErrNotFound for unknown ids.
type JobStore interface {
	CreateJob(ctx context.Context, job models.ScheduledJob) error
	GetJob(ctx context.Context, id string) (models.ScheduledJob, error)
	GetJobByName(ctx context.Context, name string) (models.ScheduledJob, error)
	ListJobs(ctx context.Context) ([]models.ScheduledJob, error)
	// ListDueJobs returns enabled jobs with next_run <= now ordered by next_run, then name.
	ListDueJobs(ctx context.Context, now time.Time) ([]models.ScheduledJob, error)
	UpdateJob(ctx context.Context, job models.ScheduledJob) error
	// RecordRun sets only last_run, next_run and updated_at, and only while the
	// stored cron expression still equals cronExpr. A changed expression yields
	// models.ErrConflict.
	RecordRun(ctx context.Context, id, cronExpr string, lastRun time.Time, nextRun *time.Time) error
	DeleteJob(ctx context.Context, id string) error
}

// JobRunner executes one backup for a job and records it as a run.
type JobRunner interface {
	RunJob(ctx context.Context, job models.ScheduledJob, requestedBy string) (models.BackupJobRun, models.CommandResult)
}

// Publisher is satisfied by *events.Bus.
type Publisher interface {
	Publish(eventType string, data map[string]any, targets ...string) int
}

type Scheduler struct {
	store    JobStore
	runner   JobRunner
	pub      Publisher
	interval time.Duration
	log      *zap.SugaredLogger
	now      func() time.Time
}

func New(store JobStore, runner JobRunner, pub Publisher, interval time.Duration, log *zap.SugaredLogger) *Scheduler {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Scheduler{
		store:    store,
		runner:   runner,
		pub:      pub,
		interval: interval,
		log:      log,
		now:      time.Now,
	}
}

func (s *Scheduler) String() string { return "scheduler" }

// Serve polls until ctx is cancelled. It runs one pass immediately.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.log.Infow("Scheduler started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunDuePass(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Infow("Scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.RunDuePass(ctx)
		}
	}
}

// RunDuePass runs every due job once and returns how many were attempted.
// A failing job never prevents the rest of the pass.
func (s *Scheduler) RunDuePass(ctx context.Context) int {
	telemetry.SchedulerPasses.Inc()
	now := s.now()
	jobs, err := s.store.ListDueJobs(ctx, now)
	if err != nil {
		s.log.Errorw("Error in scheduled job checker", "error", err)
		return 0
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		s.log.Infow("Running scheduled job", "job_id", job.ID, "name", job.Name)
		if _, _, err := s.Trigger(ctx, job, "scheduler"); err != nil {
			s.log.Errorw("Failed to run scheduled job", "job_id", job.ID, "name", job.Name, "error", err)
		}
	}
	return len(jobs)
}

// Trigger runs job now and records last_run/next_run. Scheduled passes and
// manual run-now requests both go through here. The error reports a panic in
// the run or a failed persist; the backup outcome itself is in the result.
func (s *Scheduler) Trigger(ctx context.Context, job models.ScheduledJob, requestedBy string) (models.ScheduledJob, models.CommandResult, error) {
	run, res, runErr := s.safeRun(ctx, job, requestedBy)

	finished := s.now()
	updated, saveErr := s.recordRun(ctx, job.ID, finished)
	switch {
	case saveErr == nil:
		job = updated
	case errors.Is(saveErr, models.ErrNotFound):
		s.log.Infow("Scheduled job deleted while running", "job_id", job.ID, "name", job.Name)
		saveErr = nil
	default:
		saveErr = errors.Wrapf(saveErr, "persist job %s", job.ID)
	}

	status := string(models.RunStatusCompleted)
	if !res.Success {
		status = string(models.RunStatusFailed)
	}
	telemetry.ScheduledRuns.WithLabelValues(telemetry.Outcome(res.Success)).Inc()
	payload := map[string]any{
		"job_id":        job.ID,
		"scheduled_job": job.Name,
		"run_id":        run.ID,
		"status":        status,
		"requested_by":  requestedBy,
	}
	if !res.Success {
		payload["error"] = eventError(res.Stderr)
	}
	if s.pub != nil {
		s.pub.Publish(models.EventBackupProgress, payload)
	}
	s.log.Infow("Scheduled job completed", "job_id", job.ID, "name", job.Name, "success", res.Success)

	return job, res, errors.CombineErrors(runErr, saveErr)
}

// recordRun stores last_run/next_run against the job as it is now, not as it was
// when the run started: an administrator may have edited it meanwhile.
func (s *Scheduler) recordRun(ctx context.Context, id string, finished time.Time) (models.ScheduledJob, error) {
	var err error
	for attempt := 0; attempt < recordAttempts; attempt++ {
		var job models.ScheduledJob
		job, err = s.store.GetJob(ctx, id)
		if err != nil {
			return models.ScheduledJob{}, err
		}
		var next *time.Time
		if t, perr := NextRun(job.CronExpression, finished); perr == nil {
			next = &t
		} else {
			// Unparseable expressions are rejected on write; clear next_run so the job stops being due.
			s.log.Errorw("Cannot compute next run", "job_id", id, "cron", job.CronExpression, "error", perr)
		}
		err = s.store.RecordRun(ctx, id, job.CronExpression, finished, next)
		if err == nil {
			job.LastRun = &finished
			job.NextRun = next
			job.UpdatedAt = finished
			return job, nil
		}
		if !errors.Is(err, models.ErrConflict) {
			return models.ScheduledJob{}, err
		}
	}
	return models.ScheduledJob{}, err
}

func (s *Scheduler) safeRun(ctx context.Context, job models.ScheduledJob, requestedBy string) (run models.BackupJobRun, res models.CommandResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("job %s panicked: %v", job.ID, r)
			res = runner.Rejected(fmt.Sprintf("internal error while running job %s", job.Name))
		}
	}()
	run, res = s.runner.RunJob(ctx, job, requestedBy)
	return run, res, nil
}

// eventError bounds and strips stderr before it leaves the process in an event.
func eventError(stderr string) string {
	r := []rune(runner.SanitizeArg(stderr))
	if len(r) > maxEventError {
		r = r[:maxEventError]
	}
	return string(r)
}
