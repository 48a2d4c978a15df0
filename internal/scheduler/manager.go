package scheduler

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"backup-orchestrator/internal/models"
	"backup-orchestrator/internal/runner"
)

const maxNameLength = 255

// JobInput carries the administrator-owned fields of a new job.
type JobInput struct {
	Name           string  `json:"name"`
	CronExpression string  `json:"cron_expression"`
	Repository     *string `json:"repository"`
	ConfigFile     *string `json:"config_file"`
	Enabled        *bool   `json:"enabled"`
	Description    *string `json:"description"`
}

// JobUpdate is a partial update; nil fields are left unchanged.
// An empty Repository or ConfigFile clears the override.
type JobUpdate struct {
	Name           *string `json:"name"`
	CronExpression *string `json:"cron_expression"`
	Repository     *string `json:"repository"`
	ConfigFile     *string `json:"config_file"`
	Enabled        *bool   `json:"enabled"`
	Description    *string `json:"description"`
}

// JobDetail is a job together with its upcoming activations.
type JobDetail struct {
	models.ScheduledJob
	NextRuns []time.Time `json:"next_runs"`
}

// UpcomingJob is one entry of the look-ahead listing.
type UpcomingJob struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Repository     *string   `json:"repository"`
	NextRun        time.Time `json:"next_run"`
	CronExpression string    `json:"cron_expression"`
}

// CronPreview is the result of validating an expression built from fields.
type CronPreview struct {
	Expression  string      `json:"cron_expression"`
	NextRuns    []time.Time `json:"next_runs"`
	Description string      `json:"description"`
}

// Manager implements the administrator operations on scheduled jobs.
// Every input is validated before it reaches the store.
type Manager struct {
	store JobStore
	sched *Scheduler
	log   *zap.SugaredLogger
	now   func() time.Time
}

func NewManager(store JobStore, sched *Scheduler, log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Manager{store: store, sched: sched, log: log, now: time.Now}
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.Wrap(ErrInvalidName, "name is required")
	}
	if len(name) > maxNameLength {
		return "", errors.Wrapf(ErrInvalidName, "name longer than %d characters", maxNameLength)
	}
	return name, nil
}

// optionalPath validates an optional path override; "" becomes nil.
func optionalPath(field string, p *string) (*string, error) {
	if p == nil {
		return nil, nil
	}
	v := strings.TrimSpace(*p)
	if v == "" {
		return nil, nil
	}
	if !runner.ValidatePath(v) {
		return nil, errors.Wrapf(ErrInvalidPath, "%s contains dangerous characters", field)
	}
	return &v, nil
}

func (m *Manager) ensureNameFree(ctx context.Context, name, selfID string) error {
	existing, err := m.store.GetJobByName(ctx, name)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil
	case err != nil:
		return err
	case existing.ID != selfID:
		return ErrNameTaken
	}
	return nil
}

// Create validates in and stores a new job armed for its first activation.
func (m *Manager) Create(ctx context.Context, in JobInput) (models.ScheduledJob, error) {
	name, err := validateName(in.Name)
	if err != nil {
		return models.ScheduledJob{}, err
	}
	expr := strings.TrimSpace(in.CronExpression)
	now := m.now()
	next, err := NextRun(expr, now)
	if err != nil {
		return models.ScheduledJob{}, err
	}
	repo, err := optionalPath("repository", in.Repository)
	if err != nil {
		return models.ScheduledJob{}, err
	}
	cfgFile, err := optionalPath("config_file", in.ConfigFile)
	if err != nil {
		return models.ScheduledJob{}, err
	}
	if err := m.ensureNameFree(ctx, name, ""); err != nil {
		return models.ScheduledJob{}, err
	}

	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}
	job := models.ScheduledJob{
		ID:             uuid.NewString(),
		Name:           name,
		CronExpression: expr,
		Repository:     repo,
		ConfigFile:     cfgFile,
		Enabled:        enabled,
		NextRun:        &next,
		Description:    in.Description,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		if errors.Is(err, models.ErrConflict) {
			return models.ScheduledJob{}, ErrNameTaken
		}
		return models.ScheduledJob{}, errors.Wrap(err, "create scheduled job")
	}
	m.log.Infow("Scheduled job created", "job_id", job.ID, "name", job.Name)
	return job, nil
}

// Update applies in to job id. A changed cron expression recomputes next_run from
// now; re-enabling a disabled job does the same so it does not fire for a missed slot.
func (m *Manager) Update(ctx context.Context, id string, in JobUpdate) (models.ScheduledJob, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return models.ScheduledJob{}, err
	}
	now := m.now()
	rearm := false

	if in.Name != nil {
		name, err := validateName(*in.Name)
		if err != nil {
			return models.ScheduledJob{}, err
		}
		if err := m.ensureNameFree(ctx, name, job.ID); err != nil {
			return models.ScheduledJob{}, err
		}
		job.Name = name
	}
	if in.CronExpression != nil {
		expr := strings.TrimSpace(*in.CronExpression)
		if _, err := ParseCron(expr); err != nil {
			return models.ScheduledJob{}, err
		}
		job.CronExpression = expr
		rearm = true
	}
	if in.Repository != nil {
		repo, err := optionalPath("repository", in.Repository)
		if err != nil {
			return models.ScheduledJob{}, err
		}
		job.Repository = repo
	}
	if in.ConfigFile != nil {
		cfgFile, err := optionalPath("config_file", in.ConfigFile)
		if err != nil {
			return models.ScheduledJob{}, err
		}
		job.ConfigFile = cfgFile
	}
	if in.Enabled != nil {
		if *in.Enabled && !job.Enabled {
			rearm = true
		}
		job.Enabled = *in.Enabled
	}
	if in.Description != nil {
		job.Description = in.Description
	}
	if rearm {
		next, err := NextRun(job.CronExpression, now)
		if err != nil {
			return models.ScheduledJob{}, err
		}
		job.NextRun = &next
	}
	job.UpdatedAt = now

	if err := m.save(ctx, job); err != nil {
		return models.ScheduledJob{}, err
	}
	m.log.Infow("Scheduled job updated", "job_id", job.ID, "name", job.Name)
	return job, nil
}

func (m *Manager) save(ctx context.Context, job models.ScheduledJob) error {
	if err := m.store.UpdateJob(ctx, job); err != nil {
		if errors.Is(err, models.ErrConflict) {
			return ErrNameTaken
		}
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return errors.Wrapf(err, "update scheduled job %s", job.ID)
	}
	return nil
}

func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	m.log.Infow("Scheduled job deleted", "job_id", id)
	return nil
}

// SetEnabled arms or disarms a job. Disabled jobs are never due.
func (m *Manager) SetEnabled(ctx context.Context, id string, enabled bool) (models.ScheduledJob, error) {
	return m.Update(ctx, id, JobUpdate{Enabled: &enabled})
}

// Toggle flips the enabled flag.
func (m *Manager) Toggle(ctx context.Context, id string) (models.ScheduledJob, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return models.ScheduledJob{}, err
	}
	job, err = m.SetEnabled(ctx, id, !job.Enabled)
	if err != nil {
		return models.ScheduledJob{}, err
	}
	m.log.Infow("Scheduled job toggled", "job_id", id, "enabled", job.Enabled)
	return job, nil
}

// RunNow runs the job immediately with the same bookkeeping as a scheduled run.
// Disabled jobs can still be run by hand.
func (m *Manager) RunNow(ctx context.Context, id, requestedBy string) (models.ScheduledJob, models.CommandResult, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return models.ScheduledJob{}, models.CommandResult{}, err
	}
	m.log.Infow("Scheduled job run manually", "job_id", id, "user", requestedBy)
	return m.sched.Trigger(ctx, job, requestedBy)
}

// Get returns the job with its next five activations.
func (m *Manager) Get(ctx context.Context, id string) (JobDetail, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return JobDetail{}, err
	}
	runs, err := NextRuns(job.CronExpression, m.now(), 5)
	if err != nil {
		runs = []time.Time{}
	}
	return JobDetail{ScheduledJob: job, NextRuns: runs}, nil
}

func (m *Manager) List(ctx context.Context) ([]models.ScheduledJob, error) {
	return m.store.ListJobs(ctx)
}

// Upcoming lists enabled jobs whose next activation falls within the window, soonest first.
func (m *Manager) Upcoming(ctx context.Context, window time.Duration) ([]UpcomingJob, error) {
	jobs, err := m.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now()
	end := now.Add(window)
	out := []UpcomingJob{}
	for _, job := range jobs {
		if !job.Enabled {
			continue
		}
		next, err := NextRun(job.CronExpression, now)
		if err != nil || next.After(end) {
			continue
		}
		out = append(out, UpcomingJob{
			ID:             job.ID,
			Name:           job.Name,
			Repository:     job.Repository,
			NextRun:        next,
			CronExpression: job.CronExpression,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].NextRun.Before(out[j].NextRun) })
	return out, nil
}

// PreviewCron validates the expression built from fields and lists its next ten activations.
func (m *Manager) PreviewCron(fields CronFields) (CronPreview, error) {
	expr := fields.Expression()
	runs, err := NextRuns(expr, m.now(), 10)
	if err != nil {
		return CronPreview{Expression: expr}, err
	}
	return CronPreview{Expression: expr, NextRuns: runs, Description: Describe(expr)}, nil
}
