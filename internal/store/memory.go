package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"backup-orchestrator/internal/models"
)

// Memory is a process-local job and run store for development and tests.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]models.ScheduledJob
	runs map[string]models.BackupJobRun
}

func NewMemory() *Memory {
	return &Memory{
		jobs: make(map[string]models.ScheduledJob),
		runs: make(map[string]models.BackupJobRun),
	}
}

func (m *Memory) Close() {}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) nameTaken(name, selfID string) bool {
	for _, j := range m.jobs {
		if j.Name == name && j.ID != selfID {
			return true
		}
	}
	return false
}

func (m *Memory) CreateJob(_ context.Context, job models.ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return errors.Wrapf(models.ErrConflict, "job id %s", job.ID)
	}
	if m.nameTaken(job.Name, job.ID) {
		return errors.Wrapf(models.ErrConflict, "job name %s", job.Name)
	}
	m.jobs[job.ID] = job
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.ScheduledJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.ScheduledJob{}, errors.Wrapf(models.ErrNotFound, "scheduled job %s", id)
	}
	return job, nil
}

func (m *Memory) GetJobByName(_ context.Context, name string) (models.ScheduledJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, j := range m.jobs {
		if j.Name == name {
			return j, nil
		}
	}
	return models.ScheduledJob{}, errors.Wrapf(models.ErrNotFound, "scheduled job %q", name)
}

func (m *Memory) ListJobs(_ context.Context) ([]models.ScheduledJob, error) {
	m.mu.RLock()
	out := make([]models.ScheduledJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out, nil
}

func (m *Memory) ListDueJobs(_ context.Context, now time.Time) ([]models.ScheduledJob, error) {
	m.mu.RLock()
	var out []models.ScheduledJob
	for _, j := range m.jobs {
		if j.IsDue(now) {
			out = append(out, j)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool {
		if !out[i].NextRun.Equal(*out[k].NextRun) {
			return out[i].NextRun.Before(*out[k].NextRun)
		}
		return out[i].Name < out[k].Name
	})
	return out, nil
}

func (m *Memory) UpdateJob(_ context.Context, job models.ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return errors.Wrapf(models.ErrNotFound, "scheduled job %s", job.ID)
	}
	if m.nameTaken(job.Name, job.ID) {
		return errors.Wrapf(models.ErrConflict, "job name %s", job.Name)
	}
	m.jobs[job.ID] = job
	return nil
}

func (m *Memory) RecordRun(_ context.Context, id, cronExpr string, lastRun time.Time, nextRun *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return errors.Wrapf(models.ErrNotFound, "scheduled job %s", id)
	}
	if job.CronExpression != cronExpr {
		return errors.Wrapf(models.ErrConflict, "scheduled job %s cron changed", id)
	}
	job.LastRun = &lastRun
	job.NextRun = nextRun
	job.UpdatedAt = lastRun
	m.jobs[id] = job
	return nil
}

func (m *Memory) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return errors.Wrapf(models.ErrNotFound, "scheduled job %s", id)
	}
	delete(m.jobs, id)
	return nil
}

func (m *Memory) CreateRun(_ context.Context, run models.BackupJobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return errors.Wrapf(models.ErrConflict, "run %s", run.ID)
	}
	m.runs[run.ID] = run
	return nil
}

func (m *Memory) GetRun(_ context.Context, id string) (models.BackupJobRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return models.BackupJobRun{}, errors.Wrapf(models.ErrNotFound, "run %s", id)
	}
	return run, nil
}

// UpdateRun refuses to change a run that is already terminal.
func (m *Memory) UpdateRun(_ context.Context, run models.BackupJobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.runs[run.ID]
	if !ok {
		return errors.Wrapf(models.ErrNotFound, "run %s", run.ID)
	}
	if cur.Status.Terminal() {
		return errors.Wrapf(models.ErrConflict, "run %s already %s", run.ID, cur.Status)
	}
	m.runs[run.ID] = run
	return nil
}

// ListRuns returns the most recent runs first.
func (m *Memory) ListRuns(_ context.Context, limit int) ([]models.BackupJobRun, error) {
	m.mu.RLock()
	out := make([]models.BackupJobRun, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.After(out[k].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
