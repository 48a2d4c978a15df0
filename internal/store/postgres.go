// Package store persists scheduled jobs and backup runs, in Postgres or in memory.
package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"backup-orchestrator/internal/models"
)

const uniqueViolation = "23505"

// Postgres wraps pgxpool for persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func mapWriteErr(err error, what string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return errors.Wrapf(models.ErrConflict, "%s: %s", what, pgErr.ConstraintName)
	}
	return errors.Wrap(err, what)
}

const jobColumns = `id, name, cron_expression, repository, config_file, enabled, last_run, next_run, description, created_at, updated_at`

func scanJob(row pgx.Row) (models.ScheduledJob, error) {
	var job models.ScheduledJob
	var repo, cfgFile, desc pgtype.Text
	var lastRun, nextRun pgtype.Timestamptz
	if err := row.Scan(&job.ID, &job.Name, &job.CronExpression, &repo, &cfgFile, &job.Enabled, &lastRun, &nextRun, &desc, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.ScheduledJob{}, err
	}
	job.Repository = textPtr(repo)
	job.ConfigFile = textPtr(cfgFile)
	job.Description = textPtr(desc)
	job.LastRun = timePtr(lastRun)
	job.NextRun = timePtr(nextRun)
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]models.ScheduledJob, error) {
	defer rows.Close()
	out := []models.ScheduledJob{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan scheduled job")
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *Postgres) CreateJob(ctx context.Context, job models.ScheduledJob) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scheduled_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, job.ID, job.Name, job.CronExpression, job.Repository, job.ConfigFile, job.Enabled, job.LastRun, job.NextRun, job.Description, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return mapWriteErr(err, "insert scheduled job")
	}
	return nil
}

func (s *Postgres) GetJob(ctx context.Context, id string) (models.ScheduledJob, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ScheduledJob{}, errors.Wrapf(models.ErrNotFound, "scheduled job %s", id)
	}
	if err != nil {
		return models.ScheduledJob{}, errors.Wrap(err, "query scheduled job")
	}
	return job, nil
}

func (s *Postgres) GetJobByName(ctx context.Context, name string) (models.ScheduledJob, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ScheduledJob{}, errors.Wrapf(models.ErrNotFound, "scheduled job %q", name)
	}
	if err != nil {
		return models.ScheduledJob{}, errors.Wrap(err, "query scheduled job by name")
	}
	return job, nil
}

func (s *Postgres) ListJobs(ctx context.Context) ([]models.ScheduledJob, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "list scheduled jobs")
	}
	return collectJobs(rows)
}

func (s *Postgres) ListDueJobs(ctx context.Context, now time.Time) ([]models.ScheduledJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM scheduled_jobs
		WHERE enabled AND next_run IS NOT NULL AND next_run <= $1
		ORDER BY next_run, name
	`, now)
	if err != nil {
		return nil, errors.Wrap(err, "list due jobs")
	}
	return collectJobs(rows)
}

func (s *Postgres) UpdateJob(ctx context.Context, job models.ScheduledJob) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_jobs
		SET name = $2, cron_expression = $3, repository = $4, config_file = $5, enabled = $6,
		    last_run = $7, next_run = $8, description = $9, updated_at = $10
		WHERE id = $1
	`, job.ID, job.Name, job.CronExpression, job.Repository, job.ConfigFile, job.Enabled, job.LastRun, job.NextRun, job.Description, job.UpdatedAt)
	if err != nil {
		return mapWriteErr(err, "update scheduled job")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(models.ErrNotFound, "scheduled job %s", job.ID)
	}
	return nil
}

func (s *Postgres) RecordRun(ctx context.Context, id, cronExpr string, lastRun time.Time, nextRun *time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_jobs
		SET last_run = $3, next_run = $4, updated_at = $3
		WHERE id = $1 AND cron_expression = $2
	`, id, cronExpr, lastRun, nextRun)
	if err != nil {
		return errors.Wrap(err, "record scheduled run")
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM scheduled_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return errors.Wrap(err, "record scheduled run")
	}
	if !exists {
		return errors.Wrapf(models.ErrNotFound, "scheduled job %s", id)
	}
	return errors.Wrapf(models.ErrConflict, "scheduled job %s cron changed", id)
}

func (s *Postgres) DeleteJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM scheduled_jobs WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "delete scheduled job")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(models.ErrNotFound, "scheduled job %s", id)
	}
	return nil
}

const runColumns = `id, repository, scheduled_job_id, requested_by, status, progress, logs, error_message, started_at, completed_at`

func scanRun(row pgx.Row) (models.BackupJobRun, error) {
	var run models.BackupJobRun
	var jobID, errMsg pgtype.Text
	var completed pgtype.Timestamptz
	var status string
	if err := row.Scan(&run.ID, &run.Repository, &jobID, &run.RequestedBy, &status, &run.Progress, &run.Logs, &errMsg, &run.StartedAt, &completed); err != nil {
		return models.BackupJobRun{}, err
	}
	run.Status = models.RunStatus(status)
	run.ScheduledJobID = textPtr(jobID)
	run.ErrorMessage = textPtr(errMsg)
	run.CompletedAt = timePtr(completed)
	return run, nil
}

func (s *Postgres) CreateRun(ctx context.Context, run models.BackupJobRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO backup_job_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, run.ID, run.Repository, run.ScheduledJobID, run.RequestedBy, string(run.Status), run.Progress, run.Logs, run.ErrorMessage, run.StartedAt, run.CompletedAt)
	if err != nil {
		return mapWriteErr(err, "insert backup run")
	}
	return nil
}

func (s *Postgres) GetRun(ctx context.Context, id string) (models.BackupJobRun, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM backup_job_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.BackupJobRun{}, errors.Wrapf(models.ErrNotFound, "run %s", id)
	}
	if err != nil {
		return models.BackupJobRun{}, errors.Wrap(err, "query backup run")
	}
	return run, nil
}

// UpdateRun only touches rows that are still running, so a terminal run is never resurrected.
func (s *Postgres) UpdateRun(ctx context.Context, run models.BackupJobRun) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE backup_job_runs
		SET status = $2, progress = $3, logs = $4, error_message = $5, completed_at = $6
		WHERE id = $1 AND status = $7
	`, run.ID, string(run.Status), run.Progress, run.Logs, run.ErrorMessage, run.CompletedAt, string(models.RunStatusRunning))
	if err != nil {
		return errors.Wrap(err, "update backup run")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	cur, err := s.GetRun(ctx, run.ID)
	if err != nil {
		return err
	}
	return errors.Wrapf(models.ErrConflict, "run %s already %s", run.ID, cur.Status)
}

func (s *Postgres) ListRuns(ctx context.Context, limit int) ([]models.BackupJobRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT `+runColumns+` FROM backup_job_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list backup runs")
	}
	defer rows.Close()
	out := []models.BackupJobRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan backup run")
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
