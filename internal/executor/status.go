package executor

import (
	"context"
	"time"

	"backup-orchestrator/internal/models"
	"backup-orchestrator/internal/runner"
	"backup-orchestrator/internal/telemetry"
)

// GetRepositoryStatus reports every repository listed in the tool configuration.
// A repository that cannot be listed is marked with an error status; only an
// unreadable configuration fails the whole report.
func (e *Executor) GetRepositoryStatus(ctx context.Context) (models.RepositoryStatusReport, error) {
	repos, err := e.repositories()
	if err != nil {
		return models.RepositoryStatusReport{}, err
	}
	report := models.RepositoryStatusReport{
		Repositories: make([]models.RepositoryStatus, 0, len(repos)),
		CheckedAt:    time.Now().UTC(),
	}
	failed := 0
	for _, repo := range repos {
		st := e.repositoryStatus(ctx, repo)
		if st.Status == models.RepoStatusError {
			failed++
		}
		report.Repositories = append(report.Repositories, st)
	}
	telemetry.RepositoryErrors.Set(float64(failed))
	return report, nil
}

func (e *Executor) repositoryStatus(ctx context.Context, repo RepositoryConfig) (st models.RepositoryStatus) {
	st = models.RepositoryStatus{
		Name:       repo.DisplayName(),
		Path:       repo.Path,
		Encryption: repo.Encryption,
		TotalSize:  "0",
		Status:     models.RepoStatusUnknown,
	}
	if st.Encryption == "" {
		st.Encryption = "unknown"
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorw("Repository status panicked", "repository", repo.Path, "panic", r)
			st.Status = models.RepoStatusError
			st.Error = "internal error"
		}
	}()

	res := e.ListArchives(ctx, repo.Path)
	if !res.Success {
		e.log.Warnw("Failed to get repository status", "repository", repo.Path, "error", res.Stderr)
		st.Status = models.RepoStatusError
		st.Error = runner.SanitizeArg(res.Stderr)
		return st
	}
	archives, err := ParseArchives(res.Stdout)
	if err != nil {
		e.log.Warnw("Failed to parse archive listing", "repository", repo.Path, "error", err)
		st.Status = models.RepoStatusError
		st.Error = err.Error()
		return st
	}
	st.ArchiveCount = len(archives)
	if len(archives) == 0 {
		st.Status = models.RepoStatusEmpty
		return st
	}
	latest := archives[len(archives)-1]
	when := latest.Time
	if when == "" {
		when = latest.Start
	}
	if when != "" {
		st.LastBackup = &when
	}
	st.TotalSize = sizeString(latest.Size)
	st.Status = models.RepoStatusHealthy
	return st
}
