// Package executor turns backup operations into validated invocations of the
// external backup tool. Every operation returns a models.CommandResult; tool and
// validation failures are reported through it rather than as Go errors.
package executor

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"backup-orchestrator/internal/config"
	"backup-orchestrator/internal/lock"
	"backup-orchestrator/internal/models"
	"backup-orchestrator/internal/runner"
	"backup-orchestrator/internal/telemetry"
)

// DefaultLockKey is used for backups that target the tool's configured default
// repository. ':' never passes ValidatePath, so no explicit repository maps onto it.
const DefaultLockKey = ":default"

// CommandRunner is satisfied by *runner.Runner.
type CommandRunner interface {
	Run(ctx context.Context, c runner.Command) models.CommandResult
}

// Executor drives the backup tool.
type Executor struct {
	bin            string
	configPath     string
	backupPath     string
	allow          []string
	commandTimeout time.Duration
	backupTimeout  time.Duration

	run    CommandRunner
	locker lock.Locker
	log    *zap.SugaredLogger
}

// New wires an executor from config. A nil locker falls back to a process-local one.
func New(cfg config.Config, run CommandRunner, locker lock.Locker, log *zap.SugaredLogger) *Executor {
	if locker == nil {
		locker = lock.NewMemoryLocker()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	allow := make([]string, 0, len(cfg.RepositoryAllowlist))
	for _, dir := range cfg.RepositoryAllowlist {
		if dir = strings.TrimSpace(dir); dir != "" {
			allow = append(allow, path.Clean(dir))
		}
	}
	return &Executor{
		bin:            cfg.BorgmaticBin,
		configPath:     cfg.BorgmaticConfigPath,
		backupPath:     cfg.BorgmaticBackupPath,
		allow:          allow,
		commandTimeout: cfg.CommandTimeout,
		backupTimeout:  cfg.BackupTimeout,
		run:            run,
		locker:         locker,
		log:            log,
	}
}

// ConfigPath is the tool configuration used when callers don't override it.
func (e *Executor) ConfigPath() string { return e.configPath }

func (e *Executor) command(timeout time.Duration, args ...string) runner.Command {
	return runner.Command{Name: e.bin, Args: args, Timeout: timeout}
}

// checkRepository validates a user-supplied repository and returns its sanitized,
// cleaned form. Aliases such as "./r", "r/" and "a//r" all come back as one path,
// which is also the repository's lock key.
func (e *Executor) checkRepository(repository string) (string, *models.CommandResult) {
	if !runner.ValidatePath(repository) {
		res := runner.Rejected("Invalid repository path: contains dangerous characters")
		return "", &res
	}
	if !e.allowed(repository) {
		res := runner.Rejected(fmt.Sprintf("Repository %s is outside the allowed locations", repository))
		return "", &res
	}
	return path.Clean(runner.SanitizeArg(repository)), nil
}

func (e *Executor) allowed(repository string) bool {
	if len(e.allow) == 0 {
		return true
	}
	clean := path.Clean(repository)
	for _, dir := range e.allow {
		if clean == dir || strings.HasPrefix(clean, dir+"/") {
			return true
		}
	}
	return false
}

// checkArchive accepts tool archive names, which may contain ':' but never shell
// metacharacters, path separators or a leading dash.
func checkArchive(archive string) (string, *models.CommandResult) {
	clean := runner.SanitizeArg(archive)
	if archive == "" || clean != archive || strings.HasPrefix(archive, "-") || strings.ContainsAny(archive, "/ \t\n") {
		res := runner.Rejected("Invalid archive name: contains dangerous characters")
		return "", &res
	}
	return clean, nil
}

func (e *Executor) configArgs(configFile string) ([]string, *models.CommandResult) {
	switch {
	case configFile != "":
		if !runner.ValidatePath(configFile) {
			res := runner.Rejected("Invalid config file path: contains dangerous characters")
			return nil, &res
		}
		return []string{"--config", runner.SanitizeArg(configFile)}, nil
	case e.configPath != "":
		if !runner.ValidatePath(e.configPath) {
			res := runner.Rejected("Invalid config path: contains dangerous characters")
			return nil, &res
		}
		return []string{"--config", runner.SanitizeArg(e.configPath)}, nil
	}
	return nil, nil
}

// RunBackup runs "create" against repository (or the configured default when empty).
// Only one backup per repository may run at a time; a concurrent call returns
// immediately with a failed result.
func (e *Executor) RunBackup(ctx context.Context, repository, configFile string) models.CommandResult {
	args := []string{"create"}
	key, label := DefaultLockKey, "default"
	if repository != "" {
		repo, bad := e.checkRepository(repository)
		if bad != nil {
			return *bad
		}
		args = append(args, "--repository", repo)
		key, label = repo, repo
	}
	cfgArgs, bad := e.configArgs(configFile)
	if bad != nil {
		return *bad
	}
	args = append(args, cfgArgs...)

	release, ok, err := e.locker.TryAcquire(ctx, key)
	if err != nil {
		e.log.Errorw("Failed to acquire repository lock", "repository", label, "error", err)
		return runner.Rejected("Failed to acquire repository lock: " + err.Error())
	}
	if !ok {
		telemetry.BackupRejects.Inc()
		e.log.Warnw("Backup already running", "repository", label)
		return runner.Rejected("Backup already running for repository " + label)
	}
	defer release()

	telemetry.BackupsRunning.Inc()
	defer telemetry.BackupsRunning.Dec()

	return e.run.Run(ctx, e.command(e.backupTimeout, args...))
}

// ListArchives runs "list --json" for repository.
func (e *Executor) ListArchives(ctx context.Context, repository string) models.CommandResult {
	repo, bad := e.checkRepository(repository)
	if bad != nil {
		return *bad
	}
	return e.run.Run(ctx, e.command(e.commandTimeout, "list", "--repository", repo, "--json"))
}

func (e *Executor) GetArchiveInfo(ctx context.Context, repository, archive string) models.CommandResult {
	repo, bad := e.checkRepository(repository)
	if bad != nil {
		return *bad
	}
	name, bad := checkArchive(archive)
	if bad != nil {
		return *bad
	}
	return e.run.Run(ctx, e.command(e.commandTimeout, "info", "--repository", repo, "--archive", name, "--json"))
}

// ListArchiveContents lists files of archive, optionally restricted to dir.
func (e *Executor) ListArchiveContents(ctx context.Context, repository, archive, dir string) models.CommandResult {
	repo, bad := e.checkRepository(repository)
	if bad != nil {
		return *bad
	}
	name, bad := checkArchive(archive)
	if bad != nil {
		return *bad
	}
	args := []string{"list", "--repository", repo, "--archive", name, "--json"}
	if dir != "" {
		if !runner.ValidatePath(dir) {
			return runner.Rejected("Invalid path: contains dangerous characters")
		}
		args = append(args, "--path", runner.SanitizeArg(dir))
	}
	return e.run.Run(ctx, e.command(e.commandTimeout, args...))
}

// ExtractArchive restores paths from archive into destination. With dryRun the
// tool only reports what it would extract.
func (e *Executor) ExtractArchive(ctx context.Context, repository, archive string, paths []string, destination string, dryRun bool) models.CommandResult {
	repo, bad := e.checkRepository(repository)
	if bad != nil {
		return *bad
	}
	name, bad := checkArchive(archive)
	if bad != nil {
		return *bad
	}
	if !runner.ValidatePath(destination) {
		return runner.Rejected("Invalid destination path: contains dangerous characters")
	}
	args := []string{"extract"}
	if dryRun {
		args = append(args, "--dry-run")
	}
	args = append(args, "--repository", repo, "--archive", name, "--destination", runner.SanitizeArg(destination))
	for _, p := range paths {
		if !runner.ValidatePath(p) {
			return runner.Rejected(fmt.Sprintf("Invalid extract path %q: contains dangerous characters", runner.SanitizeArg(p)))
		}
		args = append(args, "--path", runner.SanitizeArg(p))
	}
	return e.run.Run(ctx, e.command(e.backupTimeout, args...))
}

func (e *Executor) DeleteArchive(ctx context.Context, repository, archive string) models.CommandResult {
	repo, bad := e.checkRepository(repository)
	if bad != nil {
		return *bad
	}
	name, bad := checkArchive(archive)
	if bad != nil {
		return *bad
	}
	return e.run.Run(ctx, e.command(e.commandTimeout, "delete", "--repository", repo, "--archive", name))
}

// PruneArchives applies policy to repository. Negative counts are rejected.
func (e *Executor) PruneArchives(ctx context.Context, repository string, policy models.RetentionPolicy) models.CommandResult {
	repo, bad := e.checkRepository(repository)
	if bad != nil {
		return *bad
	}
	if policy.KeepDaily < 0 || policy.KeepWeekly < 0 || policy.KeepMonthly < 0 || policy.KeepYearly < 0 {
		return runner.Rejected("Invalid retention policy: counts must not be negative")
	}
	return e.run.Run(ctx, e.command(e.commandTimeout,
		"prune",
		"--repository", repo,
		"--keep-daily", strconv.Itoa(policy.KeepDaily),
		"--keep-weekly", strconv.Itoa(policy.KeepWeekly),
		"--keep-monthly", strconv.Itoa(policy.KeepMonthly),
		"--keep-yearly", strconv.Itoa(policy.KeepYearly),
	))
}

func (e *Executor) CheckRepository(ctx context.Context, repository string) models.CommandResult {
	repo, bad := e.checkRepository(repository)
	if bad != nil {
		return *bad
	}
	return e.run.Run(ctx, e.command(e.commandTimeout, "check", "--repository", repo))
}

func (e *Executor) CompactRepository(ctx context.Context, repository string) models.CommandResult {
	repo, bad := e.checkRepository(repository)
	if bad != nil {
		return *bad
	}
	return e.run.Run(ctx, e.command(e.commandTimeout, "compact", "--repository", repo))
}

// Version returns the tool's version string or "Unknown".
func (e *Executor) Version(ctx context.Context) string {
	res := e.run.Run(ctx, e.command(10*time.Second, "--version"))
	if !res.Success {
		return "Unknown"
	}
	return strings.TrimSpace(res.Stdout)
}

// SystemInfo summarises the installation.
func (e *Executor) SystemInfo(ctx context.Context) models.SystemInfo {
	help := e.run.Run(ctx, e.command(10*time.Second, "--help"))
	return models.SystemInfo{
		Version:        e.Version(ctx),
		ConfigPath:     e.configPath,
		BackupPath:     e.backupPath,
		HelpAvailable:  help.Success,
		RunningBackups: e.RunningBackups(ctx),
	}
}

// RunningBackups lists repositories whose backup lock is held, across every
// instance when the locker is shared.
func (e *Executor) RunningBackups(ctx context.Context) []string {
	keys, err := e.locker.Held(ctx)
	if err != nil {
		e.log.Warnw("Cannot list running backups", "error", err)
		return []string{}
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == DefaultLockKey {
			k = "default"
		}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
