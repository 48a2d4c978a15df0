package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backup-orchestrator/internal/config"
	"backup-orchestrator/internal/lock"
	"backup-orchestrator/internal/models"
	"backup-orchestrator/internal/runner"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []runner.Command
	// respond picks the result for a command; nil means success with empty output.
	respond func(runner.Command) models.CommandResult
}

func (f *fakeRunner) Run(_ context.Context, c runner.Command) models.CommandResult {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		return respond(c)
	}
	return models.CommandResult{Success: true, Command: c.Argv()}
}

func (f *fakeRunner) Calls() []runner.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runner.Command(nil), f.calls...)
}

func testConfig() config.Config {
	return config.Config{
		BorgmaticBin:        "borgmatic",
		BorgmaticConfigPath: "config/borgmatic.yaml",
		BorgmaticBackupPath: "/backups",
		CommandTimeout:      time.Hour,
		BackupTimeout:       6 * time.Hour,
	}
}

func newExecutor(f *fakeRunner) *Executor {
	return New(testConfig(), f, lock.NewMemoryLocker(), nil)
}

func TestRunBackupBuildsCommand(t *testing.T) {
	f := &fakeRunner{}
	e := newExecutor(f)

	res := e.RunBackup(context.Background(), "repos/main", "")
	require.True(t, res.Success)

	calls := f.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"borgmatic", "create", "--repository", "repos/main", "--config", "config/borgmatic.yaml"}, calls[0].Argv())
	assert.Equal(t, 6*time.Hour, calls[0].Timeout)
}

func TestRunBackupRejectsUnsafeInput(t *testing.T) {
	f := &fakeRunner{}
	e := newExecutor(f)

	res := e.RunBackup(context.Background(), "repo; rm -rf /", "")
	assert.False(t, res.Success)
	assert.Equal(t, -1, res.ExitCode)
	assert.Contains(t, res.Stderr, "Invalid repository path")

	res = e.RunBackup(context.Background(), "repo", "../etc/config.yaml")
	assert.False(t, res.Success)
	assert.Contains(t, res.Stderr, "Invalid config file path")

	assert.Empty(t, f.Calls(), "no process may be spawned for rejected input")
}

func TestRunBackupSingleFlightPerRepository(t *testing.T) {
	started := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	f := &fakeRunner{respond: func(c runner.Command) models.CommandResult {
		once.Do(func() { close(started) })
		<-unblock
		return models.CommandResult{Success: true}
	}}
	e := newExecutor(f)

	var first models.CommandResult
	done := make(chan struct{})
	go func() {
		first = e.RunBackup(context.Background(), "repos/main", "")
		close(done)
	}()
	<-started

	second := e.RunBackup(context.Background(), "repos/main", "")
	assert.False(t, second.Success)
	assert.Equal(t, "Backup already running for repository repos/main", second.Stderr)

	for _, alias := range []string{"./repos/main", "repos/main/", "repos//main", "repos/./main"} {
		res := e.RunBackup(context.Background(), alias, "")
		assert.False(t, res.Success, alias)
		assert.Equal(t, "Backup already running for repository repos/main", res.Stderr, alias)
	}

	// Neither the tool's default repository nor one literally named "default" shares the lock.
	other := make(chan models.CommandResult, 2)
	go func() { other <- e.RunBackup(context.Background(), "default", "") }()
	go func() { other <- e.RunBackup(context.Background(), "", "") }()

	close(unblock)
	<-done
	assert.True(t, first.Success)
	assert.True(t, (<-other).Success)
	assert.True(t, (<-other).Success)
	assert.Len(t, f.Calls(), 3)

	// Flag is cleared once the first run finishes.
	f.respond = nil
	third := e.RunBackup(context.Background(), "repos/main", "")
	assert.True(t, third.Success)
}

func TestRunBackupReleasesOnFailure(t *testing.T) {
	f := &fakeRunner{respond: func(runner.Command) models.CommandResult {
		return models.CommandResult{ExitCode: 2, Stderr: "boom"}
	}}
	e := newExecutor(f)

	assert.False(t, e.RunBackup(context.Background(), "", "").Success)
	res := e.RunBackup(context.Background(), "", "")
	assert.Equal(t, "boom", res.Stderr, "a failed run must not leave the repository locked")
}

type failingLocker struct{}

func (failingLocker) TryAcquire(context.Context, string) (func(), bool, error) {
	return nil, false, errors.New("redis down")
}

func (failingLocker) Held(context.Context) ([]string, error) {
	return nil, errors.New("redis down")
}

func TestRunBackupLockError(t *testing.T) {
	f := &fakeRunner{}
	e := New(testConfig(), f, failingLocker{}, nil)
	res := e.RunBackup(context.Background(), "repo", "")
	assert.False(t, res.Success)
	assert.Contains(t, res.Stderr, "redis down")
	assert.Empty(t, f.Calls())
}

func TestRepositoryAllowlist(t *testing.T) {
	cfg := testConfig()
	cfg.RepositoryAllowlist = []string{"backups/", "offsite"}
	f := &fakeRunner{}
	e := New(cfg, f, nil, nil)

	assert.True(t, e.CheckRepository(context.Background(), "backups/main").Success)
	assert.True(t, e.CheckRepository(context.Background(), "offsite").Success)
	res := e.CheckRepository(context.Background(), "backupsx/main")
	assert.False(t, res.Success)
	assert.Contains(t, res.Stderr, "outside the allowed locations")
}

func TestArchiveOperations(t *testing.T) {
	f := &fakeRunner{}
	e := newExecutor(f)
	ctx := context.Background()

	e.GetArchiveInfo(ctx, "repo", "host-2024-01-01T10:00:00")
	e.ListArchiveContents(ctx, "repo", "host-1", "home/user")
	e.ExtractArchive(ctx, "repo", "host-1", []string{"etc", "home/user"}, "restore", true)
	e.DeleteArchive(ctx, "repo", "host-1")
	e.PruneArchives(ctx, "repo", models.DefaultRetention())
	e.CompactRepository(ctx, "repo")

	calls := f.Calls()
	require.Len(t, calls, 6)
	assert.Equal(t, "borgmatic info --repository repo --archive host-2024-01-01T10:00:00 --json", strings.Join(calls[0].Argv(), " "))
	assert.Equal(t, "borgmatic list --repository repo --archive host-1 --json --path home/user", strings.Join(calls[1].Argv(), " "))
	assert.Equal(t, "borgmatic extract --dry-run --repository repo --archive host-1 --destination restore --path etc --path home/user", strings.Join(calls[2].Argv(), " "))
	assert.Equal(t, 6*time.Hour, calls[2].Timeout)
	assert.Equal(t, "borgmatic delete --repository repo --archive host-1", strings.Join(calls[3].Argv(), " "))
	assert.Equal(t, "borgmatic prune --repository repo --keep-daily 7 --keep-weekly 4 --keep-monthly 6 --keep-yearly 1", strings.Join(calls[4].Argv(), " "))
	assert.Equal(t, "borgmatic compact --repository repo", strings.Join(calls[5].Argv(), " "))
}

func TestArchiveValidation(t *testing.T) {
	f := &fakeRunner{}
	e := newExecutor(f)
	ctx := context.Background()

	for _, name := range []string{"", "-rf", "a;b", "a/b", "$(id)"} {
		res := e.DeleteArchive(ctx, "repo", name)
		assert.False(t, res.Success, name)
	}
	assert.False(t, e.ExtractArchive(ctx, "repo", "a1", []string{"../etc"}, "restore", false).Success)
	assert.False(t, e.ExtractArchive(ctx, "repo", "a1", nil, "/", false).Success)
	assert.False(t, e.PruneArchives(ctx, "repo", models.RetentionPolicy{KeepDaily: -1}).Success)
	assert.Empty(t, f.Calls())
}

func TestParseArchives(t *testing.T) {
	single := `{"archives":[{"name":"a1","time":"2024-01-01T00:00:00"},{"name":"a2","time":"2024-01-02T00:00:00","size":1024}]}`
	archives, err := ParseArchives(single)
	require.NoError(t, err)
	require.Len(t, archives, 2)
	assert.Equal(t, "a2", archives[1].Name)

	multi := `[{"archives":[{"name":"a1"}]},{"archives":[{"name":"b1"},{"name":"b2"}]}]`
	archives, err = ParseArchives(multi)
	require.NoError(t, err)
	assert.Len(t, archives, 3)

	_, err = ParseArchives("not json")
	assert.Error(t, err)
	_, err = ParseArchives("   ")
	assert.Error(t, err)
}

func writeToolConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "borgmatic.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestGetRepositoryStatusIsolatesFailures(t *testing.T) {
	cfg := testConfig()
	cfg.BorgmaticConfigPath = writeToolConfig(t, `
repositories:
  - path: repos/good
    label: good
    encryption: repokey
  - path: repos/broken
    name: broken
  - path: repos/empty
  - path: /absolute/repo
`)
	f := &fakeRunner{respond: func(c runner.Command) models.CommandResult {
		repo := c.Args[2]
		switch repo {
		case "repos/good":
			return models.CommandResult{Success: true, Stdout: `{"archives":[{"name":"a1","time":"t1"},{"name":"a2","time":"t2","size":"2 GB"}]}`}
		case "repos/empty":
			return models.CommandResult{Success: true, Stdout: `{"archives":[]}`}
		}
		return models.CommandResult{ExitCode: 2, Stderr: "Repository does not exist"}
	}}
	e := New(cfg, f, nil, nil)

	report, err := e.GetRepositoryStatus(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Repositories, 4)

	good := report.Repositories[0]
	assert.Equal(t, "good", good.Name)
	assert.Equal(t, models.RepoStatusHealthy, good.Status)
	assert.Equal(t, 2, good.ArchiveCount)
	require.NotNil(t, good.LastBackup)
	assert.Equal(t, "t2", *good.LastBackup)
	assert.Equal(t, "2 GB", good.TotalSize)
	assert.Equal(t, "repokey", good.Encryption)

	broken := report.Repositories[1]
	assert.Equal(t, models.RepoStatusError, broken.Status)
	assert.Equal(t, "Repository does not exist", broken.Error)

	assert.Equal(t, models.RepoStatusEmpty, report.Repositories[2].Status)
	assert.Equal(t, "Unknown", report.Repositories[2].Name)
	assert.Equal(t, "unknown", report.Repositories[2].Encryption)

	assert.Equal(t, models.RepoStatusError, report.Repositories[3].Status)
}

func TestGetRepositoryStatusMissingConfig(t *testing.T) {
	cfg := testConfig()
	cfg.BorgmaticConfigPath = filepath.Join(t.TempDir(), "missing.yaml")
	e := New(cfg, &fakeRunner{}, nil, nil)

	_, err := e.GetRepositoryStatus(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfigNotFound))
}

func TestValidateConfig(t *testing.T) {
	var seenPath string
	f := &fakeRunner{respond: func(c runner.Command) models.CommandResult {
		seenPath = c.Args[len(c.Args)-1]
		return models.CommandResult{
			ExitCode: 1,
			Stderr:   seenPath + ": The exclude_patterns option is deprecated\nsummary:\n" + seenPath + ": repositories is a required property",
		}
	}}
	e := newExecutor(f)

	v, err := e.ValidateConfig(context.Background(), "location: {}\n")
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, []string{"config.yaml: The exclude_patterns option is deprecated"}, v.Warnings)
	assert.Equal(t, []string{"config.yaml: repositories is a required property"}, v.Errors)
	assert.Equal(t, "config.yaml: repositories is a required property", v.Error)

	_, statErr := os.Stat(seenPath)
	assert.True(t, os.IsNotExist(statErr), "temp config must be removed")
}

func TestValidateConfigSuccess(t *testing.T) {
	f := &fakeRunner{respond: func(runner.Command) models.CommandResult {
		return models.CommandResult{Success: true, Stdout: "All configuration files are valid"}
	}}
	e := newExecutor(f)

	v, err := e.ValidateConfig(context.Background(), "repositories:\n  - path: repo\n")
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Empty(t, v.Errors)
	assert.NotNil(t, v.Config)
}

func TestSystemInfo(t *testing.T) {
	f := &fakeRunner{respond: func(c runner.Command) models.CommandResult {
		if c.Args[0] == "--version" {
			return models.CommandResult{Success: true, Stdout: "1.8.5\n"}
		}
		return models.CommandResult{Success: true}
	}}
	e := newExecutor(f)
	info := e.SystemInfo(context.Background())
	assert.Equal(t, "1.8.5", info.Version)
	assert.True(t, info.HelpAvailable)
	assert.Equal(t, "/backups", info.BackupPath)
	assert.Empty(t, info.RunningBackups)
}

func TestRunningBackups(t *testing.T) {
	started := make(chan struct{}, 2)
	unblock := make(chan struct{})
	f := &fakeRunner{respond: func(c runner.Command) models.CommandResult {
		if c.Args[0] == "create" {
			started <- struct{}{}
			<-unblock
		}
		return models.CommandResult{Success: true}
	}}
	e := newExecutor(f)

	var wg sync.WaitGroup
	for _, repo := range []string{"./repos/main", ""} {
		wg.Add(1)
		go func(repo string) {
			defer wg.Done()
			e.RunBackup(context.Background(), repo, "")
		}(repo)
	}
	<-started
	<-started

	assert.Equal(t, []string{"default", "repos/main"}, e.RunningBackups(context.Background()))
	assert.Equal(t, []string{"default", "repos/main"}, e.SystemInfo(context.Background()).RunningBackups)

	close(unblock)
	wg.Wait()
	assert.Empty(t, e.RunningBackups(context.Background()))

	broken := New(testConfig(), f, failingLocker{}, nil)
	assert.Empty(t, broken.RunningBackups(context.Background()), "a lock backend error reports nothing running")
}
