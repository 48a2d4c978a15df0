package api

import (
	"bufio"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backup-orchestrator/internal/config"
	"backup-orchestrator/internal/configbackup"
	"backup-orchestrator/internal/events"
	"backup-orchestrator/internal/executor"
	"backup-orchestrator/internal/models"
	"backup-orchestrator/internal/ratelimit"
	"backup-orchestrator/internal/runner"
	"backup-orchestrator/internal/runs"
	"backup-orchestrator/internal/scheduler"
	"backup-orchestrator/internal/store"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   []runner.Command
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
	return models.CommandResult{Success: true, Stdout: "ok", Command: c.Argv()}
}

func (f *fakeRunner) subcommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if len(c.Args) > 0 {
			out = append(out, c.Args[0])
		}
	}
	return out
}

type harness struct {
	srv    *httptest.Server
	runner *fakeRunner
	runs   *runs.Tracker
	bus    *events.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("repositories:\n  - path: /backups/main\n    label: main\n"), 0o600))

	cfg := config.Config{
		BorgmaticBin:        "borgmatic",
		BorgmaticConfigPath: cfgPath,
		BorgmaticBackupPath: "/backups",
		CommandTimeout:      time.Minute,
		BackupTimeout:       time.Minute,
		EventKeepalive:      50 * time.Millisecond,
		CORSOrigins:         []string{"*"},
	}
	fr := &fakeRunner{}
	st := store.NewMemory()
	bus := events.NewBus(32, nil)
	exec := executor.New(cfg, fr, nil, nil)
	tracker := runs.NewTracker(st, exec, bus, nil)
	sched := scheduler.New(st, tracker, bus, time.Minute, nil)
	server := New(Deps{
		Config:    cfg,
		Executor:  exec,
		Runs:      tracker,
		Jobs:      scheduler.NewManager(st, sched, nil),
		Bus:       bus,
		Snapshots: configbackup.NewLocal(filepath.Join(dir, "snapshots"), exec, nil),
		Limiter:   ratelimit.NewMemory(3, 0.0001),
		Store:     st,
	})
	ts := httptest.NewServer(server.Router())
	t.Cleanup(func() {
		ts.Close()
		tracker.Wait()
	})
	return &harness{srv: ts, runner: fr, runs: tracker, bus: bus}
}

func (h *harness) do(t *testing.T, method, path, user, role string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rdr)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	if role != "" {
		req.Header.Set("X-User-Role", role)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(t, http.MethodGet, "/healthz", "", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestBackupStartAndStatus(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(t, http.MethodPost, "/api/backup/start", "alice", "", map[string]string{"repository": "/backups/main"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "running", body["status"])
	id, _ := body["job_id"].(string)
	require.NotEmpty(t, id)

	h.runs.Wait()
	resp, body = h.do(t, http.MethodGet, "/api/backup/status/"+id, "alice", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "/backups/main", body["repository"])
	assert.Contains(t, h.runner.subcommands(), "create")

	resp, body = h.do(t, http.MethodGet, "/api/backup/logs/"+id, "alice", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["logs"])
}

func TestBackupWaitReportsFailure(t *testing.T) {
	h := newHarness(t)
	h.runner.respond = func(runner.Command) models.CommandResult {
		return models.CommandResult{ExitCode: 2, Stderr: "repository does not exist"}
	}
	resp, body := h.do(t, http.MethodPost, "/api/backup/start?wait=true", "alice", "", map[string]string{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "failed", body["status"])
	assert.Equal(t, "Backup failed", body["message"])
}

func TestBackupRejectsUnsafePath(t *testing.T) {
	h := newHarness(t)
	resp, _ := h.do(t, http.MethodPost, "/api/backup/start", "alice", "", map[string]string{"repository": "/backups/x;rm -rf /"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, h.runner.subcommands())
}

func TestBackupStartIsRateLimitedPerIdentity(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		resp, _ := h.do(t, http.MethodPost, "/api/backup/start", "alice", "", nil)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}
	resp, _ := h.do(t, http.MethodPost, "/api/backup/start", "alice", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/api/backup/start", "bob", "", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestCancelUnknownRun(t *testing.T) {
	h := newHarness(t)
	resp, _ := h.do(t, http.MethodDelete, "/api/backup/cancel/nope", "alice", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestArchiveListParsesJSON(t *testing.T) {
	h := newHarness(t)
	h.runner.respond = func(c runner.Command) models.CommandResult {
		return models.CommandResult{Success: true, Stdout: `[{"archives":[{"name":"host-2024-03-10T02:00:00","time":"2024-03-10T02:00:00"}]}]`}
	}
	resp, body := h.do(t, http.MethodGet, "/api/archives/list?repository=/backups/main", "alice", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	archives, ok := body["archives"].([]any)
	require.True(t, ok)
	require.Len(t, archives, 1)
	assert.Equal(t, "host-2024-03-10T02:00:00", archives[0].(map[string]any)["name"])
}

func TestArchiveFailureIsNotAnHTTPError(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(t, http.MethodGet, "/api/archives/list?repository=../etc", "alice", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["success"])
	assert.Empty(t, h.runner.subcommands())
}

func TestArchiveDeleteRequiresAdmin(t *testing.T) {
	h := newHarness(t)
	resp, _ := h.do(t, http.MethodDelete, "/api/archives/host-1?repository=/backups/main", "alice", "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := h.do(t, http.MethodDelete, "/api/archives/host-1?repository=/backups/main", "root", "admin", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, []string{"delete"}, h.runner.subcommands())
}

func TestScheduleLifecycle(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.do(t, http.MethodPost, "/api/schedule/", "alice", "", map[string]any{"name": "nightly", "cron_expression": "0 2 * * *"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := h.do(t, http.MethodPost, "/api/schedule/", "root", "admin", map[string]any{"name": "nightly", "cron_expression": "0 2 * * *", "repository": "/backups/main"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	job := body["job"].(map[string]any)
	id := job["id"].(string)
	assert.NotNil(t, job["next_run"])

	resp, _ = h.do(t, http.MethodPost, "/api/schedule/", "root", "admin", map[string]any{"name": "nightly", "cron_expression": "0 3 * * *"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "duplicate name")

	resp, _ = h.do(t, http.MethodPost, "/api/schedule/", "root", "admin", map[string]any{"name": "broken", "cron_expression": "61 * * * *"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = h.do(t, http.MethodGet, "/api/schedule/"+id, "alice", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["job"].(map[string]any)["next_runs"], 5)

	resp, body = h.do(t, http.MethodPost, "/api/schedule/"+id+"/toggle", "root", "admin", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["enabled"])

	resp, body = h.do(t, http.MethodPost, "/api/schedule/"+id+"/run-now", "root", "admin", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.NotNil(t, body["job"].(map[string]any)["last_run"])

	resp, body = h.do(t, http.MethodGet, "/api/schedule/", "alice", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["jobs"], 1)

	resp, _ = h.do(t, http.MethodDelete, "/api/schedule/"+id, "root", "admin", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = h.do(t, http.MethodGet, "/api/schedule/"+id, "alice", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestValidateCron(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(t, http.MethodPost, "/api/schedule/validate-cron", "alice", "", map[string]string{"minute": "*/15"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "*/15 * * * *", body["cron_expression"])
	assert.Len(t, body["next_runs"], 10)

	resp, body = h.do(t, http.MethodPost, "/api/schedule/validate-cron", "alice", "", map[string]string{"cron_expression": "not a cron at all"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["success"])

	resp, body = h.do(t, http.MethodGet, "/api/schedule/cron-presets", "alice", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["presets"], 11)
}

func TestConfigEndpoints(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(t, http.MethodGet, "/api/config/current", "alice", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body["content"], "/backups/main")
	assert.NotNil(t, body["parsed"])

	resp, _ = h.do(t, http.MethodPost, "/api/config/backup", "alice", "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = h.do(t, http.MethodPost, "/api/config/backup", "root", "admin", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Contains(t, body["key"], "config-backups/")

	resp, body = h.do(t, http.MethodGet, "/api/config/backups", "alice", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["backups"], 1)
}

func TestRepositoryStatus(t *testing.T) {
	h := newHarness(t)
	h.runner.respond = func(runner.Command) models.CommandResult {
		return models.CommandResult{Success: true, Stdout: `{"archives":[]}`}
	}
	resp, body := h.do(t, http.MethodGet, "/api/repositories/status", "alice", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	repos := body["repositories"].([]any)
	require.Len(t, repos, 1)
	assert.Equal(t, "empty", repos[0].(map[string]any)["status"])
}

func TestEventPublishingRequiresAdmin(t *testing.T) {
	h := newHarness(t)
	resp, _ := h.do(t, http.MethodGet, "/api/events/connections", "alice", "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	h.bus.Subscribe("bob")
	resp, body := h.do(t, http.MethodPost, "/api/events/log-update", "root", "admin", map[string]string{"log_type": "backup", "log_data": "line"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["recipients"])

	resp, body = h.do(t, http.MethodGet, "/api/events/connections", "root", "admin", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["active_connections"])
}

func readSSE(t *testing.T, rd *bufio.Reader) models.Event {
	t.Helper()
	for {
		line, err := rd.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev models.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		return ev
	}
}

func TestEventStreamSSE(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.srv.URL+"/api/events/stream", nil)
	require.NoError(t, err)
	req.Header.Set("X-User-ID", "alice")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	rd := bufio.NewReader(resp.Body)
	greeting := readSSE(t, rd)
	assert.Equal(t, models.EventConnectionEstablished, greeting.Type)
	assert.Equal(t, "SSE connection established", greeting.Data["message"])

	require.Eventually(t, func() bool { return h.bus.Count() == 1 }, time.Second, 10*time.Millisecond)
	_, body := h.do(t, http.MethodPost, "/api/events/backup-progress", "alice", "", map[string]any{"job_id": "r1", "progress": 40, "status": "running"})
	assert.Equal(t, true, body["success"])

	ev := readSSE(t, rd)
	assert.Equal(t, models.EventBackupProgress, ev.Type)
	assert.EqualValues(t, 40, ev.Data["progress"])
}

func TestEventStreamWebSocket(t *testing.T) {
	h := newHarness(t)
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/api/events/ws"
	header := http.Header{}
	header.Set("X-User-ID", "carol")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var greeting models.Event
	require.NoError(t, conn.ReadJSON(&greeting))
	assert.Equal(t, models.EventConnectionEstablished, greeting.Type)
	assert.Equal(t, "WebSocket connection established", greeting.Data["message"])
	assert.Equal(t, "WebSocket", greeting.Data["transport"])

	require.Eventually(t, func() bool { return h.bus.Count() == 1 }, time.Second, 10*time.Millisecond)
	h.bus.Publish(models.EventSystemStatus, map[string]any{"type": "periodic_update"})

	var ev models.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, models.EventSystemStatus, ev.Type)
	assert.Equal(t, "periodic_update", ev.Data["type"])
}
