package configbackup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backup-orchestrator/internal/config"
)

type staticSource struct {
	body []byte
	err  error
}

func (s staticSource) ReadConfig() ([]byte, error) { return s.body, s.err }

func TestLocalSnapshotAndList(t *testing.T) {
	dir := t.TempDir()
	body := []byte("repositories:\n  - path: /backups/main\n")
	svc := NewLocal(dir, staticSource{body: body}, nil)

	first := time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return first }
	a, err := svc.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), a.Size)
	assert.Contains(t, a.Key, "config-backups/20240310T100000Z-")

	stored, err := os.ReadFile(a.Location)
	require.NoError(t, err)
	assert.Equal(t, body, stored)

	svc.now = func() time.Time { return first.Add(time.Hour) }
	b, err := svc.Snapshot(context.Background())
	require.NoError(t, err)

	list, err := svc.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, b.Key, list[0].Key, "newest first")
	assert.Equal(t, b.ID, list[0].ID)
	assert.Equal(t, a.ID, list[1].ID)
}

func TestListEmptyDir(t *testing.T) {
	svc := NewLocal(filepath.Join(t.TempDir(), "missing"), staticSource{}, nil)
	list, err := svc.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSnapshotSourceError(t *testing.T) {
	boom := errors.New("configuration file not found")
	svc := NewLocal(t.TempDir(), staticSource{err: boom}, nil)
	_, err := svc.Snapshot(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestNewDefaultsToLocal(t *testing.T) {
	dir := t.TempDir()
	svc, err := New(context.Background(), config.Config{ConfigBackupDir: dir}, staticSource{body: []byte("a: 1\n")}, nil)
	require.NoError(t, err)
	snap, err := svc.Snapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(snap.Location, dir))
}
