package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, healthy bool, stopped bool) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	worldDir := filepath.Join(root, "world")
	snapDir := filepath.Join(root, "snapshots")
	require.NoError(t, os.MkdirAll(worldDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(worldDir, "level.dat"), []byte("world-data"), 0o644))

	cfg := Config{
		WorldDir:      worldDir,
		SnapshotDir:   snapDir,
		Retention:     3,
		HealthCheck:   func() bool { return healthy },
		IsStoppedFunc: func() bool { return stopped },
	}
	m, err := Open(cfg, nil)
	require.NoError(t, err)
	return m, worldDir
}

func TestSnapshotNowCreatesEntryAndCopiesWorld(t *testing.T) {
	m, _ := newTestManager(t, true, true)

	id, err := m.SnapshotNow()
	require.NoError(t, err)
	assert.Equal(t, SnapshotId(1), id)

	list := m.List()
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)

	data, err := os.ReadFile(filepath.Join(list[0].Dir, "level.dat"))
	require.NoError(t, err)
	assert.Equal(t, "world-data", string(data))
}

func TestSnapshotNowRefusesWhenUnhealthy(t *testing.T) {
	m, _ := newTestManager(t, false, true)
	_, err := m.SnapshotNow()
	assert.Error(t, err)
}

func TestRestoreRefusedWhenNotStopped(t *testing.T) {
	m, _ := newTestManager(t, true, false)
	id, err := m.SnapshotNow()
	require.NoError(t, err)

	err = m.Restore(id)
	assert.Error(t, err)
}

func TestRestoreReplacesWorldContents(t *testing.T) {
	m, worldDir := newTestManager(t, true, true)
	id, err := m.SnapshotNow()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(worldDir, "level.dat"), []byte("corrupted"), 0o644))

	require.NoError(t, m.Restore(id))

	data, err := os.ReadFile(filepath.Join(worldDir, "level.dat"))
	require.NoError(t, err)
	assert.Equal(t, "world-data", string(data))
}

func TestPruneRetainsOnlyMostRecent(t *testing.T) {
	m, _ := newTestManager(t, true, true)
	var last SnapshotId
	for i := 0; i < 5; i++ {
		id, err := m.SnapshotNow()
		require.NoError(t, err)
		last = id
	}

	list := m.List()
	assert.Len(t, list, 3)
	assert.Equal(t, last, list[0].ID) // most recent first
}

func TestManifestSurvivesReopen(t *testing.T) {
	root := t.TempDir()
	worldDir := filepath.Join(root, "world")
	snapDir := filepath.Join(root, "snapshots")
	require.NoError(t, os.MkdirAll(worldDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(worldDir, "level.dat"), []byte("x"), 0o644))

	cfg := Config{WorldDir: worldDir, SnapshotDir: snapDir, Retention: 10, HealthCheck: func() bool { return true }}
	m1, err := Open(cfg, nil)
	require.NoError(t, err)
	id, err := m1.SnapshotNow()
	require.NoError(t, err)

	m2, err := Open(cfg, nil)
	require.NoError(t, err)
	list := m2.List()
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
}

func TestScheduleRunsPeriodicSnapshots(t *testing.T) {
	m, _ := newTestManager(t, true, true)
	m.cfg.Interval = 10 * time.Millisecond
	m.Schedule(true)
	defer m.Close()

	require.Eventually(t, func() bool {
		return len(m.List()) >= 1
	}, 2*time.Second, 10*time.Millisecond)
}
