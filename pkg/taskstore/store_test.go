package taskstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esup-runner/manager/pkg/types"
)

func newTestStore(t *testing.T, mode Mode) *Store {
	t.Helper()
	dir := t.TempDir()
	persistence, err := NewDailyJSONStore(filepath.Join(dir, "tasks"))
	require.NoError(t, err)
	stats, err := NewStatsSink(filepath.Join(dir, "stats.csv"))
	require.NoError(t, err)
	store, err := NewStore(mode, persistence, stats)
	require.NoError(t, err)
	return store
}

func TestStore_UpsertAndGet(t *testing.T) {
	store := newTestStore(t, ModeDev)
	task := sampleTask("t1", time.Now())
	require.NoError(t, store.Upsert(task))

	got, ok := store.Get("t1")
	require.True(t, ok)
	assert.Equal(t, "t1", got.TaskID)
}

func TestStore_Snapshot(t *testing.T) {
	store := newTestStore(t, ModeDev)
	require.NoError(t, store.Upsert(sampleTask("t1", time.Now())))
	require.NoError(t, store.Upsert(sampleTask("t2", time.Now())))

	snap := store.Snapshot()
	assert.Len(t, snap, 2)
}

func TestStore_Running(t *testing.T) {
	store := newTestStore(t, ModeDev)
	running := sampleTask("t1", time.Now())
	running.Status = types.StatusRunning
	done := sampleTask("t2", time.Now())
	done.Status = types.StatusCompleted

	require.NoError(t, store.Upsert(running))
	require.NoError(t, store.Upsert(done))

	got := store.Running()
	require.Len(t, got, 1)
	assert.Equal(t, "t1", got[0].TaskID)
}

func TestStore_ForceSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	persistence, err := NewDailyJSONStore(filepath.Join(dir, "tasks"))
	require.NoError(t, err)
	stats, err := NewStatsSink(filepath.Join(dir, "stats.csv"))
	require.NoError(t, err)
	store, err := NewStore(ModeDev, persistence, stats)
	require.NoError(t, err)

	task := sampleTask("t1", time.Now())
	require.NoError(t, store.Upsert(task))
	require.NoError(t, store.ForceSave())

	reloaded, err := NewStore(ModeDev, persistence, stats)
	require.NoError(t, err)
	got, ok := reloaded.Get("t1")
	require.True(t, ok)
	assert.Equal(t, "t1", got.TaskID)
}

func TestStore_ProductionModeFallsBackToDisk(t *testing.T) {
	dir := t.TempDir()
	persistence, err := NewDailyJSONStore(filepath.Join(dir, "tasks"))
	require.NoError(t, err)
	stats, err := NewStatsSink(filepath.Join(dir, "stats.csv"))
	require.NoError(t, err)

	writerA, err := NewStore(ModeProduction, persistence, stats)
	require.NoError(t, err)
	writerB, err := NewStore(ModeProduction, persistence, stats)
	require.NoError(t, err)

	require.NoError(t, writerA.Upsert(sampleTask("t1", time.Now())))

	// writerB never saw t1 in memory, but production Get falls back to disk.
	got, ok := writerB.Get("t1")
	require.True(t, ok)
	assert.Equal(t, "t1", got.TaskID)
}

func TestStore_Cleanup(t *testing.T) {
	store := newTestStore(t, ModeDev)
	old := sampleTask("old", time.Now().Add(-48*time.Hour))
	old.Status = types.StatusCompleted
	fresh := sampleTask("fresh", time.Now())
	fresh.Status = types.StatusCompleted

	require.NoError(t, store.Upsert(old))
	require.NoError(t, store.Upsert(fresh))

	evicted, _, err := store.Cleanup(24*time.Hour, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)

	_, ok := store.Get("old")
	assert.False(t, ok)
	_, ok = store.Get("fresh")
	assert.True(t, ok)
}

func TestStore_UpsertAppendsStatsOnlyOnTerminalTransition(t *testing.T) {
	store := newTestStore(t, ModeDev)

	running := sampleTask("t1", time.Now())
	running.Status = types.StatusRunning
	require.NoError(t, store.Upsert(running))

	completed := sampleTask("t1", time.Now())
	completed.Status = types.StatusCompleted
	require.NoError(t, store.Upsert(completed))

	// Re-saving the same terminal status again must not append a second row.
	require.NoError(t, store.Upsert(completed))

	data, err := os.ReadFile(store.statsSink.path)
	require.NoError(t, err)
	// Header row plus exactly one row for the running -> completed transition.
	assert.Equal(t, 2, strings.Count(string(data), "\n"))
}

func TestWithRetry_SucceedsEventually(t *testing.T) {
	attempts := 0
	result := WithRetry(2, func() (map[string]*types.Task, error) {
		attempts++
		if attempts < 2 {
			return nil, fmt.Errorf("transient")
		}
		return map[string]*types.Task{}, nil
	})
	assert.NoError(t, result.asError())
	assert.Equal(t, 2, attempts)
}

func TestWithRetry_ExhaustsRetries(t *testing.T) {
	result := WithRetry(1, func() (map[string]*types.Task, error) {
		return nil, fmt.Errorf("permanent")
	})
	assert.Error(t, result.asError())
}

func TestWithRetryValue_ReturnsOnSuccess(t *testing.T) {
	v, err := WithRetryValue(1, func() (map[string]*types.Task, error) {
		return map[string]*types.Task{"t1": {TaskID: "t1"}}, nil
	})
	require.NoError(t, err)
	assert.Contains(t, v, "t1")
}
