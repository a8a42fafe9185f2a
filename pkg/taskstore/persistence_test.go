package taskstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esup-runner/manager/pkg/types"
)

func newDailyStore(t *testing.T) *DailyJSONStore {
	t.Helper()
	s, err := NewDailyJSONStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func sampleTask(id string, updatedAt time.Time) *types.Task {
	return &types.Task{
		TaskID:    id,
		RunnerID:  "r1",
		Status:    types.StatusRunning,
		TaskType:  "encoding",
		SourceURL: "https://example.com/v.mp4",
		CreatedAt: updatedAt,
		UpdatedAt: updatedAt,
	}
}

func TestDailyJSONStore_SaveDevAndLoadAll(t *testing.T) {
	s := newDailyStore(t)
	now := time.Now()

	tasks := map[string]*types.Task{
		"t1": sampleTask("t1", now),
		"t2": sampleTask("t2", now),
	}
	require.NoError(t, s.SaveDev(tasks))

	loaded, err := s.LoadAll()
	require.NoError(t, err)
	assert.Len(t, loaded, 2)
	assert.Equal(t, "r1", loaded["t1"].RunnerID)
}

func TestDailyJSONStore_SaveDevRemovesDroppedTasks(t *testing.T) {
	s := newDailyStore(t)
	now := time.Now()

	require.NoError(t, s.SaveDev(map[string]*types.Task{
		"t1": sampleTask("t1", now),
		"t2": sampleTask("t2", now),
	}))
	require.NoError(t, s.SaveDev(map[string]*types.Task{
		"t1": sampleTask("t1", now),
	}))

	loaded, err := s.LoadAll()
	require.NoError(t, err)
	assert.Len(t, loaded, 1)
	_, stillPresent := loaded["t2"]
	assert.False(t, stillPresent, "dev mode full-replace must drop files absent from the new set")
}

func TestDailyJSONStore_SaveSharedUpsertsNeverDeletesSiblings(t *testing.T) {
	s := newDailyStore(t)
	now := time.Now()

	merged, err := s.SaveShared(map[string]*types.Task{"t1": sampleTask("t1", now)})
	require.NoError(t, err)
	assert.Len(t, merged, 1)

	// A second worker upserts its own task without knowing about t1.
	merged, err = s.SaveShared(map[string]*types.Task{"t2": sampleTask("t2", now.Add(time.Second))})
	require.NoError(t, err)
	assert.Len(t, merged, 2, "shared save must keep sibling tasks from other workers")

	loaded, err := s.LoadAll()
	require.NoError(t, err)
	assert.Len(t, loaded, 2)
}

func TestDailyJSONStore_SaveSharedLastWriterWinsByUpdatedAt(t *testing.T) {
	s := newDailyStore(t)
	base := time.Now()

	older := sampleTask("t1", base)
	older.Status = types.StatusRunning
	_, err := s.SaveShared(map[string]*types.Task{"t1": older})
	require.NoError(t, err)

	newer := sampleTask("t1", base.Add(time.Minute))
	newer.Status = types.StatusCompleted
	merged, err := s.SaveShared(map[string]*types.Task{"t1": newer})
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, merged["t1"].Status)

	// Now simulate a stale local copy trying to overwrite a newer on-disk one.
	stale := sampleTask("t1", base.Add(30*time.Second))
	stale.Status = types.StatusFailed
	merged, err = s.SaveShared(map[string]*types.Task{"t1": stale})
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, merged["t1"].Status, "the on-disk copy with the later UpdatedAt must win")
}

func TestDailyJSONStore_LoadAllPrefersMostRecentDate(t *testing.T) {
	s := newDailyStore(t)
	today := time.Now()
	yesterday := today.AddDate(0, 0, -1)

	require.NoError(t, os.MkdirAll(s.dateDir(yesterday), 0o755))
	require.NoError(t, writeTaskFile(s.dateDir(yesterday), "t1", sampleTask("t1", yesterday), yesterday))
	require.NoError(t, os.MkdirAll(s.dateDir(today), 0o755))
	todayTask := sampleTask("t1", today)
	todayTask.Status = types.StatusCompleted
	require.NoError(t, writeTaskFile(s.dateDir(today), "t1", todayTask, today))

	loaded, err := s.LoadAll()
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, loaded["t1"].Status)
}

func TestDailyJSONStore_CorruptFileQuarantined(t *testing.T) {
	s := newDailyStore(t)
	now := time.Now()
	dir := s.dateDir(now)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not valid json"), 0o644))

	loaded, err := s.LoadAll()
	require.NoError(t, err)
	assert.NotContains(t, loaded, "bad")

	_, statErr := os.Stat(path + ".bak")
	assert.NoError(t, statErr, "corrupted file should be quarantined to a .bak sidecar")
}

func TestDailyJSONStore_CleanupOldFiles(t *testing.T) {
	s := newDailyStore(t)
	old := time.Now().AddDate(0, 0, -40)
	recent := time.Now()

	require.NoError(t, os.MkdirAll(s.dateDir(old), 0o755))
	require.NoError(t, writeTaskFile(s.dateDir(old), "t1", sampleTask("t1", old), old))
	require.NoError(t, os.MkdirAll(s.dateDir(recent), 0o755))
	require.NoError(t, writeTaskFile(s.dateDir(recent), "t2", sampleTask("t2", recent), recent))

	removed, err := s.CleanupOldFiles(30)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	dates, err := s.ListAvailableDates()
	require.NoError(t, err)
	assert.Len(t, dates, 1)
}

func TestDailyJSONStore_StorageInfo(t *testing.T) {
	s := newDailyStore(t)
	now := time.Now()
	require.NoError(t, s.SaveDev(map[string]*types.Task{"t1": sampleTask("t1", now)}))

	info, err := s.StorageInfo()
	require.NoError(t, err)
	assert.Equal(t, 1, info.TaskFileCount)
	assert.Len(t, info.AvailableDates, 1)
}

func TestDailyJSONStore_LoadHistoricalTasks(t *testing.T) {
	s := newDailyStore(t)
	inRange := time.Now().AddDate(0, 0, -1)
	outOfRange := time.Now().AddDate(0, 0, -10)

	require.NoError(t, os.MkdirAll(s.dateDir(inRange), 0o755))
	require.NoError(t, writeTaskFile(s.dateDir(inRange), "t1", sampleTask("t1", inRange), inRange))
	require.NoError(t, os.MkdirAll(s.dateDir(outOfRange), 0o755))
	require.NoError(t, writeTaskFile(s.dateDir(outOfRange), "t2", sampleTask("t2", outOfRange), outOfRange))

	result, err := s.LoadHistoricalTasks(time.Now().AddDate(0, 0, -3), time.Now())
	require.NoError(t, err)
	assert.Len(t, result, 1)
}
