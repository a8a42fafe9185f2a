package sched

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esup-runner/manager/pkg/taskstore"
	"github.com/esup-runner/manager/pkg/types"
)

func newTestStore(t *testing.T) *taskstore.Store {
	t.Helper()
	dir := t.TempDir()
	persistence, err := taskstore.NewDailyJSONStore(filepath.Join(dir, "tasks"))
	require.NoError(t, err)
	stats, err := taskstore.NewStatsSink(filepath.Join(dir, "stats.csv"))
	require.NoError(t, err)
	store, err := taskstore.NewStore(taskstore.ModeDev, persistence, stats)
	require.NoError(t, err)
	return store
}

func sampleTask(id string, updatedAt time.Time) *types.Task {
	return &types.Task{
		TaskID:    id,
		TaskType:  "encoding",
		Status:    types.StatusRunning,
		CreatedAt: updatedAt,
		UpdatedAt: updatedAt,
	}
}

func TestTaskTimeout_SweepMarksStaleRunningTasks(t *testing.T) {
	store := newTestStore(t)
	stale := sampleTask("stale", time.Now().Add(-time.Hour))
	fresh := sampleTask("fresh", time.Now())
	require.NoError(t, store.Upsert(stale))
	require.NoError(t, store.Upsert(fresh))

	tt := NewTaskTimeout(store, time.Hour, 10*time.Minute)
	tt.sweep()

	got, ok := store.Get("stale")
	require.True(t, ok)
	assert.Equal(t, types.StatusTimeout, got.Status)

	got, ok = store.Get("fresh")
	require.True(t, ok)
	assert.Equal(t, types.StatusRunning, got.Status)
}

func TestTaskTimeout_SweepIgnoresTerminalTasks(t *testing.T) {
	store := newTestStore(t)
	done := sampleTask("done", time.Now().Add(-time.Hour))
	done.Status = types.StatusCompleted
	require.NoError(t, store.Upsert(done))

	tt := NewTaskTimeout(store, time.Hour, 10*time.Minute)
	tt.sweep()

	got, ok := store.Get("done")
	require.True(t, ok)
	assert.Equal(t, types.StatusCompleted, got.Status, "a completed task must never be flipped to timeout")
}

func TestTaskTimeout_StartStop(t *testing.T) {
	store := newTestStore(t)
	stale := sampleTask("stale", time.Now().Add(-time.Hour))
	require.NoError(t, store.Upsert(stale))

	tt := NewTaskTimeout(store, 10*time.Millisecond, 10*time.Minute)
	tt.Start()
	defer tt.Stop()

	require.Eventually(t, func() bool {
		got, ok := store.Get("stale")
		return ok && got.Status == types.StatusTimeout
	}, time.Second, 10*time.Millisecond)
}

func TestCleanup_RunEvictsOldTerminalTasks(t *testing.T) {
	store := newTestStore(t)
	old := sampleTask("old", time.Now().Add(-48*time.Hour))
	old.Status = types.StatusCompleted
	require.NoError(t, store.Upsert(old))

	c := NewCleanup(store, time.Hour, 24*time.Hour, 30)
	c.run()

	_, ok := store.Get("old")
	assert.False(t, ok)
}

func TestCleanup_StartStop(t *testing.T) {
	store := newTestStore(t)
	old := sampleTask("old", time.Now().Add(-48*time.Hour))
	old.Status = types.StatusCompleted
	require.NoError(t, store.Upsert(old))

	c := NewCleanup(store, 10*time.Millisecond, 24*time.Hour, 30)
	c.Start()
	defer c.Stop()

	require.Eventually(t, func() bool {
		_, ok := store.Get("old")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

type fakeWorker struct {
	started, stopped bool
}

func (f *fakeWorker) Start() { f.started = true }
func (f *fakeWorker) Stop()  { f.stopped = true }

func TestSupervisor_StartStopAll(t *testing.T) {
	a := &fakeWorker{}
	b := &fakeWorker{}
	sup := NewSupervisor(a, b)

	sup.Start()
	assert.True(t, a.started)
	assert.True(t, b.started)

	sup.Stop()
	assert.True(t, a.stopped)
	assert.True(t, b.stopped)
}
