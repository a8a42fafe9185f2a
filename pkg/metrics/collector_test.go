package metrics

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esup-runner/manager/pkg/registry"
	"github.com/esup-runner/manager/pkg/taskstore"
	"github.com/esup-runner/manager/pkg/types"
)

func newTestCollector(t *testing.T) (*Collector, *registry.Registry, *taskstore.Store) {
	t.Helper()
	reg, err := registry.New(registry.NewMemoryStore(), "1.0.0")
	require.NoError(t, err)

	dir := t.TempDir()
	persistence, err := taskstore.NewDailyJSONStore(filepath.Join(dir, "tasks"))
	require.NoError(t, err)
	stats, err := taskstore.NewStatsSink(filepath.Join(dir, "stats.csv"))
	require.NoError(t, err)
	store, err := taskstore.NewStore(taskstore.ModeDev, persistence, stats)
	require.NoError(t, err)

	return NewCollector(reg, store, time.Hour), reg, store
}

func TestCollector_CollectRunnerMetrics(t *testing.T) {
	c, reg, _ := newTestCollector(t)

	_, err := reg.Register("r1", "http://r1:8081", []string{"encoding"}, "1.0.0")
	require.NoError(t, err)
	_, err = reg.Register("r2", "http://r2:8081", []string{"encoding"}, "1.0.0")
	require.NoError(t, err)
	require.NoError(t, reg.SetAvailability("r2", types.Busy))

	c.collect()

	assert.Equal(t, float64(1), testutil.ToFloat64(RunnersTotal.WithLabelValues(string(types.Available))))
	assert.Equal(t, float64(1), testutil.ToFloat64(RunnersTotal.WithLabelValues(string(types.Busy))))
}

func TestCollector_CollectRunnerMetrics_StaleEvictions(t *testing.T) {
	c, reg, _ := newTestCollector(t)

	_, err := reg.Register("r1", "http://r1:8081", []string{"encoding"}, "1.0.0")
	require.NoError(t, err)

	liveness := registry.NewLiveness(reg, 5*time.Millisecond, time.Millisecond)
	liveness.Start()
	defer liveness.Stop()

	require.Eventually(t, func() bool {
		return reg.StaleEvictionsTotal() >= 1
	}, time.Second, 10*time.Millisecond)

	c.collect()

	assert.Equal(t, float64(1), testutil.ToFloat64(RunnersStaleTotal))
}

func TestCollector_CollectTaskMetrics(t *testing.T) {
	c, _, store := newTestCollector(t)

	now := time.Now()
	require.NoError(t, store.Upsert(&types.Task{TaskID: "t1", Status: types.StatusRunning, CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, store.Upsert(&types.Task{TaskID: "t2", Status: types.StatusCompleted, CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, store.Upsert(&types.Task{TaskID: "t3", Status: types.StatusCompleted, CreatedAt: now, UpdatedAt: now}))

	c.collect()

	assert.Equal(t, float64(1), testutil.ToFloat64(TasksTotal.WithLabelValues(string(types.StatusRunning))))
	assert.Equal(t, float64(2), testutil.ToFloat64(TasksTotal.WithLabelValues(string(types.StatusCompleted))))
	assert.Equal(t, float64(0), testutil.ToFloat64(TasksTotal.WithLabelValues(string(types.StatusFailed))))
}

func TestCollector_CollectStorageMetrics(t *testing.T) {
	c, _, store := newTestCollector(t)

	now := time.Now()
	require.NoError(t, store.Upsert(&types.Task{TaskID: "t1", Status: types.StatusRunning, CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, store.ForceSave())

	c.collect()

	assert.GreaterOrEqual(t, testutil.ToFloat64(StorageDateDirsTotal), float64(1))
}

func TestCollector_StartStop(t *testing.T) {
	c, reg, _ := newTestCollector(t)
	c.interval = 10 * time.Millisecond

	_, err := reg.Register("r1", "http://r1:8081", []string{"encoding"}, "1.0.0")
	require.NoError(t, err)

	c.Start()
	defer c.Stop()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(RunnersTotal.WithLabelValues(string(types.Available))) >= 1
	}, time.Second, 10*time.Millisecond)
}

func TestTimer_Duration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(5 * time.Millisecond)
	assert.Greater(t, timer.Duration(), time.Duration(0))
}
