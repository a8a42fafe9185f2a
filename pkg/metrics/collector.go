package metrics

import (
	"time"

	"github.com/esup-runner/manager/pkg/registry"
	"github.com/esup-runner/manager/pkg/taskstore"
	"github.com/esup-runner/manager/pkg/types"
)

// Collector periodically samples the registry and task store into the
// process-wide gauges.
type Collector struct {
	registry *registry.Registry
	store    *taskstore.Store
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector constructs a Collector polling every interval.
func NewCollector(reg *registry.Registry, store *taskstore.Store, interval time.Duration) *Collector {
	return &Collector{
		registry: reg,
		store:    store,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectRunnerMetrics()
	c.collectTaskMetrics()
	c.collectStorageMetrics()
}

func (c *Collector) collectRunnerMetrics() {
	runners, err := c.registry.List()
	if err != nil {
		return
	}

	counts := map[types.Availability]int{types.Available: 0, types.Busy: 0}
	for _, r := range runners {
		counts[r.Availability]++
	}
	for availability, count := range counts {
		RunnersTotal.WithLabelValues(string(availability)).Set(float64(count))
	}
	RunnersStaleTotal.Set(float64(c.registry.StaleEvictionsTotal()))
}

func (c *Collector) collectTaskMetrics() {
	tasks := c.store.Snapshot()

	counts := map[types.TaskStatus]int{
		types.StatusPending:   0,
		types.StatusRunning:   0,
		types.StatusCompleted: 0,
		types.StatusFailed:    0,
		types.StatusTimeout:   0,
		types.StatusWarning:   0,
	}
	for _, t := range tasks {
		counts[t.Status]++
	}
	for status, count := range counts {
		TasksTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}

func (c *Collector) collectStorageMetrics() {
	info, err := c.store.StorageInfo()
	if err != nil {
		return
	}
	StorageDateDirsTotal.Set(float64(len(info.AvailableDates)))
}
