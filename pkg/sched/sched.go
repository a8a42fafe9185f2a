// Package sched hosts the manager's remaining supervised background
// loops: task-timeout detection and retention cleanup. Liveness lives next
// to the registry it sweeps and follows the same ticker+stop-channel shape,
// so a single Supervisor starts and stops all three together. Notify
// retries are not supervised here: they run as per-task goroutines inside
// notify.Engine and are drained by Engine.Shutdown.
package sched

import (
	"time"

	"github.com/esup-runner/manager/pkg/log"
	"github.com/esup-runner/manager/pkg/taskstore"
	"github.com/esup-runner/manager/pkg/types"
)

// Worker is anything with the supervised-loop lifecycle.
type Worker interface {
	Start()
	Stop()
}

// Supervisor starts and stops a fixed set of workers together, e.g. on
// process startup and on graceful shutdown.
type Supervisor struct {
	workers []Worker
}

// NewSupervisor builds a Supervisor over workers.
func NewSupervisor(workers ...Worker) *Supervisor {
	return &Supervisor{workers: workers}
}

// Start launches every worker.
func (s *Supervisor) Start() {
	for _, w := range s.workers {
		w.Start()
	}
}

// Stop stops every worker. It does not wait for in-flight passes to finish;
// callers that need that guarantee should use a worker-specific drain, as
// notify.Engine.Shutdown does.
func (s *Supervisor) Stop() {
	for _, w := range s.workers {
		w.Stop()
	}
}

// TaskTimeout marks running tasks whose last update predates the timeout
// horizon as timed out.
type TaskTimeout struct {
	store    *taskstore.Store
	interval time.Duration
	horizon  time.Duration
	stopCh   chan struct{}
}

// NewTaskTimeout builds a TaskTimeout loop polling every interval and
// timing out tasks inactive for longer than horizon.
func NewTaskTimeout(store *taskstore.Store, interval, horizon time.Duration) *TaskTimeout {
	return &TaskTimeout{store: store, interval: interval, horizon: horizon, stopCh: make(chan struct{})}
}

func (t *TaskTimeout) Start() { go t.loop() }
func (t *TaskTimeout) Stop()  { close(t.stopCh) }

func (t *TaskTimeout) loop() {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.sweep()
		case <-t.stopCh:
			return
		}
	}
}

func (t *TaskTimeout) sweep() {
	cutoff := time.Now().Add(-t.horizon)
	for _, task := range t.store.Snapshot() {
		if task.Status != types.StatusRunning || task.UpdatedAt.After(cutoff) {
			continue
		}
		task.Status = types.StatusTimeout
		task.Error = "task timeout after inactivity horizon"
		task.Touch(time.Now())
		if err := t.store.Upsert(task); err != nil {
			log.WithComponent("task-timeout").Warn().Err(err).Str("task_id", task.TaskID).Msg("failed to persist timeout")
		}
	}
}

// Cleanup periodically evicts old terminal tasks and prunes stale daily
// directories.
type Cleanup struct {
	store    *taskstore.Store
	interval time.Duration
	horizon  time.Duration
	keepDays int
	stopCh   chan struct{}
}

// NewCleanup builds a Cleanup loop polling every interval, evicting terminal
// in-memory tasks older than horizon and removing daily directories older
// than keepDays.
func NewCleanup(store *taskstore.Store, interval, horizon time.Duration, keepDays int) *Cleanup {
	return &Cleanup{store: store, interval: interval, horizon: horizon, keepDays: keepDays, stopCh: make(chan struct{})}
}

func (c *Cleanup) Start() { go c.loop() }
func (c *Cleanup) Stop()  { close(c.stopCh) }

func (c *Cleanup) loop() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.run()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cleanup) run() {
	evicted, removedDirs, err := c.store.Cleanup(c.horizon, c.keepDays)
	if err != nil {
		log.WithComponent("cleanup").Warn().Err(err).Msg("cleanup pass failed")
		return
	}
	if evicted > 0 || removedDirs > 0 {
		log.WithComponent("cleanup").Info().Int("evicted_tasks", evicted).Int("removed_dirs", removedDirs).Msg("retention cleanup")
	}
}
