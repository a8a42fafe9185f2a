package taskstore

import (
	"fmt"
	"sync"
	"time"

	"github.com/esup-runner/manager/pkg/log"
	"github.com/esup-runner/manager/pkg/types"
)

// Mode selects the persistence discipline: Dev (single worker, full
// in-memory map is authoritative, full-replace save) or Production
// (multi-worker, disk is authoritative, merge-on-save).
type Mode string

const (
	ModeDev        Mode = "dev"
	ModeProduction Mode = "production"
)

// Store is the in-memory task map with a persistence backend, implementing
// the production/dev dual save-path and the read-with-disk-fallback rule.
type Store struct {
	mode        Mode
	persistence *DailyJSONStore
	statsSink   *StatsSink
	maxRetries  int

	mu    sync.RWMutex
	tasks map[string]*types.Task
}

// NewStore constructs a Store and loads any tasks already on disk.
func NewStore(mode Mode, persistence *DailyJSONStore, statsSink *StatsSink) (*Store, error) {
	s := &Store{
		mode:        mode,
		persistence: persistence,
		statsSink:   statsSink,
		maxRetries:  3,
		tasks:       map[string]*types.Task{},
	}
	loaded, err := WithRetryValue(s.maxRetries, persistence.LoadAll)
	if err != nil {
		return nil, fmt.Errorf("taskstore: initial load: %w", err)
	}
	s.tasks = loaded
	return s, nil
}

// Upsert inserts or replaces a task in memory and persists the change.
// Terminal-transition rows are appended to the stats sink as a side effect.
func (s *Store) Upsert(task *types.Task) error {
	s.mu.Lock()
	previous, existed := s.tasks[task.TaskID]
	s.tasks[task.TaskID] = task
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.persist(snapshot); err != nil {
		return err
	}

	if task.Status.IsTerminal() && (!existed || previous.Status != task.Status) {
		s.statsSink.Append(types.StatusStatistics{
			TaskID:     task.TaskID,
			Date:       task.UpdatedAt.Format(dateLayout),
			TaskType:   task.TaskType,
			Status:     task.Status,
			AppName:    task.AppName,
			AppVersion: task.AppVersion,
			EtabName:   task.EtabName,
		})
	}
	return nil
}

func (s *Store) snapshotLocked() map[string]*types.Task {
	out := make(map[string]*types.Task, len(s.tasks))
	for k, v := range s.tasks {
		out[k] = v
	}
	return out
}

func (s *Store) persist(local map[string]*types.Task) error {
	switch s.mode {
	case ModeProduction:
		merged, err := WithRetryValue(s.maxRetries, func() (map[string]*types.Task, error) {
			return s.persistence.SaveShared(local)
		})
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.tasks = merged
		s.mu.Unlock()
		return nil
	default:
		return WithRetry(s.maxRetries, func() (map[string]*types.Task, error) {
			return nil, s.persistence.SaveDev(local)
		}).asError()
	}
}

// retryResult lets persist share WithRetry's signature for the dev path,
// which has no meaningful return value.
type retryResult struct{ err error }

func (r retryResult) asError() error { return r.err }

// Get returns a task by id. In production mode it also checks the disk copy
// and, if newer, refreshes the in-memory cache before returning.
func (s *Store) Get(taskID string) (*types.Task, bool) {
	s.mu.RLock()
	local, ok := s.tasks[taskID]
	s.mu.RUnlock()

	if s.mode != ModeProduction {
		return local, ok
	}

	all, err := s.persistence.LoadAll()
	if err != nil {
		log.WithComponent("taskstore").Warn().Err(err).Msg("disk fallback load failed")
		return local, ok
	}
	onDisk, diskOK := all[taskID]
	if !diskOK {
		return local, ok
	}
	if !ok || onDisk.UpdatedAt.After(local.UpdatedAt) {
		s.mu.Lock()
		s.tasks[taskID] = onDisk
		s.mu.Unlock()
		return onDisk, true
	}
	return local, ok
}

// Snapshot returns a copy of every task currently held in memory.
func (s *Store) Snapshot() map[string]*types.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Running returns the subset of in-memory tasks that are
// currently running, for PriorityGate's other-domain count.
func (s *Store) Running() []*types.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Task
	for _, t := range s.tasks {
		if t.Status == types.StatusRunning {
			out = append(out, t)
		}
	}
	return out
}

// StorageInfo reports on-disk layout diagnostics, passed through from the
// underlying persistence backend.
func (s *Store) StorageInfo() (StorageInfo, error) {
	return s.persistence.StorageInfo()
}

// ForceSave writes the full in-memory map to disk immediately, bypassing
// the normal per-mutation persist path. Used on graceful shutdown.
func (s *Store) ForceSave() error {
	return s.persist(s.Snapshot())
}

// Cleanup evicts terminal in-memory tasks older than horizon and removes
// date directories older than keepDays, mirroring the original's combined
// retention sweep.
func (s *Store) Cleanup(horizon time.Duration, keepDays int) (evicted int, removedDirs int, err error) {
	cutoff := time.Now().Add(-horizon)
	s.mu.Lock()
	for id, t := range s.tasks {
		if t.Status.IsTerminal() && t.UpdatedAt.Before(cutoff) {
			delete(s.tasks, id)
			evicted++
		}
	}
	s.mu.Unlock()

	removedDirs, err = s.persistence.CleanupOldFiles(keepDays)
	return evicted, removedDirs, err
}

// WithRetry runs fn up to maxRetries+1 times, returning the first success.
// Mirrors the original's SafeDailyJSONPersistence retry wrapper.
func WithRetry(maxRetries int, fn func() (map[string]*types.Task, error)) retryResult {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		_, err := fn()
		if err == nil {
			return retryResult{}
		}
		lastErr = err
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
	return retryResult{err: fmt.Errorf("taskstore: exhausted retries: %w", lastErr)}
}

// WithRetryValue is WithRetry's counterpart for operations that return a
// value on success.
func WithRetryValue(maxRetries int, fn func() (map[string]*types.Task, error)) (map[string]*types.Task, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
	return nil, fmt.Errorf("taskstore: exhausted retries: %w", lastErr)
}
