// Package taskstore implements the daily-rotation JSON persistence for
// tasks: atomic per-task files under data/YYYY-MM-DD/, an OS-level lock
// protecting each day's directory, cross-worker merge-on-save, corrupt-file
// quarantine, cross-date load-time merge, and retention cleanup.
package taskstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/esup-runner/manager/pkg/filelock"
	"github.com/esup-runner/manager/pkg/log"
	"github.com/esup-runner/manager/pkg/types"
)

const dateLayout = "2006-01-02"

// fileMetadata is the _metadata sub-object written alongside every task
// record and stripped back out on load.
type fileMetadata struct {
	TaskID string `json:"task_id"`
	SavedAt string `json:"saved_at"`
	Date    string `json:"date"`
}

type onDiskTask struct {
	types.Task
	Metadata fileMetadata `json:"_metadata"`
}

// DailyJSONStore is the on-disk representation: one JSON file per task,
// grouped into per-day directories.
type DailyJSONStore struct {
	RootDir     string
	LockTimeout time.Duration
}

// NewDailyJSONStore creates a store rooted at rootDir, creating it if
// necessary.
func NewDailyJSONStore(rootDir string) (*DailyJSONStore, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("taskstore: create root %s: %w", rootDir, err)
	}
	return &DailyJSONStore{RootDir: rootDir, LockTimeout: 5 * time.Second}, nil
}

func (s *DailyJSONStore) dateDir(date time.Time) string {
	return filepath.Join(s.RootDir, date.Format(dateLayout))
}

func (s *DailyJSONStore) taskPath(date time.Time, taskID string) string {
	return filepath.Join(s.dateDir(date), taskID+".json")
}

func (s *DailyJSONStore) lockPath(date time.Time) string {
	return filepath.Join(s.dateDir(date), ".lock")
}

// writeTaskFile marshals task into dir/taskID.json via write-to-tmp +
// rename, the only write pattern that can't leave a half-written file
// behind for a concurrent reader.
func writeTaskFile(dir, taskID string, task *types.Task, savedAt time.Time) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	record := onDiskTask{
		Task: *task,
		Metadata: fileMetadata{
			TaskID:  taskID,
			SavedAt: savedAt.Format(time.RFC3339Nano),
			Date:    savedAt.Format(dateLayout),
		},
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("taskstore: marshal %s: %w", taskID, err)
	}
	final := filepath.Join(dir, taskID+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("taskstore: write tmp for %s: %w", taskID, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("taskstore: rename into place for %s: %w", taskID, err)
	}
	return nil
}

// readTaskFile reads and unmarshals one task file, stripping _metadata. A
// corrupted file is quarantined to a .bak sidecar and reported via ok=false
// rather than returning an error, matching the non-fatal skip-on-load rule.
func readTaskFile(path string) (task *types.Task, ok bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var record onDiskTask
	if err := json.Unmarshal(data, &record); err != nil {
		backupCorruptedFile(path)
		return nil, false
	}
	t := record.Task
	return &t, true
}

func backupCorruptedFile(path string) {
	bak := path + ".bak"
	if err := os.Rename(path, bak); err != nil {
		log.WithComponent("taskstore").Warn().Err(err).Str("path", path).Msg("failed to quarantine corrupted task file")
		return
	}
	log.WithComponent("taskstore").Warn().Str("path", path).Str("backup", bak).Msg("quarantined corrupted task file")
}

// SaveDev replaces the entire contents of today's directory to match
// allTasks exactly: every task is written, and any file not named by
// allTasks is removed. This full-replace policy is only valid in
// single-worker (dev) mode, where the in-memory map is the sole source of
// truth; shared mode must use SaveShared instead.
func (s *DailyJSONStore) SaveDev(allTasks map[string]*types.Task) error {
	now := time.Now()
	dir := s.dateDir(now)
	lock, err := filelock.Acquire(s.lockPath(now), s.LockTimeout)
	if err != nil {
		return err
	}
	defer lock.Release()

	for id, t := range allTasks {
		if err := writeTaskFile(dir, id, t, now); err != nil {
			return err
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("taskstore: list %s: %w", dir, err)
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if _, present := allTasks[id]; !present {
			_ = os.Remove(filepath.Join(dir, name))
		}
	}
	return nil
}

// SaveShared performs the multi-worker read-merge-write protocol: lock
// today's directory, load its current on-disk contents, keep the copy with
// the larger UpdatedAt for every id present on both sides, union the rest,
// write the merged set (upsert only — files for tasks absent from local are
// never deleted, since another worker may own them), and return the merged
// map for the caller to refresh its local cache from.
func (s *DailyJSONStore) SaveShared(local map[string]*types.Task) (map[string]*types.Task, error) {
	now := time.Now()
	dir := s.dateDir(now)
	lock, err := filelock.Acquire(s.lockPath(now), s.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	onDisk := map[string]*types.Task{}
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("taskstore: list %s: %w", dir, err)
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") || strings.HasSuffix(e.Name(), ".bak") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		if t, ok := readTaskFile(filepath.Join(dir, e.Name())); ok {
			onDisk[id] = t
		}
	}

	merged := map[string]*types.Task{}
	for id, t := range onDisk {
		merged[id] = t
	}
	for id, t := range local {
		existing, present := merged[id]
		if !present || t.UpdatedAt.After(existing.UpdatedAt) {
			merged[id] = t
		}
	}

	for id, t := range merged {
		if err := writeTaskFile(dir, id, t, now); err != nil {
			return nil, err
		}
	}

	return merged, nil
}

// LoadAll scans every date directory and returns the union of tasks,
// preferring the most recent date's copy when the same task_id appears
// under more than one day.
func (s *DailyJSONStore) LoadAll() (map[string]*types.Task, error) {
	dates, err := s.ListAvailableDates()
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))

	result := map[string]*types.Task{}
	for _, date := range dates {
		dir := filepath.Join(s.RootDir, date)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !strings.HasSuffix(e.Name(), ".json") || strings.HasSuffix(e.Name(), ".bak") {
				continue
			}
			id := strings.TrimSuffix(e.Name(), ".json")
			if _, seen := result[id]; seen {
				continue // a more recent date already supplied this id
			}
			if t, ok := readTaskFile(filepath.Join(dir, e.Name())); ok {
				result[id] = t
			}
		}
	}
	return result, nil
}

// ListAvailableDates returns the YYYY-MM-DD directory names under root.
func (s *DailyJSONStore) ListAvailableDates() ([]string, error) {
	entries, err := os.ReadDir(s.RootDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("taskstore: list root %s: %w", s.RootDir, err)
	}
	var dates []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := time.Parse(dateLayout, e.Name()); err == nil {
			dates = append(dates, e.Name())
		}
	}
	return dates, nil
}

// LoadHistoricalTasks loads tasks from date directories within [start, end]
// inclusive, prefixing each key with its date to avoid id collisions across
// days. It is operator tooling, not reachable from the HTTP surface.
func (s *DailyJSONStore) LoadHistoricalTasks(start, end time.Time) (map[string]*types.Task, error) {
	dates, err := s.ListAvailableDates()
	if err != nil {
		return nil, err
	}
	result := map[string]*types.Task{}
	for _, date := range dates {
		d, err := time.Parse(dateLayout, date)
		if err != nil || d.Before(start) || d.After(end) {
			continue
		}
		dir := filepath.Join(s.RootDir, date)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !strings.HasSuffix(e.Name(), ".json") || strings.HasSuffix(e.Name(), ".bak") {
				continue
			}
			id := strings.TrimSuffix(e.Name(), ".json")
			if t, ok := readTaskFile(filepath.Join(dir, e.Name())); ok {
				result[date+":"+id] = t
			}
		}
	}
	return result, nil
}

// CleanupOldFiles removes date directories older than keepDays.
func (s *DailyJSONStore) CleanupOldFiles(keepDays int) (int, error) {
	dates, err := s.ListAvailableDates()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().AddDate(0, 0, -keepDays)
	removed := 0
	for _, date := range dates {
		d, err := time.Parse(dateLayout, date)
		if err != nil {
			continue
		}
		if d.Before(cutoff) {
			if err := os.RemoveAll(filepath.Join(s.RootDir, date)); err != nil {
				return removed, fmt.Errorf("taskstore: remove %s: %w", date, err)
			}
			removed++
		}
	}
	return removed, nil
}

// StorageInfo summarizes the on-disk layout for operator diagnostics,
// surfaced on the health endpoint since it costs nothing to compute.
type StorageInfo struct {
	RootDir       string   `json:"root_dir"`
	AvailableDates []string `json:"available_dates"`
	TaskFileCount int      `json:"task_file_count"`
}

// StorageInfo computes a StorageInfo snapshot.
func (s *DailyJSONStore) StorageInfo() (StorageInfo, error) {
	dates, err := s.ListAvailableDates()
	if err != nil {
		return StorageInfo{}, err
	}
	count := 0
	for _, date := range dates {
		entries, err := os.ReadDir(filepath.Join(s.RootDir, date))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if strings.HasSuffix(e.Name(), ".json") {
				count++
			}
		}
	}
	return StorageInfo{RootDir: s.RootDir, AvailableDates: dates, TaskFileCount: count}, nil
}
