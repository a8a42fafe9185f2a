package taskstore

import (
	"encoding/csv"
	"os"
	"sync"

	"github.com/esup-runner/manager/pkg/log"
	"github.com/esup-runner/manager/pkg/types"
)

// StatsSink appends one row per terminal task transition to an append-only
// CSV file. The file is never compacted; the only observable contract is
// one row per terminal transition.
type StatsSink struct {
	path string
	mu   sync.Mutex
}

// NewStatsSink opens (creating if needed) the CSV file at path, writing a
// header row if the file is new.
func NewStatsSink(path string) (*StatsSink, error) {
	_, err := os.Stat(path)
	newFile := os.IsNotExist(err)

	s := &StatsSink{path: path}
	if newFile {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		w := csv.NewWriter(f)
		_ = w.Write([]string{"task_id", "date", "task_type", "status", "app_name", "app_version", "etab_name"})
		w.Flush()
		f.Close()
	}
	return s, nil
}

// Append writes one StatusStatistics row. Failures are logged, not
// propagated, since the stats sink is diagnostic, not authoritative state.
func (s *StatsSink) Append(row types.StatusStatistics) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.WithComponent("taskstore").Warn().Err(err).Msg("failed to open stats csv")
		return
	}
	defer f.Close()

	w := csv.NewWriter(f)
	_ = w.Write([]string{row.TaskID, row.Date, row.TaskType, string(row.Status), row.AppName, row.AppVersion, row.EtabName})
	w.Flush()
	if err := w.Error(); err != nil {
		log.WithComponent("taskstore").Warn().Err(err).Msg("failed to write stats row")
	}
}
