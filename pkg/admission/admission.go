// Package admission is the task-submission entry point: it validates the
// request, consults the priority gate, selects a ready runner, creates the
// task record, and kicks off an asynchronous handoff.
package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/esup-runner/manager/pkg/dispatcher"
	"github.com/esup-runner/manager/pkg/log"
	"github.com/esup-runner/manager/pkg/metrics"
	"github.com/esup-runner/manager/pkg/priorities"
	"github.com/esup-runner/manager/pkg/registry"
	"github.com/esup-runner/manager/pkg/taskstore"
	"github.com/esup-runner/manager/pkg/types"
	"github.com/esup-runner/manager/pkg/urlsafety"
)

// ErrNoRunnersAvailable is returned when no registered runner declares the
// requested task_type and responds ready to a probe.
var ErrNoRunnersAvailable = fmt.Errorf("admission: no runners available")

// Service wires the components Admission depends on.
type Service struct {
	Registry     *registry.Registry
	Store        *taskstore.Store
	Gate         *priorities.Gate
	URLChecker   *urlsafety.Checker
	Dispatcher   *dispatcher.Dispatcher
	ProbeTimeout time.Duration
}

// SubmitTask implements the seven-step submission algorithm and returns the
// newly minted task id.
func (s *Service) SubmitTask(ctx context.Context, req types.TaskRequest) (string, error) {
	if _, err := s.URLChecker.ValidateStatic(req.SourceURL); err != nil {
		return "", err
	}
	if req.NotifyURL != "" {
		if _, err := s.URLChecker.ValidateWithDNS(ctx, req.NotifyURL); err != nil {
			return "", err
		}
	}

	runners, err := s.Registry.List()
	if err != nil {
		return "", fmt.Errorf("admission: list runners: %w", err)
	}
	if err := s.Gate.Admit(req.NotifyURL, len(runners), s.Store.Running()); err != nil {
		return "", err
	}

	runner := s.selectRunner(ctx, runners, req.TaskType)
	if runner == nil {
		return "", ErrNoRunnersAvailable
	}

	now := time.Now()
	task := &types.Task{
		TaskID:      uuid.NewString(),
		RunnerID:    runner.ID,
		Status:      types.StatusRunning,
		EtabName:    req.EtabName,
		AppName:     req.AppName,
		AppVersion:  req.AppVersion,
		TaskType:    req.TaskType,
		Affiliation: req.Affiliation,
		SourceURL:   req.SourceURL,
		NotifyURL:   req.NotifyURL,
		Parameters:  req.Parameters,
		ClientToken: req.ClientToken,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.Store.Upsert(task); err != nil {
		return "", fmt.Errorf("admission: persist task: %w", err)
	}

	go s.handoff(task, runner)

	return task.TaskID, nil
}

// selectRunner iterates runners in registry order, returning the first one
// that declares taskType and answers a probe as ready.
func (s *Service) selectRunner(ctx context.Context, runners []*types.Runner, taskType string) *types.Runner {
	for _, r := range runners {
		if !r.AcceptsType(taskType) {
			continue
		}
		ready, err := probeRunner(ctx, r.URL, s.ProbeTimeout)
		if err != nil || !ready {
			continue
		}
		return r
	}
	return nil
}

// handoff dispatches task to runner in the background. On success the
// runner is marked busy; on failure the task is marked failed and the
// runner's availability is left untouched, since the runner never actually
// took the task.
func (s *Service) handoff(task *types.Task, runner *types.Runner) {
	ctx := context.Background()
	timer := metrics.NewTimer()
	err := s.Dispatcher.Dispatch(ctx, task, runner)
	timer.ObserveDuration(metrics.TaskDispatchDuration)
	if err != nil {
		log.WithComponent("admission").Warn().Err(err).Str("task_id", task.TaskID).Msg("handoff failed")
		task.Status = types.StatusFailed
		task.Error = err.Error()
		task.Touch(time.Now())
		if uerr := s.Store.Upsert(task); uerr != nil {
			log.WithComponent("admission").Error().Err(uerr).Str("task_id", task.TaskID).Msg("failed to persist handoff failure")
		}
		return
	}
	if err := s.Registry.SetAvailability(runner.ID, types.Busy); err != nil {
		log.WithComponent("admission").Warn().Err(err).Str("runner_id", runner.ID).Msg("failed to mark runner busy")
	}
}
