// Package dispatcher delivers an admitted task to its assigned runner over
// HTTP and reflects handoff failure onto the task record rather than the
// submitting client.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/esup-runner/manager/pkg/log"
	"github.com/esup-runner/manager/pkg/types"
)

// runPayload is the body POSTed to the runner's /task/run endpoint.
type runPayload struct {
	TaskID      string         `json:"task_id"`
	TaskType    string         `json:"task_type"`
	SourceURL   string         `json:"source_url"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	RunnerToken string         `json:"runner_token"`
}

// Dispatcher pushes tasks to runners. Its client has retries disabled
// (RetryMax: 0) because the manager's own retry semantics around handoff
// are "fail the task, let the client resubmit," not a transport-level
// retry; retryablehttp is used purely for its structured
// request/response logging and consistent timeout handling.
type Dispatcher struct {
	client  *retryablehttp.Client
	timeout time.Duration
}

// New builds a Dispatcher with the given per-call timeout.
func New(timeout time.Duration) *Dispatcher {
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.Logger = nil
	return &Dispatcher{client: client, timeout: timeout}
}

// Dispatch POSTs task to runner.URL + "/task/run". On success it returns
// nil and the caller marks the runner busy; on failure it returns a
// descriptive error and the caller marks the task failed while leaving the
// runner's availability untouched.
func (d *Dispatcher) Dispatch(ctx context.Context, task *types.Task, runner *types.Runner) error {
	body, err := json.Marshal(runPayload{
		TaskID:      task.TaskID,
		TaskType:    task.TaskType,
		SourceURL:   task.SourceURL,
		Parameters:  task.Parameters,
		RunnerToken: runner.Token,
	})
	if err != nil {
		return fmt.Errorf("dispatcher: encode payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	url := runner.URL + "/task/run"
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("dispatcher: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatcher: push to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("dispatcher: runner %s responded %d", runner.ID, resp.StatusCode)
	}

	log.WithComponent("dispatcher").Info().Str("task_id", task.TaskID).Str("runner_id", runner.ID).Msg("task handed off")
	return nil
}
