// Package notify implements completion reporting from runners: applying the
// reported terminal status, freeing the runner, and delivering (with retry)
// a callback to the client's notify_url.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/esup-runner/manager/pkg/log"
	"github.com/esup-runner/manager/pkg/metrics"
	"github.com/esup-runner/manager/pkg/registry"
	"github.com/esup-runner/manager/pkg/taskstore"
	"github.com/esup-runner/manager/pkg/types"
	"github.com/esup-runner/manager/pkg/urlsafety"
)

// ErrNotFound is returned when the task id in a completion report is
// unknown.
var ErrNotFound = errors.New("notify: task not found")

// ErrForbidden is returned when the presented runner auth does not match
// the token of the runner currently assigned to the task.
var ErrForbidden = errors.New("notify: runner auth does not match assigned runner")

// RetryPolicy holds the background retry parameters.
type RetryPolicy struct {
	MaxRetries    int
	RetryDelay    float64 // seconds, the "D" in D * F^k
	BackoffFactor float64 // the "F" in D * F^k
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	seconds := p.RetryDelay * math.Pow(p.BackoffFactor, float64(attempt))
	return time.Duration(seconds * float64(time.Second))
}

// Engine is the completion/notify core.
type Engine struct {
	Registry   *registry.Registry
	Store      *taskstore.Store
	URLChecker *urlsafety.Checker
	Client     *http.Client
	Policy     RetryPolicy
	Timeout    time.Duration

	wg     sync.WaitGroup
	stopCh chan struct{}
	once   sync.Once
}

// NewEngine builds a notify Engine.
func NewEngine(reg *registry.Registry, store *taskstore.Store, checker *urlsafety.Checker, policy RetryPolicy, timeout time.Duration) *Engine {
	return &Engine{
		Registry:   reg,
		Store:      store,
		URLChecker: checker,
		Client:     &http.Client{},
		Policy:     policy,
		Timeout:    timeout,
		stopCh:     make(chan struct{}),
	}
}

// Shutdown signals any in-flight background retries to abandon their
// remaining attempts and waits for them to observe it.
func (e *Engine) Shutdown() {
	e.once.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

type callbackPayload struct {
	TaskID       string `json:"task_id"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
	ScriptOutput string `json:"script_output,omitempty"`
}

// TaskCompletion applies a runner-reported result, frees the runner, and
// attempts (then if necessary retries) the client notify callback.
func (e *Engine) TaskCompletion(ctx context.Context, runnerAuth, taskID string, reportedStatus types.TaskStatus, errMsg, scriptOutput string) error {
	task, ok := e.Store.Get(taskID)
	if !ok {
		return ErrNotFound
	}

	runner, err := e.Registry.Get(task.RunnerID)
	if err != nil {
		return ErrForbidden
	}
	if !hmac.Equal([]byte(runnerAuth), []byte(runner.Token)) {
		return ErrForbidden
	}

	originalStatus := reportedStatus
	originalError := errMsg

	task.Status = reportedStatus
	if reportedStatus != types.StatusCompleted {
		task.Error = errMsg
	} else {
		task.Error = ""
	}
	task.ScriptOutput = scriptOutput
	task.Touch(time.Now())
	if err := e.Store.Upsert(task); err != nil {
		return fmt.Errorf("notify: persist completion: %w", err)
	}

	if err := e.Registry.SetAvailability(task.RunnerID, types.Available); err != nil {
		log.WithComponent("notify").Warn().Err(err).Str("runner_id", task.RunnerID).Msg("failed to free runner")
	}

	if task.NotifyURL == "" {
		return nil
	}

	if err := e.attemptCallback(ctx, task); err != nil {
		metrics.NotifyAttemptsTotal.WithLabelValues("failure").Inc()
		log.WithComponent("notify").Warn().Err(err).Str("task_id", task.TaskID).Msg("synchronous notify attempt failed")
		task.CompletionCallback = "warning"
		task.Status = types.StatusWarning
		task.Error = fmt.Sprintf("original status %s: %s (notify: %v)", originalStatus, originalError, err)
		task.Touch(time.Now())
		if perr := e.Store.Upsert(task); perr != nil {
			log.WithComponent("notify").Error().Err(perr).Str("task_id", task.TaskID).Msg("failed to persist warning state")
		}
		e.scheduleRetry(task.TaskID, originalStatus, originalError)
		return nil
	}

	metrics.NotifyAttemptsTotal.WithLabelValues("success").Inc()
	task.CompletionCallback = "acknowledged"
	_ = e.Store.Upsert(task)
	return nil
}

// attemptCallback POSTs the completion payload to task.NotifyURL, forwarding
// the client's bearer token if one was supplied at submission, and
// re-validates the URL through the SSRF pipeline at send time.
func (e *Engine) attemptCallback(ctx context.Context, task *types.Task) error {
	if _, err := e.URLChecker.ValidateWithDNS(ctx, task.NotifyURL); err != nil {
		return err
	}

	body, err := json.Marshal(callbackPayload{
		TaskID:       task.TaskID,
		Status:       string(task.Status),
		ErrorMessage: task.Error,
		ScriptOutput: task.ScriptOutput,
	})
	if err != nil {
		return fmt.Errorf("notify: encode callback: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.NotifyURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if task.ClientToken != "" {
		req.Header.Set("Authorization", "Bearer "+task.ClientToken)
	}

	resp, err := e.Client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: callback request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify: callback responded %d", resp.StatusCode)
	}
	return nil
}

// scheduleRetry launches the background retry loop for taskID. The entry
// point (TaskCompletion) never blocks on this.
func (e *Engine) scheduleRetry(taskID string, originalStatus types.TaskStatus, originalError string) {
	e.wg.Add(1)
	metrics.NotifyRetryQueueDepth.Inc()
	go func() {
		defer e.wg.Done()
		defer metrics.NotifyRetryQueueDepth.Dec()
		e.retryLoop(taskID, originalStatus, originalError)
	}()
}

func (e *Engine) retryLoop(taskID string, originalStatus types.TaskStatus, originalError string) {
	logger := log.WithComponent("notify")
	var lastErr error

	for attempt := 0; attempt < e.Policy.MaxRetries; attempt++ {
		select {
		case <-time.After(e.Policy.delay(attempt)):
		case <-e.stopCh:
			logger.Info().Str("task_id", taskID).Msg("abandoning notify retry on shutdown")
			return
		}

		task, ok := e.Store.Get(taskID)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), e.Timeout)
		err := e.attemptCallback(ctx, task)
		cancel()
		if err == nil {
			metrics.NotifyAttemptsTotal.WithLabelValues("success").Inc()
			if originalStatus == types.StatusCompleted {
				task.Status = types.StatusCompleted
				task.Error = ""
			} else {
				task.Status = originalStatus
				task.Error = originalError
			}
			task.CompletionCallback = "acknowledged"
			task.Touch(time.Now())
			if perr := e.Store.Upsert(task); perr != nil {
				logger.Error().Err(perr).Str("task_id", taskID).Msg("failed to persist recovered notify state")
			}
			return
		}
		lastErr = err
		metrics.NotifyAttemptsTotal.WithLabelValues("failure").Inc()
		logger.Warn().Err(err).Int("attempt", attempt+1).Str("task_id", taskID).Msg("notify retry failed")
	}

	task, ok := e.Store.Get(taskID)
	if !ok {
		return
	}
	task.CompletionCallback = "exhausted"
	task.Status = types.StatusWarning
	task.Error = fmt.Sprintf("notify retries exhausted: %v", lastErr)
	task.Touch(time.Now())
	if perr := e.Store.Upsert(task); perr != nil {
		logger.Error().Err(perr).Str("task_id", taskID).Msg("failed to persist exhausted notify state")
	}
}
