package registry

import (
	"crypto/hmac"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/esup-runner/manager/pkg/types"
	"github.com/esup-runner/manager/pkg/version"
)

// ErrForbidden is returned by Heartbeat when the presented token does not
// match the stored one.
var ErrForbidden = errors.New("registry: token does not match runner")

// ErrVersionConflict is returned by Register when the runner's reported
// major.minor does not match the manager's.
type ErrVersionConflict struct {
	RunnerVersion  string
	ManagerVersion string
}

func (e ErrVersionConflict) Error() string {
	return fmt.Sprintf("registry: runner version %s is incompatible with manager version %s", e.RunnerVersion, e.ManagerVersion)
}

// Registry is the canonical runner directory: registration, heartbeat,
// lookup, and deletion, layered over a Store (in-memory or shared).
type Registry struct {
	store          Store
	managerVersion version.Info
	managerRaw     string
	staleEvictions atomic.Uint64
}

// New builds a Registry backed by store, checking runner versions against
// managerVersion at registration time.
func New(store Store, managerVersionString string) (*Registry, error) {
	mv, err := version.Parse(managerVersionString)
	if err != nil {
		return nil, fmt.Errorf("registry: manager version: %w", err)
	}
	return &Registry{store: store, managerVersion: mv, managerRaw: managerVersionString}, nil
}

// Register upserts a runner record and mints a fresh token, replacing any
// previously stored record for the same id in full. runnerVersion must
// agree with the manager's version at MAJOR.MINOR.
func (r *Registry) Register(id, url string, taskTypes []string, runnerVersion string) (*types.Runner, error) {
	rv, err := version.Parse(runnerVersion)
	if err != nil {
		return nil, fmt.Errorf("registry: runner version: %w", err)
	}
	if !version.CompatibleMajorMinor(rv, r.managerVersion) {
		return nil, ErrVersionConflict{RunnerVersion: runnerVersion, ManagerVersion: r.managerRaw}
	}

	token, err := generateToken()
	if err != nil {
		return nil, err
	}

	runner := &types.Runner{
		ID:            id,
		URL:           url,
		TaskTypes:     taskTypes,
		Availability:  types.Available,
		LastHeartbeat: time.Now(),
		Token:         token,
		Version:       runnerVersion,
	}
	if err := r.store.Upsert(runner); err != nil {
		return nil, err
	}
	return runner, nil
}

// Heartbeat bumps last_heartbeat for id if presentedToken matches the
// stored token, comparing in constant time to avoid timing side channels.
// runnerVersion, when non-empty, is re-checked against the manager version
// the same way Register checks it: a runner that was upgraded or downgraded
// out of compatibility between registration and a later heartbeat is
// rejected rather than left heartbeating silently.
func (r *Registry) Heartbeat(id, presentedToken, runnerVersion string) error {
	runner, err := r.store.Get(id)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(presentedToken), []byte(runner.Token)) {
		return ErrForbidden
	}
	if runnerVersion != "" {
		rv, err := version.Parse(runnerVersion)
		if err != nil {
			return fmt.Errorf("registry: runner version: %w", err)
		}
		if !version.CompatibleMajorMinor(rv, r.managerVersion) {
			return ErrVersionConflict{RunnerVersion: runnerVersion, ManagerVersion: r.managerRaw}
		}
	}
	runner.LastHeartbeat = time.Now()
	return r.store.Upsert(runner)
}

// Get returns the runner record for id.
func (r *Registry) Get(id string) (*types.Runner, error) {
	return r.store.Get(id)
}

// List returns every currently registered runner.
func (r *Registry) List() ([]*types.Runner, error) {
	return r.store.List()
}

// Delete removes a runner record, e.g. explicit deregistration or Liveness
// eviction.
func (r *Registry) Delete(id string) error {
	return r.store.Delete(id)
}

// StaleEvictionsTotal returns the number of runners Liveness has evicted
// since this Registry was created, for the metrics collector to poll.
func (r *Registry) StaleEvictionsTotal() uint64 {
	return r.staleEvictions.Load()
}

func (r *Registry) recordStaleEviction() {
	r.staleEvictions.Add(1)
}

// SetAvailability updates a runner's busy/available flag. It performs no
// token check; callers (admission marking a runner busy after handoff,
// NotifyEngine freeing it on completion) authenticate beforehand.
func (r *Registry) SetAvailability(id string, availability types.Availability) error {
	runner, err := r.store.Get(id)
	if err != nil {
		return err
	}
	runner.Availability = availability
	return r.store.Upsert(runner)
}
