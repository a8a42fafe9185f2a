// Package priorities implements the stateless domain-based admission quota:
// tasks whose notify_url falls under the configured priority domain always
// bypass the ceiling; every other domain shares a single ceiling computed
// against the registered runner count.
package priorities

import (
	"math"
	"net/url"
	"sync"

	"github.com/esup-runner/manager/pkg/types"
	"github.com/esup-runner/manager/pkg/urlsafety"
)

// Policy is the configuration the gate consults on every admission.
type Policy struct {
	Enabled                   bool
	PriorityDomain            string
	MaxOtherDomainTaskPercent int
}

// Gate evaluates admission requests against the registered runner count and
// the set of currently running tasks, both passed in by the caller on every
// call since the gate itself holds no task/runner state. Policy is guarded
// by a mutex so it can be hot-swapped on a config reload without disturbing
// in-flight Admit calls.
type Gate struct {
	mu     sync.RWMutex
	policy Policy
}

// NewGate constructs a Gate from a Policy.
func NewGate(p Policy) *Gate {
	return &Gate{policy: p}
}

// SetPolicy replaces the gate's policy, e.g. on SIGHUP config reload.
func (g *Gate) SetPolicy(p Policy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.policy = p
}

func (g *Gate) currentPolicy() Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.policy
}

// ErrQuotaExceeded is returned by Admit when a non-priority submission would
// push concurrent non-priority running tasks past the ceiling.
type ErrQuotaExceeded struct{}

func (ErrQuotaExceeded) Error() string {
	return "priority quota exceeded for non-priority domain"
}

// HostOf extracts the hostname from a notify_url, returning "" for an empty
// or unparsable URL (treated as non-priority).
func HostOf(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// IsPriority reports whether notifyURL's host matches the configured
// priority domain by suffix.
func (g *Gate) IsPriority(notifyURL string) bool {
	p := g.currentPolicy()
	if !p.Enabled || p.PriorityDomain == "" {
		return false
	}
	return urlsafety.HostMatchesSuffix(HostOf(notifyURL), p.PriorityDomain)
}

// maxOtherConcurrent returns floor(capacity * percent / 100).
func maxOtherConcurrent(capacity, percent int) int {
	return int(math.Floor(float64(capacity) * float64(percent) / 100.0))
}

// otherDomainRunningCount counts currently running tasks whose notify_url
// does not match the priority domain.
func (g *Gate) otherDomainRunningCount(tasks []*types.Task) int {
	count := 0
	for _, t := range tasks {
		if t.Status != types.StatusRunning {
			continue
		}
		if g.IsPriority(t.NotifyURL) {
			continue
		}
		count++
	}
	return count
}

// Admit decides whether a new task for notifyURL may be admitted given
// registeredRunners (the current registry size) and runningTasks (a
// snapshot of tasks currently in the running status). It never mutates
// either slice.
func (g *Gate) Admit(notifyURL string, registeredRunners int, runningTasks []*types.Task) error {
	p := g.currentPolicy()
	if !p.Enabled {
		return nil
	}
	if g.IsPriority(notifyURL) {
		return nil
	}
	maxOther := maxOtherConcurrent(registeredRunners, p.MaxOtherDomainTaskPercent)
	current := g.otherDomainRunningCount(runningTasks)
	if current >= maxOther {
		return ErrQuotaExceeded{}
	}
	return nil
}
