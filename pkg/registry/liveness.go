package registry

import (
	"time"

	"github.com/esup-runner/manager/pkg/log"
)

// Liveness is the supervised background loop that evicts runners whose
// last heartbeat has crossed the staleness threshold. The poll interval and
// the staleness threshold are independent settings.
type Liveness struct {
	registry  *Registry
	interval  time.Duration
	staleness time.Duration
	stopCh    chan struct{}
}

// NewLiveness builds a Liveness sweep over registry, polling every interval
// and evicting runners older than staleness.
func NewLiveness(registry *Registry, interval, staleness time.Duration) *Liveness {
	return &Liveness{
		registry:  registry,
		interval:  interval,
		staleness: staleness,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the sweep loop in a goroutine.
func (l *Liveness) Start() {
	go l.loop()
}

// Stop signals the loop to exit; it does not block for the loop to finish
// its current pass.
func (l *Liveness) Stop() {
	close(l.stopCh)
}

func (l *Liveness) loop() {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Liveness) sweep() {
	runners, err := l.registry.List()
	if err != nil {
		log.WithComponent("liveness").Warn().Err(err).Msg("failed to list runners")
		return
	}
	now := time.Now()
	for _, r := range runners {
		if !r.Online(l.staleness, now) {
			if err := l.registry.Delete(r.ID); err != nil {
				log.WithComponent("liveness").Warn().Err(err).Str("runner_id", r.ID).Msg("failed to evict stale runner")
				continue
			}
			log.WithComponent("liveness").Info().Str("runner_id", r.ID).Msg("evicted stale runner")
			l.registry.recordStaleEviction()
		}
	}
}
