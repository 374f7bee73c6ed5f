package session

import (
	"context"
	"time"
)

// Reaper is a background sweep that calls Stop on every session whose last
// activity is older than idleTimeout. It does not track workers that
// outlived a Stop deadline: Stop has already removed their session from
// the controller.
type Reaper struct {
	controller  *Controller
	idleTimeout time.Duration
	interval    time.Duration
}

// NewReaper builds a Reaper ticking at interval, reclaiming sessions idle
// longer than idleTimeout.
func NewReaper(c *Controller, idleTimeout, interval time.Duration) *Reaper {
	return &Reaper{controller: c, idleTimeout: idleTimeout, interval: interval}
}

// Run sweeps until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Reaper) sweep() {
	r.controller.mu.RLock()
	stale := make([]string, 0)
	now := time.Now()
	for id, s := range r.controller.sessions {
		s.mu.RLock()
		idle := now.Sub(s.lastActive)
		s.mu.RUnlock()
		if idle >= r.idleTimeout {
			stale = append(stale, id)
		}
	}
	r.controller.mu.RUnlock()

	for _, id := range stale {
		r.controller.log.Warn("reaper: reclaiming orphaned session", "session", id)
		_ = r.controller.Stop(id)
	}
}
