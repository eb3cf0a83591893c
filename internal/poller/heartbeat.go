package poller

import (
	"sync"
	"time"
)

// HealthStatus is the derived liveness state of a supervised poller.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"

	// HealthStopped is reported in place of a derived status while the
	// service is not running and there is no heartbeat to judge.
	HealthStopped HealthStatus = "stopped"
)

// Heartbeat tracks the last-activity timestamp of a poller. Pollers beat at
// the start of every tick, before any network call, so the watchdog sees
// liveness even when the upstream is down.
type Heartbeat struct {
	mu   sync.Mutex
	last time.Time
}

// Beat records activity at the given instant.
func (h *Heartbeat) Beat(at time.Time) {
	h.mu.Lock()
	h.last = at
	h.mu.Unlock()
}

// Last returns the most recent activity timestamp.
func (h *Heartbeat) Last() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// Health derives the status from elapsed time against the stale tolerance:
// below 70% healthy, between 70% and 100% warning, beyond critical.
func (h *Heartbeat) Health(now time.Time, staleAfter time.Duration) HealthStatus {
	elapsed := now.Sub(h.Last())
	switch {
	case elapsed > staleAfter:
		return HealthCritical
	case elapsed >= time.Duration(float64(staleAfter)*0.7):
		return HealthWarning
	default:
		return HealthHealthy
	}
}
