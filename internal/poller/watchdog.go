package poller

import (
	"context"
	"log"
	"time"
)

// HealthEvent is published to observers whenever a supervised poller's health
// is evaluated as something other than healthy, and after every forced
// restart.
type HealthEvent struct {
	Poller       string       `json:"poller"`
	Status       HealthStatus `json:"status"`
	LastActivity time.Time    `json:"lastActivity"`
	Restarted    bool         `json:"restarted"`
	At           time.Time    `json:"at"`
}

// Supervised describes one poller under watchdog supervision.
type Supervised struct {
	Name          string
	Heartbeat     *Heartbeat
	CheckInterval time.Duration
	StaleAfter    time.Duration
	Restart       func() error
}

// Watchdog force-restarts pollers whose heartbeat has gone stale. It runs one
// independent check loop per supervised poller and never stops on a restart
// failure; failed restarts are retried after a fixed backoff.
type Watchdog struct {
	supervised []*Supervised
	backoff    time.Duration
	now        func() time.Time
	publish    func(HealthEvent)
	hb         Heartbeat
}

// NewWatchdog creates a watchdog. publish may be nil when nobody observes
// health transitions.
func NewWatchdog(supervised []*Supervised, backoff time.Duration, now func() time.Time, publish func(HealthEvent)) *Watchdog {
	if now == nil {
		now = time.Now
	}
	return &Watchdog{
		supervised: supervised,
		backoff:    backoff,
		now:        now,
		publish:    publish,
	}
}

// LastActivity returns the time of the watchdog's most recent check.
func (w *Watchdog) LastActivity() time.Time {
	return w.hb.Last()
}

// Run starts one check loop per supervised poller and blocks until the
// context is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	for _, s := range w.supervised {
		go w.supervise(ctx, s)
	}
	<-ctx.Done()
}

func (w *Watchdog) supervise(ctx context.Context, s *Supervised) {
	ticker := time.NewTicker(s.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check(ctx, s)
		}
	}
}

// Check evaluates one poller's heartbeat and forces a restart when it has
// gone critical. Exposed so tests can drive checks without waiting on timers.
func (w *Watchdog) Check(ctx context.Context, s *Supervised) HealthStatus {
	now := w.now()
	w.hb.Beat(now)

	health := s.Heartbeat.Health(now, s.StaleAfter)
	switch health {
	case HealthHealthy:
		return health
	case HealthWarning:
		log.Printf("Watchdog: poller %s heartbeat is %s old, approaching stale tolerance", s.Name, now.Sub(s.Heartbeat.Last()))
		w.emit(HealthEvent{Poller: s.Name, Status: health, LastActivity: s.Heartbeat.Last(), At: now})
		return health
	}

	log.Printf("Watchdog: poller %s is stale (last activity %s), forcing restart", s.Name, s.Heartbeat.Last().Format(time.RFC3339))
	w.emit(HealthEvent{Poller: s.Name, Status: HealthCritical, LastActivity: s.Heartbeat.Last(), At: now})

	for {
		err := s.Restart()
		if err == nil {
			s.Heartbeat.Beat(w.now())
			log.Printf("Watchdog: poller %s restarted", s.Name)
			w.emit(HealthEvent{Poller: s.Name, Status: HealthHealthy, LastActivity: s.Heartbeat.Last(), Restarted: true, At: w.now()})
			return HealthCritical
		}
		log.Printf("Watchdog: restart of poller %s failed: %v; retrying in %s", s.Name, err, w.backoff)
		select {
		case <-ctx.Done():
			return HealthCritical
		case <-time.After(w.backoff):
		}
	}
}

func (w *Watchdog) emit(ev HealthEvent) {
	if w.publish != nil {
		w.publish(ev)
	}
}
