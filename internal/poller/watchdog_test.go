package poller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWatchdog_HealthThresholds(t *testing.T) {
	t0 := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	current := t0
	now := func() time.Time { return current }

	hb := &Heartbeat{}
	hb.Beat(t0)

	restarts := 0
	sup := &Supervised{
		Name:       "regular",
		Heartbeat:  hb,
		StaleAfter: 7 * time.Minute,
		Restart: func() error {
			restarts++
			return nil
		},
	}
	w := NewWatchdog([]*Supervised{sup}, time.Millisecond, now, nil)

	// Below 70% of tolerance: healthy, no restart.
	current = t0.Add(3 * time.Minute)
	assert.Equal(t, HealthHealthy, w.Check(context.Background(), sup))
	assert.Equal(t, 0, restarts)

	// Between 70% and 100%: warning, still no restart.
	current = t0.Add(5 * time.Minute)
	assert.Equal(t, HealthWarning, w.Check(context.Background(), sup))
	assert.Equal(t, 0, restarts)

	// Past tolerance: critical, forced restart, heartbeat reset to now.
	current = t0.Add(8 * time.Minute)
	assert.Equal(t, HealthCritical, w.Check(context.Background(), sup))
	assert.Equal(t, 1, restarts)
	assert.Equal(t, current, hb.Last(), "restart resets last activity")

	// The reset heartbeat makes the next check healthy again.
	assert.Equal(t, HealthHealthy, w.Check(context.Background(), sup))
	assert.Equal(t, 1, restarts)
}

func TestWatchdog_RetriesFailedRestart(t *testing.T) {
	t0 := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	current := t0.Add(time.Hour)
	now := func() time.Time { return current }

	hb := &Heartbeat{}
	hb.Beat(t0)

	attempts := 0
	sup := &Supervised{
		Name:       "autoStitch",
		Heartbeat:  hb,
		StaleAfter: 20 * time.Minute,
		Restart: func() error {
			attempts++
			if attempts < 3 {
				return errors.New("restart failed")
			}
			return nil
		},
	}
	w := NewWatchdog([]*Supervised{sup}, time.Millisecond, now, nil)

	assert.Equal(t, HealthCritical, w.Check(context.Background(), sup))
	assert.Equal(t, 3, attempts, "the watchdog keeps retrying until the restart succeeds")
}

func TestWatchdog_PublishesHealthEvents(t *testing.T) {
	t0 := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	current := t0.Add(time.Hour)
	now := func() time.Time { return current }

	hb := &Heartbeat{}
	hb.Beat(t0)

	var events []HealthEvent
	sup := &Supervised{
		Name:       "regular",
		Heartbeat:  hb,
		StaleAfter: 7 * time.Minute,
		Restart:    func() error { return nil },
	}
	w := NewWatchdog([]*Supervised{sup}, time.Millisecond, now, func(ev HealthEvent) {
		events = append(events, ev)
	})

	w.Check(context.Background(), sup)

	assert.Len(t, events, 2)
	assert.Equal(t, HealthCritical, events[0].Status)
	assert.False(t, events[0].Restarted)
	assert.Equal(t, HealthHealthy, events[1].Status)
	assert.True(t, events[1].Restarted)
}
