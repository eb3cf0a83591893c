package poller

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"attendance-sync-backend/config"
	"attendance-sync-backend/internal/model"
	"attendance-sync-backend/internal/reconcile"
	"attendance-sync-backend/internal/store"
	"attendance-sync-backend/internal/upstream"
)

const (
	pollerRegular    = "regular"
	pollerAutoStitch = "autoStitch"
)

// Service owns the three pollers, the watchdog and the gap-fill queue. It is
// an explicit instance with start/stop lifecycle; nothing lives at package
// level.
type Service struct {
	cfg    *config.Config
	store  store.Store
	client *upstream.Client
	engine *reconcile.Engine
	now    func() time.Time

	regular    *pollerLoop
	autoStitch *pollerLoop
	watchdog   *Watchdog

	queue       *jobQueue
	jobInFlight atomic.Bool
	drainWake   chan struct{}

	running   atomic.Bool
	parentCtx context.Context
	cancelAll context.CancelFunc

	healthCh chan HealthEvent
}

// NewService wires the pollers with their dependencies.
func NewService(cfg *config.Config, s store.Store, client *upstream.Client, engine *reconcile.Engine) *Service {
	svc := &Service{
		cfg:       cfg,
		store:     s,
		client:    client,
		engine:    engine,
		now:       time.Now,
		queue:     newJobQueue(),
		drainWake: make(chan struct{}, 1),
		healthCh:  make(chan HealthEvent, 16),
	}

	svc.regular = &pollerLoop{
		name:     pollerRegular,
		interval: cfg.Poller.RegularInterval,
		tick:     svc.RegularTick,
	}
	svc.autoStitch = &pollerLoop{
		name:     pollerAutoStitch,
		interval: cfg.Poller.AutoStitchInterval,
		tick:     svc.AutoStitchTick,
		wake:     svc.drainWake,
	}

	svc.watchdog = NewWatchdog([]*Supervised{
		{
			Name:          pollerRegular,
			Heartbeat:     &svc.regular.hb,
			CheckInterval: cfg.Watchdog.RegularCheckInterval,
			StaleAfter:    cfg.Watchdog.RegularStaleAfter,
			Restart:       func() error { return svc.restart(svc.regular) },
		},
		{
			Name:          pollerAutoStitch,
			Heartbeat:     &svc.autoStitch.hb,
			CheckInterval: cfg.Watchdog.AutoStitchCheckInterval,
			StaleAfter:    cfg.Watchdog.AutoStitchStaleAfter,
			Restart:       func() error { return svc.restart(svc.autoStitch) },
		},
	}, cfg.Watchdog.RestartBackoff, nil, svc.publishHealth)

	return svc
}

// HealthEvents returns the channel health transitions are published on.
// Events are dropped when no one is draining the channel.
func (s *Service) HealthEvents() <-chan HealthEvent {
	return s.healthCh
}

func (s *Service) publishHealth(ev HealthEvent) {
	select {
	case s.healthCh <- ev:
	default:
	}
}

// Start launches both background pollers and the watchdog. Idempotent. The
// loops are detached from the caller's cancellation so a start issued from a
// request handler outlives the request; only Stop ends them.
func (s *Service) Start(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	log.Println("Starting attendance sync service...")

	s.parentCtx, s.cancelAll = context.WithCancel(context.WithoutCancel(ctx))
	now := s.now()
	s.regular.hb.Beat(now)
	s.autoStitch.hb.Beat(now)
	s.regular.start(s.parentCtx)
	s.autoStitch.start(s.parentCtx)
	go s.watchdog.Run(s.parentCtx)
}

// Stop cancels every timer and loop. In-flight upstream calls finish or time
// out on their own; their writes are idempotent either way.
func (s *Service) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	log.Println("Stopping attendance sync service...")
	s.regular.stop()
	s.autoStitch.stop()
	s.cancelAll()
}

// restart relaunches a poller loop under the service's parent context.
func (s *Service) restart(loop *pollerLoop) error {
	if !s.running.Load() {
		return fmt.Errorf("service is not running")
	}
	loop.stop()
	loop.start(s.parentCtx)
	return nil
}

// IsRunning reports whether the background pollers are active.
func (s *Service) IsRunning() bool {
	return s.running.Load()
}

// RegularTick performs one high-water-mark poll: fetch events strictly newer
// than the largest staged external id and append them. Any new events wake
// the auto-stitch drain immediately so live punches surface without waiting
// for its timer. Failures end the tick; the heartbeat has already been
// recorded so the watchdog still sees liveness.
func (s *Service) RegularTick(ctx context.Context) {
	s.regular.hb.Beat(s.now())

	token, err := s.client.Authenticate(ctx)
	if err != nil {
		log.Printf("Regular poll: authentication failed: %v", err)
		return
	}

	highWater, err := s.store.MaxExternalID(ctx)
	if err != nil {
		log.Printf("Regular poll: %v", err)
		return
	}

	txs, err := s.client.FetchNewestDescending(ctx, token, highWater, s.cfg.Poller.NewEventCapPerTick)
	if err != nil {
		log.Printf("Regular poll: fetch failed: %v", err)
		return
	}
	if len(txs) == 0 {
		return
	}

	staged, err := s.store.StageEvents(ctx, s.toRawEvents(txs))
	if err != nil {
		log.Printf("Regular poll: %v", err)
		return
	}
	if staged > 0 {
		log.Printf("Regular poll: staged %d new events above id %d", staged, highWater)
		select {
		case s.drainWake <- struct{}{}:
		default:
		}
	}
}

// AutoStitchTick runs the four stitching phases in order. Each phase is
// fault-isolated: a failure is logged and the next phase still runs.
func (s *Service) AutoStitchTick(ctx context.Context) {
	s.autoStitch.hb.Beat(s.now())

	if created, err := s.drainStaging(ctx); err != nil {
		log.Printf("Auto-stitch: drain failed: %v", err)
	} else if created > 0 {
		log.Printf("Auto-stitch: reconciled %d attendance records", created)
	}

	if pruned, err := s.huntDuplicates(ctx); err != nil {
		log.Printf("Auto-stitch: duplicate hunt failed: %v", err)
	} else if pruned > 0 {
		log.Printf("Auto-stitch: removed %d duplicate attendance records", pruned)
	}

	if err := s.detectGaps(ctx); err != nil {
		log.Printf("Auto-stitch: gap detection failed: %v", err)
	}

	s.drainJobQueue(ctx)
}

// drainStaging routes access-control punches aside, reconciles the rest and
// marks every drained row processed. Rows are only marked once all routing
// succeeded, so a failed phase is simply retried on the next tick.
func (s *Service) drainStaging(ctx context.Context) (int, error) {
	events, err := s.store.UnprocessedEvents(ctx)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	ids := make([]int64, len(events))
	var access []model.AccessEvent
	var punches []model.RawPunchEvent
	for i, ev := range events {
		ids[i] = ev.ExternalID
		if upstream.IsAccessTerminal(ev.TerminalAlias, s.cfg.Upstream.AccessTerminalTags) {
			access = append(access, model.AccessEvent{
				ExternalID:    ev.ExternalID,
				EmployeeCode:  ev.EmployeeCode,
				PunchTime:     ev.PunchTime,
				TerminalSN:    ev.TerminalSN,
				TerminalAlias: ev.TerminalAlias,
			})
			continue
		}
		punches = append(punches, ev)
	}

	if err := s.store.StoreAccessEvents(ctx, access); err != nil {
		return 0, err
	}

	created, err := s.engine.ReconcileEvents(ctx, punches)
	if err != nil {
		return 0, err
	}

	// Duplicate and no-op groups still count as drained.
	if err := s.store.MarkProcessed(ctx, ids); err != nil {
		return created, err
	}
	return created, nil
}

// huntDuplicates removes attendance records sharing a source external id
// within the trailing window, keeping the lowest-id survivor.
func (s *Service) huntDuplicates(ctx context.Context) (int64, error) {
	since := s.today().AddDate(0, 0, -s.cfg.Poller.DuplicateWindowDays)
	return s.store.PruneDuplicateAttendance(ctx, since.Format("2006-01-02"))
}

// detectGaps enqueues a gap-fill job for every weekday in the trailing window
// whose staged punch volume is under the configured threshold. A date already
// queued is not enqueued again.
func (s *Service) detectGaps(ctx context.Context) error {
	loc := s.client.Location()
	today := s.today()
	from := today.AddDate(0, 0, -s.cfg.Poller.GapWindowDays)

	counts, err := s.store.StagingCountsByDate(ctx, from, today, loc)
	if err != nil {
		return err
	}

	for d := 1; d <= s.cfg.Poller.GapWindowDays; d++ {
		day := today.AddDate(0, 0, -d)
		if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		date := day.Format("2006-01-02")
		count := counts[date]
		if count >= int64(s.cfg.Poller.GapMinRecordsPerDay) {
			continue
		}
		priority := PriorityNormal
		if count == 0 {
			priority = PriorityHigh
		}
		if s.queue.Push(GapFillJob{Date: date, Priority: priority, QueuedAt: s.now()}) {
			log.Printf("Gap detection: queued backfill for %s (%d staged punches)", date, count)
		}
	}
	return nil
}

// drainJobQueue processes at most one gap-fill job, and only when no other
// job is in flight. A failed job is requeued until its attempts are spent.
func (s *Service) drainJobQueue(ctx context.Context) {
	if !s.jobInFlight.CompareAndSwap(false, true) {
		return
	}
	defer s.jobInFlight.Store(false)

	job, ok := s.queue.Pop()
	if !ok {
		return
	}

	day, err := time.ParseInLocation("2006-01-02", job.Date, s.client.Location())
	if err != nil {
		log.Printf("Job drain: dropping job with bad date %q: %v", job.Date, err)
		return
	}

	if _, err := s.processDay(ctx, day); err != nil {
		job.Attempts++
		if job.Attempts >= s.cfg.Poller.JobMaxAttempts {
			log.Printf("Job drain: backfill of %s failed %d times, dropping: %v", job.Date, job.Attempts, err)
			return
		}
		log.Printf("Job drain: backfill of %s failed (attempt %d), requeueing: %v", job.Date, job.Attempts, err)
		s.queue.Push(job)
		return
	}
	log.Printf("Job drain: backfilled %s", job.Date)
}

// Backfill pulls and reconciles every day in [start, end]. This is the one
// operation that propagates errors to its caller; a failure aborts the
// remaining days. Returns the number of newly staged raw events.
func (s *Service) Backfill(ctx context.Context, start, end time.Time) (int64, error) {
	if end.Before(start) {
		return 0, fmt.Errorf("backfill range is inverted: %s after %s", start.Format("2006-01-02"), end.Format("2006-01-02"))
	}

	var total int64
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		staged, err := s.processDay(ctx, day)
		if err != nil {
			return total, fmt.Errorf("backfill aborted at %s: %w", day.Format("2006-01-02"), err)
		}
		total += staged

		if day.AddDate(0, 0, 1).After(end) {
			break
		}
		// Space out the days so a wide backfill does not hammer the
		// upstream.
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-time.After(s.cfg.Poller.BackfillDayDelay):
		}
	}
	return total, nil
}

// processDay fetches one full day by date range, stages it and drains staging
// through the reconciliation engine.
func (s *Service) processDay(ctx context.Context, day time.Time) (int64, error) {
	token, err := s.client.Authenticate(ctx)
	if err != nil {
		return 0, err
	}
	txs, err := s.client.FetchByDateRange(ctx, token, day)
	if err != nil {
		return 0, err
	}
	staged, err := s.store.StageEvents(ctx, s.toRawEvents(txs))
	if err != nil {
		return 0, err
	}
	if _, err := s.drainStaging(ctx); err != nil {
		return staged, err
	}
	return staged, nil
}

// toRawEvents validates transactions at the ingestion boundary. Malformed
// ones are dropped with a log line; the batch continues.
func (s *Service) toRawEvents(txs []upstream.Transaction) []model.RawPunchEvent {
	now := s.now()
	events := make([]model.RawPunchEvent, 0, len(txs))
	for _, tx := range txs {
		ev, err := tx.ToRawEvent(s.client.Location(), now)
		if err != nil {
			log.Printf("Discarding malformed event: %v", err)
			continue
		}
		events = append(events, ev)
	}
	return events
}

// today returns midnight of the current day in the system timezone.
func (s *Service) today() time.Time {
	now := s.now().In(s.client.Location())
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}

// Status reports the control-plane view of the service. While the service is
// stopped the heartbeats carry no meaning, so health is reported as stopped
// instead of being derived from stale timestamps.
func (s *Service) Status() Status {
	running := s.running.Load()
	now := s.now()
	regular := PollerStatus{
		LastActivity: s.regular.hb.Last(),
		Health:       HealthStopped,
	}
	stitch := PollerStatus{
		LastActivity: s.autoStitch.hb.Last(),
		Health:       HealthStopped,
	}
	if running {
		regular.Health = s.regular.hb.Health(now, s.cfg.Watchdog.RegularStaleAfter)
		stitch.Health = s.autoStitch.hb.Health(now, s.cfg.Watchdog.AutoStitchStaleAfter)
	}

	worst := regular.Health
	if rank(stitch.Health) > rank(worst) {
		worst = stitch.Health
	}

	return Status{
		IsRunning: running,
		Pollers: PollersStatus{
			Regular:    regular,
			AutoStitch: stitch,
		},
		QueuedJobs:      s.queue.Len(),
		ProcessingQueue: s.jobInFlight.Load(),
		Watchdog: WatchdogStatus{
			LastActivity: s.watchdog.LastActivity(),
			HealthStatus: worst,
		},
	}
}

func rank(h HealthStatus) int {
	switch h {
	case HealthCritical:
		return 2
	case HealthWarning:
		return 1
	default:
		return 0
	}
}

// Status is the control-plane status document.
type Status struct {
	IsRunning       bool           `json:"isRunning"`
	Pollers         PollersStatus  `json:"pollers"`
	QueuedJobs      int            `json:"queuedJobs"`
	ProcessingQueue bool           `json:"processingQueue"`
	Watchdog        WatchdogStatus `json:"watchdog"`
}

// PollersStatus holds the per-poller health blocks.
type PollersStatus struct {
	Regular    PollerStatus `json:"regular"`
	AutoStitch PollerStatus `json:"autoStitch"`
}

// PollerStatus is one poller's liveness view.
type PollerStatus struct {
	LastActivity time.Time    `json:"lastActivity"`
	Health       HealthStatus `json:"health"`
}

// WatchdogStatus is the watchdog's own view: when it last checked and the
// worst poller health it would report.
type WatchdogStatus struct {
	LastActivity time.Time    `json:"lastActivity"`
	HealthStatus HealthStatus `json:"healthStatus"`
}
