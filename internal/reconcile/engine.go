package reconcile

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"attendance-sync-backend/config"
	"attendance-sync-backend/internal/model"
	"attendance-sync-backend/internal/store"
)

// PunchKind is the direction a punch-state code maps to.
type PunchKind string

const (
	KindCheckIn     PunchKind = "check_in"
	KindCheckOut    PunchKind = "check_out"
	KindBreakOut    PunchKind = "break_out"
	KindBreakIn     PunchKind = "break_in"
	KindOvertimeIn  PunchKind = "overtime_in"
	KindOvertimeOut PunchKind = "overtime_out"
	KindUnknown     PunchKind = "unknown"
)

// validKinds lists the accepted config values for the punch-state table.
var validKinds = map[string]PunchKind{
	string(KindCheckIn):     KindCheckIn,
	string(KindCheckOut):    KindCheckOut,
	string(KindBreakOut):    KindBreakOut,
	string(KindBreakIn):     KindBreakIn,
	string(KindOvertimeIn):  KindOvertimeIn,
	string(KindOvertimeOut): KindOvertimeOut,
}

// Engine turns grouped raw punches into one attendance record per
// employee-day. It never updates an existing record and never fabricates a
// check-out: an incomplete day stays incomplete until a downstream correction
// service deals with it.
type Engine struct {
	store      store.Store
	states     map[int]PunchKind
	location   *time.Location
	maxSession time.Duration
}

// NewEngine builds an engine from the configured punch-state table. Codes
// mapped to an unrecognized kind name are dropped from the table with a log
// line and classify as unknown.
func NewEngine(s store.Store, cfg *config.ReconcileConfig, loc *time.Location) *Engine {
	states := make(map[int]PunchKind, len(cfg.PunchStates))
	for code, name := range cfg.PunchStates {
		kind, ok := validKinds[name]
		if !ok {
			log.Printf("Ignoring punch state mapping %d -> %q: not a recognized kind", code, name)
			continue
		}
		states[code] = kind
	}
	return &Engine{
		store:      s,
		states:     states,
		location:   loc,
		maxSession: cfg.MaxSession,
	}
}

// Classify maps a raw punch-state code to its kind. Unmapped codes are
// unknown and never move a session boundary.
func (e *Engine) Classify(code int) PunchKind {
	if kind, ok := e.states[code]; ok {
		return kind
	}
	return KindUnknown
}

// dayKey groups punches by employee and calendar date.
type dayKey struct {
	EmployeeCode string
	Date         string
}

// ReconcileEvents groups the given events by employee and calendar date (in
// the system timezone) and derives one attendance record per group. A failure
// on one group is logged and does not stop the others. Returns the number of
// records created.
func (e *Engine) ReconcileEvents(ctx context.Context, events []model.RawPunchEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	allIDs := make([]int64, len(events))
	for i, ev := range events {
		allIDs[i] = ev.ExternalID
	}
	usedIDs, err := e.store.UsedSourceIDs(ctx, allIDs)
	if err != nil {
		return 0, fmt.Errorf("reconcile: %w", err)
	}

	groups := make(map[dayKey][]model.RawPunchEvent)
	var order []dayKey
	for _, ev := range events {
		// Event-level guard: an id that already backs a record was
		// reconciled in an earlier batch.
		if _, used := usedIDs[ev.ExternalID]; used {
			continue
		}
		key := dayKey{
			EmployeeCode: ev.EmployeeCode,
			Date:         ev.PunchTime.In(e.location).Format("2006-01-02"),
		}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], ev)
	}

	created := 0
	for _, key := range order {
		ok, err := e.reconcileGroup(ctx, key, groups[key])
		if err != nil {
			log.Printf("Error reconciling %s on %s: %v", key.EmployeeCode, key.Date, err)
			continue
		}
		if ok {
			created++
		}
	}
	return created, nil
}

// reconcileGroup derives and inserts the attendance record for one
// employee-day. Returns false when the day was already reconciled.
func (e *Engine) reconcileGroup(ctx context.Context, key dayKey, group []model.RawPunchEvent) (bool, error) {
	// Day-level guard.
	exists, err := e.store.HasAttendance(ctx, key.EmployeeCode, key.Date)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	sort.Slice(group, func(i, j int) bool {
		if group[i].PunchTime.Equal(group[j].PunchTime) {
			return group[i].ExternalID < group[j].ExternalID
		}
		return group[i].PunchTime.Before(group[j].PunchTime)
	})

	rec := e.buildRecord(key, group)
	created, err := e.store.CreateAttendance(ctx, rec)
	if err != nil {
		return false, err
	}
	// A lost insert race means another poller reconciled this day first;
	// that is the idempotent outcome, not a failure.
	return created, nil
}

// buildRecord applies the punch-matching rules: first check-in, last
// check-out, first break-out, last break-in, session cap, break deduction.
func (e *Engine) buildRecord(key dayKey, group []model.RawPunchEvent) *model.AttendanceRecord {
	var checkIn, checkOut, breakOut, breakIn *time.Time

	for i := range group {
		ev := &group[i]
		t := ev.PunchTime.In(e.location)
		switch e.Classify(ev.PunchState) {
		case KindCheckIn:
			if checkIn == nil {
				checkIn = &t
			}
		case KindCheckOut:
			checkOut = &t
		case KindBreakOut:
			if breakOut == nil {
				breakOut = &t
			}
		case KindBreakIn:
			breakIn = &t
		}
	}

	if checkIn != nil && checkOut != nil {
		if checkOut.Before(*checkIn) {
			checkOut = checkIn
		}
		if checkOut.Sub(*checkIn) > e.maxSession {
			capped := checkIn.Add(e.maxSession)
			checkOut = &capped
		}
	}

	var totalHours float64
	if checkIn != nil && checkOut != nil {
		worked := checkOut.Sub(*checkIn)
		if breakOut != nil && breakIn != nil && breakIn.After(*breakOut) {
			worked -= breakIn.Sub(*breakOut)
		}
		if worked < 0 {
			worked = 0
		}
		if worked > e.maxSession {
			worked = e.maxSession
		}
		totalHours = worked.Hours()
	}

	status := model.StatusAbsent
	switch {
	case checkIn != nil && checkOut != nil:
		status = model.StatusPresent
	case checkIn != nil || checkOut != nil:
		status = model.StatusIncomplete
	}

	return &model.AttendanceRecord{
		EmployeeCode:     key.EmployeeCode,
		Date:             key.Date,
		CheckIn:          checkIn,
		CheckOut:         checkOut,
		BreakOut:         breakOut,
		BreakIn:          breakIn,
		TotalHours:       totalHours,
		Status:           status,
		SourceExternalID: group[0].ExternalID,
		Notes:            fmt.Sprintf("derived from %d punches", len(group)),
	}
}
