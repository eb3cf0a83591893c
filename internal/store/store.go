package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"attendance-sync-backend/internal/model"
)

// Store defines the interface for all database operations.
type Store interface {
	// Staging.
	MaxExternalID(ctx context.Context) (int64, error)
	StageEvents(ctx context.Context, events []model.RawPunchEvent) (int64, error)
	UnprocessedEvents(ctx context.Context) ([]model.RawPunchEvent, error)
	MarkProcessed(ctx context.Context, externalIDs []int64) error
	StagingCountsByDate(ctx context.Context, from, to time.Time, loc *time.Location) (map[string]int64, error)

	// Attendance.
	HasAttendance(ctx context.Context, employeeCode, date string) (bool, error)
	UsedSourceIDs(ctx context.Context, externalIDs []int64) (map[int64]struct{}, error)
	CreateAttendance(ctx context.Context, rec *model.AttendanceRecord) (bool, error)
	PruneDuplicateAttendance(ctx context.Context, sinceDate string) (int64, error)
	AttendanceForEmployee(ctx context.Context, employeeCode, fromDate, toDate string) ([]model.AttendanceRecord, error)

	// Access-control boundary.
	StoreAccessEvents(ctx context.Context, events []model.AccessEvent) error
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// MaxExternalID returns the staging high-water mark, 0 when staging is empty.
func (s *gormStore) MaxExternalID(ctx context.Context) (int64, error) {
	var maxID sql.NullInt64
	err := s.db.WithContext(ctx).
		Model(&model.RawPunchEvent{}).
		Select("MAX(external_id)").
		Scan(&maxID).Error
	if err != nil {
		return 0, fmt.Errorf("failed to read staging high-water mark: %w", err)
	}
	if !maxID.Valid {
		return 0, nil
	}
	return maxID.Int64, nil
}

// StageEvents appends raw events to staging, skipping any external id that is
// already present. Returns the number of rows actually inserted.
func (s *gormStore) StageEvents(ctx context.Context, events []model.RawPunchEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&events)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to stage %d events: %w", len(events), res.Error)
	}
	return res.RowsAffected, nil
}

// UnprocessedEvents returns undrained staging rows in ascending external-id
// order.
func (s *gormStore) UnprocessedEvents(ctx context.Context) ([]model.RawPunchEvent, error) {
	var events []model.RawPunchEvent
	err := s.db.WithContext(ctx).
		Where("processed = ?", false).
		Order("external_id ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unprocessed events: %w", err)
	}
	return events, nil
}

// MarkProcessed flips the processed flag for the given staging rows.
func (s *gormStore) MarkProcessed(ctx context.Context, externalIDs []int64) error {
	if len(externalIDs) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Model(&model.RawPunchEvent{}).
		Where("external_id IN ?", externalIDs).
		Update("processed", true).Error
	if err != nil {
		return fmt.Errorf("failed to mark %d events processed: %w", len(externalIDs), err)
	}
	return nil
}

// StagingCountsByDate buckets staging rows by the calendar date of their punch
// time in the given timezone. Bucketing happens in Go so the query stays
// portable between Postgres and the SQLite test database.
func (s *gormStore) StagingCountsByDate(ctx context.Context, from, to time.Time, loc *time.Location) (map[string]int64, error) {
	var punchTimes []time.Time
	err := s.db.WithContext(ctx).
		Model(&model.RawPunchEvent{}).
		Where("punch_time >= ? AND punch_time < ?", from, to).
		Pluck("punch_time", &punchTimes).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count staging rows by date: %w", err)
	}

	counts := make(map[string]int64)
	for _, t := range punchTimes {
		counts[t.In(loc).Format("2006-01-02")]++
	}
	return counts, nil
}

// HasAttendance reports whether an attendance record already exists for the
// employee-day.
func (s *gormStore) HasAttendance(ctx context.Context, employeeCode, date string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&model.AttendanceRecord{}).
		Where("employee_code = ? AND date = ?", employeeCode, date).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check attendance for %s on %s: %w", employeeCode, date, err)
	}
	return count > 0, nil
}

// UsedSourceIDs returns which of the given external ids already back an
// attendance record.
func (s *gormStore) UsedSourceIDs(ctx context.Context, externalIDs []int64) (map[int64]struct{}, error) {
	used := make(map[int64]struct{})
	if len(externalIDs) == 0 {
		return used, nil
	}
	var ids []int64
	err := s.db.WithContext(ctx).
		Model(&model.AttendanceRecord{}).
		Where("source_external_id IN ?", externalIDs).
		Pluck("source_external_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to look up used source ids: %w", err)
	}
	for _, id := range ids {
		used[id] = struct{}{}
	}
	return used, nil
}

// CreateAttendance inserts one attendance record with insert-if-absent
// semantics on the employee-day unique index. Returns false when a record for
// that employee-day already existed; a lost race is not an error.
func (s *gormStore) CreateAttendance(ctx context.Context, rec *model.AttendanceRecord) (bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "employee_code"}, {Name: "date"}},
			DoNothing: true,
		}).
		Create(rec)
	if res.Error != nil {
		return false, fmt.Errorf("failed to create attendance for %s on %s: %w", rec.EmployeeCode, rec.Date, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// PruneDuplicateAttendance deletes attendance records that share a source
// external id with an older record, within the trailing window starting at
// sinceDate. The lowest-id record in each duplicate group survives.
func (s *gormStore) PruneDuplicateAttendance(ctx context.Context, sinceDate string) (int64, error) {
	type row struct {
		ID               int64
		SourceExternalID int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&model.AttendanceRecord{}).
		Select("id", "source_external_id").
		Where("date >= ?", sinceDate).
		Order("source_external_id ASC, id ASC").
		Scan(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("failed to scan for duplicate attendance: %w", err)
	}

	var doomed []int64
	seen := make(map[int64]struct{}, len(rows))
	for _, r := range rows {
		if _, ok := seen[r.SourceExternalID]; ok {
			doomed = append(doomed, r.ID)
			continue
		}
		seen[r.SourceExternalID] = struct{}{}
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	res := s.db.WithContext(ctx).
		Where("id IN ?", doomed).
		Delete(&model.AttendanceRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete %d duplicate attendance records: %w", len(doomed), res.Error)
	}
	return res.RowsAffected, nil
}

// AttendanceForEmployee returns an employee's records in a date range,
// newest first.
func (s *gormStore) AttendanceForEmployee(ctx context.Context, employeeCode, fromDate, toDate string) ([]model.AttendanceRecord, error) {
	var records []model.AttendanceRecord
	q := s.db.WithContext(ctx).Where("employee_code = ?", employeeCode)
	if fromDate != "" {
		q = q.Where("date >= ?", fromDate)
	}
	if toDate != "" {
		q = q.Where("date <= ?", toDate)
	}
	if err := q.Order("date DESC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch attendance for %s: %w", employeeCode, err)
	}
	return records, nil
}

// StoreAccessEvents parks access-control punches for the door access service.
// Duplicates are skipped.
func (s *gormStore) StoreAccessEvents(ctx context.Context, events []model.AccessEvent) error {
	if len(events) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&events).Error
	if err != nil {
		return fmt.Errorf("failed to store %d access events: %w", len(events), err)
	}
	return nil
}
