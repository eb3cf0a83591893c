package model

import "time"

// Attendance statuses.
const (
	StatusPresent    = "present"
	StatusIncomplete = "incomplete"
	StatusAbsent     = "absent"
)

// AttendanceRecord is the authoritative daily record derived from raw punches.
// The composite unique index enforces at most one record per employee per day;
// concurrent reconcilers racing on the same group collapse to a single row.
type AttendanceRecord struct {
	ID               int64  `gorm:"primaryKey;autoIncrement"`
	EmployeeCode     string `gorm:"size:64;not null;uniqueIndex:idx_employee_day"`
	Date             string `gorm:"size:10;not null;uniqueIndex:idx_employee_day"` // YYYY-MM-DD
	CheckIn          *time.Time
	CheckOut         *time.Time
	BreakOut         *time.Time
	BreakIn          *time.Time
	TotalHours       float64   `gorm:"not null"`
	Status           string    `gorm:"size:16;not null"`
	SourceExternalID int64     `gorm:"index;not null"`
	Notes            string    `gorm:"type:text"`
	CreatedAt        time.Time `gorm:"not null"`
}
