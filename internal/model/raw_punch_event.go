package model

import "time"

// RawPunchEvent is a single terminal scan as pulled from the upstream API.
// Rows are append-only: once staged, only Processed is ever updated, and rows
// are retained permanently as an audit trail.
type RawPunchEvent struct {
	ExternalID    int64     `gorm:"primaryKey"` // Upstream transaction id
	EmployeeCode  string    `gorm:"size:64;index;not null"`
	PunchTime     time.Time `gorm:"not null;index"`
	PunchState    int       `gorm:"not null"`
	TerminalSN    string    `gorm:"size:64"`
	TerminalAlias string    `gorm:"size:128"`
	Latitude      *float64
	Longitude     *float64
	Processed     bool      `gorm:"index;not null;default:false"`
	PulledAt      time.Time `gorm:"not null"`
}
