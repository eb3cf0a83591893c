package model

import "time"

// AccessEvent is a punch originating from an access-control terminal (door
// lock). These never become attendance; they are parked here for the door
// access service to consume.
type AccessEvent struct {
	ExternalID    int64     `gorm:"primaryKey"`
	EmployeeCode  string    `gorm:"size:64;index;not null"`
	PunchTime     time.Time `gorm:"not null"`
	TerminalSN    string    `gorm:"size:64"`
	TerminalAlias string    `gorm:"size:128"`
	CreatedAt     time.Time `gorm:"not null"`
}
