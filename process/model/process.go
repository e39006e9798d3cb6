package model

import "time"

const (
	ProcessStatusActive   = "active"
	ProcessStatusInactive = "inactive"
)

// Process a registered singleton job
type Process struct {
	ID             int
	Code           string
	Name           string
	Status         string
	Interval       time.Duration
	LastRunOn      *time.Time
	NextRunOn      *time.Time
	SuccessCount   int
	AverageRunTime time.Duration
	CreatedOn      time.Time
	UpdatedOn      time.Time
}
