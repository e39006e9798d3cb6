package model

import "time"

const (
	MigrationStatusPending  = "pending"
	MigrationStatusFailed   = "failed"
	MigrationStatusComplete = "complete"
)

// Migration one applied (or attempted) file of a migration list
type Migration struct {
	ID        int
	Code      string
	Version   int
	Status    string
	SQL       string
	Err       string
	CreatedOn time.Time
	UpdatedOn time.Time
}
