package model

import "time"

// BatchStatus the outcome of one worker batch cycle
type BatchStatus struct {
	BatchID        string    `json:"batchId" yaml:"batchId"`
	StartedAt      time.Time `json:"startedAt" yaml:"startedAt"`
	CompletedAt    time.Time `json:"completedAt" yaml:"completedAt"`
	TotalProcessed int       `json:"totalProcessed" yaml:"totalProcessed"`
	Successful     int       `json:"successful" yaml:"successful"`
	Failed         int       `json:"failed" yaml:"failed"`
	Retried        int       `json:"retried" yaml:"retried"`
	Conflicts      int       `json:"conflicts" yaml:"conflicts"`
	Skipped        int       `json:"skipped" yaml:"skipped"`
}

// QueueFilter optional filters for queue reporting
type QueueFilter struct {
	TargetID     *string
	Operation    *string
	CreatedSince *time.Time
	CreatedUntil *time.Time
}

// QueueStatus a per organization queue report
type QueueStatus struct {
	OrganizationID   string         `json:"organizationId" yaml:"organizationId"`
	Counts           map[string]int `json:"counts" yaml:"counts"`
	Total            int            `json:"total" yaml:"total"`
	OpenConflicts    int            `json:"openConflicts" yaml:"openConflicts"`
	OldestPendingAt  *time.Time     `json:"oldestPendingAt,omitempty" yaml:"oldestPendingAt,omitempty"`
	OldestPendingAge time.Duration  `json:"oldestPendingAge" yaml:"oldestPendingAge"`
	GeneratedAt      time.Time      `json:"generatedAt" yaml:"generatedAt"`
}
