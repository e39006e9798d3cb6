package model

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/Skyrin/go-writeback/record"
)

const (
	QueueStatusPending    = "pending"
	QueueStatusProcessing = "processing"
	QueueStatusCompleted  = "completed"
	QueueStatusFailed     = "failed"
	// QueueStatusConflict paused until the conflict is resolved, never
	// retried automatically
	QueueStatusConflict = "conflict"

	DefaultMaxRetries = 3

	// NotifyChannel the Postgres channel notified when items are enqueued.
	// The payload is the organization id.
	NotifyChannel = "writeback_enqueue"
)

var (
	// ErrNotFound returned by stores when a record does not exist
	ErrNotFound = errors.New("not found")
	// ErrConflictResolved a conflict can only be resolved once
	ErrConflictResolved = errors.New("conflict already resolved")
	// ErrActiveItemExists a modification has at most one active queue item
	ErrActiveItemExists = errors.New("modification already has an active queue item")
	// ErrInvalidResolution the resolution does not fit the conflict
	ErrInvalidResolution = errors.New("invalid resolution")
	// ErrInvalidState the item or conflict is not in a state allowing the
	// operation
	ErrInvalidState = errors.New("invalid state")
	// ErrClaimLost the item was recovered or claimed again while a worker
	// still held it
	ErrClaimLost = errors.New("queue item claim lost")
)

// QueueStatusList every queue status
var QueueStatusList = []string{
	QueueStatusPending,
	QueueStatusProcessing,
	QueueStatusCompleted,
	QueueStatusFailed,
	QueueStatusConflict,
}

// WriteQueueItem one pending outbound write for a modification
type WriteQueueItem struct {
	ID             string           `json:"id" yaml:"id"`
	ModificationID string           `json:"modificationId" yaml:"modificationId"`
	TargetID       string           `json:"targetId" yaml:"targetId"`
	OrganizationID string           `json:"organizationId" yaml:"organizationId"`
	Operation      record.Operation `json:"operation" yaml:"operation"`
	Payload        json.RawMessage  `json:"payload" yaml:"-"`
	Status         string           `json:"status" yaml:"status"`
	Priority       int              `json:"priority" yaml:"priority"`
	RetryCount     int              `json:"retryCount" yaml:"retryCount"`
	MaxRetries     int              `json:"maxRetries" yaml:"maxRetries"`
	LastAttemptAt  *time.Time       `json:"lastAttemptAt,omitempty" yaml:"lastAttemptAt,omitempty"`
	LastError      string           `json:"lastError,omitempty" yaml:"lastError,omitempty"`
	ScheduledAt    time.Time        `json:"scheduledAt" yaml:"scheduledAt"`
	CompletedAt    *time.Time       `json:"completedAt,omitempty" yaml:"completedAt,omitempty"`
	CreatedAt      time.Time        `json:"createdAt" yaml:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt" yaml:"updatedAt"`
}

// IsActive whether the item still blocks a new item for its modification
func (i *WriteQueueItem) IsActive() bool {
	switch i.Status {
	case QueueStatusPending, QueueStatusProcessing, QueueStatusConflict:
		return true
	}
	return false
}

// Clone returns a deep copy
func (i *WriteQueueItem) Clone() *WriteQueueItem {
	c := *i
	c.Payload = append(json.RawMessage(nil), i.Payload...)
	c.LastAttemptAt = cloneTime(i.LastAttemptAt)
	c.CompletedAt = cloneTime(i.CompletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
