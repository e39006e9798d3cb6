// Package events carries write-back lifecycle events out of the engine. The
// engine only emits; sinks decide where events go.
package events

import (
	"context"
	"time"

	"github.com/Skyrin/go-writeback/writeback/model"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Type of lifecycle event
type Type string

const (
	TypeStarted        Type = "started"
	TypeSucceeded      Type = "succeeded"
	TypeConflicted     Type = "conflicted"
	TypeRetryScheduled Type = "retry_scheduled"
	TypeFailed         Type = "failed"
	TypeRequeued       Type = "requeued"
	TypeResolved       Type = "resolved"
	TypeRecovered      Type = "recovered"
)

// Event a single lifecycle event
type Event struct {
	ID             string              `json:"id"`
	Type           Type                `json:"type"`
	OccurredAt     time.Time           `json:"occurredAt"`
	QueueItemID    string              `json:"queueItemId,omitempty"`
	ModificationID string              `json:"modificationId,omitempty"`
	TargetID       string              `json:"targetId"`
	OrganizationID string              `json:"organizationId"`
	Attempt        int                 `json:"attempt,omitempty"`
	Version        int64               `json:"version,omitempty"`
	FailureKind    string              `json:"failureKind,omitempty"`
	Error          string              `json:"error,omitempty"`
	ScheduledAt    *time.Time          `json:"scheduledAt,omitempty"`
	Conflict       *model.SyncConflict `json:"conflict,omitempty"`
}

// ForItem starts an event describing a queue item
func ForItem(t Type, item *model.WriteQueueItem, now time.Time) Event {
	return Event{
		ID:             uuid.NewString(),
		Type:           t,
		OccurredAt:     now,
		QueueItemID:    item.ID,
		ModificationID: item.ModificationID,
		TargetID:       item.TargetID,
		OrganizationID: item.OrganizationID,
		Attempt:        item.RetryCount,
	}
}

// ForConflict starts an event describing a conflict
func ForConflict(t Type, c *model.SyncConflict, now time.Time) Event {
	return Event{
		ID:             uuid.NewString(),
		Type:           t,
		OccurredAt:     now,
		QueueItemID:    c.QueueItemID,
		ModificationID: c.ModificationID,
		TargetID:       c.TargetID,
		OrganizationID: c.OrganizationID,
		Version:        c.RemoteVersion,
		Conflict:       c,
	}
}

// Emitter receives lifecycle events. Emit must not block the caller for
// long and never fails the caller; sinks log their own errors.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

// EmitterFunc adapts a func to an Emitter
type EmitterFunc func(ctx context.Context, ev Event)

// Emit calls f
func (f EmitterFunc) Emit(ctx context.Context, ev Event) {
	f(ctx, ev)
}

// Nop drops every event
type Nop struct{}

// Emit does nothing
func (Nop) Emit(context.Context, Event) {}

// Multi fans an event out to every emitter, in order
type Multi []Emitter

// Emit sends ev to every emitter
func (m Multi) Emit(ctx context.Context, ev Event) {
	for _, em := range m {
		if em != nil {
			em.Emit(ctx, ev)
		}
	}
}

// LogSink writes events to the global zerolog logger
type LogSink struct{}

// Emit logs the event. Failures are logged at warn, everything else at info.
func (LogSink) Emit(_ context.Context, ev Event) {
	le := log.Info()
	switch ev.Type {
	case TypeFailed, TypeConflicted:
		le = log.Warn()
	}

	le = le.Str("event", string(ev.Type)).
		Str("targetId", ev.TargetID).
		Str("organizationId", ev.OrganizationID)

	if ev.QueueItemID != "" {
		le = le.Str("queueItemId", ev.QueueItemID)
	}
	if ev.Attempt > 0 {
		le = le.Int("attempt", ev.Attempt)
	}
	if ev.Version > 0 {
		le = le.Int64("version", ev.Version)
	}
	if ev.FailureKind != "" {
		le = le.Str("failureKind", ev.FailureKind)
	}
	if ev.Error != "" {
		le = le.Str("error", ev.Error)
	}
	if ev.Conflict != nil {
		le = le.Strs("conflictFields", ev.Conflict.ConflictFields)
	}

	le.Msg("write-back lifecycle")
}
