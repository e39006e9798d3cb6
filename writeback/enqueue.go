package writeback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Skyrin/go-writeback/e"
	"github.com/Skyrin/go-writeback/events"
	"github.com/Skyrin/go-writeback/record"
	"github.com/Skyrin/go-writeback/writeback/model"
	"github.com/google/uuid"
)

const (
	ECode060201 = e.Code0602 + "01"
	ECode060202 = e.Code0602 + "02"
	ECode060203 = e.Code0602 + "03"
	ECode060204 = e.Code0602 + "04"
	ECode060205 = e.Code0602 + "05"
	ECode060206 = e.Code0602 + "06"
	ECode060207 = e.Code0602 + "07"
)

// Queue the producer and reporting side of the write queue
type Queue struct {
	store   Store
	emitter events.Emitter
	now     func() time.Time
}

// NewQueue returns a new queue. A nil emitter drops events.
func NewQueue(store Store, emitter events.Emitter, now func() time.Time) *Queue {
	if emitter == nil {
		emitter = events.Nop{}
	}
	if now == nil {
		now = time.Now
	}
	return &Queue{store: store, emitter: emitter, now: now}
}

// EnqueueParam describes the write for a committed modification
type EnqueueParam struct {
	ModificationID string
	Operation      record.Operation
	// Payload the change set to write, defaults to the modification's delta
	Payload  json.RawMessage
	Priority int
	// MaxRetries defaults to model.DefaultMaxRetries when nil, zero fails the
	// item on its first failed attempt
	MaxRetries *int
	// ScheduledAt defaults to now
	ScheduledAt *time.Time
}

// Enqueue adds a queue item for the modification. A modification has at most
// one active item, a second one fails with model.ErrActiveItemExists.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParam) (item *model.WriteQueueItem, err error) {
	if !p.Operation.Valid() {
		return nil, e.N(ECode060201, fmt.Sprintf("invalid operation '%s'", p.Operation))
	}
	if p.MaxRetries != nil && *p.MaxRetries < 0 {
		return nil, e.N(ECode060201, "maxRetries must not be negative")
	}

	err = q.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		mod, err := tx.GetModification(ctx, p.ModificationID)
		if err != nil {
			return e.W(err, ECode060202)
		}

		if _, err := tx.GetActiveQueueItem(ctx, mod.ID); err == nil {
			return e.WWM(model.ErrActiveItemExists, ECode060203, model.ErrActiveItemExists.Error())
		} else if !errors.Is(err, model.ErrNotFound) {
			return e.W(err, ECode060203)
		}

		payload := p.Payload
		if len(payload) == 0 {
			payload = mod.Delta
		}

		cs, err := record.DecodeChangeSet(payload)
		if err != nil {
			return e.W(err, ECode060204)
		}
		if p.Operation == record.OpUpdate && cs.Empty() {
			return e.N(ECode060204, "update without changes")
		}
		// A delete without a delta still stores an empty change set
		if payload, err = cs.Encode(); err != nil {
			return e.W(err, ECode060204)
		}

		now := q.now()
		item = &model.WriteQueueItem{
			ID:             uuid.NewString(),
			ModificationID: mod.ID,
			TargetID:       mod.TargetID,
			OrganizationID: mod.OrganizationID,
			Operation:      p.Operation,
			Payload:        payload,
			Status:         model.QueueStatusPending,
			Priority:       p.Priority,
			MaxRetries:     model.DefaultMaxRetries,
			ScheduledAt:    now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if p.MaxRetries != nil {
			item.MaxRetries = *p.MaxRetries
		}
		if p.ScheduledAt != nil {
			item.ScheduledAt = *p.ScheduledAt
		}

		if err := tx.InsertQueueItem(ctx, item); err != nil {
			return e.W(err, ECode060205)
		}

		mod.Status = model.ModificationStatusPending
		mod.UpdatedAt = now
		if err := tx.UpdateModification(ctx, mod); err != nil {
			return e.W(err, ECode060205, "modification")
		}

		if n, ok := tx.(Notifier); ok {
			if err := n.NotifyEnqueued(ctx, item.OrganizationID); err != nil {
				return e.W(err, ECode060206)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return item, nil
}

// Requeue gives a failed item a fresh retry budget and schedules it now
func (q *Queue) Requeue(ctx context.Context, itemID string) (item *model.WriteQueueItem, err error) {
	err = q.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		if item, err = tx.GetQueueItem(ctx, itemID); err != nil {
			return e.W(err, ECode060207)
		}
		if item.Status != model.QueueStatusFailed {
			return e.WWM(model.ErrInvalidState, ECode060207,
				fmt.Sprintf("only failed items can be requeued, item is %s", item.Status))
		}

		if _, err := tx.GetActiveQueueItem(ctx, item.ModificationID); err == nil {
			return e.WWM(model.ErrActiveItemExists, ECode060207, model.ErrActiveItemExists.Error())
		} else if !errors.Is(err, model.ErrNotFound) {
			return e.W(err, ECode060207)
		}

		mod, err := tx.GetModification(ctx, item.ModificationID)
		if err != nil {
			return e.W(err, ECode060207, "modification")
		}

		now := q.now()
		item.Status = model.QueueStatusPending
		item.RetryCount = 0
		item.ScheduledAt = now
		item.UpdatedAt = now
		if err := tx.UpdateQueueItem(ctx, item); err != nil {
			return e.W(err, ECode060207, "item")
		}

		mod.Status = model.ModificationStatusPending
		mod.UpdatedAt = now
		if err := tx.UpdateModification(ctx, mod); err != nil {
			return e.W(err, ECode060207, "modification")
		}

		if n, ok := tx.(Notifier); ok {
			return n.NotifyEnqueued(ctx, item.OrganizationID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	q.emitter.Emit(ctx, events.ForItem(events.TypeRequeued, item, q.now()))

	return item, nil
}
