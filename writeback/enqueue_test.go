package writeback_test

import (
	"testing"
	"time"

	"github.com/Skyrin/go-writeback/events"
	"github.com/Skyrin/go-writeback/record"
	"github.com/Skyrin/go-writeback/upstream"
	"github.com/Skyrin/go-writeback/writeback"
	"github.com/Skyrin/go-writeback/writeback/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_Enqueue(t *testing.T) {
	f := newFixture(t)
	f.addModification("mod-1", testTarget, testOrg, 3, record.ChangeSet{Start: ptr("2025-01-15")})

	item := f.enqueue("mod-1", record.OpUpdate)
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, testTarget, item.TargetID)
	assert.Equal(t, testOrg, item.OrganizationID)
	assert.Equal(t, model.QueueStatusPending, item.Status)
	assert.Equal(t, model.DefaultMaxRetries, item.MaxRetries)
	assert.Equal(t, 0, item.RetryCount)
	assert.Equal(t, epoch, item.ScheduledAt)
	assert.JSONEq(t, `{"schemaVersion":1,"start":"2025-01-15"}`, string(item.Payload))

	_, err := f.queue.Enqueue(f.ctx, writeback.EnqueueParam{ModificationID: "mod-1", Operation: record.OpUpdate})
	assert.ErrorIs(t, err, model.ErrActiveItemExists)
	assert.Len(t, f.store.QueueItems(), 1)
}

func TestQueue_EnqueueRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	f.addModification("mod-1", testTarget, testOrg, 3, record.ChangeSet{})

	_, err := f.queue.Enqueue(f.ctx, writeback.EnqueueParam{ModificationID: "mod-1", Operation: "UPSERT"})
	assert.Error(t, err)

	_, err = f.queue.Enqueue(f.ctx, writeback.EnqueueParam{ModificationID: "missing", Operation: record.OpUpdate})
	assert.ErrorIs(t, err, model.ErrNotFound)

	// The modification has no changes to write
	_, err = f.queue.Enqueue(f.ctx, writeback.EnqueueParam{ModificationID: "mod-1", Operation: record.OpUpdate})
	assert.Error(t, err)

	_, err = f.queue.Enqueue(f.ctx, writeback.EnqueueParam{
		ModificationID: "mod-1",
		Operation:      record.OpUpdate,
		Payload:        []byte(`{"color":"red"}`),
	})
	assert.Error(t, err)

	assert.Empty(t, f.store.QueueItems())
	assert.Empty(t, f.store.Notifications())
}

func TestQueue_EnqueueOptions(t *testing.T) {
	f := newFixture(t)
	f.addModification("mod-1", testTarget, testOrg, 3, record.ChangeSet{Title: ptr("from delta")})
	later := epoch.Add(time.Hour)

	item, err := f.queue.Enqueue(f.ctx, writeback.EnqueueParam{
		ModificationID: "mod-1",
		Operation:      record.OpUpdate,
		Payload:        []byte(`{"title":"explicit"}`),
		Priority:       9,
		MaxRetries:     ptr(5),
		ScheduledAt:    &later,
	})
	require.NoError(t, err)
	assert.Equal(t, 9, item.Priority)
	assert.Equal(t, 5, item.MaxRetries)
	assert.Equal(t, later, item.ScheduledAt)
	assert.JSONEq(t, `{"schemaVersion":1,"title":"explicit"}`, string(item.Payload))

	// Scheduled in the future
	assert.Equal(t, 0, f.process().TotalProcessed)
}

func TestQueue_EnqueueDeleteWithoutDelta(t *testing.T) {
	f := newFixture(t)
	f.store.PutModification(&model.Modification{
		ID:             "mod-1",
		TargetID:       testTarget,
		OrganizationID: testOrg,
		BaseVersion:    3,
		Status:         model.ModificationStatusPending,
		CreatedAt:      epoch,
		UpdatedAt:      epoch,
	})

	item := f.enqueue("mod-1", record.OpDelete)
	require.NotEmpty(t, item.Payload)
	assert.JSONEq(t, `{"schemaVersion":1}`, string(item.Payload))
	assert.JSONEq(t, `{"schemaVersion":1}`, string(f.item(item.ID).Payload))
}

func TestQueue_EnqueueWithoutRetries(t *testing.T) {
	f := newFixture(t)
	f.remote.respond = func(int, call) (*upstream.WriteResult, error) {
		return nil, transient("upstream unavailable")
	}
	f.seedMirror(testTarget, 3, baseAgreement())
	f.addModification("mod-1", testTarget, testOrg, 3, record.ChangeSet{Quantity: ptr(int64(12))})

	item, err := f.queue.Enqueue(f.ctx, writeback.EnqueueParam{
		ModificationID: "mod-1",
		Operation:      record.OpUpdate,
		MaxRetries:     ptr(0),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, item.MaxRetries)

	bs := f.process()
	assert.Equal(t, 1, bs.Failed)
	assert.Equal(t, model.QueueStatusFailed, f.item(item.ID).Status)
	assert.Len(t, f.remote.Calls(), 1)

	_, err = f.queue.Enqueue(f.ctx, writeback.EnqueueParam{
		ModificationID: "mod-1",
		Operation:      record.OpUpdate,
		MaxRetries:     ptr(-1),
	})
	assert.Error(t, err)
}

func TestQueue_Requeue(t *testing.T) {
	f := newFixture(t)
	f.remote.respond = func(n int, c call) (*upstream.WriteResult, error) {
		if n <= 3 {
			return nil, transient("down")
		}
		return &upstream.WriteResult{NewVersion: 4}, nil
	}
	f.seedMirror(testTarget, 3, baseAgreement())
	f.addModification("mod-1", testTarget, testOrg, 3, record.ChangeSet{Quantity: ptr(int64(4))})
	item := f.enqueue("mod-1", record.OpUpdate)

	_, err := f.queue.Requeue(f.ctx, item.ID)
	assert.ErrorIs(t, err, model.ErrInvalidState)

	for i := 0; i < 3; i++ {
		f.process()
		f.clock.Advance(time.Minute)
	}
	require.Equal(t, model.QueueStatusFailed, f.item(item.ID).Status)

	requeued, err := f.queue.Requeue(f.ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QueueStatusPending, requeued.Status)
	assert.Equal(t, 0, requeued.RetryCount)
	assert.Equal(t, f.clock.Now(), requeued.ScheduledAt)
	assert.Equal(t, model.ModificationStatusPending, f.modification("mod-1").Status)

	types := f.events.Types()
	assert.Equal(t, events.TypeRequeued, types[len(types)-1])

	assert.Equal(t, 1, f.process().Successful)
	assert.Equal(t, model.QueueStatusCompleted, f.item(item.ID).Status)
}

func TestQueue_GetQueueStatus(t *testing.T) {
	f := newFixture(t)
	f.seedMirror(testTarget, 3, baseAgreement())
	f.seedMirror("agr-2", 1, baseAgreement())
	f.addModification("mod-1", testTarget, testOrg, 3, record.ChangeSet{Title: ptr("Renamed locally")})
	f.addModification("mod-2", "agr-2", testOrg, 1, record.ChangeSet{Quantity: ptr(int64(2))})
	f.addModification("mod-3", "agr-3", "org-other", 1, record.ChangeSet{Quantity: ptr(int64(2))})
	f.remoteEdit(testTarget, 4, func(a *record.Agreement) { a.Title = "Renamed remotely" })

	f.enqueue("mod-1", record.OpUpdate)
	require.Equal(t, 1, f.process().Conflicts)

	f.clock.Advance(time.Minute)
	pending := f.enqueue("mod-2", record.OpUpdate)
	f.enqueue("mod-3", record.OpUpdate)
	f.clock.Advance(time.Minute)

	qs, err := f.queue.GetQueueStatus(f.ctx, testOrg, model.QueueFilter{})
	require.NoError(t, err)
	assert.Equal(t, testOrg, qs.OrganizationID)
	assert.Equal(t, 2, qs.Total)
	assert.Equal(t, 1, qs.Counts[model.QueueStatusPending])
	assert.Equal(t, 1, qs.Counts[model.QueueStatusConflict])
	assert.Equal(t, 0, qs.Counts[model.QueueStatusFailed])
	assert.Len(t, qs.Counts, len(model.QueueStatusList))
	assert.Equal(t, 1, qs.OpenConflicts)
	require.NotNil(t, qs.OldestPendingAt)
	assert.Equal(t, pending.CreatedAt, *qs.OldestPendingAt)
	assert.Equal(t, time.Minute, qs.OldestPendingAge)

	target := "agr-2"
	qs, err = f.queue.GetQueueStatus(f.ctx, testOrg, model.QueueFilter{TargetID: &target})
	require.NoError(t, err)
	assert.Equal(t, 1, qs.Total)

	_, err = f.queue.ListConflicts(f.ctx, testOrg, "bogus")
	assert.Error(t, err)
}
