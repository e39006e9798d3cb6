package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Skyrin/go-writeback/record"
	"github.com/Skyrin/go-writeback/writeback"
	"github.com/Skyrin/go-writeback/writeback/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newItem(id, modID string, prio int, scheduledAt time.Time) *model.WriteQueueItem {
	return &model.WriteQueueItem{
		ID:             id,
		ModificationID: modID,
		TargetID:       "agr-" + modID,
		OrganizationID: "org-1",
		Operation:      record.OpUpdate,
		Payload:        []byte(`{"quantity":1}`),
		Status:         model.QueueStatusPending,
		Priority:       prio,
		MaxRetries:     3,
		ScheduledAt:    scheduledAt,
		CreatedAt:      scheduledAt,
		UpdatedAt:      scheduledAt,
	}
}

func TestStore_ClaimOrderAndDue(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.InsertQueueItem(ctx, newItem("a", "m1", 0, now.Add(-3*time.Minute))))
	require.NoError(t, s.InsertQueueItem(ctx, newItem("b", "m2", 5, now.Add(-1*time.Minute))))
	require.NoError(t, s.InsertQueueItem(ctx, newItem("c", "m3", 0, now.Add(-5*time.Minute))))
	require.NoError(t, s.InsertQueueItem(ctx, newItem("d", "m4", 9, now.Add(time.Minute))))

	list, err := s.ClaimQueueItems(ctx, now, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)
	assert.Equal(t, "c", list[1].ID)
	for _, i := range list {
		assert.Equal(t, model.QueueStatusProcessing, i.Status)
		require.NotNil(t, i.LastAttemptAt)
		assert.Equal(t, now, *i.LastAttemptAt)
	}

	list, err = s.ClaimQueueItems(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].ID)
}

func TestStore_ConcurrentClaimsAreExclusive(t *testing.T) {
	ctx := context.Background()
	s := New()
	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, s.InsertQueueItem(ctx, newItem(fmt.Sprintf("i%d", i), fmt.Sprintf("m%d", i), i%4, now)))
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				list, err := s.ClaimQueueItems(ctx, now, 7)
				if err != nil || len(list) == 0 {
					return
				}
				mu.Lock()
				for _, i := range list {
					seen[i.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for id, c := range seen {
		assert.Equal(t, 1, c, id)
	}
}

func TestStore_UpdateClaimedQueueItem(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.InsertQueueItem(ctx, newItem("a", "m1", 0, now)))

	// Not claimed yet
	pending, err := s.GetQueueItem(ctx, "a")
	require.NoError(t, err)
	assert.ErrorIs(t, s.UpdateClaimedQueueItem(ctx, pending), model.ErrClaimLost)

	first, err := s.ClaimQueueItems(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Recovered and claimed again by someone else
	recovered := first[0].Clone()
	recovered.Status = model.QueueStatusPending
	require.NoError(t, s.UpdateQueueItem(ctx, recovered))
	second, err := s.ClaimQueueItems(ctx, now.Add(time.Minute), 1)
	require.NoError(t, err)
	require.Len(t, second, 1)

	slow := first[0]
	slow.Status = model.QueueStatusCompleted
	assert.ErrorIs(t, s.UpdateClaimedQueueItem(ctx, slow), model.ErrClaimLost)

	got, err := s.GetQueueItem(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.QueueStatusProcessing, got.Status)

	current := second[0]
	current.Status = model.QueueStatusCompleted
	require.NoError(t, s.UpdateClaimedQueueItem(ctx, current))

	got, err = s.GetQueueItem(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.QueueStatusCompleted, got.Status)
}

func TestStore_WithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.InsertQueueItem(ctx, newItem("a", "m1", 0, now)))

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(ctx context.Context, tx writeback.Store) error {
		item, err := tx.GetQueueItem(ctx, "a")
		require.NoError(t, err)
		item.Status = model.QueueStatusFailed
		require.NoError(t, tx.UpdateQueueItem(ctx, item))
		require.NoError(t, tx.(writeback.Notifier).NotifyEnqueued(ctx, "org-1"))

		// Visible inside the transaction
		got, err := tx.GetQueueItem(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, model.QueueStatusFailed, got.Status)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetQueueItem(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.QueueStatusPending, got.Status)
	assert.Empty(t, s.Notifications())
}

func TestStore_ReturnedRecordsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.InsertQueueItem(ctx, newItem("a", "m1", 0, now)))

	got, err := s.GetQueueItem(ctx, "a")
	require.NoError(t, err)
	got.Status = model.QueueStatusFailed

	again, err := s.GetQueueItem(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.QueueStatusPending, again.Status)
}

func TestStore_OneActiveItemPerModification(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.InsertQueueItem(ctx, newItem("a", "m1", 0, now)))

	err := s.InsertQueueItem(ctx, newItem("b", "m1", 0, now))
	assert.ErrorIs(t, err, model.ErrActiveItemExists)

	done := newItem("c", "m1", 0, now)
	done.Status = model.QueueStatusCompleted
	assert.NoError(t, s.InsertQueueItem(ctx, done))

	active, err := s.GetActiveQueueItem(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "a", active.ID)

	_, err = s.GetActiveQueueItem(ctx, "m2")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestStore_Conflicts(t *testing.T) {
	ctx := context.Background()
	s := New()
	c := &model.SyncConflict{
		ID:             "c1",
		ModificationID: "m1",
		OrganizationID: "org-1",
		Status:         model.ConflictStatusUnresolved,
		CreatedAt:      now,
	}
	require.NoError(t, s.InsertConflict(ctx, c))

	dup := *c
	dup.ID = "c2"
	assert.Error(t, s.InsertConflict(ctx, &dup))

	n, err := s.CountOpenConflicts(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	resolvedAt := now
	c.Status = model.ConflictStatusResolvedManual
	c.ResolvedAt = &resolvedAt
	require.NoError(t, s.ResolveConflict(ctx, c))
	assert.ErrorIs(t, s.ResolveConflict(ctx, c), model.ErrConflictResolved)

	list, err := s.ListConflicts(ctx, "org-1", model.ConflictStatusResolvedManual)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	n, err = s.CountOpenConflicts(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = s.GetConflict(ctx, "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestStore_MirrorHistoryRange(t *testing.T) {
	ctx := context.Background()
	s := New()
	for _, v := range []int64{4, 1, 2} {
		require.NoError(t, s.InsertMirrorHistory(ctx, &model.MirrorHistory{TargetID: "agr", Version: v}))
	}
	assert.Error(t, s.InsertMirrorHistory(ctx, &model.MirrorHistory{TargetID: "agr", Version: 2}))

	list, err := s.ListMirrorHistory(ctx, "agr", 2, 5)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int64(2), list[0].Version)
	assert.Equal(t, int64(4), list[1].Version)

	_, err = s.GetMirror(ctx, "agr")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
