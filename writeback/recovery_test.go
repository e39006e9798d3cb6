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

func TestWorker_RecoverStale(t *testing.T) {
	f := newFixture(t, func(cfg *writeback.WorkerConfig) {
		cfg.StaleAfter = 10 * time.Minute
	})
	f.seedMirror(testTarget, 3, baseAgreement())
	f.addModification("mod-1", testTarget, testOrg, 3, record.ChangeSet{Quantity: ptr(int64(4))})
	f.addModification("mod-2", "agr-2", testOrg, 1, record.ChangeSet{Quantity: ptr(int64(4))})
	stale := f.enqueue("mod-1", record.OpUpdate)

	// A worker claims the item and dies
	claimed, err := f.store.ClaimQueueItems(f.ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	f.clock.Advance(9 * time.Minute)
	fresh := f.enqueue("mod-2", record.OpUpdate)
	_, err = f.store.ClaimQueueItems(f.ctx, f.clock.Now(), 10)
	require.NoError(t, err)

	count, err := f.worker.RecoverStale(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	f.clock.Advance(2 * time.Minute)
	count, err = f.worker.RecoverStale(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got := f.item(stale.ID)
	assert.Equal(t, model.QueueStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, f.clock.Now().Add(5*time.Second), got.ScheduledAt)
	assert.Contains(t, got.LastError, "claim expired")

	assert.Equal(t, model.QueueStatusProcessing, f.item(fresh.ID).Status)

	types := f.events.Types()
	assert.Equal(t, events.TypeRecovered, types[len(types)-1])

	f.clock.Advance(5 * time.Second)
	assert.Equal(t, 1, f.process().Successful)
}

func TestWorker_ResultOfReclaimedItemIsDropped(t *testing.T) {
	f := newFixture(t, func(cfg *writeback.WorkerConfig) {
		cfg.StaleAfter = 10 * time.Minute
	})
	f.remote.respond = func(n int, c call) (*upstream.WriteResult, error) {
		if n == 1 {
			// The call hangs long enough for the claim to be recovered
			f.clock.Advance(11 * time.Minute)
			count, err := f.worker.RecoverStale(f.ctx)
			assert.NoError(t, err)
			assert.Equal(t, 1, count)
		}
		return &upstream.WriteResult{NewVersion: 4}, nil
	}
	f.seedMirror(testTarget, 3, baseAgreement())
	f.addModification("mod-1", testTarget, testOrg, 3, record.ChangeSet{Quantity: ptr(int64(4))})
	item := f.enqueue("mod-1", record.OpUpdate)

	bs := f.process()
	assert.Equal(t, 1, bs.Skipped)
	assert.Equal(t, 0, bs.Successful)

	got := f.item(item.ID)
	assert.Equal(t, model.QueueStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, int64(3), f.mirror(testTarget).Version)

	f.clock.Advance(5 * time.Second)
	bs = f.process()
	assert.Equal(t, 1, bs.Successful)
	assert.Equal(t, model.QueueStatusCompleted, f.item(item.ID).Status)
	assert.Equal(t, int64(4), f.mirror(testTarget).Version)
}
