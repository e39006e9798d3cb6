package sqlmodel

import (
	"strings"
	"testing"
	"time"

	sql "github.com/Skyrin/go-writeback/sqlpgx"
	"github.com/Skyrin/go-writeback/writeback/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimQueueItemSQL(t *testing.T) {
	assert.Contains(t, claimQueueItemSQL, "FOR UPDATE SKIP LOCKED")
	assert.Contains(t, claimQueueItemSQL, "ORDER BY priority DESC, scheduled_at ASC")
	assert.Contains(t, claimQueueItemSQL, "RETURNING write_queue_item_id")
}

func TestQueueItemSelect_Stale(t *testing.T) {
	db := &sql.Connection{}
	before := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	stmt, args, err := queueItemSelect(db, &QueueItemGetParam{
		Limit:         5,
		StatusList:    []string{model.QueueStatusProcessing},
		AttemptBefore: &before,
	}).ToSql()
	require.NoError(t, err)
	assert.Equal(t, "SELECT "+sql.FieldPlaceHolder+" FROM write_queue_item"+
		" WHERE status IN ($1) AND (last_attempt_at IS NULL OR last_attempt_at < $2)"+
		" ORDER BY last_attempt_at ASC NULLS FIRST LIMIT 5", stmt)
	assert.Equal(t, []interface{}{model.QueueStatusProcessing, before}, args)
}

func TestQueueItemUpdateClaimed(t *testing.T) {
	db := &sql.Connection{}
	claimedAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	item := &model.WriteQueueItem{
		ID:            "item-1",
		Status:        model.QueueStatusCompleted,
		LastAttemptAt: &claimedAt,
	}

	stmt, args, err := queueItemUpdateClaimed(db, item).ToSql()
	require.NoError(t, err)
	assert.Contains(t, stmt, " WHERE write_queue_item_id = $12 AND last_attempt_at = $13 AND status = $14")
	require.Len(t, args, 14)
	assert.Equal(t, "item-1", args[11])
	assert.Equal(t, claimedAt, args[12])
	assert.Equal(t, model.QueueStatusProcessing, args[13])

	// The plain update is not guarded
	stmt, _, err = queueItemUpdate(db, item).ToSql()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(stmt, " WHERE write_queue_item_id = $12"))
}

func TestQueueItemSelect_NoLockOutsideTxn(t *testing.T) {
	db := &sql.Connection{}
	id := "item-1"

	stmt, _, err := queueItemSelect(db, &QueueItemGetParam{ID: &id, ForUpdate: true}).ToSql()
	require.NoError(t, err)
	assert.NotContains(t, stmt, "FOR UPDATE")
	assert.Contains(t, stmt, "LIMIT 1")
}

func TestQueueItemCountSelect(t *testing.T) {
	db := &sql.Connection{}
	target := "agr-1"
	op := "DELETE"

	stmt, args, err := queueItemCountSelect(db, "org-1", model.QueueFilter{
		TargetID:  &target,
		Operation: &op,
	}).ToSql()
	require.NoError(t, err)
	assert.Equal(t, "SELECT status, COUNT(*) FROM write_queue_item"+
		" WHERE organization_id = $1 AND target_id = $2 AND operation = $3 GROUP BY status", stmt)
	assert.Equal(t, []interface{}{"org-1", target, op}, args)
}

func TestSyncConflictSelect(t *testing.T) {
	db := &sql.Connection{}
	org, status := "org-1", model.ConflictStatusUnresolved

	stmt, args, err := syncConflictSelect(db, &SyncConflictGetParam{
		OrganizationID: &org,
		Status:         &status,
	}).ToSql()
	require.NoError(t, err)
	assert.Equal(t, "SELECT "+sql.FieldPlaceHolder+" FROM sync_conflict"+
		" WHERE organization_id = $1 AND status = $2"+
		" ORDER BY created_at ASC, sync_conflict_id ASC", stmt)
	assert.Equal(t, []interface{}{org, status}, args)
}

func TestJSONArg(t *testing.T) {
	assert.Nil(t, jsonArg(nil))
	assert.Nil(t, jsonArg([]byte{}))
	assert.Equal(t, `{"a":1}`, jsonArg([]byte(`{"a":1}`)))
}
