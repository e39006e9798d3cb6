// Package sqlmodel is the Postgres implementation of the write-back store
package sqlmodel

import (
	"context"
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/Skyrin/go-writeback/e"
	"github.com/Skyrin/go-writeback/record"
	sql "github.com/Skyrin/go-writeback/sqlpgx"
	"github.com/Skyrin/go-writeback/writeback/model"
)

const (
	// QueueItemTable
	QueueItemTable = "write_queue_item"

	ECode070101 = e.Code0701 + "01"
	ECode070102 = e.Code0701 + "02"
	ECode070103 = e.Code0701 + "03"
	ECode070104 = e.Code0701 + "04"
	ECode070105 = e.Code0701 + "05"
	ECode070106 = e.Code0701 + "06"
	ECode070107 = e.Code0701 + "07"
	ECode070108 = e.Code0701 + "08"
	ECode070109 = e.Code0701 + "09"
	ECode07010A = e.Code0701 + "0A"
	ECode07010B = e.Code0701 + "0B"
	ECode07010C = e.Code0701 + "0C"
	ECode07010D = e.Code0701 + "0D"
)

const queueItemFields = `write_queue_item_id, modification_id, target_id, organization_id,
	operation, payload, status, priority, retry_count, max_retries,
	last_attempt_at, last_error, scheduled_at, completed_at, created_at, updated_at`

// claimQueueItemSQL flips due pending items to processing in one statement.
// SKIP LOCKED keeps concurrent claimers from ever receiving the same row.
const claimQueueItemSQL = `UPDATE ` + QueueItemTable + ` SET
	status = $1, last_attempt_at = $2, updated_at = $2
	WHERE write_queue_item_id IN (
		SELECT write_queue_item_id FROM ` + QueueItemTable + `
		WHERE status = $3 AND scheduled_at <= $2
		ORDER BY priority DESC, scheduled_at ASC, created_at ASC
		LIMIT $4
		FOR UPDATE SKIP LOCKED
	)
	RETURNING ` + queueItemFields

// activeQueueStatusList statuses covered by the one active item per
// modification index
var activeQueueStatusList = []string{
	model.QueueStatusPending,
	model.QueueStatusProcessing,
	model.QueueStatusConflict,
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanQueueItem(r rowScanner) (i *model.WriteQueueItem, err error) {
	i = &model.WriteQueueItem{}
	var op string
	var payload []byte
	if err := r.Scan(&i.ID, &i.ModificationID, &i.TargetID, &i.OrganizationID,
		&op, &payload, &i.Status, &i.Priority, &i.RetryCount, &i.MaxRetries,
		&i.LastAttemptAt, &i.LastError, &i.ScheduledAt, &i.CompletedAt,
		&i.CreatedAt, &i.UpdatedAt); err != nil {
		return nil, err
	}
	i.Operation = record.Operation(op)
	i.Payload = payload

	return i, nil
}

// QueueItemInsert inserts a new queue item
func QueueItemInsert(ctx context.Context, db *sql.Connection, i *model.WriteQueueItem) (err error) {
	ib := db.Insert(QueueItemTable).
		Columns("write_queue_item_id", "modification_id", "target_id", "organization_id",
			"operation", "payload", "status", "priority", "retry_count", "max_retries",
			"last_attempt_at", "last_error", "scheduled_at", "completed_at",
			"created_at", "updated_at").
		Values(i.ID, i.ModificationID, i.TargetID, i.OrganizationID,
			string(i.Operation), jsonArg(i.Payload), i.Status, i.Priority, i.RetryCount, i.MaxRetries,
			i.LastAttemptAt, i.LastError, i.ScheduledAt, i.CompletedAt,
			i.CreatedAt, i.UpdatedAt)

	if err := db.ExecInsert(ctx, ib); err != nil {
		if sql.IsPQError(err, sql.PQErr23505UniqueViolation) {
			return e.WWM(model.ErrActiveItemExists, ECode070101,
				fmt.Sprintf("modification %s", i.ModificationID))
		}
		return e.W(err, ECode070102)
	}

	return nil
}

// QueueItemUpdate saves the mutable fields of the queue item
func QueueItemUpdate(ctx context.Context, db *sql.Connection, i *model.WriteQueueItem) (err error) {
	affected, err := execQueueItemUpdate(ctx, db, i, queueItemUpdate(db, i))
	if err != nil {
		return err
	}
	if affected == 0 {
		return e.WWM(model.ErrNotFound, ECode070105,
			fmt.Sprintf("queue item %s does not exist", i.ID))
	}

	return nil
}

// QueueItemUpdateClaimed saves the queue item only while the row is still
// processing under the claim the item was read with, i.e. stale recovery has
// not handed it to someone else in the meantime
func QueueItemUpdateClaimed(ctx context.Context, db *sql.Connection, i *model.WriteQueueItem) (err error) {
	affected, err := execQueueItemUpdate(ctx, db, i, queueItemUpdateClaimed(db, i))
	if err != nil {
		return err
	}
	if affected == 0 {
		return e.WWM(model.ErrClaimLost, ECode07010D,
			fmt.Sprintf("queue item %s is no longer held by this claim", i.ID))
	}

	return nil
}

func queueItemUpdate(db *sql.Connection, i *model.WriteQueueItem) sq.UpdateBuilder {
	return db.Update(QueueItemTable).
		Set("payload", jsonArg(i.Payload)).
		Set("status", i.Status).
		Set("priority", i.Priority).
		Set("retry_count", i.RetryCount).
		Set("max_retries", i.MaxRetries).
		Set("last_attempt_at", i.LastAttemptAt).
		Set("last_error", i.LastError).
		Set("scheduled_at", i.ScheduledAt).
		Set("completed_at", i.CompletedAt).
		Set("updated_at", i.UpdatedAt).
		Where("write_queue_item_id = ?", i.ID)
}

func queueItemUpdateClaimed(db *sql.Connection, i *model.WriteQueueItem) sq.UpdateBuilder {
	return queueItemUpdate(db, i).Where(sq.Eq{
		"status":          model.QueueStatusProcessing,
		"last_attempt_at": i.LastAttemptAt,
	})
}

func execQueueItemUpdate(ctx context.Context, db *sql.Connection, i *model.WriteQueueItem,
	ub sq.UpdateBuilder) (affected int64, err error) {
	affected, err = db.ExecUpdate(ctx, ub)
	if err != nil {
		if sql.IsPQError(err, sql.PQErr23505UniqueViolation) {
			return 0, e.WWM(model.ErrActiveItemExists, ECode070103,
				fmt.Sprintf("modification %s", i.ModificationID))
		}
		return 0, e.W(err, ECode070104)
	}

	return affected, nil
}

// QueueItemClaim moves up to limit due pending items to processing
func QueueItemClaim(ctx context.Context, db *sql.Connection, now time.Time, limit int) (list []*model.WriteQueueItem, err error) {
	rows, err := db.Query(ctx, claimQueueItemSQL,
		model.QueueStatusProcessing, now, model.QueueStatusPending, limit)
	if err != nil {
		return nil, e.W(err, ECode070106)
	}
	defer rows.Close()

	for rows.Next() {
		i, err := scanQueueItem(rows)
		if err != nil {
			return nil, e.W(err, ECode070107)
		}
		list = append(list, i)
	}
	if err := rows.Err(); err != nil {
		return nil, e.W(err, ECode070107)
	}

	// RETURNING does not keep the sub-select order
	sort.SliceStable(list, func(a, b int) bool {
		if list[a].Priority != list[b].Priority {
			return list[a].Priority > list[b].Priority
		}
		if !list[a].ScheduledAt.Equal(list[b].ScheduledAt) {
			return list[a].ScheduledAt.Before(list[b].ScheduledAt)
		}
		if !list[a].CreatedAt.Equal(list[b].CreatedAt) {
			return list[a].CreatedAt.Before(list[b].CreatedAt)
		}
		return list[a].ID < list[b].ID
	})

	return list, nil
}

// QueueItemGetParam get params
type QueueItemGetParam struct {
	Limit          uint64
	ID             *string
	ModificationID *string
	StatusList     []string
	AttemptBefore  *time.Time
	ForUpdate      bool
}

// QueueItemGet performs the select
func QueueItemGet(ctx context.Context, db *sql.Connection, p *QueueItemGetParam) (list []*model.WriteQueueItem, err error) {
	sb := queueItemSelect(db, p)

	rows, err := db.ToSQLWFieldAndQuery(ctx, sb, queueItemFields)
	if err != nil {
		return nil, e.W(err, ECode070108)
	}
	defer rows.Close()

	for rows.Next() {
		i, err := scanQueueItem(rows)
		if err != nil {
			return nil, e.W(err, ECode070109)
		}
		list = append(list, i)
	}
	if err := rows.Err(); err != nil {
		return nil, e.W(err, ECode070109)
	}

	return list, nil
}

func queueItemSelect(db *sql.Connection, p *QueueItemGetParam) sq.SelectBuilder {
	if p.Limit == 0 {
		p.Limit = 1
	}

	sb := db.Select(sql.FieldPlaceHolder).
		From(QueueItemTable).
		Limit(p.Limit)

	if p.ID != nil {
		sb = sb.Where("write_queue_item_id = ?", *p.ID)
	}

	if p.ModificationID != nil {
		sb = sb.Where("modification_id = ?", *p.ModificationID)
	}

	if len(p.StatusList) > 0 {
		sb = sb.Where(sq.Eq{"status": p.StatusList})
	}

	if p.AttemptBefore != nil {
		sb = sb.Where(sq.Or{
			sq.Eq{"last_attempt_at": nil},
			sq.Lt{"last_attempt_at": *p.AttemptBefore},
		}).OrderBy("last_attempt_at ASC NULLS FIRST")
	}

	if p.ForUpdate && db.InTxn() {
		sb = sb.Suffix("FOR UPDATE")
	}

	return sb
}

// QueueItemGetByID returns the queue item, locking it when called inside a txn
func QueueItemGetByID(ctx context.Context, db *sql.Connection, id string) (i *model.WriteQueueItem, err error) {
	list, err := QueueItemGet(ctx, db, &QueueItemGetParam{ID: &id, ForUpdate: true})
	if err != nil {
		return nil, e.W(err, ECode07010A)
	}

	if len(list) != 1 {
		return nil, e.WWM(model.ErrNotFound, ECode07010A,
			fmt.Sprintf("queue item %s does not exist", id))
	}

	return list[0], nil
}

// QueueItemGetActive returns the active item of the modification
func QueueItemGetActive(ctx context.Context, db *sql.Connection, modificationID string) (i *model.WriteQueueItem, err error) {
	list, err := QueueItemGet(ctx, db, &QueueItemGetParam{
		ModificationID: &modificationID,
		StatusList:     activeQueueStatusList,
		ForUpdate:      true,
	})
	if err != nil {
		return nil, e.W(err, ECode07010B)
	}

	if len(list) != 1 {
		return nil, e.WWM(model.ErrNotFound, ECode07010B,
			fmt.Sprintf("modification %s has no active queue item", modificationID))
	}

	return list[0], nil
}

// QueueItemCount counts the items of the organization per status
func QueueItemCount(ctx context.Context, db *sql.Connection, organizationID string,
	f model.QueueFilter) (counts map[string]int, err error) {
	sb := queueItemCountSelect(db, organizationID, f)

	rows, err := db.ToSQLAndQuery(ctx, sb)
	if err != nil {
		return nil, e.W(err, ECode07010C)
	}
	defer rows.Close()

	counts = map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, e.W(err, ECode07010C)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, e.W(err, ECode07010C)
	}

	return counts, nil
}

func queueItemCountSelect(db *sql.Connection, organizationID string, f model.QueueFilter) sq.SelectBuilder {
	sb := db.Select("status", "COUNT(*)").
		From(QueueItemTable).
		Where("organization_id = ?", organizationID).
		GroupBy("status")

	if f.TargetID != nil {
		sb = sb.Where("target_id = ?", *f.TargetID)
	}

	if f.Operation != nil {
		sb = sb.Where("operation = ?", *f.Operation)
	}

	if f.CreatedSince != nil {
		sb = sb.Where("created_at >= ?", *f.CreatedSince)
	}

	if f.CreatedUntil != nil {
		sb = sb.Where("created_at < ?", *f.CreatedUntil)
	}

	return sb
}

// QueueItemOldestPending returns the creation time of the oldest pending item
// of the organization, nil if there is none
func QueueItemOldestPending(ctx context.Context, db *sql.Connection, organizationID string) (t *time.Time, err error) {
	sb := db.Select("MIN(created_at)").
		From(QueueItemTable).
		Where("organization_id = ?", organizationID).
		Where("status = ?", model.QueueStatusPending)

	row, err := db.ToSQLAndQueryRow(ctx, sb)
	if err != nil {
		return nil, e.W(err, ECode07010C)
	}

	if err := row.Scan(&t); err != nil {
		return nil, e.W(err, ECode07010C)
	}

	return t, nil
}

// jsonArg binds a json document, NULL when empty
func jsonArg(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
