package sqlmodel

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/Skyrin/go-writeback/e"
	sql "github.com/Skyrin/go-writeback/sqlpgx"
	"github.com/Skyrin/go-writeback/writeback/model"
)

const (
	// SyncConflictTable
	SyncConflictTable = "sync_conflict"

	ECode070201 = e.Code0702 + "01"
	ECode070202 = e.Code0702 + "02"
	ECode070203 = e.Code0702 + "03"
	ECode070204 = e.Code0702 + "04"
	ECode070205 = e.Code0702 + "05"
	ECode070206 = e.Code0702 + "06"
	ECode070207 = e.Code0702 + "07"
	ECode070208 = e.Code0702 + "08"
)

const syncConflictFields = `sync_conflict_id, target_id, organization_id, modification_id,
	write_queue_item_id, local_version, remote_version, local_data, remote_data,
	conflict_fields, status, resolution, merged_data, resolved_by, resolved_at, created_at`

func scanSyncConflict(r rowScanner) (c *model.SyncConflict, err error) {
	c = &model.SyncConflict{}
	var local, remote, merged []byte
	if err := r.Scan(&c.ID, &c.TargetID, &c.OrganizationID, &c.ModificationID,
		&c.QueueItemID, &c.LocalVersion, &c.RemoteVersion, &local, &remote,
		&c.ConflictFields, &c.Status, &c.Resolution, &merged, &c.ResolvedBy,
		&c.ResolvedAt, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.LocalData, c.RemoteData, c.MergedData = local, remote, merged

	return c, nil
}

// SyncConflictInsert inserts an unresolved conflict
func SyncConflictInsert(ctx context.Context, db *sql.Connection, c *model.SyncConflict) (err error) {
	fields := c.ConflictFields
	if fields == nil {
		fields = []string{}
	}

	ib := db.Insert(SyncConflictTable).
		Columns("sync_conflict_id", "target_id", "organization_id", "modification_id",
			"write_queue_item_id", "local_version", "remote_version", "local_data", "remote_data",
			"conflict_fields", "status", "resolution", "merged_data", "resolved_by",
			"resolved_at", "created_at").
		Values(c.ID, c.TargetID, c.OrganizationID, c.ModificationID,
			c.QueueItemID, c.LocalVersion, c.RemoteVersion, jsonArg(c.LocalData), jsonArg(c.RemoteData),
			fields, c.Status, c.Resolution, jsonArg(c.MergedData), c.ResolvedBy,
			c.ResolvedAt, c.CreatedAt)

	if err := db.ExecInsert(ctx, ib); err != nil {
		if sql.IsPQError(err, sql.PQErr23505UniqueViolation) {
			return e.WWM(err, ECode070201,
				fmt.Sprintf("modification %s already has an open conflict", c.ModificationID))
		}
		return e.W(err, ECode070202)
	}

	return nil
}

// SyncConflictGetParam get params
type SyncConflictGetParam struct {
	Limit          uint64
	ID             *string
	OrganizationID *string
	Status         *string
	ForUpdate      bool
}

// SyncConflictGet performs the select, oldest first
func SyncConflictGet(ctx context.Context, db *sql.Connection, p *SyncConflictGetParam) (list []*model.SyncConflict, err error) {
	rows, err := db.ToSQLWFieldAndQuery(ctx, syncConflictSelect(db, p), syncConflictFields)
	if err != nil {
		return nil, e.W(err, ECode070203)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanSyncConflict(rows)
		if err != nil {
			return nil, e.W(err, ECode070204)
		}
		list = append(list, c)
	}
	if err := rows.Err(); err != nil {
		return nil, e.W(err, ECode070204)
	}

	return list, nil
}

func syncConflictSelect(db *sql.Connection, p *SyncConflictGetParam) sq.SelectBuilder {
	sb := db.Select(sql.FieldPlaceHolder).
		From(SyncConflictTable).
		OrderBy("created_at ASC", "sync_conflict_id ASC")

	if p.Limit > 0 {
		sb = sb.Limit(p.Limit)
	}

	if p.ID != nil {
		sb = sb.Where("sync_conflict_id = ?", *p.ID)
	}

	if p.OrganizationID != nil {
		sb = sb.Where("organization_id = ?", *p.OrganizationID)
	}

	if p.Status != nil {
		sb = sb.Where("status = ?", *p.Status)
	}

	if p.ForUpdate && db.InTxn() {
		sb = sb.Suffix("FOR UPDATE")
	}

	return sb
}

// SyncConflictGetByID returns the conflict, locking it when called inside a txn
func SyncConflictGetByID(ctx context.Context, db *sql.Connection, id string) (c *model.SyncConflict, err error) {
	list, err := SyncConflictGet(ctx, db, &SyncConflictGetParam{Limit: 1, ID: &id, ForUpdate: true})
	if err != nil {
		return nil, e.W(err, ECode070205)
	}

	if len(list) != 1 {
		return nil, e.WWM(model.ErrNotFound, ECode070205,
			fmt.Sprintf("conflict %s does not exist", id))
	}

	return list[0], nil
}

// SyncConflictCountOpen counts the unresolved conflicts of the organization
func SyncConflictCountOpen(ctx context.Context, db *sql.Connection, organizationID string) (count int, err error) {
	sb := db.Select(sql.FieldPlaceHolder).
		From(SyncConflictTable).
		Where("organization_id = ?", organizationID).
		Where("resolved_at IS NULL")

	count, err = db.QueryCount(ctx, sb)
	if err != nil {
		return 0, e.W(err, ECode070206)
	}

	return count, nil
}

// SyncConflictResolve records the resolution. Only an unresolved conflict
// can be resolved.
func SyncConflictResolve(ctx context.Context, db *sql.Connection, c *model.SyncConflict) (err error) {
	ub := db.Update(SyncConflictTable).
		Set("status", c.Status).
		Set("resolution", c.Resolution).
		Set("merged_data", jsonArg(c.MergedData)).
		Set("resolved_by", c.ResolvedBy).
		Set("resolved_at", c.ResolvedAt).
		Where("sync_conflict_id = ?", c.ID).
		Where("resolved_at IS NULL")

	affected, err := db.ExecUpdate(ctx, ub)
	if err != nil {
		return e.W(err, ECode070207)
	}

	if affected == 0 {
		// Tell missing and already resolved apart
		if _, err := SyncConflictGetByID(ctx, db, c.ID); err != nil {
			return e.W(err, ECode070208)
		}
		return e.W(model.ErrConflictResolved, ECode070208)
	}

	return nil
}
