package sqlmodel

import (
	"context"
	"fmt"

	"github.com/Skyrin/go-writeback/e"
	sql "github.com/Skyrin/go-writeback/sqlpgx"
	"github.com/Skyrin/go-writeback/writeback/model"
)

const (
	// ModificationTable
	ModificationTable = "agreement_modification"

	ECode070301 = e.Code0703 + "01"
	ECode070302 = e.Code0703 + "02"
	ECode070303 = e.Code0703 + "03"
	ECode070304 = e.Code0703 + "04"
	ECode070305 = e.Code0703 + "05"
)

const modificationFields = `modification_id, target_id, organization_id, base_version,
	delta, status, actor, reason, created_at, updated_at, synced_at`

// ModificationInsert inserts the modification. The local editing layer owns
// these rows, this is used by tooling and tests.
func ModificationInsert(ctx context.Context, db *sql.Connection, m *model.Modification) (err error) {
	ib := db.Insert(ModificationTable).
		Columns("modification_id", "target_id", "organization_id", "base_version",
			"delta", "status", "actor", "reason", "created_at", "updated_at", "synced_at").
		Values(m.ID, m.TargetID, m.OrganizationID, m.BaseVersion,
			jsonArg(m.Delta), m.Status, m.Actor, m.Reason, m.CreatedAt, m.UpdatedAt, m.SyncedAt)

	if err := db.ExecInsert(ctx, ib); err != nil {
		return e.W(err, ECode070301, fmt.Sprintf("id: %s", m.ID))
	}

	return nil
}

// ModificationGetByID returns the modification, locking it when called
// inside a txn
func ModificationGetByID(ctx context.Context, db *sql.Connection, id string) (m *model.Modification, err error) {
	sb := db.Select(sql.FieldPlaceHolder).
		From(ModificationTable).
		Where("modification_id = ?", id)
	if db.InTxn() {
		sb = sb.Suffix("FOR UPDATE")
	}

	rows, err := db.ToSQLWFieldAndQuery(ctx, sb, modificationFields)
	if err != nil {
		return nil, e.W(err, ECode070302)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, e.W(err, ECode070303)
		}
		return nil, e.WWM(model.ErrNotFound, ECode070303,
			fmt.Sprintf("modification %s does not exist", id))
	}

	m = &model.Modification{}
	var delta []byte
	if err := rows.Scan(&m.ID, &m.TargetID, &m.OrganizationID, &m.BaseVersion,
		&delta, &m.Status, &m.Actor, &m.Reason, &m.CreatedAt, &m.UpdatedAt,
		&m.SyncedAt); err != nil {
		return nil, e.W(err, ECode070304)
	}
	m.Delta = delta

	return m, nil
}

// ModificationUpdate saves the sync related fields of the modification
func ModificationUpdate(ctx context.Context, db *sql.Connection, m *model.Modification) (err error) {
	ub := db.Update(ModificationTable).
		Set("base_version", m.BaseVersion).
		Set("delta", jsonArg(m.Delta)).
		Set("status", m.Status).
		Set("updated_at", m.UpdatedAt).
		Set("synced_at", m.SyncedAt).
		Where("modification_id = ?", m.ID)

	affected, err := db.ExecUpdate(ctx, ub)
	if err != nil {
		return e.W(err, ECode070305)
	}
	if affected == 0 {
		return e.WWM(model.ErrNotFound, ECode070305,
			fmt.Sprintf("modification %s does not exist", m.ID))
	}

	return nil
}
