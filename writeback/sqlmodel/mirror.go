package sqlmodel

import (
	"context"
	"fmt"

	"github.com/Skyrin/go-writeback/e"
	sql "github.com/Skyrin/go-writeback/sqlpgx"
	"github.com/Skyrin/go-writeback/writeback/model"
)

const (
	// MirrorTable
	MirrorTable = "agreement_mirror"
	// MirrorHistoryTable
	MirrorHistoryTable = "agreement_mirror_history"

	ECode070401 = e.Code0704 + "01"
	ECode070402 = e.Code0704 + "02"
	ECode070403 = e.Code0704 + "03"
	ECode070404 = e.Code0704 + "04"
	ECode070405 = e.Code0704 + "05"
	ECode070406 = e.Code0704 + "06"
	ECode070407 = e.Code0704 + "07"
)

// MirrorGetByID returns the mirror of the target. Inside a txn the row is
// locked so the version read stays current until commit.
func MirrorGetByID(ctx context.Context, db *sql.Connection, targetID string) (m *model.Mirror, err error) {
	sb := db.Select("target_id", "organization_id", "version", "data", "deleted", "updated_at").
		From(MirrorTable).
		Where("target_id = ?", targetID)
	if db.InTxn() {
		sb = sb.Suffix("FOR UPDATE")
	}

	row, err := db.ToSQLAndQueryRow(ctx, sb)
	if err != nil {
		return nil, e.W(err, ECode070401)
	}

	m = &model.Mirror{}
	var data []byte
	if err := row.Scan(&m.TargetID, &m.OrganizationID, &m.Version, &data,
		&m.Deleted, &m.UpdatedAt); err != nil {
		if sql.IsNoRows(err) {
			return nil, e.WWM(model.ErrNotFound, ECode070402,
				fmt.Sprintf("mirror of %s does not exist", targetID))
		}
		return nil, e.W(err, ECode070403)
	}
	m.Data = data

	return m, nil
}

// MirrorUpsert creates or replaces the mirror of the target
func MirrorUpsert(ctx context.Context, db *sql.Connection, m *model.Mirror) (err error) {
	ib := db.Insert(MirrorTable).
		Columns("target_id", "organization_id", "version", "data", "deleted", "updated_at").
		Values(m.TargetID, m.OrganizationID, m.Version, jsonArg(m.Data), m.Deleted, m.UpdatedAt).
		Suffix(`ON CONFLICT (target_id) DO UPDATE SET
			organization_id = EXCLUDED.organization_id,
			version = EXCLUDED.version,
			data = EXCLUDED.data,
			deleted = EXCLUDED.deleted,
			updated_at = EXCLUDED.updated_at`)

	if err := db.ExecInsert(ctx, ib); err != nil {
		return e.W(err, ECode070404, fmt.Sprintf("target: %s", m.TargetID))
	}

	return nil
}

// MirrorHistoryInsert archives one version of the target
func MirrorHistoryInsert(ctx context.Context, db *sql.Connection, h *model.MirrorHistory) (err error) {
	fields := h.ChangedFields
	if fields == nil {
		fields = []string{}
	}

	ib := db.Insert(MirrorHistoryTable).
		Columns("target_id", "version", "data", "changed_fields", "archived_at").
		Values(h.TargetID, h.Version, jsonArg(h.Data), fields, h.ArchivedAt)

	if err := db.ExecInsert(ctx, ib); err != nil {
		return e.W(err, ECode070405,
			fmt.Sprintf("target: %s, version: %d", h.TargetID, h.Version))
	}

	return nil
}

// MirrorHistoryGet returns the archived versions in [fromVersion, toVersion)
func MirrorHistoryGet(ctx context.Context, db *sql.Connection, targetID string,
	fromVersion, toVersion int64) (list []*model.MirrorHistory, err error) {
	sb := db.Select("target_id", "version", "data", "changed_fields", "archived_at").
		From(MirrorHistoryTable).
		Where("target_id = ?", targetID).
		Where("version >= ?", fromVersion).
		Where("version < ?", toVersion).
		OrderBy("version ASC")

	rows, err := db.ToSQLAndQuery(ctx, sb)
	if err != nil {
		return nil, e.W(err, ECode070406)
	}
	defer rows.Close()

	for rows.Next() {
		h := &model.MirrorHistory{}
		var data []byte
		if err := rows.Scan(&h.TargetID, &h.Version, &data, &h.ChangedFields,
			&h.ArchivedAt); err != nil {
			return nil, e.W(err, ECode070407)
		}
		h.Data = data
		list = append(list, h)
	}
	if err := rows.Err(); err != nil {
		return nil, e.W(err, ECode070407)
	}

	return list, nil
}
