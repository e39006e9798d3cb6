package sqlmodel

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/Skyrin/go-writeback/e"
	"github.com/Skyrin/go-writeback/migrationpgx/model"
	sql "github.com/Skyrin/go-writeback/sqlpgx"
)

const (
	MigrationTableName = "writeback_migration"

	ECode010301 = e.Code0103 + "01"
	ECode010302 = e.Code0103 + "02"
	ECode010303 = e.Code0103 + "03"
	ECode010304 = e.Code0103 + "04"
	ECode010305 = e.Code0103 + "05"
	ECode010306 = e.Code0103 + "06"
	ECode010307 = e.Code0103 + "07"
)

const migrationFields = `writeback_migration_id, migration_code, migration_version,
	migration_status, migration_sql, migration_err, created_on, updated_on`

// MigrationUpdateParam update params
type MigrationUpdateParam struct {
	Status *string
	SQL    *string
	Err    *string
}

// MigrationInsertParam insert params
type MigrationInsertParam struct {
	Code    string
	Version int
	Status  string
	SQL     string
}

// MigrationInsert performs insert
func MigrationInsert(ctx context.Context, db *sql.Connection, ip *MigrationInsertParam) (id int, err error) {
	ib := db.Insert(MigrationTableName).
		Columns("migration_code", "migration_version", "migration_status",
			"migration_sql", "migration_err", "created_on", "updated_on").
		Values(ip.Code, ip.Version, ip.Status,
			ip.SQL, "", db.Expr("NOW()"), db.Expr("NOW()")).
		Suffix("RETURNING writeback_migration_id")

	id, err = db.ExecInsertReturningID(ctx, ib)
	if err != nil {
		// SQL redacted
		return 0, e.W(err, ECode010301,
			fmt.Sprintf("params: %s, %d, %s", ip.Code, ip.Version, ip.Status))
	}

	return id, nil
}

// MigrationUpdate performs update
func MigrationUpdate(ctx context.Context, db *sql.Connection, id int, up *MigrationUpdateParam) (err error) {
	if up == nil {
		return nil
	}

	ub := db.Update(MigrationTableName).
		Set("updated_on", db.Expr("NOW()")).
		Where("writeback_migration_id = ?", id)

	if up.Status != nil {
		ub = ub.Set("migration_status", *up.Status)
	}

	if up.SQL != nil {
		ub = ub.Set("migration_sql", *up.SQL)
	}

	if up.Err != nil {
		ub = ub.Set("migration_err", *up.Err)
	}

	if _, err := db.ExecUpdate(ctx, ub); err != nil {
		return e.W(err, ECode010302, fmt.Sprintf("id: %d", id))
	}

	return nil
}

// MigrationGetByCodeAndVersion returns the migration by code and version
func MigrationGetByCodeAndVersion(ctx context.Context, db *sql.Connection, code string,
	version int) (m *model.Migration, err error) {
	sb := db.Select(sql.FieldPlaceHolder).
		From(MigrationTableName).
		Where("migration_code = ?", code).
		Where("migration_version = ?", version)

	list, err := migrationQuery(ctx, db, sb)
	if err != nil {
		return nil, e.W(err, ECode010303)
	}

	if len(list) != 1 {
		return nil, e.N(ECode010303, e.MsgMigrationCodeVersionDNE)
	}

	return list[0], nil
}

// MigrationGetLatest retrieves the latest completed migration of the code
func MigrationGetLatest(ctx context.Context, db *sql.Connection, code string) (m *model.Migration, err error) {
	sb := db.Select(sql.FieldPlaceHolder).
		From(MigrationTableName).
		Where("migration_code = ?", code).
		Where("migration_status = ?", model.MigrationStatusComplete).
		OrderBy("migration_version DESC").
		Limit(1)

	list, err := migrationQuery(ctx, db, sb)
	if err != nil {
		if sql.IsPQError(err, sql.PQErr42P01UndefinedTable) {
			return nil, e.N(ECode010304, e.MsgMigrationNotInstalled)
		}

		return nil, e.W(err, ECode010305)
	}

	if len(list) != 1 {
		return nil, e.N(ECode010306, e.MsgMigrationNone)
	}

	return list[0], nil
}

func migrationQuery(ctx context.Context, db *sql.Connection, sb sq.SelectBuilder) (list []*model.Migration, err error) {
	// The pg error stays reachable for the not installed check
	rows, err := db.ToSQLWFieldAndQuery(ctx, sb, migrationFields)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		m := &model.Migration{}
		if err := rows.Scan(&m.ID, &m.Code, &m.Version,
			&m.Status, &m.SQL, &m.Err,
			&m.CreatedOn, &m.UpdatedOn); err != nil {
			return nil, e.W(err, ECode010307)
		}

		list = append(list, m)
	}

	if err := rows.Err(); err != nil {
		return nil, e.W(err, ECode010307)
	}

	return list, nil
}
