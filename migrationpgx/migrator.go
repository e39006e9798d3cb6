// Package migration applies the embedded SQL migrations of each package and
// records them in the writeback_migration table.
//
// Basic usage (error handling omitted):
//
//	m, _ := migration.NewMigrator(ctx, db)
//	m.AddMigrationList(writeback.GetMigrationList())
//	m.AddMigrationList(process.GetMigrationList())
//	_ = m.Upgrade(ctx)
//
// A package that defines migrations embeds them:
//
//	//go:embed db/migrations/*.sql
//	var migrations embed.FS
//
//	func GetMigrationList() *migration.List {
//		return migration.NewList("writeback", migration.MIGRATION_PATH, migrations)
//	}
package migration

import (
	"context"
	"embed"

	"github.com/Skyrin/go-writeback/e"
	"github.com/Skyrin/go-writeback/migrationpgx/model"
	"github.com/Skyrin/go-writeback/migrationpgx/sqlmodel"
	sql "github.com/Skyrin/go-writeback/sqlpgx"
	"github.com/rs/zerolog/log"
)

//go:embed db/migrations/*.sql
var migrations embed.FS

const (
	MIGRATION_PATH = "db/migrations"
	MIGRATION_CODE = "migration"

	// lockKey serializes migrators of every process sharing the database
	lockKey int64 = 0x77626d6967

	ECode010101 = e.Code0101 + "01"
	ECode010102 = e.Code0101 + "02"
	ECode010103 = e.Code0101 + "03"
	ECode010104 = e.Code0101 + "04"
	ECode010105 = e.Code0101 + "05"
	ECode010106 = e.Code0101 + "06"
	ECode010107 = e.Code0101 + "07"
	ECode010108 = e.Code0101 + "08"
	ECode010109 = e.Code0101 + "09"
	ECode01010A = e.Code0101 + "0A"
)

// Migrator runs migration lists in the order they were added
type Migrator struct {
	db    *sql.Connection
	lists []*List
}

// Applied a file applied by Upgrade
type Applied struct {
	Code    string `json:"code" yaml:"code"`
	Version int    `json:"version" yaml:"version"`
	Name    string `json:"name" yaml:"name"`
}

// NewMigrator initializes a new migrator, installing its own table on first
// use. Its own list is always upgraded first.
func NewMigrator(ctx context.Context, db *sql.Connection) (m *Migrator, err error) {
	m = &Migrator{db: db}
	own := NewList(MIGRATION_CODE, MIGRATION_PATH, migrations)

	if _, err := sqlmodel.MigrationGetLatest(ctx, db, MIGRATION_CODE); err != nil {
		switch {
		case e.ContainsError(err, e.MsgMigrationNotInstalled):
			if err := m.install(ctx, own); err != nil {
				return nil, e.W(err, ECode010101)
			}
		case e.ContainsError(err, e.MsgMigrationNone):
		default:
			return nil, e.W(err, ECode010102)
		}
	}

	m.AddMigrationList(own)

	return m, nil
}

// AddMigrationList adds a migration list to the migrator
func (m *Migrator) AddMigrationList(ml *List) {
	m.lists = append(m.lists, ml)
}

// install runs only the first file of the list, creating the table. Upgrade
// records it afterwards, so the file must be safe to run twice.
func (m *Migrator) install(ctx context.Context, ml *List) (err error) {
	files, err := ml.FilesAfter(0)
	if err != nil {
		return e.W(err, ECode010103)
	}

	if len(files) == 0 {
		return e.N(ECode010104, e.MsgMigrationInstallFailed)
	}

	if _, err := m.db.Exec(ctx, string(files[0].SQL)); err != nil {
		return e.W(err, ECode010105)
	}

	return nil
}

// Upgrade applies every file newer than the latest completed version of
// each list. Each file runs in its own txn together with its bookkeeping.
func (m *Migrator) Upgrade(ctx context.Context) (applied []Applied, err error) {
	for _, ml := range m.lists {
		latest := 0
		mm, err := sqlmodel.MigrationGetLatest(ctx, m.db, ml.code)
		if err != nil {
			if !e.ContainsError(err, e.MsgMigrationNone) {
				return applied, e.W(err, ECode010106)
			}
		} else {
			latest = mm.Version
		}

		files, err := ml.FilesAfter(latest)
		if err != nil {
			return applied, e.W(err, ECode010107)
		}

		for _, f := range files {
			ran, err := m.processFile(ctx, ml, f)
			if err != nil {
				m.recordFailure(ctx, ml, f, err)
				return applied, e.W(err, ECode010108)
			}
			if !ran {
				continue
			}

			applied = append(applied, Applied{Code: ml.code, Version: f.Version, Name: f.Name})
			log.Info().Msgf("successfully migrated '%s' to version: %v", ml.code, f.Version)
		}
	}

	return applied, nil
}

// processFile runs the file unless another process completed it first
func (m *Migrator) processFile(ctx context.Context, ml *List, f *File) (ran bool, err error) {
	err = m.db.WithTxn(ctx, func(db *sql.Connection) error {
		if _, err := db.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", lockKey); err != nil {
			return e.W(err, ECode010109)
		}

		id := 0
		mm, err := sqlmodel.MigrationGetByCodeAndVersion(ctx, db, ml.code, f.Version)
		switch {
		case err == nil && mm.Status == model.MigrationStatusComplete:
			return nil
		case err == nil:
			id = mm.ID
			newSQL := string(f.SQL)
			if err := sqlmodel.MigrationUpdate(ctx, db, id, &sqlmodel.MigrationUpdateParam{SQL: &newSQL}); err != nil {
				return err
			}
		case e.ContainsError(err, e.MsgMigrationCodeVersionDNE):
			id, err = sqlmodel.MigrationInsert(ctx, db, &sqlmodel.MigrationInsertParam{
				Code:    ml.code,
				Version: f.Version,
				Status:  model.MigrationStatusPending,
				SQL:     string(f.SQL),
			})
			if err != nil {
				return err
			}
		default:
			return err
		}

		if _, err := db.Exec(ctx, string(f.SQL)); err != nil {
			return err
		}

		status, msg := model.MigrationStatusComplete, ""
		if err := sqlmodel.MigrationUpdate(ctx, db, id, &sqlmodel.MigrationUpdateParam{
			Status: &status,
			Err:    &msg,
		}); err != nil {
			return err
		}

		ran = true
		return nil
	})

	return ran, err
}

// recordFailure stores the error of a failed file. The file's txn was rolled
// back, so this is written separately and only logged if it fails too.
func (m *Migrator) recordFailure(ctx context.Context, ml *List, f *File, cause error) {
	status, msg := model.MigrationStatusFailed, cause.Error()

	mm, err := sqlmodel.MigrationGetByCodeAndVersion(ctx, m.db, ml.code, f.Version)
	if err == nil {
		err = sqlmodel.MigrationUpdate(ctx, m.db, mm.ID, &sqlmodel.MigrationUpdateParam{
			Status: &status,
			Err:    &msg,
		})
	} else if e.ContainsError(err, e.MsgMigrationCodeVersionDNE) {
		var id int
		id, err = sqlmodel.MigrationInsert(ctx, m.db, &sqlmodel.MigrationInsertParam{
			Code:    ml.code,
			Version: f.Version,
			Status:  status,
			SQL:     string(f.SQL),
		})
		if err == nil {
			err = sqlmodel.MigrationUpdate(ctx, m.db, id, &sqlmodel.MigrationUpdateParam{Err: &msg})
		}
	}

	if err != nil {
		log.Error().Err(err).Str("code", ml.code).Int("version", f.Version).
			Msg(e.NewStr(ECode01010A, "unable to record failed migration"))
	}
}
