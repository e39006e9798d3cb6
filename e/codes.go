package e

// Constants in here define error codes that are unique to a package/file.
// The first two characters define the package, within this repo, and the
// second two characters define the file within that package. Each package
// then declares its own ECode constants by appending a two character id,
// i.e. ECode060101 = e.Code0601 + "01".
//
// Valid values for the characters are: 0-9 and A-Z.

const (
	// package: migrationpgx
	Code0101 = "0101" // migrationpgx/migrator.go
	Code0102 = "0102" // migrationpgx/list.go
	Code0103 = "0103" // migrationpgx/sqlmodel/migration.go

	// package: sqlpgx
	Code0201 = "0201" // sqlpgx/count.go
	Code0202 = "0202" // sqlpgx/row.go
	Code0203 = "0203" // sqlpgx/sql.go
	Code0204 = "0204" // sqlpgx/txn.go
	Code0205 = "0205" // sqlpgx/rows.go

	// package: process
	Code0301 = "0301" // process/process.go
	Code0302 = "0302" // process/internal/sqlmodel/process.go
	Code0303 = "0303" // process/internal/sqlmodel/process_run.go

	// package: upstream
	Code0401 = "0401" // upstream/client.go
	Code0402 = "0402" // upstream/pool.go
	Code0403 = "0403" // upstream/credentials.go

	// package: search
	Code0501 = "0501" // search/conflict_index.go

	// package: writeback
	Code0601 = "0601" // writeback/worker.go
	Code0602 = "0602" // writeback/enqueue.go
	Code0603 = "0603" // writeback/conflict_detector.go
	Code0604 = "0604" // writeback/conflict_resolver.go
	Code0605 = "0605" // writeback/recovery.go
	Code0606 = "0606" // writeback/status.go
	Code0607 = "0607" // writeback/listener.go
	Code0608 = "0608" // writeback/mirror.go

	// package: writeback/sqlmodel
	Code0701 = "0701" // writeback/sqlmodel/queue_item.go
	Code0702 = "0702" // writeback/sqlmodel/sync_conflict.go
	Code0703 = "0703" // writeback/sqlmodel/modification.go
	Code0704 = "0704" // writeback/sqlmodel/mirror.go
	Code0705 = "0705" // writeback/sqlmodel/store.go

	// package: kafka
	Code0800 = "0800" // kafka/connection.go
	Code0801 = "0801" // kafka/aws/ec2/sasl.go

	// package: events
	Code0901 = "0901" // events/kafka.go

	// package: config
	Code0A01 = "0A01" // config/config.go

	// package: record
	Code0B01 = "0B01" // record/changeset.go

	// package: cmd/writeback
	Code0C01 = "0C01" // cmd/writeback/*.go

	// package: writeback/memstore
	Code0D01 = "0D01" // writeback/memstore/memstore.go

	// package: logger
	Code0E01 = "0E01" // logger/logger.go
)
