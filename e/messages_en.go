package e

// This defines reusable error messages

const (
	MsgUnknownInternalServerError = "Unknown Internal Server Error"
	MsgUnauthorized               = "Unauthorized"
	MsgForbidden                  = "Forbidden"

	// migrations
	MsgMigrationCodeVersionDNE         = "Migration code/version does not exist"
	MsgMigrationNotInstalled           = "Migrations library not installed"
	MsgMigrationNone                   = "No migrations exist yet"
	MsgMigrationFileNameInvalid        = "Invalid migration file name"
	MsgMigrationFileNameVersionInvalid = "Invalid migration file name version"
	MsgMigrationInstallFailed          = "Migrator installation failed"

	// write-back
	MsgQueueItemDoesNotExist    = "Write queue item does not exist"
	MsgModificationDoesNotExist = "Modification does not exist"
	MsgMirrorDoesNotExist       = "Mirror record does not exist"
	MsgConflictDoesNotExist     = "Sync conflict does not exist"
	MsgConflictAlreadyResolved  = "Sync conflict already resolved"
	MsgActiveItemExists         = "Modification already has an active queue item"
	MsgBatchInProgress          = "A batch is already in progress"
	MsgInvalidOperation         = "Invalid write operation"
	MsgInvalidResolution        = "Invalid conflict resolution"
	MsgCredentialDoesNotExist   = "Credential does not exist"
)
