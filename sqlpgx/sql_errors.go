package sqlpgx

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	PQErr23505UniqueViolation     = "23505" // Postgres code for unique_violation
	PQErr23503ForeignKeyViolation = "23503" // Postgres code for foreign_key_violation
	PQErr42P01UndefinedTable      = "42P01" // relation "<string>" does not exist
	PQErr55P03LockNotAvailable    = "55P03" // NOWAIT lock could not be obtained
)

// IsPQError checks if the passed error is the specified Postgres error code
func IsPQError(err error, errorCode string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == errorCode
}

// IsNoRows returns whether the error is a no rows found error
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
