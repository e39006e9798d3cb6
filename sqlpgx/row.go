package sqlpgx

import (
	"fmt"

	"github.com/Skyrin/go-writeback/e"
	"github.com/jackc/pgx/v5"
)

const (
	ECode020201 = e.Code0202 + "01"
)

// Row a wrapper struct for pgx.Row, so error handling can happen
type Row struct {
	row   pgx.Row
	query string
}

// Scan wrapper for row's Scan, which returns an extended error instead.
// pgx.ErrNoRows stays reachable through errors.Is.
func (r *Row) Scan(dest ...interface{}) error {
	if err := r.row.Scan(dest...); err != nil {
		return e.W(err, ECode020201, fmt.Sprintf("query: %s", r.query))
	}

	return nil
}
