package sqlpgx

import (
	"fmt"

	"github.com/Skyrin/go-writeback/e"
	"github.com/jackc/pgx/v5"
)

const (
	ECode020501 = e.Code0205 + "01"
	ECode020502 = e.Code0205 + "02"
)

// Rows wrapper struct for pgx.Rows, so error handling can happen
type Rows struct {
	rows  pgx.Rows
	query string
}

// Scan wrapper for rows' Scan, which returns an extended error instead
func (r *Rows) Scan(dest ...interface{}) error {
	if err := r.rows.Scan(dest...); err != nil {
		return e.W(err, ECode020501, fmt.Sprintf("query: %s", r.query))
	}

	return nil
}

// Err wrapper for rows' Err func
func (r *Rows) Err() error {
	if err := r.rows.Err(); err != nil {
		return e.W(err, ECode020502, fmt.Sprintf("query: %s", r.query))
	}

	return nil
}

// Close wrapper for rows' Close func
func (r *Rows) Close() {
	r.rows.Close()
}

// Next wrapper for rows' Next func
func (r *Rows) Next() bool {
	return r.rows.Next()
}
