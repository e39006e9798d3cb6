package sqlpgx

import (
	"context"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/Skyrin/go-writeback/e"
)

const (
	// FieldPlaceHolder is selected by list queries and replaced with the
	// real field list, or with FieldCount when counting
	FieldPlaceHolder = "<FIELD_PLACE_HOLDER>"
	// FieldCount the count expression
	FieldCount = "count(*) AS cnt"

	ECode020101 = e.Code0201 + "01"
	ECode020102 = e.Code0201 + "02"
)

// QueryCount gets the count from a select builder query that selected
// FieldPlaceHolder. Call it before applying limit/offset.
func (c *Connection) QueryCount(ctx context.Context, sb sq.SelectBuilder) (count int, err error) {
	stmt, bindParams, err := sb.ToSql()
	if err != nil {
		return 0, e.W(err, ECode020101)
	}

	cntStmt := strings.Replace(stmt, FieldPlaceHolder, FieldCount, 1)
	if err := c.QueryRow(ctx, cntStmt, bindParams...).Scan(&count); err != nil {
		return 0, e.W(err, ECode020102,
			fmt.Sprintf("bindParams: %+v", bindParams))
	}

	return count, nil
}
