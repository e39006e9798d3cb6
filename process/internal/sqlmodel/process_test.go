package sqlmodel

import (
	"testing"

	sql "github.com/Skyrin/go-writeback/sqlpgx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessSelect_Lock(t *testing.T) {
	id := 7
	stmt, args, err := processSelect(&sql.Connection{}, &ProcessGetParam{
		ID:                   &id,
		ForNoKeyUpdateNoWait: true,
	}).ToSql()
	require.NoError(t, err)
	assert.Equal(t, "SELECT "+sql.FieldPlaceHolder+" FROM process WHERE process_id = $1"+
		" LIMIT 1 FOR NO KEY UPDATE NOWAIT", stmt)
	assert.Equal(t, []interface{}{7}, args)
}

func TestSeconds(t *testing.T) {
	assert.Equal(t, "1.5s", seconds(1.5).String())
}
