// Package sqlpgx wraps a pgx connection pool with squirrel builders and
// transaction aware query helpers.
package sqlpgx

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/Skyrin/go-writeback/e"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	ECode020301 = e.Code0203 + "01"
	ECode020302 = e.Code0203 + "02"
	ECode020303 = e.Code0203 + "03"
	ECode020304 = e.Code0203 + "04"
	ECode020305 = e.Code0203 + "05"
	ECode020306 = e.Code0203 + "06"
	ECode020307 = e.Code0203 + "07"
	ECode020308 = e.Code0203 + "08"
	ECode020309 = e.Code0203 + "09"
	ECode02030A = e.Code0203 + "0A"
	ECode02030B = e.Code0203 + "0B"
	ECode02030C = e.Code0203 + "0C"
	ECode02030D = e.Code0203 + "0D"
	ECode02030E = e.Code0203 + "0E"
	ECode02030F = e.Code0203 + "0F"
	ECode02030G = e.Code0203 + "0G"
	ECode02030H = e.Code0203 + "0H"
	ECode02030I = e.Code0203 + "0I"
)

// Connection wrapper of the *pgxpool.Pool
type Connection struct {
	DB  *pgxpool.Pool
	txn *Txn
}

// ConnParam connection parameters used to initialize a connection
type ConnParam struct {
	Host       string `json:"host" mapstructure:"host"`
	Port       string `json:"port" mapstructure:"port"`
	User       string `json:"user" mapstructure:"user"`
	Password   string `json:"password" mapstructure:"password"`
	DBName     string `json:"dbname" mapstructure:"dbname"`
	SSLMode    string `json:"sslmode" mapstructure:"sslmode"`
	SearchPath string `json:"searchpath" mapstructure:"searchpath"`
	MaxConns   int32  `json:"maxconns" mapstructure:"maxconns"`
}

// GetConnParamFromENV initializes new connection parameters and populates from ENV variables
func GetConnParamFromENV() (cp *ConnParam) {
	cp = &ConnParam{}

	if os.Getenv("DBCONFIGPATH") != "" {
		if fcp, err := GetConnParamFromJSONConfig(os.Getenv("DBCONFIGPATH")); err == nil {
			return fcp
		}
		return cp
	}

	cp.Host = os.Getenv("DBHOST")
	cp.Port = os.Getenv("DBPORT")
	cp.User = os.Getenv("DBUSER")
	cp.Password = os.Getenv("DBPASS")
	cp.DBName = os.Getenv("DBNAME")
	cp.SSLMode = os.Getenv("SSLMODE")
	cp.SearchPath = os.Getenv("DBSEARCHPATH")

	return cp
}

// GetConnParamFromJSONConfig get connection params from a JSON config
func GetConnParamFromJSONConfig(configPath string) (cp *ConnParam, err error) {
	cp = &ConnParam{}

	b, err := os.ReadFile(configPath)
	if err != nil {
		return nil, e.W(err, ECode020301, configPath)
	}

	if err := json.Unmarshal(b, cp); err != nil {
		return nil, e.W(err, ECode020302)
	}

	return cp, nil
}

// GetConnectionStr returns a connection string. It is also used by the
// lib/pq listener, so the format stays key=value.
func GetConnectionStr(cp *ConnParam) (connStr string) {
	var csb strings.Builder

	if cp == nil {
		cp = GetConnParamFromENV()
	}

	_, _ = csb.WriteString("host=")
	_, _ = csb.WriteString(cp.Host)
	_, _ = csb.WriteString(" port=")
	_, _ = csb.WriteString(cp.Port)
	_, _ = csb.WriteString(" user=")
	_, _ = csb.WriteString(cp.User)
	_, _ = csb.WriteString(" password=")
	_, _ = csb.WriteString(cp.Password)
	_, _ = csb.WriteString(" dbname=")
	_, _ = csb.WriteString(cp.DBName)

	_, _ = csb.WriteString(" sslmode=")
	if cp.SSLMode != "" {
		_, _ = csb.WriteString(cp.SSLMode)
	} else {
		_, _ = csb.WriteString("require")
	}

	if cp.SearchPath != "" {
		_, _ = csb.WriteString(" search_path=")
		_, _ = csb.WriteString(cp.SearchPath)
	}

	return csb.String()
}

// NewPostgresConn initializes a new Postgres connection pool
func NewPostgresConn(ctx context.Context, cp *ConnParam) (conn *Connection, err error) {
	if cp == nil {
		cp = GetConnParamFromENV()
	}

	config, err := pgxpool.ParseConfig(GetConnectionStr(cp))
	if err != nil {
		return nil, e.W(err, ECode020303)
	}

	if cp.MaxConns > 0 {
		config.MaxConns = cp.MaxConns
	}

	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if _, err := conn.Exec(ctx, `SET TIME ZONE 'UTC'`); err != nil {
			return fmt.Errorf("failed to set time zone: %w", err)
		}
		return nil
	}

	db, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, e.WWM(err, ECode020304, "unable to create connection pool")
	}

	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, e.WWM(err, ECode020305, "failed to ping DB")
	}

	return &Connection{DB: db}, nil
}

// Ping wrapper for ping
func (c *Connection) Ping(ctx context.Context) error {
	return c.DB.Ping(ctx)
}

// Close wrapper for close
func (c *Connection) Close() {
	c.DB.Close()
}

// InTxn returns whether this connection copy carries a transaction
func (c *Connection) InTxn() bool {
	return c.txn != nil
}

// BeginReturnDB begins a new transaction, returning a copy of
// the database connection with the txn already set. This copy
// should be used to call all txn commands and then discarded.
func (c *Connection) BeginReturnDB(ctx context.Context) (db *Connection, err error) {
	if c.txn != nil {
		return nil, e.WWM(nil, ECode020306, "already in a txn")
	}

	txn, err := c.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, e.W(err, ECode020307)
	}

	return &Connection{
		DB:  c.DB,
		txn: &Txn{txn: txn},
	}, nil
}

// Commit commits the txn of this connection copy
func (c *Connection) Commit(ctx context.Context) (err error) {
	if c.txn == nil {
		return e.WWM(nil, ECode020308, "not in a txn")
	}

	if err := c.txn.Commit(ctx); err != nil {
		return e.W(err, ECode020309)
	}

	c.txn = nil

	return nil
}

// RollbackIfInTxn rolls back if this copy still carries a txn. Safe to
// defer right after BeginReturnDB.
func (c *Connection) RollbackIfInTxn(ctx context.Context) {
	if c.txn == nil {
		return
	}

	c.txn.RollbackIfInTxn(ctx)
	c.txn = nil
}

// WithTxn runs f inside a new transaction, committing when f returns nil
// and rolling back otherwise
func (c *Connection) WithTxn(ctx context.Context, f func(db *Connection) error) (err error) {
	if c.txn != nil {
		// Already in a txn, join it
		return f(c)
	}

	db, err := c.BeginReturnDB(ctx)
	if err != nil {
		return e.W(err, ECode02030A)
	}
	defer db.RollbackIfInTxn(ctx)

	if err := f(db); err != nil {
		return err
	}

	if err := db.Commit(ctx); err != nil {
		return e.W(err, ECode02030B)
	}

	return nil
}

// Query wrapper for Query with automatic txn handling
func (c *Connection) Query(ctx context.Context, query string, args ...interface{}) (rows *Rows, err error) {
	var pgRows pgx.Rows
	if c.txn != nil {
		pgRows, err = c.txn.txn.Query(ctx, query, args...)
	} else {
		pgRows, err = c.DB.Query(ctx, query, args...)
	}
	if err != nil {
		// Not logging args because it may contain sensitive information. The
		// caller can log them if needed
		return nil, e.W(err, ECode02030C, fmt.Sprintf("query: %s", query))
	}

	return &Rows{
		rows:  pgRows,
		query: query,
	}, nil
}

// Exec wrapper for Exec with automatic txn handling
func (c *Connection) Exec(ctx context.Context, query string, args ...interface{}) (tag pgconn.CommandTag, err error) {
	if c.txn != nil {
		tag, err = c.txn.txn.Exec(ctx, query, args...)
	} else {
		tag, err = c.DB.Exec(ctx, query, args...)
	}
	if err != nil {
		return tag, e.W(err, ECode02030D, fmt.Sprintf("query: %s", query))
	}

	return tag, nil
}

// QueryRow wrapper for QueryRow with automatic txn handling
func (c *Connection) QueryRow(ctx context.Context, query string, args ...interface{}) (row *Row) {
	var pgRow pgx.Row
	if c.txn != nil {
		pgRow = c.txn.txn.QueryRow(ctx, query, args...)
	} else {
		pgRow = c.DB.QueryRow(ctx, query, args...)
	}

	return &Row{
		row:   pgRow,
		query: query,
	}
}

// Select wrapper for github.com/Masterminds/squirrel.Select
func (c *Connection) Select(columns ...string) sq.SelectBuilder {
	return sq.StatementBuilder.PlaceholderFormat(sq.Dollar).Select(columns...)
}

// Insert wrapper for github.com/Masterminds/squirrel.Insert
func (c *Connection) Insert(table string) sq.InsertBuilder {
	return sq.StatementBuilder.PlaceholderFormat(sq.Dollar).Insert(table)
}

// Delete wrapper for github.com/Masterminds/squirrel.Delete
func (c *Connection) Delete(from string) sq.DeleteBuilder {
	return sq.StatementBuilder.PlaceholderFormat(sq.Dollar).Delete(from)
}

// Update wrapper for github.com/Masterminds/squirrel.Update
func (c *Connection) Update(table string) sq.UpdateBuilder {
	return sq.StatementBuilder.PlaceholderFormat(sq.Dollar).Update(table)
}

// Expr wrapper for github.com/Masterminds/squirrel.Expr
func (c *Connection) Expr(sql string, args ...interface{}) sq.Sqlizer {
	return sq.Expr(sql, args...)
}

// ToSQLAndQuery converts the select builder to a SQL statement and bind parameters,
// then attempts to execute the query, returning the rows
func (c *Connection) ToSQLAndQuery(ctx context.Context, sb sq.SelectBuilder) (rows *Rows, err error) {
	stmt, bindList, err := sb.ToSql()
	if err != nil {
		return nil, e.W(err, ECode02030E, fmt.Sprintf("stmt: %s", stmt))
	}

	return c.Query(ctx, stmt, bindList...)
}

// ToSQLAndQueryRow converts the select builder to a SQL statement and bind parameters,
// then attempts to execute the query, returning a single row
func (c *Connection) ToSQLAndQueryRow(ctx context.Context, sb sq.SelectBuilder) (row *Row, err error) {
	stmt, bindList, err := sb.ToSql()
	if err != nil {
		return nil, e.W(err, ECode02030F, fmt.Sprintf("stmt: %s", stmt))
	}

	return c.QueryRow(ctx, stmt, bindList...), nil
}

// ExecInsert wrapper to generate SQL/bind list and then execute insert query
func (c *Connection) ExecInsert(ctx context.Context, ib sq.InsertBuilder) (err error) {
	_, err = c.execSqlizer(ctx, ib)
	return err
}

// ExecUpdate wrapper to generate SQL/bind list and then execute update query,
// returning the number of rows affected
func (c *Connection) ExecUpdate(ctx context.Context, ub sq.UpdateBuilder) (affected int64, err error) {
	return c.execSqlizer(ctx, ub)
}

// ExecDelete wrapper to generate SQL/bind list and then execute delete query
func (c *Connection) ExecDelete(ctx context.Context, delB sq.DeleteBuilder) (affected int64, err error) {
	return c.execSqlizer(ctx, delB)
}

// ExecInsertReturningID wrapper to generate SQL/bind list and then execute an
// insert query that returns an integer id
func (c *Connection) ExecInsertReturningID(ctx context.Context, ib sq.InsertBuilder) (id int, err error) {
	stmt, bindList, err := ib.ToSql()
	if err != nil {
		return 0, e.W(err, ECode02030G, fmt.Sprintf("stmt: %s", stmt))
	}

	// The "query" is logged in Scan, so no need to add here
	if err := c.QueryRow(ctx, stmt, bindList...).Scan(&id); err != nil {
		return 0, e.W(err, ECode02030H)
	}

	return id, nil
}

// ToSQLWFieldAndQuery converts the select builder to a sql, replaces the
// field placeholder in the statement with the passed fields and then
// attempts to query the statement
func (c *Connection) ToSQLWFieldAndQuery(ctx context.Context, sb sq.SelectBuilder, fields string) (rows *Rows, err error) {
	stmt, bindParams, err := sb.ToSql()
	if err != nil {
		return nil, e.W(err, ECode02030I)
	}

	stmt = strings.Replace(stmt, FieldPlaceHolder, fields, 1)
	return c.Query(ctx, stmt, bindParams...)
}

func (c *Connection) execSqlizer(ctx context.Context, s sq.Sqlizer) (affected int64, err error) {
	stmt, bindList, err := s.ToSql()
	if err != nil {
		return 0, e.W(err, ECode02030E, fmt.Sprintf("stmt: %s", stmt))
	}

	// Not logging args because it may contain sensitive information. The
	// caller can log them if needed
	tag, err := c.Exec(ctx, stmt, bindList...)
	if err != nil {
		return 0, err
	}

	return tag.RowsAffected(), nil
}
