// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package pgdb provides access to the source PostgreSQL database:
// settings, catalog metadata, transaction ids and table management.
package pgdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // registers pgx as a database/sql driver
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	// Error wraps source database failures.
	Error = errs.Class("pgdb")

	mon = monkit.Package()
)

// DB wraps a pooled connection to the source database.
type DB struct {
	log *zap.Logger
	db  *sql.DB

	database string
}

// Open connects to the source database and verifies the connection.
func Open(ctx context.Context, log *zap.Logger, connstr string) (*DB, error) {
	db, err := sql.Open("pgx", connstr)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, errs.Combine(Error.Wrap(err), db.Close())
	}

	wrapped := &DB{log: log, db: db}
	if err := db.QueryRowContext(ctx, `SELECT current_database()`).Scan(&wrapped.database); err != nil {
		return nil, errs.Combine(Error.Wrap(err), db.Close())
	}
	return wrapped, nil
}

// Close releases the connection pool.
func (db *DB) Close() error { return db.db.Close() }

// Database returns the connected database name.
func (db *DB) Database() string { return db.database }

// Raw exposes the underlying pool, for the slot manager.
func (db *DB) Raw() *sql.DB { return db.db }

// Setting looks up a server setting from pg_settings. The second
// return value reports whether the setting exists at all.
func (db *DB) Setting(ctx context.Context, name string) (_ string, _ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	var value string
	err = db.db.QueryRowContext(ctx,
		`SELECT setting FROM pg_settings WHERE name = $1`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, Error.Wrap(err)
	}
	return value, true, nil
}

// CurrentTxID returns the current transaction id.
func (db *DB) CurrentTxID(ctx context.Context) (_ uint64, err error) {
	defer mon.Task()(&ctx)(&err)

	var txid uint64
	err = db.db.QueryRowContext(ctx, `SELECT txid_current()`).Scan(&txid)
	return txid, Error.Wrap(err)
}

// Schemas returns the user-visible schema names.
func (db *DB) Schemas(ctx context.Context) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	return db.queryStrings(ctx, `
		SELECT schema_name FROM information_schema.schemata
		WHERE schema_name NOT IN ('information_schema', 'pg_catalog')
		  AND schema_name NOT LIKE 'pg_t%'
		ORDER BY schema_name`)
}

// Tables returns the table names in a schema.
func (db *DB) Tables(ctx context.Context, schema string) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	return db.queryStrings(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		ORDER BY table_name`, schema)
}

// HasTable reports whether the table exists.
func (db *DB) HasTable(ctx context.Context, schema, table string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	var one int
	err = db.db.QueryRowContext(ctx, `
		SELECT 1 FROM information_schema.tables
		WHERE table_schema = $1 AND table_name = $2`, schema, table).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, Error.Wrap(err)
}

// PrimaryKeys discovers the primary key columns of a table, in key order.
func (db *DB) PrimaryKeys(ctx context.Context, schema, table string) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	return db.queryStrings(ctx, `
		SELECT a.attname
		FROM pg_index i
		JOIN pg_class c ON c.oid = i.indrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		JOIN pg_attribute a ON a.attrelid = c.oid AND a.attnum = ANY(i.indkey)
		WHERE i.indisprimary AND n.nspname = $1 AND c.relname = $2
		ORDER BY array_position(i.indkey, a.attnum)`, schema, table)
}

// Columns returns the column names of a table in ordinal order.
func (db *DB) Columns(ctx context.Context, schema, table string) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	return db.queryStrings(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, schema, table)
}

// ForeignKey describes a foreign key constraint between two tables:
// columns on the referencing side and the referenced side.
type ForeignKey struct {
	ReferencingTable   string
	ReferencingColumns []string
	ReferencedTable    string
	ReferencedColumns  []string
}

// ForeignKeysBetween finds foreign key constraints linking two tables,
// in either direction.
func (db *DB) ForeignKeysBetween(ctx context.Context, schema, left, right string) (_ []ForeignKey, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT rc.relname, array_agg(ra.attname ORDER BY ord.n),
		       fc.relname, array_agg(fa.attname ORDER BY ord.n)
		FROM pg_constraint con
		JOIN pg_class rc ON rc.oid = con.conrelid
		JOIN pg_class fc ON fc.oid = con.confrelid
		JOIN pg_namespace n ON n.oid = rc.relnamespace
		CROSS JOIN LATERAL unnest(con.conkey) WITH ORDINALITY AS ord(attnum, n)
		JOIN pg_attribute ra ON ra.attrelid = con.conrelid AND ra.attnum = ord.attnum
		JOIN pg_attribute fa ON fa.attrelid = con.confrelid
		     AND fa.attnum = con.confkey[ord.n]
		WHERE con.contype = 'f' AND n.nspname = $1
		  AND ((rc.relname = $2 AND fc.relname = $3)
		    OR (rc.relname = $3 AND fc.relname = $2))
		GROUP BY con.oid, rc.relname, fc.relname`,
		schema, left, right)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var keys []ForeignKey
	for rows.Next() {
		var fk ForeignKey
		var refing, refed []byte
		if err := rows.Scan(&fk.ReferencingTable, &refing, &fk.ReferencedTable, &refed); err != nil {
			return nil, Error.Wrap(err)
		}
		fk.ReferencingColumns = parseTextArray(refing)
		fk.ReferencedColumns = parseTextArray(refed)
		keys = append(keys, fk)
	}
	return keys, Error.Wrap(rows.Err())
}

func (db *DB) queryStrings(ctx context.Context, query string, args ...interface{}) (_ []string, err error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var out []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, value)
	}
	return out, Error.Wrap(rows.Err())
}

// parseTextArray decodes a simple one-dimensional text[] literal, e.g.
// {a,b}. Column names with commas or braces are not expected here.
func parseTextArray(raw []byte) []string {
	s := strings.Trim(string(raw), "{}")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i, part := range parts {
		parts[i] = strings.Trim(part, `"`)
	}
	return parts
}

// QuoteIdent quotes an SQL identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// TruncateTable truncates one table, cascading.
func (db *DB) TruncateTable(ctx context.Context, schema, table string) (err error) {
	defer mon.Task()(&ctx)(&err)

	db.log.Debug(fmt.Sprintf("Truncating table: %s.%s", schema, table))
	_, err = db.db.ExecContext(ctx,
		fmt.Sprintf(`TRUNCATE TABLE %s.%s CASCADE`, QuoteIdent(schema), QuoteIdent(table)))
	return Error.Wrap(err)
}

// TruncateTables truncates the given tables in a schema.
func (db *DB) TruncateTables(ctx context.Context, schema string, tables []string) (err error) {
	defer mon.Task()(&ctx)(&err)

	db.log.Debug(fmt.Sprintf("Truncating tables: %v", tables))
	for _, table := range tables {
		if err := db.TruncateTable(ctx, schema, table); err != nil {
			return err
		}
	}
	return nil
}

// TruncateSchema truncates every table in a schema.
func (db *DB) TruncateSchema(ctx context.Context, schema string) (err error) {
	defer mon.Task()(&ctx)(&err)

	db.log.Debug("Truncating schema: " + schema)
	tables, err := db.Tables(ctx, schema)
	if err != nil {
		return err
	}
	return db.TruncateTables(ctx, schema, tables)
}
