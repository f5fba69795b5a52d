// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package slot manages the logical replication slot: creation,
// non-destructive peeks, destructive reads that advance the confirmed
// position, and teardown.
package slot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	// Error wraps replication slot failures.
	Error = errs.Class("replication")

	mon = monkit.Package()
)

// Plugin is the logical decoding output plugin the slot is created with.
const Plugin = "test_decoding"

// Queryer is the database surface the manager needs. *sql.DB satisfies it.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Change is one raw logical decoding row: the textual payload and the
// xid of the transaction that produced it.
type Change struct {
	Data string
	XID  uint32
}

// Options bounds a peek or get. Zero values mean unbounded. TxMin and
// TxMax filter by transaction id (inclusive); UptoNChanges caps how
// many changes the server considers; Limit/Offset paginate within a
// single peek session.
type Options struct {
	TxMin        uint64
	TxMax        uint64
	UptoNChanges int
	Limit        int
	Offset       int
}

// Name derives the deterministic slot name from the database and index
// identifiers.
func Name(database, index string) string {
	return database + "_" + index
}

// Manager owns slot operations on a single replication connection.
type Manager struct {
	log *zap.Logger
	db  Queryer
}

// NewManager constructs a Manager on the given connection.
func NewManager(log *zap.Logger, db Queryer) *Manager {
	return &Manager{log: log, db: db}
}

// Exists reports whether the named slot exists.
func (m *Manager) Exists(ctx context.Context, slot string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := m.db.QueryContext(ctx,
		`SELECT 1 FROM pg_replication_slots WHERE slot_name = $1`, slot)
	if err != nil {
		return false, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	exists := rows.Next()
	return exists, Error.Wrap(rows.Err())
}

// Create creates the named slot with the test_decoding plugin. A
// concurrent "already exists" condition is tolerated.
func (m *Manager) Create(ctx context.Context, slot string) (err error) {
	defer mon.Task()(&ctx)(&err)

	m.log.Debug("Creating replication slot", zap.String("slot", slot))
	_, err = m.db.ExecContext(ctx,
		`SELECT * FROM pg_create_logical_replication_slot($1, $2)`, slot, Plugin)
	if err != nil {
		if isSQLState(err, pgerrcode.DuplicateObject) {
			return nil
		}
		return Error.Wrap(err)
	}
	return nil
}

// Drop removes the named slot.
func (m *Manager) Drop(ctx context.Context, slot string) (err error) {
	defer mon.Task()(&ctx)(&err)

	m.log.Debug("Dropping replication slot", zap.String("slot", slot))
	_, err = m.db.ExecContext(ctx, `SELECT pg_drop_replication_slot($1)`, slot)
	return Error.Wrap(err)
}

// Peek reads pending changes without advancing the confirmed position.
// Changes are returned in WAL order; each fresh peek session starts at
// the current confirmed position and (Limit, Offset) paginate within it.
func (m *Manager) Peek(ctx context.Context, slot string, opts Options) (_ []Change, err error) {
	defer mon.Task()(&ctx)(&err)
	return m.changes(ctx, "pg_logical_slot_peek_changes", slot, opts)
}

// Get destructively reads changes, advancing the confirmed position
// past the returned rows. Call only after downstream application of
// the previously peeked window.
func (m *Manager) Get(ctx context.Context, slot string, opts Options) (_ []Change, err error) {
	defer mon.Task()(&ctx)(&err)
	return m.changes(ctx, "pg_logical_slot_get_changes", slot, opts)
}

// Truncate drains and discards everything pending on the slot.
func (m *Manager) Truncate(ctx context.Context, slot string) (err error) {
	defer mon.Task()(&ctx)(&err)

	m.log.Debug("Truncating replication slot: " + slot)
	_, err = m.Get(ctx, slot, Options{})
	return err
}

func (m *Manager) changes(ctx context.Context, fn, slot string, opts Options) (_ []Change, err error) {
	query := fmt.Sprintf(
		`SELECT data, xid FROM %s($1, NULL, $2)
		 WHERE ($3::bigint IS NULL OR xid >= $3)
		   AND ($4::bigint IS NULL OR xid <= $4)`, fn)
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", opts.Limit, opts.Offset)
	}

	rows, err := m.db.QueryContext(ctx, query, slot,
		nullableInt(int64(opts.UptoNChanges)),
		nullableInt(int64(opts.TxMin)),
		nullableInt(int64(opts.TxMax)))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var changes []Change
	for rows.Next() {
		var change Change
		if err := rows.Scan(&change.Data, &change.XID); err != nil {
			return nil, Error.Wrap(err)
		}
		changes = append(changes, change)
	}
	return changes, Error.Wrap(rows.Err())
}

func nullableInt(n int64) interface{} {
	if n == 0 {
		return nil
	}
	return n
}

func isSQLState(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
