// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package pgdb

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/errs"

	"storj.io/pgsync/builder"
)

// Rows selects rows from one table per the query description,
// returning each row as a column-keyed map. Implements builder.Source.
func (db *DB) Rows(ctx context.Context, q builder.RowQuery) (_ []map[string]interface{}, err error) {
	defer mon.Task()(&ctx)(&err)

	var sb strings.Builder
	sb.WriteString("SELECT ")
	if len(q.Columns) == 0 {
		sb.WriteString("*")
	} else {
		for i, column := range q.Columns {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(QuoteIdent(column))
		}
	}
	sb.WriteString(" FROM ")
	sb.WriteString(QuoteIdent(q.Schema) + "." + QuoteIdent(q.Table))

	var args []interface{}
	if len(q.Filter) > 0 {
		// iterate filter columns in stable order so the generated SQL
		// is deterministic
		columns := make([]string, 0, len(q.Filter))
		for column := range q.Filter {
			columns = append(columns, column)
		}
		sort.Strings(columns)

		sb.WriteString(" WHERE ")
		first := true
		for _, column := range columns {
			values := q.Filter[column]
			if !first {
				sb.WriteString(" AND ")
			}
			first = false
			sb.WriteString(QuoteIdent(column))
			sb.WriteString(" IN (")
			for i, value := range values {
				if i > 0 {
					sb.WriteString(", ")
				}
				args = append(args, value)
				sb.WriteString(fmt.Sprintf("$%d", len(args)))
			}
			sb.WriteString(")")
		}
	}

	if len(q.OrderBy) > 0 {
		sb.WriteString(" ORDER BY ")
		for i, column := range q.OrderBy {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(QuoteIdent(column))
		}
	}

	rows, err := db.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var out []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		pointers := make([]interface{}, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, Error.Wrap(err)
		}
		row := make(map[string]interface{}, len(columns))
		for i, column := range columns {
			row[column] = normalize(values[i])
		}
		out = append(out, row)
	}
	return out, Error.Wrap(rows.Err())
}

// normalize maps driver byte slices to strings so row values compare
// and serialize predictably.
func normalize(value interface{}) interface{} {
	if b, ok := value.([]byte); ok {
		return string(b)
	}
	return value
}

// Join discovers how a child table attaches to its parent by reading
// foreign key constraints, optionally through a junction table.
// Implements builder.Source.
func (db *DB) Join(ctx context.Context, schema, parent, child string, through []string) (_ builder.Join, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(through) > 0 {
		return db.throughJoin(ctx, schema, parent, child, through[0])
	}

	fks, err := db.ForeignKeysBetween(ctx, schema, parent, child)
	if err != nil {
		return builder.Join{}, err
	}
	for _, fk := range fks {
		if fk.ReferencingTable == child && fk.ReferencedTable == parent {
			return builder.Join{
				ParentColumns: fk.ReferencedColumns,
				ChildColumns:  fk.ReferencingColumns,
			}, nil
		}
		if fk.ReferencingTable == parent && fk.ReferencedTable == child {
			return builder.Join{
				ParentColumns: fk.ReferencingColumns,
				ChildColumns:  fk.ReferencedColumns,
			}, nil
		}
	}
	return builder.Join{}, Error.New("no foreign key between %s.%s and %s.%s",
		schema, parent, schema, child)
}

func (db *DB) throughJoin(ctx context.Context, schema, parent, child, through string) (builder.Join, error) {
	parentFKs, err := db.ForeignKeysBetween(ctx, schema, through, parent)
	if err != nil {
		return builder.Join{}, err
	}
	childFKs, err := db.ForeignKeysBetween(ctx, schema, through, child)
	if err != nil {
		return builder.Join{}, err
	}

	join := builder.Join{Through: &builder.Through{Table: through}}
	for _, fk := range parentFKs {
		if fk.ReferencingTable == through && fk.ReferencedTable == parent {
			join.ParentColumns = fk.ReferencedColumns
			join.Through.ParentColumns = fk.ReferencingColumns
			break
		}
	}
	for _, fk := range childFKs {
		if fk.ReferencingTable == through && fk.ReferencedTable == child {
			join.ChildColumns = fk.ReferencedColumns
			join.Through.ChildColumns = fk.ReferencingColumns
			break
		}
	}
	if len(join.ParentColumns) == 0 || len(join.ChildColumns) == 0 {
		return builder.Join{}, Error.New("junction table %s.%s does not reference both %s and %s",
			schema, through, parent, child)
	}
	return join, nil
}
