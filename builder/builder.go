// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package builder materializes denormalized JSON documents: given a
// row event it determines which root documents are affected, re-queries
// the related tables through the schema tree and assembles one nested
// document per affected root.
package builder

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/pgsync/decode"
	"storj.io/pgsync/transform"
	"storj.io/pgsync/tree"
)

var (
	// Error wraps document materialization failures.
	Error = errs.Class("build")

	mon = monkit.Package()
)

// Document actions.
const (
	ActionIndex  = "index"
	ActionDelete = "delete"
)

// Document is one materialized output document.
type Document struct {
	ID     string
	Index  string
	Action string
	Source map[string]interface{}
}

// RowQuery describes a select against one table. An empty Columns
// requests all columns. Filter restricts by column membership; every
// filter column must match one of its values. OrderBy sorts ascending.
type RowQuery struct {
	Schema  string
	Table   string
	Columns []string
	Filter  map[string][]interface{}
	OrderBy []string
}

// Join describes how a child table attaches to its parent: equality
// between ParentColumns on the parent and ChildColumns on the child,
// optionally indirected through a junction table.
type Join struct {
	ParentColumns []string
	ChildColumns  []string
	Through       *Through
}

// Through is a junction table between parent and child.
type Through struct {
	Table         string
	ParentColumns []string
	ChildColumns  []string
}

// Source provides row and catalog access for materialization. pgdb
// implements it against the live database.
type Source interface {
	Rows(ctx context.Context, q RowQuery) ([]map[string]interface{}, error)
	PrimaryKeys(ctx context.Context, schema, table string) ([]string, error)
	Join(ctx context.Context, schema, parentTable, childTable string, through []string) (Join, error)
}

type edge struct{ parent, child int }

// Builder materializes documents for one sync descriptor.
type Builder struct {
	log   *zap.Logger
	index string
	tree  *tree.Tree
	src   Source

	mu    sync.Mutex
	joins map[edge]Join
	pks   map[int][]string
}

// New constructs a Builder over a schema tree.
func New(log *zap.Logger, index string, t *tree.Tree, src Source) *Builder {
	return &Builder{
		log:   log,
		index: index,
		tree:  t,
		src:   src,
		joins: make(map[edge]Join),
		pks:   make(map[int][]string),
	}
}

// Build materializes the documents affected by a row event. For
// INSERT/UPDATE the affected roots are rebuilt and emitted as index
// actions; DELETE of a root row emits a delete action; DELETE of a
// non-root emits the rebuilt parents. TRUNCATE produces no documents
// here; the coordinator owns that policy.
func (b *Builder) Build(ctx context.Context, event decode.RowEvent) (_ []Document, err error) {
	defer mon.Task()(&ctx)(&err)

	if event.Op == decode.Truncate {
		return nil, nil
	}

	tuple := event.New
	if event.Op == decode.Delete {
		tuple = event.Old
	}
	if tuple.IsZero() {
		return nil, Error.New("event for %s.%s has no tuple", event.Schema, event.Table)
	}

	var documents []Document
	seen := make(map[string]bool)
	for _, match := range b.matches(event.Schema, event.Table) {
		root := b.tree.Root()
		if match.node == 0 && !match.through {
			// change on the root table itself
			pks, err := b.primaryKeys(ctx, 0)
			if err != nil {
				return nil, err
			}
			id, ok := docID(tuple.Values, pks)
			if !ok {
				return nil, Error.New("event for root %s.%s misses primary key columns", root.Schema, root.Table)
			}
			if event.Op == decode.Delete {
				if !seen[id] {
					seen[id] = true
					documents = append(documents, Document{ID: id, Index: b.index, Action: ActionDelete})
				}
				continue
			}
			// an UPDATE that rewrites the primary key moves the document to a
			// new _id; the one stored under the old key has to go away
			if event.Op == decode.Update && !event.Old.IsZero() {
				if oldID, ok := docID(event.Old.Values, pks); ok && oldID != id && !seen[oldID] {
					seen[oldID] = true
					documents = append(documents, Document{ID: oldID, Index: b.index, Action: ActionDelete})
				}
			}
			rootFilter := make(map[string][]interface{}, len(pks))
			for _, pk := range pks {
				rootFilter[pk] = []interface{}{tuple.Values[pk]}
			}
			docs, err := b.buildRoots(ctx, rootFilter, seen)
			if err != nil {
				return nil, err
			}
			documents = append(documents, docs...)
			continue
		}

		rootFilter, err := b.affectedRoots(ctx, match, tuple)
		if err != nil {
			return nil, err
		}
		if len(rootFilter) == 0 {
			b.log.Debug("dropping event with no affected roots",
				zap.String("schema", event.Schema), zap.String("table", event.Table))
			continue
		}
		docs, err := b.buildRoots(ctx, rootFilter, seen)
		if err != nil {
			return nil, err
		}
		documents = append(documents, docs...)
	}
	return documents, nil
}

type match struct {
	node    int
	through bool
}

// matches finds the tree nodes a changed table maps to, either
// directly or as a configured through table.
func (b *Builder) matches(schema, table string) []match {
	var out []match
	for _, i := range b.tree.Find(schema, table) {
		out = append(out, match{node: i})
	}
	for i := range b.tree.Nodes {
		node := b.tree.Node(i)
		if node.Schema != schema {
			continue
		}
		for _, through := range node.Relationship.ThroughTables {
			if through == table {
				out = append(out, match{node: i, through: true})
			}
		}
	}
	return out
}

// affectedRoots walks parent links from the changed node and returns a
// filter on the root table's primary key columns selecting every
// affected root.
func (b *Builder) affectedRoots(ctx context.Context, m match, tuple decode.Tuple) (map[string][]interface{}, error) {
	node := b.tree.Node(m.node)
	root := b.tree.Root()
	var fragments []interface{}

	// current selects rows of the node the walk is at
	current := map[string][]interface{}{}

	if m.through {
		// the changed row lives on the junction table; its child-side
		// columns select the node's rows
		join, err := b.join(ctx, node.Parent, m.node)
		if err != nil {
			return nil, err
		}
		if join.Through == nil {
			return nil, Error.New("no through join for %s", node.Table)
		}
		for i, col := range join.Through.ChildColumns {
			value, ok := tuple.Values[col]
			if !ok {
				return nil, Error.New("through row misses column %q", col)
			}
			current[join.ChildColumns[i]] = []interface{}{value}
		}
	} else {
		pks, err := b.primaryKeys(ctx, m.node)
		if err != nil {
			return nil, err
		}
		for _, pk := range pks {
			value, ok := tuple.Values[pk]
			if !ok {
				return nil, Error.New("event for %s.%s misses primary key column %q", node.Schema, node.Table, pk)
			}
			current[pk] = []interface{}{value}
		}
	}

	for at := m.node; at != 0; {
		node := b.tree.Node(at)
		parent := node.Parent
		join, err := b.join(ctx, parent, at)
		if err != nil {
			return nil, err
		}

		childValues, err := b.columnValues(ctx, at, current, join.ChildColumns)
		if err != nil {
			return nil, err
		}
		if len(childValues) == 0 {
			return nil, nil
		}

		parentFilter := map[string][]interface{}{}
		if join.Through != nil {
			throughFilter := map[string][]interface{}{}
			for i, col := range join.Through.ChildColumns {
				throughFilter[col] = childValues[i]
			}
			throughRows, err := b.src.Rows(ctx, RowQuery{
				Schema:  node.Schema,
				Table:   join.Through.Table,
				Columns: join.Through.ParentColumns,
				Filter:  throughFilter,
			})
			if err != nil {
				return nil, Error.Wrap(err)
			}
			if len(throughRows) == 0 {
				return nil, nil
			}
			for i, col := range join.ParentColumns {
				parentFilter[col] = columnOf(throughRows, join.Through.ParentColumns[i])
			}
		} else {
			for i, col := range join.ParentColumns {
				parentFilter[col] = childValues[i]
			}
		}

		parentNode := b.tree.Node(parent)
		parentPKs, err := b.primaryKeys(ctx, parent)
		if err != nil {
			return nil, err
		}
		parentRows, err := b.src.Rows(ctx, RowQuery{
			Schema:  parentNode.Schema,
			Table:   parentNode.Table,
			Filter:  parentFilter,
			OrderBy: parentPKs,
		})
		if err != nil {
			return nil, Error.Wrap(err)
		}
		if len(parentRows) == 0 {
			return nil, nil
		}

		keyValues := map[string]interface{}{}
		current = map[string][]interface{}{}
		for _, pk := range parentPKs {
			values := columnOf(parentRows, pk)
			current[pk] = values
			keyValues[pk] = values
		}
		fragments = append(fragments, map[string]interface{}{
			parentNode.Table: keyValues,
		})
		at = parent
	}

	squashed := SquashKeys(fragments)
	keys, ok := squashed[root.Table]
	if !ok {
		return nil, nil
	}
	filter := make(map[string][]interface{}, len(keys))
	for column, values := range keys {
		filter[column] = values
	}
	return filter, nil
}

// columnValues resolves the values of the given columns for the rows
// the walk currently selects, re-querying the node when the columns
// are not already part of the selection.
func (b *Builder) columnValues(ctx context.Context, at int, current map[string][]interface{}, columns []string) ([][]interface{}, error) {
	out := make([][]interface{}, len(columns))
	missing := false
	for i, col := range columns {
		if values, ok := current[col]; ok {
			out[i] = values
		} else {
			missing = true
		}
	}
	if !missing {
		return out, nil
	}

	node := b.tree.Node(at)
	rows, err := b.src.Rows(ctx, RowQuery{
		Schema:  node.Schema,
		Table:   node.Table,
		Columns: columns,
		Filter:  current,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	for i, col := range columns {
		out[i] = columnOf(rows, col)
	}
	return out, nil
}

// buildRoots assembles one document per root row matching the filter.
func (b *Builder) buildRoots(ctx context.Context, rootFilter map[string][]interface{}, seen map[string]bool) (_ []Document, err error) {
	defer mon.Task()(&ctx)(&err)

	root := b.tree.Root()
	pks, err := b.primaryKeys(ctx, 0)
	if err != nil {
		return nil, err
	}

	rows, err := b.rowsFor(ctx, 0, rootFilter)
	if err != nil {
		return nil, err
	}

	var documents []Document
	for _, row := range rows {
		id, ok := docID(row, pks)
		if !ok {
			return nil, Error.New("root row of %s.%s misses primary key columns", root.Schema, root.Table)
		}
		if seen != nil {
			if seen[id] {
				continue
			}
			seen[id] = true
		}
		source, err := b.assemble(ctx, 0, row)
		if err != nil {
			return nil, err
		}
		documents = append(documents, Document{
			ID:     id,
			Index:  b.index,
			Action: ActionIndex,
			Source: source,
		})
	}
	return documents, nil
}

// rowsFor queries a node's rows with its configured columns plus
// whatever the joins and keys need, ordered by primary key.
func (b *Builder) rowsFor(ctx context.Context, at int, filter map[string][]interface{}) ([]map[string]interface{}, error) {
	node := b.tree.Node(at)
	pks, err := b.primaryKeys(ctx, at)
	if err != nil {
		return nil, err
	}
	rows, err := b.src.Rows(ctx, RowQuery{
		Schema:  node.Schema,
		Table:   node.Table,
		Filter:  filter,
		OrderBy: pks,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return rows, nil
}

// assemble produces the nested source object for one row of a node.
func (b *Builder) assemble(ctx context.Context, at int, row map[string]interface{}) (map[string]interface{}, error) {
	node := b.tree.Node(at)
	doc := project(row, node.Columns)

	for _, childIndex := range node.Children {
		child := b.tree.Node(childIndex)
		join, err := b.join(ctx, at, childIndex)
		if err != nil {
			return nil, err
		}

		childFilter := map[string][]interface{}{}
		if join.Through != nil {
			throughFilter := map[string][]interface{}{}
			for i, col := range join.Through.ParentColumns {
				throughFilter[col] = []interface{}{row[join.ParentColumns[i]]}
			}
			throughRows, err := b.src.Rows(ctx, RowQuery{
				Schema:  child.Schema,
				Table:   join.Through.Table,
				Columns: join.Through.ChildColumns,
				Filter:  throughFilter,
			})
			if err != nil {
				return nil, Error.Wrap(err)
			}
			if len(throughRows) == 0 {
				continue
			}
			for i, col := range join.ChildColumns {
				childFilter[col] = columnOf(throughRows, join.Through.ChildColumns[i])
			}
		} else {
			skip := false
			for i, col := range join.ChildColumns {
				value := row[join.ParentColumns[i]]
				if value == nil {
					skip = true
					break
				}
				childFilter[col] = []interface{}{value}
			}
			if skip {
				// a null join key means the optional child is absent
				continue
			}
		}

		childRows, err := b.rowsFor(ctx, childIndex, childFilter)
		if err != nil {
			return nil, err
		}
		if len(childRows) == 0 {
			continue
		}

		name := child.Name()
		if child.Relationship.Variant == tree.VariantScalar {
			column := firstColumn(child)
			values := make([]interface{}, 0, len(childRows))
			for _, childRow := range childRows {
				values = append(values, childRow[column])
			}
			doc[name] = transform.SortPrimitives(values)
			continue
		}

		childDocs := make([]interface{}, 0, len(childRows))
		for _, childRow := range childRows {
			childDoc, err := b.assemble(ctx, childIndex, childRow)
			if err != nil {
				return nil, err
			}
			childDocs = append(childDocs, childDoc)
		}
		if child.Relationship.Type == tree.OneToOne {
			doc[name] = childDocs[0]
		} else {
			doc[name] = childDocs
		}
	}
	return doc, nil
}

// ForEachRootBatch scans every root document in primary key order,
// invoking fn with batches of at most batchSize documents. Used by
// bootstrap.
func (b *Builder) ForEachRootBatch(ctx context.Context, batchSize int, fn func([]Document) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := b.rowsFor(ctx, 0, nil)
	if err != nil {
		return err
	}
	root := b.tree.Root()
	pks, err := b.primaryKeys(ctx, 0)
	if err != nil {
		return err
	}

	batch := make([]Document, 0, batchSize)
	for _, row := range rows {
		id, ok := docID(row, pks)
		if !ok {
			return Error.New("root row of %s.%s misses primary key columns", root.Schema, root.Table)
		}
		source, err := b.assemble(ctx, 0, row)
		if err != nil {
			return err
		}
		batch = append(batch, Document{ID: id, Index: b.index, Action: ActionIndex, Source: source})
		if len(batch) >= batchSize {
			if err := fn(batch); err != nil {
				return err
			}
			batch = make([]Document, 0, batchSize)
		}
	}
	if len(batch) > 0 {
		return fn(batch)
	}
	return nil
}

func (b *Builder) primaryKeys(ctx context.Context, at int) ([]string, error) {
	node := b.tree.Node(at)
	if len(node.PrimaryKey) > 0 {
		return node.PrimaryKey, nil
	}

	b.mu.Lock()
	cached, ok := b.pks[at]
	b.mu.Unlock()
	if ok {
		return cached, nil
	}

	pks, err := b.src.PrimaryKeys(ctx, node.Schema, node.Table)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if len(pks) == 0 {
		return nil, Error.New("no primary key for %s.%s", node.Schema, node.Table)
	}
	b.mu.Lock()
	b.pks[at] = pks
	b.mu.Unlock()
	return pks, nil
}

func (b *Builder) join(ctx context.Context, parent, child int) (Join, error) {
	key := edge{parent: parent, child: child}
	b.mu.Lock()
	cached, ok := b.joins[key]
	b.mu.Unlock()
	if ok {
		return cached, nil
	}

	parentNode, childNode := b.tree.Node(parent), b.tree.Node(child)
	join, err := b.src.Join(ctx, parentNode.Schema,
		parentNode.Table, childNode.Table, childNode.Relationship.ThroughTables)
	if err != nil {
		return Join{}, Error.Wrap(err)
	}
	b.mu.Lock()
	b.joins[key] = join
	b.mu.Unlock()
	return join, nil
}

// project copies the configured columns from a row; an empty column
// list keeps everything.
func project(row map[string]interface{}, columns []string) map[string]interface{} {
	if len(columns) == 0 {
		out := make(map[string]interface{}, len(row))
		for key, value := range row {
			out[key] = value
		}
		return out
	}
	out := make(map[string]interface{}, len(columns))
	for _, column := range columns {
		if value, ok := row[column]; ok {
			out[column] = value
		}
	}
	return out
}

func firstColumn(node *tree.Node) string {
	if len(node.Columns) > 0 {
		return node.Columns[0]
	}
	return ""
}

func columnOf(rows []map[string]interface{}, column string) []interface{} {
	out := make([]interface{}, 0, len(rows))
	for _, row := range rows {
		out = append(out, row[column])
	}
	return out
}

// docID derives the document id from the primary key values via a
// stable serialization: values joined with "|".
func docID(row map[string]interface{}, pks []string) (string, bool) {
	parts := make([]string, 0, len(pks))
	for _, pk := range pks {
		value, ok := row[pk]
		if !ok {
			return "", false
		}
		parts = append(parts, stringifyKey(value))
	}
	if len(parts) == 0 {
		return "", false
	}
	out := parts[0]
	for _, part := range parts[1:] {
		out += "|" + part
	}
	return out, true
}

// DocID exposes the id derivation for callers that already hold the
// key values.
func DocID(values []interface{}) string {
	parts := make([]string, len(values))
	for i, value := range values {
		parts[i] = stringifyKey(value)
	}
	out := ""
	for i, part := range parts {
		if i > 0 {
			out += "|"
		}
		out += part
	}
	return out
}

func stringifyKey(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	}
	return fmt.Sprint(value)
}
