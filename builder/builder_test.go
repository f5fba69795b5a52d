// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package builder_test

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/pgsync/builder"
	"storj.io/pgsync/decode"
	"storj.io/pgsync/tree"
)

// fakeSource is an in-memory Source over literal row fixtures.
type fakeSource struct {
	tables map[string][]map[string]interface{}
	pks    map[string][]string
	joins  map[string]builder.Join
}

func (f *fakeSource) Rows(ctx context.Context, q builder.RowQuery) ([]map[string]interface{}, error) {
	var out []map[string]interface{}
	for _, row := range f.tables[q.Table] {
		match := true
		for column, values := range q.Filter {
			found := false
			for _, value := range values {
				if row[column] == value {
					found = true
					break
				}
			}
			if !found {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		copied := make(map[string]interface{}, len(row))
		if len(q.Columns) > 0 {
			for _, column := range q.Columns {
				copied[column] = row[column]
			}
		} else {
			for key, value := range row {
				copied[key] = value
			}
		}
		out = append(out, copied)
	}
	sort.SliceStable(out, func(i, j int) bool {
		for _, column := range q.OrderBy {
			a, b := fmt.Sprint(out[i][column]), fmt.Sprint(out[j][column])
			if a != b {
				return a < b
			}
		}
		return false
	})
	return out, nil
}

func (f *fakeSource) PrimaryKeys(ctx context.Context, schema, table string) ([]string, error) {
	return f.pks[table], nil
}

func (f *fakeSource) Join(ctx context.Context, schema, parent, child string, through []string) (builder.Join, error) {
	join, ok := f.joins[parent+"/"+child]
	if !ok {
		return builder.Join{}, fmt.Errorf("no join fixture for %s/%s", parent, child)
	}
	return join, nil
}

func bookTree() *tree.Tree {
	return &tree.Tree{Nodes: []tree.Node{
		{
			Schema: "public", Table: "book",
			Parent: -1, Children: []int{1, 2, 3},
		},
		{
			Schema: "public", Table: "publisher",
			Relationship: tree.Relationship{Variant: tree.VariantObject, Type: tree.OneToOne},
			Parent:       0,
		},
		{
			Schema: "public", Table: "author", Label: "authors",
			Relationship: tree.Relationship{
				Variant: tree.VariantObject, Type: tree.OneToMany,
				ThroughTables: []string{"book_author"},
			},
			Parent: 0,
		},
		{
			Schema: "public", Table: "tag", Label: "tags",
			Columns: []string{"name"},
			Relationship: tree.Relationship{
				Variant: tree.VariantScalar, Type: tree.OneToMany,
			},
			Parent: 0,
		},
	}}
}

func bookSource() *fakeSource {
	return &fakeSource{
		tables: map[string][]map[string]interface{}{
			"book": {
				{"isbn": "001", "title": "a", "publisher_id": int64(1)},
				{"isbn": "002", "title": "b", "publisher_id": int64(1)},
				{"isbn": "003", "title": "c", "publisher_id": int64(2)},
			},
			"publisher": {
				{"id": int64(1), "name": "acme"},
				{"id": int64(2), "name": "zen"},
				{"id": int64(3), "name": "orphan"},
			},
			"author": {
				{"id": int64(1), "name": "jane"},
				{"id": int64(2), "name": "john"},
			},
			"book_author": {
				{"book_isbn": "001", "author_id": int64(1)},
				{"book_isbn": "001", "author_id": int64(2)},
				{"book_isbn": "003", "author_id": int64(1)},
			},
			"tag": {
				{"id": int64(1), "book_isbn": "001", "name": "scifi"},
				{"id": int64(2), "book_isbn": "001", "name": "classic"},
			},
		},
		pks: map[string][]string{
			"book":      {"isbn"},
			"publisher": {"id"},
			"author":    {"id"},
			"tag":       {"id"},
		},
		joins: map[string]builder.Join{
			"book/publisher": {
				ParentColumns: []string{"publisher_id"},
				ChildColumns:  []string{"id"},
			},
			"book/author": {
				ParentColumns: []string{"isbn"},
				ChildColumns:  []string{"id"},
				Through: &builder.Through{
					Table:         "book_author",
					ParentColumns: []string{"book_isbn"},
					ChildColumns:  []string{"author_id"},
				},
			},
			"book/tag": {
				ParentColumns: []string{"isbn"},
				ChildColumns:  []string{"book_isbn"},
			},
		},
	}
}

func newBuilder(t *testing.T) *builder.Builder {
	return builder.New(zaptest.NewLogger(t), "book", bookTree(), bookSource())
}

func TestBuildInsertRoot(t *testing.T) {
	ctx := context.Background()
	b := newBuilder(t)

	docs, err := b.Build(ctx, decode.RowEvent{
		Schema: "public", Table: "book", Op: decode.Insert,
		New: decode.Tuple{
			Columns: []string{"isbn", "title", "publisher_id"},
			Values: map[string]interface{}{
				"isbn": "001", "title": "a", "publisher_id": int64(1),
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)

	doc := docs[0]
	assert.Equal(t, "001", doc.ID)
	assert.Equal(t, "book", doc.Index)
	assert.Equal(t, builder.ActionIndex, doc.Action)

	assert.Equal(t, "a", doc.Source["title"])
	assert.Equal(t, map[string]interface{}{
		"id": int64(1), "name": "acme",
	}, doc.Source["publisher"])
	assert.Equal(t, []interface{}{
		map[string]interface{}{"id": int64(1), "name": "jane"},
		map[string]interface{}{"id": int64(2), "name": "john"},
	}, doc.Source["authors"])
	// scalar variant children flatten into a sorted list of values
	assert.Equal(t, []interface{}{"classic", "scifi"}, doc.Source["tags"])
}

func TestBuildChildUpdateRebuildsRoots(t *testing.T) {
	ctx := context.Background()
	b := newBuilder(t)

	docs, err := b.Build(ctx, decode.RowEvent{
		Schema: "public", Table: "publisher", Op: decode.Update,
		New: decode.Tuple{
			Columns: []string{"id", "name"},
			Values:  map[string]interface{}{"id": int64(1), "name": "acme"},
		},
	})
	require.NoError(t, err)
	require.Len(t, docs, 2)

	ids := []string{docs[0].ID, docs[1].ID}
	assert.Equal(t, []string{"001", "002"}, ids)
	for _, doc := range docs {
		assert.Equal(t, builder.ActionIndex, doc.Action)
		assert.Equal(t, map[string]interface{}{
			"id": int64(1), "name": "acme",
		}, doc.Source["publisher"])
	}
}

func TestBuildThroughTableChange(t *testing.T) {
	ctx := context.Background()
	b := newBuilder(t)

	docs, err := b.Build(ctx, decode.RowEvent{
		Schema: "public", Table: "book_author", Op: decode.Insert,
		New: decode.Tuple{
			Columns: []string{"book_isbn", "author_id"},
			Values:  map[string]interface{}{"book_isbn": "003", "author_id": int64(1)},
		},
	})
	require.NoError(t, err)

	var ids []string
	for _, doc := range docs {
		ids = append(ids, doc.ID)
	}
	assert.Contains(t, ids, "003")
	for _, doc := range docs {
		assert.Equal(t, builder.ActionIndex, doc.Action)
	}
}

func TestBuildRootDelete(t *testing.T) {
	ctx := context.Background()
	b := newBuilder(t)

	docs, err := b.Build(ctx, decode.RowEvent{
		Schema: "public", Table: "book", Op: decode.Delete,
		Old: decode.Tuple{
			Columns: []string{"isbn"},
			Values:  map[string]interface{}{"isbn": "002"},
		},
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, builder.ActionDelete, docs[0].Action)
	assert.Equal(t, "002", docs[0].ID)
	assert.Nil(t, docs[0].Source)
}

func TestBuildRootPrimaryKeyChange(t *testing.T) {
	ctx := context.Background()
	src := bookSource()
	// the row already carries its rewritten key
	src.tables["book"] = []map[string]interface{}{
		{"isbn": "999", "title": "a", "publisher_id": int64(1)},
		{"isbn": "002", "title": "b", "publisher_id": int64(1)},
	}
	b := builder.New(zaptest.NewLogger(t), "book", bookTree(), src)

	docs, err := b.Build(ctx, decode.RowEvent{
		Schema: "public", Table: "book", Op: decode.Update,
		Old: decode.Tuple{
			Columns: []string{"isbn"},
			Values:  map[string]interface{}{"isbn": "001"},
		},
		New: decode.Tuple{
			Columns: []string{"isbn", "title", "publisher_id"},
			Values: map[string]interface{}{
				"isbn": "999", "title": "a", "publisher_id": int64(1),
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, docs, 2)

	// the document filed under the old key is removed, not left behind
	assert.Equal(t, builder.ActionDelete, docs[0].Action)
	assert.Equal(t, "001", docs[0].ID)
	assert.Equal(t, builder.ActionIndex, docs[1].Action)
	assert.Equal(t, "999", docs[1].ID)
}

func TestBuildRootUpdateSameKey(t *testing.T) {
	ctx := context.Background()
	b := newBuilder(t)

	docs, err := b.Build(ctx, decode.RowEvent{
		Schema: "public", Table: "book", Op: decode.Update,
		Old: decode.Tuple{
			Columns: []string{"isbn"},
			Values:  map[string]interface{}{"isbn": "002"},
		},
		New: decode.Tuple{
			Columns: []string{"isbn", "title", "publisher_id"},
			Values: map[string]interface{}{
				"isbn": "002", "title": "b", "publisher_id": int64(1),
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, builder.ActionIndex, docs[0].Action)
	assert.Equal(t, "002", docs[0].ID)
}

func TestBuildDanglingChildDropped(t *testing.T) {
	ctx := context.Background()
	b := newBuilder(t)

	docs, err := b.Build(ctx, decode.RowEvent{
		Schema: "public", Table: "publisher", Op: decode.Update,
		New: decode.Tuple{
			Columns: []string{"id", "name"},
			Values:  map[string]interface{}{"id": int64(3), "name": "orphan"},
		},
	})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestBuildTruncateProducesNothing(t *testing.T) {
	ctx := context.Background()
	b := newBuilder(t)

	docs, err := b.Build(ctx, decode.RowEvent{
		Schema: "public", Table: "book", Op: decode.Truncate,
	})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestBuildUnknownTableIgnored(t *testing.T) {
	ctx := context.Background()
	b := newBuilder(t)

	docs, err := b.Build(ctx, decode.RowEvent{
		Schema: "public", Table: "unrelated", Op: decode.Insert,
		New: decode.Tuple{
			Columns: []string{"id"},
			Values:  map[string]interface{}{"id": int64(9)},
		},
	})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestForEachRootBatch(t *testing.T) {
	ctx := context.Background()
	b := newBuilder(t)

	var batches int
	var ids []string
	err := b.ForEachRootBatch(ctx, 2, func(docs []builder.Document) error {
		batches++
		for _, doc := range docs {
			ids = append(ids, doc.ID)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, batches)
	assert.Equal(t, []string{"001", "002", "003"}, ids)
}

func TestDocID(t *testing.T) {
	assert.Equal(t, "42", builder.DocID([]interface{}{int64(42)}))
	assert.Equal(t, "42|abc", builder.DocID([]interface{}{int64(42), "abc"}))
	assert.Equal(t, "1.5|true", builder.DocID([]interface{}{1.5, true}))
}

func TestSquashKeys(t *testing.T) {
	squashed := builder.SquashKeys([]interface{}{
		map[string]interface{}{
			"book": map[string]interface{}{"isbn": []interface{}{"002", "001"}},
		},
		[]interface{}{
			map[string]interface{}{
				"book":      map[string]interface{}{"isbn": []interface{}{"001", "003"}},
				"publisher": map[string]interface{}{"id": int64(1)},
			},
		},
	})
	assert.Equal(t, map[string]map[string][]interface{}{
		"book":      {"isbn": {"001", "002", "003"}},
		"publisher": {"id": {int64(1)}},
	}, squashed)
}
