// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package tree_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storj.io/pgsync/tree"
)

const bookNodes = `{
	"table": "book",
	"columns": ["isbn", "title", "description"],
	"children": [
		{
			"table": "publisher",
			"columns": ["name", "id"],
			"label": "publisher_label",
			"relationship": {"variant": "object", "type": "one_to_one"},
			"children": [],
			"transform": {}
		},
		{
			"table": "book_language",
			"columns": ["book_isbn", "language_id"],
			"label": "book_languages",
			"relationship": {"variant": "object", "type": "one_to_many"}
		},
		{
			"table": "author",
			"columns": ["id", "name"],
			"label": "authors",
			"relationship": {"type": "one_to_many", "variant": "object", "through_tables": ["book_author"]},
			"children": [
				{
					"table": "city",
					"columns": ["name", "id"],
					"label": "city_label",
					"relationship": {"variant": "object", "type": "one_to_one"},
					"children": [
						{
							"table": "country",
							"columns": ["name", "id"],
							"label": "country_label",
							"relationship": {"variant": "object", "type": "one_to_one"},
							"children": [
								{
									"table": "continent",
									"columns": ["name"],
									"label": "continent_label",
									"relationship": {"variant": "object", "type": "one_to_one"}
								}
							]
						}
					]
				}
			]
		},
		{
			"table": "language",
			"label": "languages",
			"columns": ["code"],
			"relationship": {"type": "one_to_many", "variant": "scalar", "through_tables": ["book_language"]}
		},
		{
			"table": "subject",
			"label": "subjects",
			"columns": ["name"],
			"relationship": {"type": "one_to_many", "variant": "scalar", "through_tables": ["book_subject"]}
		}
	]
}`

func buildBookTree(t *testing.T) *tree.Tree {
	doc := tree.Document{Index: "testdb", Nodes: json.RawMessage(bookNodes)}
	built, err := tree.Build(doc, []string{"public"})
	require.NoError(t, err)
	return built
}

func TestTraverseBreadthFirst(t *testing.T) {
	built := buildBookTree(t)

	var order []string
	err := built.TraverseBreadthFirst(func(i int, node *tree.Node) error {
		order = append(order, node.Table)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"book", "publisher", "book_language", "author",
		"language", "subject", "city", "country", "continent",
	}, order)
}

func TestTraversePostOrder(t *testing.T) {
	built := buildBookTree(t)

	var order []string
	err := built.TraversePostOrder(func(i int, node *tree.Node) error {
		order = append(order, node.Table)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"publisher", "book_language", "continent", "country",
		"city", "author", "language", "subject", "book",
	}, order)
}

func TestBuildLegacySchema(t *testing.T) {
	doc := tree.Document{Index: "testdb", Nodes: json.RawMessage(`["foo"]`)}
	_, err := tree.Build(doc, nil)
	require.Error(t, err)
	assert.True(t, tree.SchemaError.Has(err))
	assert.Contains(t, err.Error(), "Incompatible schema. Please run v2 schema migration")
}

func TestBuildValidation(t *testing.T) {
	for _, tt := range []struct {
		name  string
		nodes string
		want  string
	}{
		{
			"unknown schema",
			`{"table": "book", "schema": "bar"}`,
			"Unknown schema name(s)",
		},
		{
			"missing table",
			`{"children": [{"table": "publisher"}]}`,
			"Table not specified in node",
		},
		{
			"unknown attribute",
			`{"table": "book", "foo": "bar"}`,
			"Unknown node attribute(s)",
		},
		{
			"unknown child attribute",
			`{"table": "book", "children": [{"table": "publisher", "columns": ["name", "id"], "foo": "bar"}]}`,
			"Unknown node attribute(s)",
		},
		{
			"child missing table",
			`{"table": "book", "children": [{"columns": ["name", "id"]}]}`,
			"Table not specified in node",
		},
		{
			"bad relationship attribute",
			`{"table": "book", "children": [{"table": "publisher", "relationship": {"xxx": "object", "type": "one_to_one"}}]}`,
			"Relationship attribute",
		},
		{
			"cycle",
			`{"table": "book", "children": [{"table": "publisher", "children": [{"table": "book"}]}]}`,
			"cycle detected",
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			doc := tree.Document{Index: "testdb", Nodes: json.RawMessage(tt.nodes)}
			_, err := tree.Build(doc, []string{"public"})
			require.Error(t, err)
			assert.True(t, tree.SchemaError.Has(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	// json path selectors in columns are allowed
	doc := tree.Document{Index: "testdb", Nodes: json.RawMessage(`{"table": "book", "columns": ["tags->0"]}`)}
	_, err := tree.Build(doc, []string{"public"})
	require.NoError(t, err)
}

func TestNodeName(t *testing.T) {
	built := buildBookTree(t)
	root := built.Root()
	assert.Equal(t, "book", root.Name())
	publisher := built.Node(root.Children[0])
	assert.Equal(t, "publisher_label", publisher.Name())
}

func TestFind(t *testing.T) {
	built := buildBookTree(t)
	matches := built.Find("public", "author")
	require.Len(t, matches, 1)
	assert.Equal(t, "authors", built.Node(matches[0]).Name())
	assert.Empty(t, built.Find("public", "nope"))
	assert.Empty(t, built.Find("other", "author"))
}

func TestTables(t *testing.T) {
	built := buildBookTree(t)
	assert.Equal(t, []string{
		"public.author", "public.book", "public.book_author",
		"public.book_language", "public.book_subject", "public.city",
		"public.continent", "public.country", "public.language",
		"public.publisher", "public.subject",
	}, built.Tables())
}

func TestTransformSpec(t *testing.T) {
	nodes := `{
		"table": "book",
		"transform": {"rename": {"isbn": "book_isbn"}},
		"children": [
			{
				"table": "publisher",
				"label": "publisher_label",
				"transform": {
					"rename": {"id": "publisher_id", "name": "publisher_name"},
					"concat": {"columns": ["publisher_id", "publisher_name"], "destination": "new_field", "delimiter": "-"}
				}
			},
			{
				"table": "author",
				"label": "authors"
			}
		]
	}`
	doc := tree.Document{Index: "testdb", Nodes: json.RawMessage(nodes)}
	built, err := tree.Build(doc, nil)
	require.NoError(t, err)

	rename := built.TransformSpec(tree.RenameTransform)
	assert.Equal(t, map[string]interface{}{
		"isbn": "book_isbn",
		"publisher_label": map[string]interface{}{
			"id":   "publisher_id",
			"name": "publisher_name",
		},
	}, rename)

	concat := built.TransformSpec(tree.ConcatTransform)
	assert.Equal(t, map[string]interface{}{
		"publisher_label": map[string]interface{}{
			"columns":     []interface{}{"publisher_id", "publisher_name"},
			"destination": "new_field",
			"delimiter":   "-",
		},
	}, concat)

	// a tree without directives yields no spec
	plain, err := tree.Build(tree.Document{Index: "i", Nodes: json.RawMessage(`{"table": "book"}`)}, nil)
	require.NoError(t, err)
	assert.Nil(t, plain.TransformSpec(tree.RenameTransform))
	assert.Nil(t, plain.TransformSpec(tree.ConcatTransform))
}

func TestLoadSchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schema.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"database": "testdb", "index": "testidx", "nodes": {"table": "book"}}
	]`), 0644))

	documents, err := tree.LoadSchema(path)
	require.NoError(t, err)
	require.Len(t, documents, 1)
	assert.Equal(t, "testdb", documents[0].DatabaseName())
	assert.Equal(t, "testidx", documents[0].Index)

	_, err = tree.LoadSchema(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
	assert.True(t, tree.ConfigError.Has(err))

	require.NoError(t, os.WriteFile(path, []byte(`[{"database": "d"}]`), 0644))
	_, err = tree.LoadSchema(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no index")

	// database defaults to the index
	require.NoError(t, os.WriteFile(path, []byte(`[{"index": "testdb", "nodes": {"table": "book"}}]`), 0644))
	documents, err = tree.LoadSchema(path)
	require.NoError(t, err)
	assert.Equal(t, "testdb", documents[0].DatabaseName())
}
