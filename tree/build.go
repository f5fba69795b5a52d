// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package tree

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Document is a single sync descriptor from the configuration file.
// Database defaults to Index when omitted.
type Document struct {
	Database string          `json:"database"`
	Index    string          `json:"index"`
	Nodes    json.RawMessage `json:"nodes"`
	Plugins  []string        `json:"plugins"`
}

// DatabaseName returns the source database, defaulting to the index.
func (d *Document) DatabaseName() string {
	if d.Database != "" {
		return d.Database
	}
	return d.Index
}

// LoadSchema reads a configuration file holding an array of sync
// descriptors.
func LoadSchema(path string) ([]Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ConfigError.Wrap(err)
	}
	var documents []Document
	if err := json.Unmarshal(data, &documents); err != nil {
		return nil, ConfigError.New("malformed config %q: %v", path, err)
	}
	if len(documents) == 0 {
		return nil, ConfigError.New("no sync descriptors in %q", path)
	}
	for i := range documents {
		if documents[i].Index == "" {
			return nil, ConfigError.New("descriptor %d in %q has no index", i, path)
		}
	}
	return documents, nil
}

// node attributes accepted by the v2 schema.
var nodeAttributes = map[string]bool{
	"table":        true,
	"label":        true,
	"schema":       true,
	"columns":      true,
	"primary_key":  true,
	"children":     true,
	"relationship": true,
	"transform":    true,
}

var relationshipAttributes = map[string]bool{
	"variant":        true,
	"type":           true,
	"through_tables": true,
}

const defaultSchema = "public"

// Build validates the descriptor's node document and produces the
// schema tree. Known schema names may be passed to validate the
// per-node schema attribute; nil skips that check.
func Build(doc Document, knownSchemas []string) (*Tree, error) {
	raw := bytes.TrimSpace(doc.Nodes)
	if len(raw) == 0 {
		return nil, SchemaError.New("no nodes defined for index %q", doc.Index)
	}
	// the legacy (pre-v2) shape declared nodes as a list
	if raw[0] == '[' {
		return nil, SchemaError.New("Incompatible schema. Please run v2 schema migration")
	}

	var root map[string]interface{}
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, SchemaError.New("malformed nodes for index %q: %v", doc.Index, err)
	}

	tree := &Tree{}
	if err := tree.add(root, -1, knownSchemas, nil); err != nil {
		return nil, err
	}
	return tree, nil
}

// add validates one node document and appends it, then recurses into
// its children. ancestors guards against join cycles.
func (t *Tree) add(raw map[string]interface{}, parent int, knownSchemas []string, ancestors []string) error {
	for key := range raw {
		if !nodeAttributes[key] {
			return SchemaError.New("Unknown node attribute(s): %q", key)
		}
	}

	table, _ := raw["table"].(string)
	if table == "" {
		return SchemaError.New("Table not specified in node")
	}

	node := Node{
		Table:  table,
		Schema: defaultSchema,
		Parent: parent,
	}
	if schema, ok := raw["schema"].(string); ok && schema != "" {
		node.Schema = schema
	}
	if knownSchemas != nil && !contains(knownSchemas, node.Schema) {
		return SchemaError.New("Unknown schema name(s): %q", node.Schema)
	}
	if label, ok := raw["label"].(string); ok {
		node.Label = label
	}
	var err error
	if node.Columns, err = stringList(raw["columns"], "columns"); err != nil {
		return err
	}
	if node.PrimaryKey, err = stringList(raw["primary_key"], "primary_key"); err != nil {
		return err
	}
	if node.Relationship, err = parseRelationship(raw["relationship"]); err != nil {
		return err
	}
	if node.Transform, err = parseTransform(raw["transform"]); err != nil {
		return err
	}

	qualified := node.Schema + "." + node.Table
	if contains(ancestors, qualified) {
		return SchemaError.New("cycle detected at %q", qualified)
	}

	index := len(t.Nodes)
	t.Nodes = append(t.Nodes, node)
	if parent >= 0 {
		t.Nodes[parent].Children = append(t.Nodes[parent].Children, index)
	}

	children, ok := raw["children"].([]interface{})
	if !ok && raw["children"] != nil {
		return SchemaError.New("children of %q must be a list", table)
	}
	for _, child := range children {
		childDoc, ok := child.(map[string]interface{})
		if !ok {
			return SchemaError.New("Incompatible schema. Please run v2 schema migration")
		}
		if err := t.add(childDoc, index, knownSchemas, append(ancestors, qualified)); err != nil {
			return err
		}
	}
	return nil
}

func parseRelationship(raw interface{}) (Relationship, error) {
	rel := Relationship{Variant: VariantObject, Type: OneToOne}
	if raw == nil {
		return rel, nil
	}
	doc, ok := raw.(map[string]interface{})
	if !ok {
		return rel, SchemaError.New("relationship must be an object")
	}
	for key := range doc {
		if !relationshipAttributes[key] {
			return rel, SchemaError.New("Relationship attribute %q is invalid", key)
		}
	}
	if variant, ok := doc["variant"].(string); ok {
		if variant != VariantObject && variant != VariantScalar {
			return rel, SchemaError.New("Relationship variant %q is invalid", variant)
		}
		rel.Variant = variant
	}
	if typ, ok := doc["type"].(string); ok {
		if typ != OneToOne && typ != OneToMany {
			return rel, SchemaError.New("Relationship type %q is invalid", typ)
		}
		rel.Type = typ
	}
	var err error
	if rel.ThroughTables, err = stringList(doc["through_tables"], "through_tables"); err != nil {
		return rel, err
	}
	return rel, nil
}

func parseTransform(raw interface{}) (TransformSet, error) {
	var set TransformSet
	if raw == nil {
		return set, nil
	}
	doc, ok := raw.(map[string]interface{})
	if !ok {
		return set, SchemaError.New("transform must be an object")
	}
	if rename, ok := doc[RenameTransform]; ok {
		m, ok := rename.(map[string]interface{})
		if !ok {
			return set, SchemaError.New("rename transform must be an object")
		}
		set.Rename = m
	}
	if concat, ok := doc[ConcatTransform]; ok {
		switch concat.(type) {
		case map[string]interface{}, []interface{}:
			set.Concat = concat
		default:
			return set, SchemaError.New("concat transform must be an object or a list")
		}
	}
	return set, nil
}

func stringList(raw interface{}, attribute string) ([]string, error) {
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, SchemaError.New("%s must be a list of strings", attribute)
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, SchemaError.New("%s must be a list of strings", attribute)
		}
		out = append(out, s)
	}
	return out, nil
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

// String renders the tree for debug display.
func (t *Tree) String() string {
	var b strings.Builder
	var walk func(i, depth int)
	walk = func(i, depth int) {
		node := &t.Nodes[i]
		fmt.Fprintf(&b, "%sNode: %s.%s\n", strings.Repeat("  ", depth), node.Schema, node.Table)
		for _, child := range node.Children {
			walk(child, depth+1)
		}
	}
	walk(0, 0)
	return b.String()
}

// Tables returns the distinct qualified table names in the tree,
// sorted, including configured through tables.
func (t *Tree) Tables() []string {
	seen := make(map[string]bool)
	for i := range t.Nodes {
		node := &t.Nodes[i]
		seen[node.Schema+"."+node.Table] = true
		for _, through := range node.Relationship.ThroughTables {
			seen[node.Schema+"."+through] = true
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
