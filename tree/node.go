// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package tree holds the in-memory representation of the user's nested
// join graph, with per-node transform directives. The tree is built
// from the JSON sync descriptor at startup and is immutable for the
// process lifetime.
package tree

import (
	"github.com/zeebo/errs"
)

var (
	// ConfigError is raised for malformed sync configuration files.
	ConfigError = errs.Class("config")

	// SchemaError is raised when a schema document is structurally
	// invalid or does not match the live database.
	SchemaError = errs.Class("schema")
)

// Relationship variants.
const (
	VariantObject = "object"
	VariantScalar = "scalar"
)

// Relationship types.
const (
	OneToOne  = "one_to_one"
	OneToMany = "one_to_many"
)

// Relationship describes how a child node attaches to its parent.
type Relationship struct {
	Variant       string
	Type          string
	ThroughTables []string
}

// TransformSet carries the declarative transform directives of a node.
// Rename maps old key names to new ones. Concat is either a single
// directive object or a list of them.
type TransformSet struct {
	Rename map[string]interface{}
	Concat interface{}
}

// Node is one table in the join graph. Children and Parent are indices
// into the owning Tree's node arena; the root's Parent is -1.
type Node struct {
	Schema       string
	Table        string
	Label        string
	Columns      []string
	PrimaryKey   []string
	Relationship Relationship
	Transform    TransformSet

	Parent   int
	Children []int
}

// Name returns the node's identity within its parent: the label when
// set, the table name otherwise.
func (n *Node) Name() string {
	if n.Label != "" {
		return n.Label
	}
	return n.Table
}

// Tree is an arena of nodes; index 0 is the root.
type Tree struct {
	Nodes []Node
}

// Root returns the root node.
func (t *Tree) Root() *Node { return &t.Nodes[0] }

// Node returns the node at index i.
func (t *Tree) Node(i int) *Node { return &t.Nodes[i] }

// Find returns the indices of all nodes matching (schema, table).
func (t *Tree) Find(schema, table string) []int {
	var out []int
	for i := range t.Nodes {
		if t.Nodes[i].Schema == schema && t.Nodes[i].Table == table {
			out = append(out, i)
		}
	}
	return out
}

// TraverseBreadthFirst visits nodes level by level, children in
// declaration order.
func (t *Tree) TraverseBreadthFirst(fn func(i int, node *Node) error) error {
	queue := []int{0}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		if err := fn(i, &t.Nodes[i]); err != nil {
			return err
		}
		queue = append(queue, t.Nodes[i].Children...)
	}
	return nil
}

// TraversePostOrder visits children before their parent.
func (t *Tree) TraversePostOrder(fn func(i int, node *Node) error) error {
	var walk func(i int) error
	walk = func(i int) error {
		for _, child := range t.Nodes[i].Children {
			if err := walk(child); err != nil {
				return err
			}
		}
		return fn(i, &t.Nodes[i])
	}
	return walk(0)
}

// Transform kinds recognized in node transform blocks. The replace
// transform is not implemented; its contract is undefined upstream.
const (
	RenameTransform = "rename"
	ConcatTransform = "concat"
)

// TransformSpec gathers the transform directives of the given kind
// across the tree, keyed at each level by child label-or-table. The
// root's own directives appear at the top level; children contributing
// no directives at any depth are elided. The result is nil when the
// tree carries no directives of that kind.
func (t *Tree) TransformSpec(kind string) interface{} {
	return t.transformSpec(0, kind)
}

func (t *Tree) transformSpec(i int, kind string) interface{} {
	node := &t.Nodes[i]

	var own interface{}
	switch kind {
	case RenameTransform:
		if len(node.Transform.Rename) > 0 {
			own = node.Transform.Rename
		}
	case ConcatTransform:
		own = node.Transform.Concat
	}

	children := make(map[string]interface{})
	for _, child := range node.Children {
		if sub := t.transformSpec(child, kind); sub != nil {
			children[t.Nodes[child].Name()] = sub
		}
	}

	if len(children) == 0 {
		return own
	}

	merged := make(map[string]interface{}, len(children)+1)
	if own, ok := own.(map[string]interface{}); ok {
		for key, value := range own {
			merged[key] = value
		}
	} else if own != nil {
		// a list-valued directive cannot also key child directives;
		// nest it under the node's own name
		merged[node.Name()] = own
	}
	for key, value := range children {
		merged[key] = value
	}
	return merged
}
