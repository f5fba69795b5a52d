// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package builder

import (
	"storj.io/pgsync/transform"
)

// SquashKeys collapses an arbitrarily nested collection of
// {table: {column: values}} fragments into a single map keyed by table
// and column, with duplicate values removed and each value list in
// deterministic sorted order. Fragments may be nested inside lists or
// maps at any depth; scalar values and one-element lists are treated
// alike.
func SquashKeys(value interface{}) map[string]map[string][]interface{} {
	out := make(map[string]map[string][]interface{})
	squashInto(out, value)

	for _, columns := range out {
		for column, values := range columns {
			columns[column] = transform.SortPrimitives(dedupe(values))
		}
	}
	return out
}

func squashInto(out map[string]map[string][]interface{}, value interface{}) {
	switch v := value.(type) {
	case []interface{}:
		for _, item := range v {
			squashInto(out, item)
		}
	case map[string]interface{}:
		for table, inner := range v {
			columns, ok := inner.(map[string]interface{})
			if !ok {
				// not a fragment, keep descending
				squashInto(out, inner)
				continue
			}
			for column, values := range columns {
				if _, ok := out[table]; !ok {
					out[table] = make(map[string][]interface{})
				}
				switch values := values.(type) {
				case []interface{}:
					out[table][column] = append(out[table][column], values...)
				default:
					out[table][column] = append(out[table][column], values)
				}
			}
		}
	}
}

func dedupe(values []interface{}) []interface{} {
	seen := make(map[interface{}]bool, len(values))
	out := values[:0]
	for _, value := range values {
		switch value.(type) {
		case string, int64, int, float64, bool, nil:
			if seen[value] {
				continue
			}
			seen[value] = true
		}
		out = append(out, value)
	}
	return out
}
