// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package transform applies declarative rename and concat field
// transforms to built documents. Transforms branch on the JSON value
// kind (object, array, scalar, null) and are deterministic: identical
// inputs yield identical outputs.
package transform

import (
	"sort"
	"strconv"
	"strings"

	"github.com/zeebo/errs"
)

// Error wraps transform failures.
var Error = errs.Class("transform")

// Apply runs the transform pipeline in fixed order: rename, then
// concat. The specs are the nested directive maps produced by
// tree.TransformSpec; nil specs are identities.
func Apply(data map[string]interface{}, rename, concat interface{}) map[string]interface{} {
	data = Rename(data, asMap(rename))
	data = Concat(data, concat)
	return data
}

// Rename maps keys to new names against a nested directive map, e.g.
//
//	"rename": {"id": "publisher_id", "name": "publisher_name"}
//
// A renamed key's value is not recursed into unless its subtree is
// explicitly provided. Lists of non-objects are sorted when their
// elements are mutually comparable; heterogeneous lists keep their
// original order.
func Rename(data map[string]interface{}, nodes map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(data))
	for key, value := range data {
		if renamed, ok := nodes[key].(string); ok {
			result[renamed] = value
			continue
		}

		switch v := value.(type) {
		case map[string]interface{}:
			if sub, ok := asMapKey(nodes, key); ok {
				value = Rename(v, sub)
			}

		case []interface{}:
			if len(v) > 0 && !isObject(v[0]) {
				value = SortPrimitives(v)
				break
			}
			if sub, ok := asMapKey(nodes, key); ok {
				out := make([]interface{}, len(v))
				for i, item := range v {
					if obj, ok := item.(map[string]interface{}); ok {
						out[i] = Rename(obj, sub)
					} else {
						out[i] = item
					}
				}
				value = out
			}

		default:
			// a scalar renames only when the directive is a truthy
			// string, which the first branch already consumed
		}
		result[key] = value
	}
	return result
}

// Concat evaluates concat directives of the form
//
//	{"columns": [...], "destination": "new_field", "delimiter": "-"}
//
// against the current level: each column name resolves to its value
// when present in the data, else to the literal column name; falsey
// values are filtered; the rest are joined with the delimiter into the
// destination key, overwriting. A directive level may be a single node
// or a list of nodes. Nested object and list values are recursed into
// when the directive keys them.
func Concat(data map[string]interface{}, nodes interface{}) map[string]interface{} {
	if data == nil || nodes == nil {
		return data
	}

	if list, ok := nodes.([]interface{}); ok {
		for _, node := range list {
			data = Concat(data, node)
		}
		return data
	}

	spec, ok := nodes.(map[string]interface{})
	if !ok {
		return data
	}

	if rawColumns, ok := spec["columns"]; ok {
		columns, _ := rawColumns.([]interface{})
		destination, _ := spec["destination"].(string)
		delimiter, _ := spec["delimiter"].(string)
		if destination != "" {
			var parts []string
			for _, rawColumn := range columns {
				column, ok := rawColumn.(string)
				if !ok {
					continue
				}
				value, ok := data[column]
				if !ok {
					value = column
				}
				if isFalsey(value) {
					continue
				}
				parts = append(parts, stringify(value))
			}
			data[destination] = strings.Join(parts, delimiter)
		}
	}

	for key, value := range data {
		sub, ok := spec[key]
		if !ok {
			continue
		}
		switch v := value.(type) {
		case map[string]interface{}:
			data[key] = Concat(v, sub)
		case []interface{}:
			for i, item := range v {
				if obj, ok := item.(map[string]interface{}); ok {
					v[i] = Concat(obj, sub)
				}
			}
		}
	}
	return data
}

// SortPrimitives returns a sorted copy of a primitive-valued list when
// its elements are mutually comparable; otherwise the input is returned
// unchanged. The sort is stable.
func SortPrimitives(list []interface{}) []interface{} {
	if allOf(list, isString) {
		out := append([]interface{}(nil), list...)
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].(string) < out[j].(string)
		})
		return out
	}
	if allOf(list, isNumber) {
		out := append([]interface{}(nil), list...)
		sort.SliceStable(out, func(i, j int) bool {
			return toFloat(out[i]) < toFloat(out[j])
		})
		return out
	}
	if allOf(list, isBool) {
		out := append([]interface{}(nil), list...)
		sort.SliceStable(out, func(i, j int) bool {
			return !out[i].(bool) && out[j].(bool)
		})
		return out
	}
	return list
}

func isObject(value interface{}) bool {
	_, ok := value.(map[string]interface{})
	return ok
}

func isString(value interface{}) bool {
	_, ok := value.(string)
	return ok
}

func isNumber(value interface{}) bool {
	switch value.(type) {
	case int, int64, float64:
		return true
	}
	return false
}

func isBool(value interface{}) bool {
	_, ok := value.(bool)
	return ok
}

func allOf(list []interface{}, pred func(interface{}) bool) bool {
	for _, item := range list {
		if !pred(item) {
			return false
		}
	}
	return len(list) > 0
}

func toFloat(value interface{}) float64 {
	switch v := value.(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	}
	return 0
}

// isFalsey mirrors the upstream filter: nil, empty string, zero and
// false are dropped from concatenation.
func isFalsey(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case bool:
		return !v
	case int:
		return v == 0
	case int64:
		return v == 0
	case float64:
		return v == 0
	}
	return false
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func asMap(value interface{}) map[string]interface{} {
	m, _ := value.(map[string]interface{})
	return m
}

func asMapKey(nodes map[string]interface{}, key string) (map[string]interface{}, bool) {
	if nodes == nil {
		return nil, false
	}
	sub, ok := nodes[key].(map[string]interface{})
	return sub, ok
}
