// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package decode parses PostgreSQL logical decoding output in the
// test_decoding text format into structured row events.
package decode

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	// Error is raised for unparseable logical decoding payloads.
	Error = errs.Class("decode")

	mon = monkit.Package()
)

// Operation is a row-level change kind reported by logical decoding.
type Operation string

// Operations reported by the test_decoding plugin.
const (
	Insert   Operation = "INSERT"
	Update   Operation = "UPDATE"
	Delete   Operation = "DELETE"
	Truncate Operation = "TRUNCATE"
)

// Tuple is an ordered set of column values. Columns preserves the order
// the columns appeared in the decoded payload; Values maps column name
// to a typed scalar (int64, float64, bool, string, decoded JSON) or nil
// for SQL NULL.
type Tuple struct {
	Columns []string
	Values  map[string]interface{}
}

// IsZero reports whether the tuple carries no columns.
func (t Tuple) IsZero() bool { return len(t.Columns) == 0 }

// Get returns the value of a column.
func (t Tuple) Get(column string) interface{} { return t.Values[column] }

// set appends a column, keeping the original order.
func (t *Tuple) set(column string, value interface{}) {
	if t.Values == nil {
		t.Values = make(map[string]interface{})
	}
	if _, ok := t.Values[column]; !ok {
		t.Columns = append(t.Columns, column)
	}
	t.Values[column] = value
}

// RowEvent is a single decoded row change.
type RowEvent struct {
	Schema string
	Table  string
	Op     Operation
	Old    Tuple
	New    Tuple
	XID    uint32
}

// IsControl reports whether a logical decoding line is a transaction
// control marker (BEGIN or COMMIT). Control lines delimit transaction
// boundaries but never produce row events.
func IsControl(line string) bool {
	line = strings.TrimSpace(line)
	return strings.HasPrefix(line, "BEGIN") || strings.HasPrefix(line, "COMMIT")
}

// ParseRow parses a single "table <schema>.<table>: <OP>: ..." line.
// The xid is attached to the returned event.
func ParseRow(line string, xid uint32) (RowEvent, error) {
	event := RowEvent{XID: xid}

	s := newScanner(strings.TrimSpace(line))
	if !s.literal("table ") {
		return event, Error.New("no match for row: %q", line)
	}

	schema, ok := s.identifier('.')
	if !ok {
		return event, Error.New("malformed schema in row: %q", line)
	}
	table, ok := s.identifier(':')
	if !ok {
		return event, Error.New("malformed table in row: %q", line)
	}
	event.Schema, event.Table = schema, table

	s.spaces()
	op, ok := s.until(':')
	if !ok {
		return event, Error.New("missing operation in row: %q", line)
	}
	switch Operation(op) {
	case Insert, Update, Delete, Truncate:
		event.Op = Operation(op)
	default:
		return event, Error.New("unknown operation %q in row: %q", op, line)
	}
	s.spaces()

	rest := s.rest()
	if event.Op == Truncate {
		return event, nil
	}

	// UPDATE emits "old-key: ... new-tuple: ..." when the replica
	// identity exposes the old tuple.
	if i := strings.Index(rest, "old-key:"); i >= 0 {
		j := strings.Index(rest, "new-tuple:")
		if j < 0 {
			return event, Error.New("old-key without new-tuple in row: %q", line)
		}
		old, err := parseTuple(rest[i+len("old-key:") : j])
		if err != nil {
			return event, Error.Wrap(err)
		}
		nw, err := parseTuple(rest[j+len("new-tuple:"):])
		if err != nil {
			return event, Error.Wrap(err)
		}
		event.Old, event.New = old, nw
		return event, nil
	}

	tuple, err := parseTuple(rest)
	if err != nil {
		return event, Error.Wrap(err)
	}
	switch event.Op {
	case Delete:
		event.Old = tuple
	default:
		event.New = tuple
	}
	return event, nil
}

// parseTuple parses a sequence of <col>[<type>]:<value> fields.
func parseTuple(text string) (Tuple, error) {
	var tuple Tuple
	s := newScanner(strings.TrimSpace(text))
	for !s.done() {
		s.spaces()
		if s.done() {
			break
		}
		column, ok := s.identifier('[')
		if !ok {
			return tuple, Error.New("malformed column name at %q", s.rest())
		}
		typ, ok := s.until(']')
		if !ok {
			return tuple, Error.New("unterminated type for column %q", column)
		}
		if !s.literal(":") {
			return tuple, Error.New("missing value for column %q", column)
		}
		raw, quoted, ok := s.value()
		if !ok {
			return tuple, Error.New("malformed value for column %q", column)
		}
		value, err := coerce(raw, quoted, typ)
		if err != nil {
			return tuple, err
		}
		tuple.set(column, value)
	}
	return tuple, nil
}

// coerce converts the textual value into a typed scalar based on the
// bracketed type. Unquoted null is SQL NULL, never an empty string.
func coerce(raw string, quoted bool, typ string) (interface{}, error) {
	if !quoted && raw == "null" {
		return nil, nil
	}
	switch {
	case typ == "integer" || typ == "smallint" || typ == "bigint":
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, Error.New("bad %s value %q: %v", typ, raw, err)
		}
		return n, nil
	case typ == "numeric" || typ == "real" || typ == "double precision":
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, Error.New("bad %s value %q: %v", typ, raw, err)
		}
		return f, nil
	case typ == "boolean":
		switch raw {
		case "true", "t":
			return true, nil
		case "false", "f":
			return false, nil
		}
		return nil, Error.New("bad boolean value %q", raw)
	case typ == "json" || typ == "jsonb":
		var value interface{}
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return nil, Error.New("bad %s value %q: %v", typ, raw, err)
		}
		return value, nil
	}
	return raw, nil
}

// scanner is a minimal cursor over a decoded line.
type scanner struct {
	text string
	pos  int
}

func newScanner(text string) *scanner { return &scanner{text: text} }

func (s *scanner) done() bool   { return s.pos >= len(s.text) }
func (s *scanner) rest() string { return s.text[s.pos:] }

func (s *scanner) spaces() {
	for !s.done() && s.text[s.pos] == ' ' {
		s.pos++
	}
}

func (s *scanner) literal(lit string) bool {
	if strings.HasPrefix(s.text[s.pos:], lit) {
		s.pos += len(lit)
		return true
	}
	return false
}

// until consumes text up to the delimiter, which is also consumed.
func (s *scanner) until(delim byte) (string, bool) {
	i := strings.IndexByte(s.text[s.pos:], delim)
	if i < 0 {
		return "", false
	}
	out := s.text[s.pos : s.pos+i]
	s.pos += i + 1
	return out, true
}

// identifier reads a possibly double-quoted identifier terminated by
// delim. Embedded quotes inside a quoted identifier are doubled.
func (s *scanner) identifier(delim byte) (string, bool) {
	if s.done() {
		return "", false
	}
	if s.text[s.pos] != '"' {
		return s.until(delim)
	}
	s.pos++
	var b strings.Builder
	for !s.done() {
		c := s.text[s.pos]
		if c == '"' {
			if s.pos+1 < len(s.text) && s.text[s.pos+1] == '"' {
				b.WriteByte('"')
				s.pos += 2
				continue
			}
			s.pos++
			if !s.done() && s.text[s.pos] == delim {
				s.pos++
				return b.String(), true
			}
			return "", false
		}
		b.WriteByte(c)
		s.pos++
	}
	return "", false
}

// value reads a single value token: either a single-quoted string with
// doubled embedded quotes, or a bare token up to the next space.
func (s *scanner) value() (raw string, quoted bool, ok bool) {
	if s.done() {
		return "", false, false
	}
	if s.text[s.pos] != '\'' {
		i := strings.IndexByte(s.text[s.pos:], ' ')
		if i < 0 {
			raw, s.pos = s.text[s.pos:], len(s.text)
			return raw, false, true
		}
		raw = s.text[s.pos : s.pos+i]
		s.pos += i
		return raw, false, true
	}
	s.pos++
	var b strings.Builder
	for !s.done() {
		c := s.text[s.pos]
		if c == '\'' {
			if s.pos+1 < len(s.text) && s.text[s.pos+1] == '\'' {
				b.WriteByte('\'')
				s.pos += 2
				continue
			}
			s.pos++
			return b.String(), true, true
		}
		b.WriteByte(c)
		s.pos++
	}
	return "", true, false
}
