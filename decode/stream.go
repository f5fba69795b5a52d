// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package decode

import (
	"strconv"
	"strings"
)

// Decoder groups decoded row events by committed transaction. BEGIN
// opens a transaction, COMMIT flushes its buffered events. Rows seen
// outside an open transaction are emitted immediately with the xid the
// replication slot reported for them. An unterminated transaction is
// held back until its COMMIT arrives.
type Decoder struct {
	open    bool
	xid     uint32
	pending []RowEvent
}

// Feed consumes one logical decoding line. It returns the row events
// made visible by this line, which is usually empty until a COMMIT.
func (d *Decoder) Feed(line string, xid uint32) ([]RowEvent, error) {
	line = strings.TrimSpace(line)
	if IsControl(line) {
		if strings.HasPrefix(line, "BEGIN") {
			d.open = true
			d.xid = controlXID(line, xid)
			return nil, nil
		}
		events := d.pending
		d.pending = nil
		d.open = false
		return events, nil
	}

	rowXID := xid
	if d.open {
		rowXID = d.xid
	}
	event, err := ParseRow(line, rowXID)
	if err != nil {
		return nil, err
	}
	if d.open {
		d.pending = append(d.pending, event)
		return nil, nil
	}
	return []RowEvent{event}, nil
}

// Pending reports how many events are buffered in an open transaction.
func (d *Decoder) Pending() int { return len(d.pending) }

// controlXID extracts the xid from a "BEGIN <xid>" marker, falling back
// to the slot-reported xid when the marker carries none.
func controlXID(line string, fallback uint32) uint32 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return fallback
	}
	n, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return fallback
	}
	return uint32(n)
}
