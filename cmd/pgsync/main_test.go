// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/zeebo/errs"

	"storj.io/pgsync/slot"
	"storj.io/pgsync/syncer"
	"storj.io/pgsync/tree"
)

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))

	assert.Equal(t, 1, exitCode(tree.ConfigError.New("bad schema file")))
	assert.Equal(t, 1, exitCode(tree.SchemaError.New("bad node")))
	assert.Equal(t, 1, exitCode(syncer.RDSError.New("rds.logical_replication is not enabled")))
	assert.Equal(t, 1, exitCode(slot.Error.New("wal_level")))

	assert.Equal(t, 2, exitCode(errs.New("boom")))

	// a replication failure that exhausted its retries stays a runtime
	// failure even though the cause is a slot error
	assert.Equal(t, 2, exitCode(syncer.FatalError.Wrap(slot.Error.New("peek failed"))))
}
