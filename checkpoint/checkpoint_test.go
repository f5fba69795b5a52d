// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package checkpoint_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storj.io/pgsync/checkpoint"
)

func TestStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.db")

	store, err := checkpoint.Open(path)
	require.NoError(t, err)

	_, ok, err := store.Load("testdb_testdb")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Save("testdb_testdb", 1234))
	txid, ok, err := store.Load("testdb_testdb")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(1234), txid)

	require.NoError(t, store.Save("testdb_testdb", 1300))
	txid, _, err = store.Load("testdb_testdb")
	require.NoError(t, err)
	assert.Equal(t, uint64(1300), txid)

	require.NoError(t, store.Close())

	// survives reopen
	store, err = checkpoint.Open(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()

	txid, ok, err = store.Load("testdb_testdb")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(1300), txid)

	require.NoError(t, store.Delete("testdb_testdb"))
	_, ok, err = store.Load("testdb_testdb")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreIsolatesNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.db")

	store, err := checkpoint.Open(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()

	require.NoError(t, store.Save("db1_index1", 10))
	require.NoError(t, store.Save("db2_index2", 20))

	txid, ok, err := store.Load("db1_index1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(10), txid)

	txid, ok, err = store.Load("db2_index2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(20), txid)
}
