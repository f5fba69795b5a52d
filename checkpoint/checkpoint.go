// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package checkpoint persists the per-sync transaction id watermark
// across restarts.
package checkpoint

import (
	"encoding/binary"
	"time"

	"github.com/boltdb/bolt"
	"github.com/zeebo/errs"
)

// Error wraps checkpoint store failures.
var Error = errs.Class("checkpoint")

var bucketName = []byte("checkpoints")

// Store is a single-file durable map from sync name to transaction id.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the checkpoint file.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		return nil, errs.Combine(Error.Wrap(err), db.Close())
	}
	return &Store{db: db}, nil
}

// Close releases the file.
func (s *Store) Close() error { return Error.Wrap(s.db.Close()) }

// Load returns the stored transaction id for a sync name. The second
// return value reports whether a checkpoint exists.
func (s *Store) Load(name string) (txid uint64, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(bucketName).Get([]byte(name))
		if value == nil {
			return nil
		}
		if len(value) != 8 {
			return Error.New("corrupt checkpoint for %q", name)
		}
		txid, ok = binary.BigEndian.Uint64(value), true
		return nil
	})
	return txid, ok, Error.Wrap(err)
}

// Save writes the transaction id for a sync name.
func (s *Store) Save(name string, txid uint64) error {
	var value [8]byte
	binary.BigEndian.PutUint64(value[:], txid)
	return Error.Wrap(s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(name), value[:])
	}))
}

// Delete removes the checkpoint for a sync name.
func (s *Store) Delete(name string) error {
	return Error.Wrap(s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(name))
	}))
}
