// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

// Package boltstore provides the durable store backends: one bbolt file
// shared by every store, a bucket per store, values msgpack-encoded. State
// is loaded wholesale at construction and written through on mutation, so
// Checkpoint calls have nothing left to flush.
//
// Blobs do not live in the DB file; they use a directory-of-files layout,
// see BAOBDatabase.
package boltstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

// DBFileName is the bbolt file created under the agent's data directory.
const DBFileName = "pylon.db"

var buckets = [][]byte{
	bucketSamples,
	bucketSampleMarks,
	bucketEvents,
	bucketEventCaches,
	bucketMacros,
	bucketMetadata,
	bucketWriteLog,
	bucketArchives,
}

var (
	bucketSamples     = []byte("samples")
	bucketSampleMarks = []byte("sample_marks")
	bucketEvents      = []byte("events")
	bucketEventCaches = []byte("event_caches")
	bucketMacros      = []byte("macros")
	bucketMetadata    = []byte("metadata")
	bucketWriteLog    = []byte("write_log")
	bucketArchives    = []byte("archives")
)

// DB is the shared handle to the agent's durable store file. The typed
// store constructors hang off it; Close closes the underlying file.
type DB struct {
	bolt *bolt.DB
}

// Open creates or opens pylon.db under dir, creating dir and every store
// bucket as needed.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("unable to create data dir: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dir, DBFileName), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to open store DB: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("unable to create %s bucket: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{bolt: db}, nil
}

// Close closes the store file.
func (d *DB) Close() error {
	return d.bolt.Close()
}

func (d *DB) put(bucket, key []byte, v interface{}) error {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("unable to encode %s/%s: %w", bucket, key, err)
	}
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, raw)
	})
}

func (d *DB) delete(bucket, key []byte) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete(key)
	})
}

func (d *DB) load(bucket, key []byte, v interface{}) (bool, error) {
	var raw []byte
	err := d.bolt.View(func(tx *bolt.Tx) error {
		if got := tx.Bucket(bucket).Get(key); got != nil {
			raw = append(raw, got...)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	if err := msgpack.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("unable to decode %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

func (d *DB) forEach(bucket []byte, f func(k, v []byte) error) error {
	return d.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(f)
	})
}
