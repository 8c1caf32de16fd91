// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package boltstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pylonhq/pylon-agent/pkg/store"
	"github.com/pylonhq/pylon-agent/pkg/util/log"
)

// versionsFileName is the msgpack side-file holding each blob's version.
const versionsFileName = "versions.msgpack"

// BAOBDatabase is the durable blob store: one file per key in a dedicated
// directory, versions in a msgpack side-file.
type BAOBDatabase struct {
	mu       sync.Mutex
	dir      string
	versions map[string]int
}

// OpenBAOBs creates or opens the blob directory.
func OpenBAOBs(dir string) (*BAOBDatabase, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("unable to create BAOB dir: %w", err)
	}
	b := &BAOBDatabase{dir: dir, versions: map[string]int{}}
	raw, err := os.ReadFile(filepath.Join(dir, versionsFileName))
	if err == nil {
		if uerr := msgpack.Unmarshal(raw, &b.versions); uerr != nil {
			log.Errorf("BAOB version file damaged, starting empty: %v", uerr)
			b.versions = map[string]int{}
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("unable to read BAOB versions: %w", err)
	}
	return b, nil
}

// key names map straight to file names; reject anything that could escape
// the directory.
func validKey(key string) bool {
	return key != "" && key != versionsFileName &&
		!strings.ContainsAny(key, `/\`) && key != "." && key != ".."
}

// Get implements store.BAOBDatabase.
func (b *BAOBDatabase) Get(key string) ([]byte, error) {
	if !validKey(key) {
		return nil, fmt.Errorf("invalid BAOB key %q", key)
	}
	data, err := os.ReadFile(filepath.Join(b.dir, key))
	if err != nil {
		return nil, fmt.Errorf("no BAOB %q: %w", key, err)
	}
	return data, nil
}

// GetVersion implements store.BAOBDatabase.
func (b *BAOBDatabase) GetVersion(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.versions[key]
	if !ok {
		return store.VersionMissing
	}
	return v
}

// Keys implements store.BAOBDatabase.
func (b *BAOBDatabase) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.versions))
	for key := range b.versions {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// Digests implements store.BAOBDatabase.
func (b *BAOBDatabase) Digests() []store.BAOBDigest {
	keys := b.Keys()
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]store.BAOBDigest, 0, len(keys))
	for _, key := range keys {
		out = append(out, store.BAOBDigest{Key: key, Version: b.versions[key]})
	}
	return out
}

// Set implements store.BAOBDatabase.
func (b *BAOBDatabase) Set(key string, data []byte, version int) {
	if !validKey(key) {
		log.Errorf("refusing to store BAOB under invalid key %q", key)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := os.WriteFile(filepath.Join(b.dir, key), data, 0o600); err != nil {
		log.Errorf("unable to write BAOB %s: %v", key, err)
		return
	}
	b.versions[key] = version
	b.persistVersionsLocked()
}

// Delete implements store.BAOBDatabase.
func (b *BAOBDatabase) Delete(key string) {
	if !validKey(key) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.versions, key)
	if err := os.Remove(filepath.Join(b.dir, key)); err != nil && !os.IsNotExist(err) {
		log.Errorf("unable to remove BAOB %s: %v", key, err)
	}
	b.persistVersionsLocked()
}

// CheckConsistency implements store.BAOBDatabase: blob files without a
// version row and version rows without a blob file are both pruned.
func (b *BAOBDatabase) CheckConsistency() {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, err := os.ReadDir(b.dir)
	if err != nil {
		log.Errorf("unable to list BAOB dir: %v", err)
		return
	}
	onDisk := map[string]struct{}{}
	for _, e := range entries {
		name := e.Name()
		if name == versionsFileName || e.IsDir() {
			continue
		}
		onDisk[name] = struct{}{}
		if _, ok := b.versions[name]; !ok {
			log.Errorf("BAOB %s has no version on record, deleting", name)
			if rerr := os.Remove(filepath.Join(b.dir, name)); rerr != nil {
				log.Errorf("unable to remove orphaned BAOB %s: %v", name, rerr)
			}
		}
	}
	dirty := false
	for key := range b.versions {
		if _, ok := onDisk[key]; !ok {
			log.Errorf("BAOB %s has a version but no data, dropping the record", key)
			delete(b.versions, key)
			dirty = true
		}
	}
	if dirty {
		b.persistVersionsLocked()
	}
}

func (b *BAOBDatabase) persistVersionsLocked() {
	raw, err := msgpack.Marshal(b.versions)
	if err != nil {
		log.Errorf("unable to encode BAOB versions: %v", err)
		return
	}
	if err := os.WriteFile(filepath.Join(b.dir, versionsFileName), raw, 0o600); err != nil {
		log.Errorf("unable to persist BAOB versions: %v", err)
	}
}
