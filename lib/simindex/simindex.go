// Copyright 2026 The Shardkeep Authors
// SPDX-License-Identifier: Apache-2.0

// Package simindex implements the in-memory similarity index: three
// parallel mappings from a 64-bit super-feature to a share
// fingerprint, one per super-feature slot. Entries are never
// persisted and never invalidated; a stale hit costs the caller a
// wasted base fetch, nothing more, because every delta decision
// re-verifies the base against the KV store.
package simindex

import (
	"sync"

	"github.com/shardkeep/shardkeep/lib/chunker"
	"github.com/shardkeep/shardkeep/lib/fingerprint"
)

// Index maps super-features to the fingerprint of the share they were
// derived from. Safe for concurrent use; writes are last-writer-wins
// per slot.
type Index struct {
	mu   [chunker.SuperFeatureCount]sync.RWMutex
	maps [chunker.SuperFeatureCount]map[uint64]fingerprint.FP
}

// New creates an empty similarity index.
func New() *Index {
	idx := &Index{}
	for i := range idx.maps {
		idx.maps[i] = make(map[uint64]fingerprint.FP)
	}
	return idx
}

// Lookup queries the sf1, sf2, sf3 maps in order and returns the
// first hit. The returned fingerprint may be stale — the caller must
// re-verify it against the share index before use.
func (idx *Index) Lookup(features [chunker.SuperFeatureCount]uint64) (fingerprint.FP, bool) {
	for i := range idx.maps {
		idx.mu[i].RLock()
		fp, ok := idx.maps[i][features[i]]
		idx.mu[i].RUnlock()
		if ok {
			return fp, true
		}
	}
	return fingerprint.FP{}, false
}

// Insert unconditionally writes all three slot entries for fp,
// overwriting any previous fingerprint stored under the same feature.
func (idx *Index) Insert(features [chunker.SuperFeatureCount]uint64, fp fingerprint.FP) {
	for i := range idx.maps {
		idx.mu[i].Lock()
		idx.maps[i][features[i]] = fp
		idx.mu[i].Unlock()
	}
}
