// Copyright 2026 The Shardkeep Authors
// SPDX-License-Identifier: Apache-2.0

package simindex

import (
	"sync"
	"testing"

	"github.com/shardkeep/shardkeep/lib/chunker"
	"github.com/shardkeep/shardkeep/lib/fingerprint"
)

func TestLookupMissOnEmptyIndex(t *testing.T) {
	idx := New()
	if _, ok := idx.Lookup([chunker.SuperFeatureCount]uint64{1, 2, 3}); ok {
		t.Fatalf("Lookup on empty index returned a hit")
	}
}

func TestInsertThenLookup(t *testing.T) {
	idx := New()
	fp := fingerprint.Of([]byte("share"))
	features := [chunker.SuperFeatureCount]uint64{10, 20, 30}

	idx.Insert(features, fp)

	got, ok := idx.Lookup(features)
	if !ok || got != fp {
		t.Fatalf("Lookup = (%v, %v), want (%v, true)", got, ok, fp)
	}
}

func TestLookupMatchesAnySlot(t *testing.T) {
	idx := New()
	fp := fingerprint.Of([]byte("share"))
	idx.Insert([chunker.SuperFeatureCount]uint64{10, 20, 30}, fp)

	// A query sharing only the third super-feature still hits.
	got, ok := idx.Lookup([chunker.SuperFeatureCount]uint64{99, 98, 30})
	if !ok || got != fp {
		t.Fatalf("Lookup on sf3-only overlap = (%v, %v), want hit", got, ok)
	}
}

func TestLastWriterWins(t *testing.T) {
	idx := New()
	first := fingerprint.Of([]byte("first"))
	second := fingerprint.Of([]byte("second"))
	features := [chunker.SuperFeatureCount]uint64{1, 2, 3}

	idx.Insert(features, first)
	idx.Insert(features, second)

	got, ok := idx.Lookup(features)
	if !ok || got != second {
		t.Fatalf("Lookup = (%v, %v), want the second writer's fingerprint", got, ok)
	}
}

func TestConcurrentInsertAndLookup(t *testing.T) {
	idx := New()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				features := [chunker.SuperFeatureCount]uint64{uint64(i), uint64(i + 1), uint64(i + 2)}
				if g%2 == 0 {
					idx.Insert(features, fingerprint.Of([]byte{byte(i)}))
				} else {
					idx.Lookup(features)
				}
			}
		}(g)
	}
	wg.Wait()
}
