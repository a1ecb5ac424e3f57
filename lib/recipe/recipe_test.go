// Copyright 2026 The Shardkeep Authors
// SPDX-License-Identifier: Apache-2.0

package recipe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shardkeep/shardkeep/lib/fingerprint"
	"github.com/shardkeep/shardkeep/lib/kerr"
	"github.com/shardkeep/shardkeep/lib/wire"
)

type countingFlusher struct {
	flushes int
}

func (f *countingFlusher) BatchFlush() error {
	f.flushes++
	return nil
}

func testKey(name string, userID int32) fingerprint.Key {
	return fingerprint.NewKey(fingerprint.Recipe, fingerprint.RecipeFingerprint(name, userID))
}

func openTestStore(t *testing.T, flusher Flusher) *Store {
	t.Helper()
	store, err := Open(Config{Dir: t.TempDir(), Flusher: flusher})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return store
}

func fillEntries(entries []Entry, startSecret int32, shareSize int32) {
	for i := range entries {
		secretID := startSecret + int32(i)
		entries[i] = Entry{
			ShareFP:    fingerprint.Of([]byte{byte(secretID)}),
			SecretID:   secretID,
			SecretSize: 16,
			ShareSize:  shareSize,
		}
	}
}

func TestSingleFragmentRecipe(t *testing.T) {
	flusher := &countingFlusher{}
	store := openTestStore(t, flusher)
	key := testKey("/a.bin", 1)

	meta := wire.FileShareMetaHead{FileSize: 32, NumOfComingSecrets: 2}
	entries, err := store.Put(1, key, meta, 2)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Put returned %d entry slots, want 2", len(entries))
	}
	fillEntries(entries, 0, 4096)

	if err := store.Finish(1, key, 2); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if flusher.flushes != 1 {
		t.Fatalf("flushes = %d, want 1 after completed recipe", flusher.flushes)
	}

	data, err := store.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	head, parsed, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if head.UserID != 1 || head.FileSize != 32 || head.NumOfShares != 2 {
		t.Fatalf("head = %+v", head)
	}
	if parsed[0].SecretID != 0 || parsed[1].SecretID != 1 {
		t.Fatalf("entries out of order: %+v", parsed)
	}
}

func TestMultiFragmentRecipe(t *testing.T) {
	flusher := &countingFlusher{}
	store := openTestStore(t, flusher)
	key := testKey("/big.bin", 4)

	first := wire.FileShareMetaHead{FileSize: 100, NumOfPastSecrets: 0, NumOfComingSecrets: 2}
	entries, err := store.Put(4, key, first, 5)
	if err != nil {
		t.Fatalf("Put first fragment: %v", err)
	}
	fillEntries(entries, 0, 1024)
	if err := store.Finish(4, key, 2); err != nil {
		t.Fatalf("Finish first fragment: %v", err)
	}
	if flusher.flushes != 0 {
		t.Fatalf("premature flush before recipe completion")
	}

	second := wire.FileShareMetaHead{FileSize: 100, NumOfPastSecrets: 2, NumOfComingSecrets: 3}
	entries, err = store.Put(4, key, second, 5)
	if err != nil {
		t.Fatalf("Put second fragment: %v", err)
	}
	fillEntries(entries, 2, 1024)
	if err := store.Finish(4, key, 3); err != nil {
		t.Fatalf("Finish second fragment: %v", err)
	}

	data, err := store.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	head, parsed, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if head.NumOfShares != 5 || len(parsed) != 5 {
		t.Fatalf("numOfShares = %d, entries = %d, want 5", head.NumOfShares, len(parsed))
	}
	for i, entry := range parsed {
		if entry.SecretID != int32(i) {
			t.Fatalf("entry %d has secretID %d", i, entry.SecretID)
		}
	}
}

func TestContinuedFragmentWithoutBufferFails(t *testing.T) {
	store := openTestStore(t, nil)
	key := testKey("/missing.bin", 2)

	meta := wire.FileShareMetaHead{NumOfPastSecrets: 3, NumOfComingSecrets: 1}
	if _, err := store.Put(2, key, meta, 4); !kerr.Is(err, kerr.Integrity) {
		t.Fatalf("Put(continued, no buffer) = %v, want Integrity", err)
	}
}

func TestFinishWithoutBufferFails(t *testing.T) {
	store := openTestStore(t, nil)
	key := testKey("/missing.bin", 2)
	if err := store.Finish(2, key, 1); !kerr.Is(err, kerr.Integrity) {
		t.Fatalf("Finish(no buffer) = %v, want Integrity", err)
	}
}

func TestUserIDMismatchFails(t *testing.T) {
	store := openTestStore(t, nil)
	key := testKey("/owned.bin", 7)

	first := wire.FileShareMetaHead{NumOfComingSecrets: 1}
	if _, err := store.Put(7, key, first, 2); err != nil {
		t.Fatalf("Put: %v", err)
	}

	second := wire.FileShareMetaHead{NumOfPastSecrets: 1, NumOfComingSecrets: 1}
	if _, err := store.Put(8, key, second, 2); !kerr.Is(err, kerr.Integrity) {
		t.Fatalf("Put(wrong user) did not fail with Integrity")
	}
}

func TestGetUnknownRecipeIsNotFound(t *testing.T) {
	store := openTestStore(t, nil)
	if _, err := store.Get(testKey("/nope.bin", 1)); !kerr.Is(err, kerr.NotFound) {
		t.Fatalf("Get(unknown) = %v, want NotFound", err)
	}
}

func TestGetReadsFromDiskAfterCacheEviction(t *testing.T) {
	store, err := Open(Config{Dir: t.TempDir(), CacheCapacity: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	keyA := testKey("/a.bin", 1)
	keyB := testKey("/b.bin", 1)
	for _, key := range []fingerprint.Key{keyA, keyB} {
		entries, err := store.Put(1, key, wire.FileShareMetaHead{FileSize: 16, NumOfComingSecrets: 1}, 1)
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		fillEntries(entries, 0, 512)
		if err := store.Finish(1, key, 1); err != nil {
			t.Fatalf("Finish: %v", err)
		}
	}

	// keyA was evicted by keyB (capacity 1); this Get must hit disk.
	data, err := store.Get(keyA)
	if err != nil {
		t.Fatalf("Get after eviction: %v", err)
	}
	head, _, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if head.NumOfShares != 1 {
		t.Fatalf("head = %+v", head)
	}
}

func TestRecipeFileNameIsHexFingerprint(t *testing.T) {
	store := openTestStore(t, nil)
	key := testKey("/named.bin", 3)

	entries, err := store.Put(3, key, wire.FileShareMetaHead{NumOfComingSecrets: 1}, 1)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	fillEntries(entries, 0, 512)
	if err := store.Finish(3, key, 1); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	want := key.Fingerprint().String() + ".rf"
	if _, err := os.Stat(filepath.Join(store.dir, want)); err != nil {
		t.Fatalf("recipe file %s not found: %v", want, err)
	}
}
