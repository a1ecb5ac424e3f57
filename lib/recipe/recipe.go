// Copyright 2026 The Shardkeep Authors
// SPDX-License-Identifier: Apache-2.0

// Package recipe implements the per-file recipe store: unfinished
// recipe buffers held in memory while a file's fragments arrive,
// persisted as one flat ".rf" file once the declared share count is
// reached, with an LRU over recently persisted recipes.
package recipe

import (
	"encoding/binary"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/shardkeep/shardkeep/lib/fingerprint"
	"github.com/shardkeep/shardkeep/lib/kerr"
	"github.com/shardkeep/shardkeep/lib/wire"
)

// Head is the fixed head of a recipe value: the owning user, the
// original file size, and the number of share entries recorded so far.
// NumOfShares grows fragment by fragment until it reaches the declared
// total, at which point the recipe is persisted and becomes immutable.
type Head struct {
	UserID      int32
	FileSize    int64
	NumOfShares int32
}

// HeadSize is the encoded size of Head.
const HeadSize = 4 + 8 + 4

// Entry records one share of the original file, in upload order.
type Entry struct {
	ShareFP    fingerprint.FP
	SecretID   int32
	SecretSize int32
	ShareSize  int32
}

// EntrySize is the encoded size of Entry.
const EntrySize = fingerprint.Size + 4 + 4 + 4

// DefaultCacheCapacity bounds the persisted-recipe LRU.
const DefaultCacheCapacity = 8

// Flusher is the KV index's batch flush hook, invoked after every
// completed recipe to bound the loss window of pending index writes.
type Flusher interface {
	BatchFlush() error
}

// Config holds the parameters for opening a recipe store.
type Config struct {
	// Dir is the directory recipe files are persisted to. Shared with
	// the container directory by default.
	Dir string

	// CacheCapacity bounds the persisted-recipe LRU. Defaults to
	// DefaultCacheCapacity if zero.
	CacheCapacity int

	// Flusher, when non-nil, has BatchFlush invoked after each
	// completed recipe.
	Flusher Flusher

	Logger *slog.Logger
}

type unfinished struct {
	head        Head
	entries     []Entry
	totalShares int
}

// Store owns the unfinished-recipe map and the persisted-recipe LRU.
// Safe for concurrent use.
type Store struct {
	dir     string
	flusher Flusher
	logger  *slog.Logger

	mu         sync.Mutex
	unfinished map[fingerprint.Key]*unfinished

	cacheMu    sync.Mutex
	cache      map[fingerprint.Key][]byte
	cacheOrder []fingerprint.Key // front = least recently used
	cacheCap   int
}

// Open creates a recipe store persisting to cfg.Dir. The directory is
// created if missing.
func Open(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, kerr.New(kerr.Storage, "recipe: Dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, kerr.Wrap(kerr.Storage, err, "recipe: creating directory", kerr.F("dir", cfg.Dir))
	}
	capacity := cfg.CacheCapacity
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		dir:        cfg.Dir,
		flusher:    cfg.Flusher,
		logger:     logger,
		unfinished: make(map[fingerprint.Key]*unfinished),
		cache:      make(map[fingerprint.Key][]byte),
		cacheCap:   capacity,
	}, nil
}

// Put creates or extends the unfinished recipe buffer for key and
// returns a writable view over the entry slots of this fragment.
//
// On the first fragment of a file (NumOfPastSecrets == 0) a fresh
// buffer sized for totalShares entries is allocated; on subsequent
// fragments the view starts at entry index NumOfPastSecrets. Extending
// a recipe that has no in-memory buffer, or whose recorded userID or
// share total disagrees with the caller's, is an Integrity error.
func (s *Store) Put(userID int32, key fingerprint.Key, meta wire.FileShareMetaHead, totalShares int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if meta.NumOfPastSecrets == 0 {
		u := &unfinished{
			head:        Head{UserID: userID, FileSize: meta.FileSize},
			entries:     make([]Entry, totalShares),
			totalShares: totalShares,
		}
		s.unfinished[key] = u
		return u.entries[:meta.NumOfComingSecrets], nil
	}

	u, ok := s.unfinished[key]
	if !ok {
		return nil, kerr.New(kerr.Integrity, "recipe: no unfinished buffer for continued fragment",
			kerr.F("userID", userID), kerr.F("recipeFP", key.Fingerprint().String()))
	}
	if u.head.UserID != userID || u.totalShares != totalShares {
		return nil, kerr.New(kerr.Integrity, "recipe: fragment disagrees with unfinished buffer",
			kerr.F("userID", userID), kerr.F("bufferUserID", u.head.UserID),
			kerr.F("totalShares", totalShares), kerr.F("bufferTotalShares", u.totalShares))
	}
	past := int(meta.NumOfPastSecrets)
	coming := int(meta.NumOfComingSecrets)
	if past+coming > len(u.entries) {
		return nil, kerr.New(kerr.Integrity, "recipe: fragment exceeds declared share total",
			kerr.F("past", past), kerr.F("coming", coming), kerr.F("total", len(u.entries)))
	}
	return u.entries[past : past+coming], nil
}

// Finish records that the caller has populated the fragment's entry
// slots: the head's share count is advanced by numOfComingSecrets, and
// once it reaches the declared total the recipe is persisted,
// inserted into the LRU, dropped from the unfinished map, and the KV
// batch is flushed. Finishing a recipe with no unfinished buffer is an
// Integrity error.
func (s *Store) Finish(userID int32, key fingerprint.Key, numOfComingSecrets int32) error {
	s.mu.Lock()
	u, ok := s.unfinished[key]
	if !ok {
		s.mu.Unlock()
		return kerr.New(kerr.Integrity, "recipe: finish without unfinished buffer",
			kerr.F("userID", userID), kerr.F("recipeFP", key.Fingerprint().String()))
	}
	u.head.NumOfShares += numOfComingSecrets

	if int(u.head.NumOfShares) != u.totalShares {
		s.mu.Unlock()
		return nil
	}

	encoded := encode(u.head, u.entries)
	delete(s.unfinished, key)
	s.mu.Unlock()

	if err := s.persist(key, encoded); err != nil {
		return err
	}
	s.cacheInsert(key, encoded)
	s.logger.Info("recipe persisted",
		"recipeFP", key.Fingerprint().String(),
		"numOfShares", u.head.NumOfShares,
		"fileSize", u.head.FileSize)

	if s.flusher != nil {
		if err := s.flusher.BatchFlush(); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the persisted recipe bytes for key, from the LRU if
// present, else from disk (inserting into the LRU). A recipe that was
// never persisted is a NotFound error.
func (s *Store) Get(key fingerprint.Key) ([]byte, error) {
	s.cacheMu.Lock()
	if cached, ok := s.cache[key]; ok {
		s.cacheTouch(key)
		s.cacheMu.Unlock()
		return cached, nil
	}
	s.cacheMu.Unlock()

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, kerr.New(kerr.NotFound, "recipe: no recipe file",
				kerr.F("recipeFP", key.Fingerprint().String()))
		}
		return nil, kerr.Wrap(kerr.Storage, err, "recipe: reading recipe file",
			kerr.F("recipeFP", key.Fingerprint().String()))
	}
	s.cacheInsert(key, data)
	return data, nil
}

// Parse decodes a persisted recipe into its head and entries. A
// buffer whose length disagrees with the share count its head declares
// is an Integrity error.
func Parse(buf []byte) (Head, []Entry, error) {
	var head Head
	if len(buf) < HeadSize {
		return head, nil, kerr.New(kerr.Integrity, "recipe value shorter than head",
			kerr.F("size", len(buf)))
	}
	head.UserID = int32(binary.LittleEndian.Uint32(buf[0:4]))
	head.FileSize = int64(binary.LittleEndian.Uint64(buf[4:12]))
	head.NumOfShares = int32(binary.LittleEndian.Uint32(buf[12:16]))

	if head.NumOfShares < 0 || len(buf) != HeadSize+EntrySize*int(head.NumOfShares) {
		return head, nil, kerr.New(kerr.Integrity, "recipe value size disagrees with head",
			kerr.F("size", len(buf)), kerr.F("numOfShares", head.NumOfShares))
	}

	entries := make([]Entry, head.NumOfShares)
	offset := HeadSize
	for i := range entries {
		copy(entries[i].ShareFP[:], buf[offset:offset+fingerprint.Size])
		entries[i].SecretID = int32(binary.LittleEndian.Uint32(buf[offset+fingerprint.Size:]))
		entries[i].SecretSize = int32(binary.LittleEndian.Uint32(buf[offset+fingerprint.Size+4:]))
		entries[i].ShareSize = int32(binary.LittleEndian.Uint32(buf[offset+fingerprint.Size+8:]))
		offset += EntrySize
	}
	return head, entries, nil
}

func encode(head Head, entries []Entry) []byte {
	buf := make([]byte, HeadSize+EntrySize*len(entries))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(head.UserID))
	binary.LittleEndian.PutUint64(buf[4:12], uint64(head.FileSize))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(head.NumOfShares))

	offset := HeadSize
	for _, entry := range entries {
		copy(buf[offset:], entry.ShareFP[:])
		binary.LittleEndian.PutUint32(buf[offset+fingerprint.Size:], uint32(entry.SecretID))
		binary.LittleEndian.PutUint32(buf[offset+fingerprint.Size+4:], uint32(entry.SecretSize))
		binary.LittleEndian.PutUint32(buf[offset+fingerprint.Size+8:], uint32(entry.ShareSize))
		offset += EntrySize
	}
	return buf
}

// path returns the on-disk recipe file path: hex(recipeFP) + ".rf".
func (s *Store) path(key fingerprint.Key) string {
	return filepath.Join(s.dir, key.Fingerprint().String()+".rf")
}

// persist writes the recipe file atomically: temp file in the same
// directory, then rename over the final name. Re-persisting an
// existing recipe is a truncate-and-rewrite by construction.
func (s *Store) persist(key fingerprint.Key, data []byte) error {
	path := s.path(key)
	tmp, err := os.CreateTemp(s.dir, ".rf-*")
	if err != nil {
		return kerr.Wrap(kerr.Storage, err, "recipe: creating temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return kerr.Wrap(kerr.Storage, err, "recipe: writing temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return kerr.Wrap(kerr.Storage, err, "recipe: closing temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return kerr.Wrap(kerr.Storage, err, "recipe: renaming recipe file", kerr.F("path", path))
	}
	return nil
}

// cacheInsert adds data under key, evicting the least recently used
// entry beyond capacity. Callers must not hold cacheMu.
func (s *Store) cacheInsert(key fingerprint.Key, data []byte) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if _, ok := s.cache[key]; ok {
		s.cache[key] = data
		s.cacheTouch(key)
		return
	}
	s.cache[key] = data
	s.cacheOrder = append(s.cacheOrder, key)
	for len(s.cacheOrder) > s.cacheCap {
		oldest := s.cacheOrder[0]
		s.cacheOrder = s.cacheOrder[1:]
		delete(s.cache, oldest)
	}
}

// cacheTouch moves key to the most-recently-used end. Callers must
// hold cacheMu.
func (s *Store) cacheTouch(key fingerprint.Key) {
	for i, k := range s.cacheOrder {
		if k == key {
			s.cacheOrder = append(append(s.cacheOrder[:i:i], s.cacheOrder[i+1:]...), key)
			return
		}
	}
}
