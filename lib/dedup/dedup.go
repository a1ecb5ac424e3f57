// Copyright 2026 The Shardkeep Authors
// SPDX-License-Identifier: Apache-2.0

// Package dedup implements the deduplication core: the two-stage
// upload pipeline (intra-user ownership probe, then inter-user
// store/duplicate/delta decision), recipe assembly, and the recursive
// restore path.
package dedup

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/shardkeep/shardkeep/lib/chunker"
	"github.com/shardkeep/shardkeep/lib/container"
	"github.com/shardkeep/shardkeep/lib/deltacodec"
	"github.com/shardkeep/shardkeep/lib/fingerprint"
	"github.com/shardkeep/shardkeep/lib/kerr"
	"github.com/shardkeep/shardkeep/lib/kvindex"
	"github.com/shardkeep/shardkeep/lib/recipe"
	"github.com/shardkeep/shardkeep/lib/shareindex"
	"github.com/shardkeep/shardkeep/lib/simindex"
	"github.com/shardkeep/shardkeep/lib/wire"
)

// DefaultMaxDeltaDepth bounds the delta chain length: a share whose
// candidate base is already at this depth is stored raw instead.
const DefaultMaxDeltaDepth = 1

// shardCount is the size of the per-fingerprint lock table that
// serializes read-modify-write cycles on share index values.
const shardCount = 64

// Config wires the core to its collaborators.
type Config struct {
	KV         *kvindex.Index
	Containers *container.Pool
	Recipes    *recipe.Store
	Similarity *simindex.Index

	// MaxDeltaDepth bounds delta chains. Defaults to
	// DefaultMaxDeltaDepth if zero.
	MaxDeltaDepth uint8

	// Mediator overrides per-share operation routing. Defaults to the
	// local core (single-node deployment).
	Mediator Mediator

	Logger *slog.Logger
}

// Stats counts second-stage outcomes. Read with atomic loads.
type Stats struct {
	UniqueShares    atomic.Int64
	DuplicateShares atomic.Int64
	DeltaCompressed atomic.Int64
}

// Core orchestrates the dedup pipeline over the KV index, the
// container pool, the recipe store, and the similarity index. Safe
// for concurrent use by multiple sessions.
type Core struct {
	kv            *kvindex.Index
	containers    *container.Pool
	recipes       *recipe.Store
	similarity    *simindex.Index
	maxDeltaDepth uint8
	mediator      Mediator
	logger        *slog.Logger

	// fpLocks serializes share index read-modify-write per
	// fingerprint shard, so concurrent uploads of the same share
	// never lose a user-reference append.
	fpLocks [shardCount]sync.Mutex

	stats Stats
}

// New creates a dedup core.
func New(cfg Config) *Core {
	depth := cfg.MaxDeltaDepth
	if depth == 0 {
		depth = DefaultMaxDeltaDepth
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	core := &Core{
		kv:            cfg.KV,
		containers:    cfg.Containers,
		recipes:       cfg.Recipes,
		similarity:    cfg.Similarity,
		maxDeltaDepth: depth,
		logger:        logger,
	}
	core.mediator = cfg.Mediator
	if core.mediator == nil {
		core.mediator = localMediator{core: core}
	}
	return core
}

// Stats returns the core's outcome counters.
func (c *Core) Stats() *Stats {
	return &c.stats
}

// FormatFullFileName normalizes a client-supplied file name: a
// leading '/' is required (added when absent), and names beginning
// with "./" or "../" are rejected.
func FormatFullFileName(fullFileName string) (string, error) {
	if fullFileName == "" {
		return "", kerr.New(kerr.Protocol, "empty full file name")
	}
	if fullFileName[0] == '/' {
		return fullFileName, nil
	}
	if strings.HasPrefix(fullFileName, "./") || strings.HasPrefix(fullFileName, "../") {
		return "", kerr.New(kerr.Protocol, "full file name begins with a relative prefix",
			kerr.F("fullFileName", fullFileName))
	}
	return "/" + fullFileName, nil
}

// FirstStageDedup performs the intra-user ownership probe for each
// coming share and writes one boolean per share into dupStatus:
// true iff this user already owns the share.
func (c *Core) FirstStageDedup(userID int32, shareMeta []byte, dupStatus []bool) error {
	head, _, entries, err := wire.ParseFileShareMeta(shareMeta)
	if err != nil {
		return err
	}
	if len(dupStatus) != int(head.NumOfComingSecrets) {
		return kerr.New(kerr.Protocol, "dup status length disagrees with coming share count",
			kerr.F("statusLen", len(dupStatus)), kerr.F("numOfComingSecrets", head.NumOfComingSecrets))
	}
	for i, entry := range entries {
		owned, err := c.mediator.IntraUserIndexUpdate(entry.ShareFP, userID)
		if err != nil {
			return err
		}
		dupStatus[i] = owned
	}
	return nil
}

// IntraUserIndexUpdate reports whether the share index for shareFP
// exists and lists userID among its owners.
func (c *Core) IntraUserIndexUpdate(shareFP fingerprint.FP, userID int32) (bool, error) {
	key := fingerprint.NewKey(fingerprint.ShareIndex, shareFP)
	raw, found, err := c.kv.Get(key.Bytes())
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	value, err := shareindex.Parse(raw)
	if err != nil {
		return false, err
	}
	return value.HasUser(userID), nil
}

// SecondStageDedup stores the non-duplicate shares of one upload
// fragment, records every share in the file's recipe, and finalizes
// the recipe when its declared share total is reached.
//
// The client omits payload bytes for shares flagged as duplicates in
// the first stage, so the shareData cursor advances only on
// non-duplicate entries. The total payload length must equal the sum
// of the non-duplicate share sizes; disagreement is a Protocol error.
func (c *Core) SecondStageDedup(userID int32, shareMeta, shareData []byte, dupStatus []bool, totalShares int) error {
	head, fullFileName, entries, err := wire.ParseFileShareMeta(shareMeta)
	if err != nil {
		return err
	}
	if len(dupStatus) != len(entries) {
		return kerr.New(kerr.Protocol, "dup status length disagrees with coming share count",
			kerr.F("statusLen", len(dupStatus)), kerr.F("entries", len(entries)))
	}

	var expected int64
	for i, entry := range entries {
		if entry.ShareSize < 0 {
			return kerr.New(kerr.Protocol, "negative share size",
				kerr.F("entry", i), kerr.F("shareSize", entry.ShareSize))
		}
		if !dupStatus[i] {
			expected += int64(entry.ShareSize)
		}
	}
	if expected != int64(len(shareData)) {
		return kerr.New(kerr.Protocol, "share data size disagrees with non-duplicate share sizes",
			kerr.F("dataSize", len(shareData)), kerr.F("expected", expected))
	}

	formatted, err := FormatFullFileName(fullFileName)
	if err != nil {
		return err
	}
	recipeKey := fingerprint.NewKey(fingerprint.Recipe, fingerprint.RecipeFingerprint(formatted, userID))

	slots, err := c.recipes.Put(userID, recipeKey, head, totalShares)
	if err != nil {
		return err
	}

	offset := 0
	for i, entry := range entries {
		if !dupStatus[i] {
			payload := shareData[offset : offset+int(entry.ShareSize)]
			if err := c.mediator.InterUserIndexUpdate(entry.ShareFP, userID, payload); err != nil {
				return err
			}
			offset += int(entry.ShareSize)
		}
		slots[i] = recipe.Entry{
			ShareFP:    entry.ShareFP,
			SecretID:   entry.SecretID,
			SecretSize: entry.SecretSize,
			ShareSize:  entry.ShareSize,
		}
	}

	return c.recipes.Finish(userID, recipeKey, head.NumOfComingSecrets)
}

// InterUserIndexUpdate stores one share on behalf of userID: appends a
// user reference when the share already exists, otherwise stores the
// payload either delta-compressed against a similar base or raw.
// The whole read-modify-write is serialized per fingerprint shard.
func (c *Core) InterUserIndexUpdate(shareFP fingerprint.FP, userID int32, shareData []byte) error {
	lock := &c.fpLocks[shareFP[0]%shardCount]
	lock.Lock()
	defer lock.Unlock()

	key := fingerprint.NewKey(fingerprint.ShareIndex, shareFP)
	raw, found, err := c.kv.Get(key.Bytes())
	if err != nil {
		return err
	}

	if found {
		// The share exists: add this user unless the fragment itself
		// contained the share twice (the first stage does not dedup
		// within one fragment).
		value, err := shareindex.Parse(raw)
		if err != nil {
			return err
		}
		if !value.HasUser(userID) {
			value.AddUser(userID)
			if err := c.kv.Put(key.Bytes(), value.Encode()); err != nil {
				return err
			}
		}
		c.stats.DuplicateShares.Add(1)
		return nil
	}

	features := chunker.SuperFeatures(shareData)

	stored, err := c.tryDeltaStore(key, shareFP, userID, shareData, features)
	if err != nil {
		return err
	}
	if stored {
		return nil
	}

	// Unique store: raw payload in the container pool, deltaDepth 0.
	name, offset, err := c.containers.Append(shareData)
	if err != nil {
		return err
	}
	value := shareindex.New(shareindex.Head{
		ShareSize:     int32(len(shareData)),
		DeltaDepth:    0,
		ContainerName: name,
		Offset:        uint64(offset),
	}, userID)
	if err := c.kv.Put(key.Bytes(), value.Encode()); err != nil {
		return err
	}
	c.similarity.Insert(features, shareFP)
	c.stats.UniqueShares.Add(1)
	c.logger.Debug("unique share stored",
		"shareFP", shareFP.String(), "size", len(shareData), "container", name.String())
	return nil
}

// tryDeltaStore attempts to store shareData as a delta against a
// similar base located through the similarity index. Returns true if
// the share was stored. Every failure short of a real error (stale
// similarity hit, base at the depth limit, encode refused) degrades
// to the unique-store path.
func (c *Core) tryDeltaStore(key fingerprint.Key, shareFP fingerprint.FP, userID int32, shareData []byte, features [chunker.SuperFeatureCount]uint64) (bool, error) {
	baseFP, ok := c.similarity.Lookup(features)
	if !ok {
		return false, nil
	}

	baseKey := fingerprint.NewKey(fingerprint.ShareIndex, baseFP)
	baseRaw, found, err := c.kv.Get(baseKey.Bytes())
	if err != nil {
		return false, err
	}
	if !found {
		// Stale similarity entry; tolerated by design.
		return false, nil
	}
	baseValue, err := shareindex.Parse(baseRaw)
	if err != nil {
		return false, err
	}
	if baseValue.Head.DeltaDepth >= c.maxDeltaDepth {
		return false, nil
	}

	base := make([]byte, baseValue.Head.ShareSize)
	if baseValue.Head.DeltaDepth == 0 {
		if err := c.containers.Read(baseValue.Head.ContainerName, int64(baseValue.Head.Offset), base); err != nil {
			return false, err
		}
	} else {
		if err := c.restoreDeltaShare(baseValue.Head, base); err != nil {
			return false, err
		}
	}

	delta, err := deltacodec.Encode(base, shareData)
	if err != nil {
		if kerr.Is(err, kerr.NoGain) {
			return false, nil
		}
		return false, err
	}

	name, offset, err := c.containers.Append(delta)
	if err != nil {
		return false, err
	}
	value := shareindex.New(shareindex.Head{
		ShareSize:     int32(len(shareData)),
		DeltaDepth:    baseValue.Head.DeltaDepth + 1,
		DeltaSize:     uint64(len(delta)),
		BaseFP:        baseFP,
		ContainerName: name,
		Offset:        uint64(offset),
	}, userID)
	if err := c.kv.Put(key.Bytes(), value.Encode()); err != nil {
		return false, err
	}
	c.similarity.Insert(features, shareFP)
	c.stats.DeltaCompressed.Add(1)
	c.logger.Debug("share delta compressed",
		"shareFP", shareFP.String(), "baseFP", baseFP.String(),
		"srcSize", len(shareData), "deltaSize", len(delta))
	return true, nil
}

// RestoreShareFile streams the restored share file identified by
// fullFileName into buf, invoking flush with the number of valid
// bytes whenever the buffer cannot hold the next share, and once more
// for the final partial buffer.
func (c *Core) RestoreShareFile(userID int32, fullFileName string, buf []byte, flush func(int) error) error {
	formatted, err := FormatFullFileName(fullFileName)
	if err != nil {
		return err
	}
	recipeKey := fingerprint.NewKey(fingerprint.Recipe, fingerprint.RecipeFingerprint(formatted, userID))

	recipeData, err := c.recipes.Get(recipeKey)
	if err != nil {
		return err
	}
	head, entries, err := recipe.Parse(recipeData)
	if err != nil {
		return err
	}

	cursor := 0
	wire.PutShareFileHead(buf, wire.ShareFileHead{
		FileSize:    head.FileSize,
		NumOfShares: head.NumOfShares,
	})
	cursor += wire.ShareFileHeadSize

	for _, entry := range entries {
		need := wire.ShareEntrySize + int(entry.ShareSize)
		if need > len(buf) {
			return kerr.New(kerr.Integrity, "share larger than restore buffer",
				kerr.F("shareSize", entry.ShareSize), kerr.F("bufferSize", len(buf)))
		}
		if cursor+need > len(buf) {
			if err := flush(cursor); err != nil {
				return err
			}
			cursor = 0
		}

		wire.PutShareEntry(buf[cursor:], wire.ShareEntry{
			SecretID:   entry.SecretID,
			SecretSize: entry.SecretSize,
			ShareSize:  entry.ShareSize,
		})
		cursor += wire.ShareEntrySize

		if err := c.mediator.RestoreShare(entry.ShareFP, buf[cursor:cursor+int(entry.ShareSize)]); err != nil {
			return err
		}
		cursor += int(entry.ShareSize)
	}

	if cursor > 0 {
		return flush(cursor)
	}
	return nil
}

// RestoreShare reconstructs the share identified by shareFP into out,
// decoding through the delta chain when the share is delta-stored.
func (c *Core) RestoreShare(shareFP fingerprint.FP, out []byte) error {
	key := fingerprint.NewKey(fingerprint.ShareIndex, shareFP)
	raw, found, err := c.kv.Get(key.Bytes())
	if err != nil {
		return err
	}
	if !found {
		return kerr.New(kerr.NotFound, "no share index during restore",
			kerr.F("shareFP", shareFP.String()))
	}
	value, err := shareindex.Parse(raw)
	if err != nil {
		return err
	}

	if value.Head.DeltaDepth > 0 {
		return c.restoreDeltaShare(value.Head, out)
	}

	if int(value.Head.ShareSize) != len(out) {
		return kerr.New(kerr.Integrity, "restore buffer size disagrees with share size",
			kerr.F("shareSize", value.Head.ShareSize), kerr.F("bufferSize", len(out)))
	}
	return c.containers.Read(value.Head.ContainerName, int64(value.Head.Offset), out)
}

// restoreDeltaShare reconstructs a delta-stored share into out by
// materializing its base (recursively if the base is itself a delta)
// and applying the stored delta. Termination is guaranteed because
// every base's deltaDepth is strictly smaller.
func (c *Core) restoreDeltaShare(head shareindex.Head, out []byte) error {
	baseKey := fingerprint.NewKey(fingerprint.ShareIndex, head.BaseFP)
	baseRaw, found, err := c.kv.Get(baseKey.Bytes())
	if err != nil {
		return err
	}
	if !found {
		return kerr.New(kerr.NotFound, "base share index missing",
			kerr.F("baseFP", head.BaseFP.String()))
	}
	baseValue, err := shareindex.Parse(baseRaw)
	if err != nil {
		return err
	}

	base := make([]byte, baseValue.Head.ShareSize)
	if baseValue.Head.DeltaDepth == 0 {
		if err := c.containers.Read(baseValue.Head.ContainerName, int64(baseValue.Head.Offset), base); err != nil {
			return err
		}
	} else {
		if err := c.restoreDeltaShare(baseValue.Head, base); err != nil {
			return err
		}
	}

	delta := make([]byte, head.DeltaSize)
	if err := c.containers.Read(head.ContainerName, int64(head.Offset), delta); err != nil {
		return err
	}

	decoded, err := deltacodec.Decode(base, delta, int(head.ShareSize))
	if err != nil {
		return err
	}
	if len(decoded) != len(out) {
		return kerr.New(kerr.Integrity, "decoded share size disagrees with restore buffer",
			kerr.F("decoded", len(decoded)), kerr.F("bufferSize", len(out)))
	}
	copy(out, decoded)
	return nil
}
