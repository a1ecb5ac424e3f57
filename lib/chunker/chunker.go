// Copyright 2026 The Shardkeep Authors
// SPDX-License-Identifier: Apache-2.0

// Package chunker implements the server-internal content-defined
// chunking used by the similarity index (super-feature derivation)
// and the delta codec's copy/insert match-finding. It is unrelated to
// the client-side chunking that produces shares in the first place —
// that chunker lives in the client and is never exercised here.
//
// Chunk boundaries are found with GearHash, a single-pass rolling
// hash: a boundary occurs when the low bits of a running hash match a
// fixed mask, giving an expected chunk size without a sliding window.
package chunker

import "github.com/zeebo/blake3"

// Chunking parameters, tuned for share-sized inputs (shares are
// typically a few KiB, much smaller than the multi-megabyte artifacts
// a general-purpose chunker targets). Changing these invalidates the
// super-feature groupings of any share produced under the old values,
// which is harmless — the similarity index only ever degrades to the
// unique-store path on a miss, it never returns incorrect data.
const (
	// TargetChunkSize is the expected average chunk size.
	TargetChunkSize = 256

	// MinChunkSize is the minimum chunk size; no boundary can occur
	// before this many bytes have accumulated in the current chunk.
	MinChunkSize = 64

	// MaxChunkSize is the maximum chunk size; a forced boundary
	// occurs here regardless of hash state.
	MaxChunkSize = 1024
)

// gearBoundaryMask selects the bits of the rolling hash that must be
// zero for a boundary. With 8 bits in play the expected chunk size is
// 2^8 = 256 bytes, matching TargetChunkSize.
const gearBoundaryMask uint64 = 0x00000000000000FF

// gearSkipBytes is the number of bytes skipped at the start of each
// chunk before boundary detection begins, since no boundary can occur
// before MinChunkSize.
const gearSkipBytes = MinChunkSize - 1

// Chunk is a contiguous byte range produced by the chunker, along
// with its chunk-domain hash.
type Chunk struct {
	// Data is a slice into the original input. Valid only until the
	// input buffer is modified.
	Data []byte
	// Hash is the chunk-domain BLAKE3 keyed hash of Data.
	Hash [32]byte
}

// Chunker splits an in-memory byte slice into content-defined chunks.
type Chunker struct {
	data     []byte
	position int
}

// New creates a chunker over data. The slice is not copied.
func New(data []byte) *Chunker {
	return &Chunker{data: data}
}

// Next returns the next chunk, or nil when input is exhausted.
func (c *Chunker) Next() *Chunk {
	if c.position >= len(c.data) {
		return nil
	}

	remaining := c.data[c.position:]
	end := findBoundary(remaining)

	chunk := &Chunk{
		Data: remaining[:end],
		Hash: HashChunk(remaining[:end]),
	}
	c.position += end
	return chunk
}

// All chunks the entire input in one call.
func All(data []byte) []Chunk {
	chunker := New(data)
	var chunks []Chunk
	for {
		chunk := chunker.Next()
		if chunk == nil {
			break
		}
		chunks = append(chunks, *chunk)
	}
	return chunks
}

// findBoundary scans data from the beginning and returns the offset
// of the first chunk boundary (the exclusive end of the chunk).
func findBoundary(data []byte) int {
	length := len(data)
	if length <= MaxChunkSize {
		return length
	}

	var hash uint64
	position := gearSkipBytes

	for position < MaxChunkSize && position < length {
		hash = (hash << 1) + gearTable[data[position]]
		position++

		if position >= MinChunkSize && (hash&gearBoundaryMask) == 0 {
			return position
		}
	}

	return MaxChunkSize
}

// chunkDomainKey separates this package's chunk hashes from any other
// BLAKE3 keyed domain in the process.
var chunkDomainKey = [32]byte{
	's', 'h', 'a', 'r', 'd', 'k', 'e', 'e', 'p', '.',
	'c', 'h', 'u', 'n', 'k', 'e', 'r', '.', 'c', 'h', 'u', 'n', 'k',
}

// HashChunk computes the chunk-domain BLAKE3 keyed hash of data.
func HashChunk(data []byte) [32]byte {
	hasher, err := blake3.NewKeyed(chunkDomainKey[:])
	if err != nil {
		panic("chunker: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// gearTable is the 256-entry GearHash constant table (rust-gearhash /
// FastCDC reference values).
var gearTable = [256]uint64{
	0x5c95c078, 0x22408989, 0x2d48a214, 0x12842087,
	0x530f8afb, 0x474536b9, 0x2963b4f1, 0x44cb738b,
	0x4ea7403d, 0x4d606b6e, 0x074ec5d3, 0x3af39d18,
	0x726c4b7d, 0x60b26d8c, 0x3bd7a0a2, 0x7e51163a,
	0x07e7fbe3, 0x2da12162, 0x4dc3c487, 0x74b82462,
	0x5c74486e, 0x4d30a5dd, 0x5218c048, 0x25fd6e8c,
	0x1001de8e, 0x06f68502, 0x04681ce7, 0x18840c6b,
	0x28716fab, 0x27a7a855, 0x1d5bb906, 0x00eea11c,
	0x42c21f83, 0x0b2f6c73, 0x151c0a4f, 0x0c88e74b,
	0x44297db3, 0x0c9f2889, 0x22c19b89, 0x397e0284,
	0x3b47e2cf, 0x5e6a06a4, 0x02a60ec5, 0x10a30dc4,
	0x259f4bf4, 0x7448e0a6, 0x0d9b89b1, 0x0a0857b0,
	0x1e2a9eab, 0x09a3fdab, 0x3f6a6ff5, 0x5ad8cb5e,
	0x2a96c135, 0x46aff290, 0x544ff32c, 0x51e8cad1,
	0x4e0c57c8, 0x4d1ab85c, 0x5c9f62c5, 0x3bf82ccc,
	0x08a6ae66, 0x570fb7ac, 0x2cc96de0, 0x3ba9d60a,
	0x2c5fad64, 0x10ca4656, 0x06d0e217, 0x32b94f28,
	0x1d10fe68, 0x66f3df1a, 0x555fc7c0, 0x1afeb39d,
	0x08e1e40f, 0x31c86d13, 0x12e1a55b, 0x78aa48f0,
	0x4a71e0d9, 0x6b6cfbb0, 0x4a8a4b5d, 0x26e11f1b,
	0x4b65fb4f, 0x0eac5bdb, 0x7108e3c2, 0x0f03e6a3,
	0x41e3dce0, 0x1e80b9f2, 0x4a4cc2bc, 0x51fb08bc,
	0x05e33025, 0x72421bca, 0x00b93a24, 0x6dfd0e3c,
	0x23f18d04, 0x3e16cd59, 0x4d5b2a04, 0x49b2a50b,
	0x5fa94b5e, 0x35d16efc, 0x1e83a79a, 0x58c0d77d,
	0x4e45e50e, 0x1f64ee5d, 0x16ef2bb3, 0x5e27dc6e,
	0x7f0b8a3f, 0x3f59d96f, 0x232a5c1f, 0x7f83a841,
	0x59a11b26, 0x7b0c98f9, 0x5b93ed6e, 0x2f7c3534,
	0x0b66a92b, 0x10741c6e, 0x4a05bbae, 0x544e9756,
	0x33161fba, 0x248ca40b, 0x20a2f5ff, 0x6e529a22,
	0x316aeed5, 0x2a0af2cc, 0x1a4bbd7a, 0x1b9c4c28,
	0x4ea13a8c, 0x37eeff2c, 0x00a5d16d, 0x3ba2e855,
	0x2fdc2bae, 0x552985cf, 0x100a3d1b, 0x5897d96c,
	0x79a18dd4, 0x3fba8cfe, 0x0e8c0d27, 0x7e75cf15,
	0x4f10a4a8, 0x5e38a7b6, 0x7ed42d93, 0x28c2d49d,
	0x36aeafc3, 0x7361fffe, 0x27685296, 0x7cf7bdcf,
	0x00eb2c20, 0x0e97d95a, 0x7b14c77b, 0x46e97cb4,
	0x349a2cce, 0x2b00d5f0, 0x33a3ed5f, 0x6028f41d,
	0x1ed51d48, 0x6e75ec40, 0x6bfe88b0, 0x5ab96b34,
	0x45eb5e21, 0x5ba3faa6, 0x7e397ad3, 0x5cb7f39e,
	0x6d89f1e3, 0x3d1e1a72, 0x37000acc, 0x3f70d73e,
	0x7b120ad6, 0x75c84c75, 0x0b96d26c, 0x3a2e14b8,
	0x0e2a7a25, 0x21fcf4db, 0x5ed8c765, 0x01c08d38,
	0x09b24969, 0x5d5f684b, 0x36c0e8f2, 0x41cb6e2a,
	0x57dff2e1, 0x4c51b47d, 0x35bfbe24, 0x7b7ca00e,
	0x16e7e68f, 0x0cc6cff1, 0x6d5f0b69, 0x5f07e8c2,
	0x2bc8e7f2, 0x4dff3652, 0x31eb7bb4, 0x3e9e2df0,
	0x7a6b96d0, 0x600cd1da, 0x3ae99a7d, 0x3c2baabd,
	0x5df7c7c3, 0x73ee1e12, 0x02eae5d1, 0x6f5b5dd7,
	0x117caeb7, 0x3d39b7d5, 0x07b83b5b, 0x71da406f,
	0x4c93d7e6, 0x0e37ff7a, 0x7e91c441, 0x5c7e90e4,
	0x51b9c0c7, 0x32cf793e, 0x47ceff44, 0x2ef06e0f,
	0x6d02afc1, 0x2b0c1bc5, 0x5de2d15c, 0x16f93f40,
	0x0ef05e5e, 0x32b2f28f, 0x5a4a5fca, 0x7b37a3db,
	0x29786a10, 0x66f31c5a, 0x6d4c66f8, 0x14f43c6c,
	0x1a81fc14, 0x3b8f03ab, 0x163f8ab7, 0x1e92ab2e,
	0x3e3e1c34, 0x35ac0284, 0x61d4b73d, 0x76b7c71d,
	0x5aee7044, 0x6db41689, 0x5d3e1e24, 0x6b3c82b7,
	0x15ea6a23, 0x411e4e66, 0x2fe46038, 0x2aff5ca1,
	0x344e7bf6, 0x0c3743f4, 0x1bb8c8f5, 0x54b4c77f,
	0x6fc6cfaa, 0x7d012bdd, 0x3e8d9c39, 0x57204ab9,
	0x2f6f4ad5, 0x4ad26c8a, 0x6b8ea98e, 0x73a28ba6,
	0x7a70d90e, 0x51cf88e4, 0x6aff9307, 0x56d74c87,
	0x3c47d6c6, 0x4a8e8930, 0x4bf9a794, 0x5c3da92e,
}

// SuperFeatureCount is the number of super-features derived per
// share: sf1, sf2, sf3.
const SuperFeatureCount = 3

// superFeatureSeeds give each super-feature slot its own permutation
// of the chunk-hash space, so the three slots sample independent
// chunks and a single changed chunk rarely disturbs all three.
var superFeatureSeeds = [SuperFeatureCount]uint64{
	0x9e3779b97f4a7c15,
	0xbf58476d1ce4e5b9,
	0x94d049bb133111eb,
}

// SuperFeatures derives the 3-tuple of 64-bit super-features used by
// the similarity index from a share's payload, in the Finesse
// manner: the payload is split into content-defined chunks,
// and each slot keeps the minimum chunk fingerprint under that slot's
// permutation. Two shares that keep the slot's extremal chunk in
// common produce the same super-feature for that slot, making them a
// candidate delta pair; a localized edit only disturbs a slot when it
// happens to hit that slot's extremal chunk.
func SuperFeatures(payload []byte) [SuperFeatureCount]uint64 {
	chunks := All(payload)
	if len(chunks) == 0 {
		return [SuperFeatureCount]uint64{}
	}

	var out [SuperFeatureCount]uint64
	for slot := range out {
		out[slot] = ^uint64(0)
	}
	for _, chunk := range chunks {
		h := firstUint64(chunk.Hash)
		for slot := range out {
			permuted := mix64(h ^ superFeatureSeeds[slot])
			if permuted < out[slot] {
				out[slot] = permuted
			}
		}
	}
	return out
}

// firstUint64 reinterprets the first 8 bytes of a hash as a uint64.
func firstUint64(hash [32]byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = (v << 8) | uint64(hash[i])
	}
	return v
}

// mix64 is the SplitMix64 finalizer, used as a cheap invertible
// permutation of the 64-bit chunk-hash space.
func mix64(v uint64) uint64 {
	v ^= v >> 30
	v *= 0xbf58476d1ce4e5b9
	v ^= v >> 27
	v *= 0x94d049bb133111eb
	v ^= v >> 31
	return v
}
