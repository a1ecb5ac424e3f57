// Copyright 2026 The Shardkeep Authors
// SPDX-License-Identifier: Apache-2.0

// Package deltacodec computes and applies binary deltas between a base
// share and a similar source share. Encode and Decode are pure
// functions of their byte-slice inputs and satisfy
// Decode(base, Encode(base, src), len(src)) == src.
//
// The delta format is a flat instruction stream: COPY instructions
// reference a (offset, length) range of the base, INSERT instructions
// carry literal bytes. Match-finding reuses the content-defined
// chunker: base chunks are indexed by hash, source chunks that hit the
// index become copies, everything else is inserted literally.
package deltacodec

import (
	"encoding/binary"

	"github.com/shardkeep/shardkeep/lib/chunker"
	"github.com/shardkeep/shardkeep/lib/kerr"
)

// Size floors below which encoding is refused outright: tiny bases
// rarely produce useful matches and tiny sources cannot amortize even
// a minimal instruction stream.
const (
	MinBaseSize = 1024
	MinSrcSize  = 512
)

// Instruction opcodes.
const (
	opCopy   = 0x01
	opInsert = 0x02
)

// Encode attempts to compute a delta of src against base. It returns
// a NoGain error when either input is below its size floor or when the
// produced delta would not be strictly smaller than src. The caller
// falls back to storing src as a plain share.
func Encode(base, src []byte) ([]byte, error) {
	if len(base) < MinBaseSize {
		return nil, kerr.New(kerr.NoGain, "base below delta size floor",
			kerr.F("baseSize", len(base)))
	}
	if len(src) < MinSrcSize {
		return nil, kerr.New(kerr.NoGain, "source below delta size floor",
			kerr.F("srcSize", len(src)))
	}

	// Index base chunks by hash. First occurrence wins; duplicate
	// chunk content within the base maps every match to the same
	// range, which decodes identically.
	type span struct {
		offset int
		length int
	}
	baseChunks := make(map[[32]byte]span)
	offset := 0
	for _, chunk := range chunker.All(base) {
		if _, seen := baseChunks[chunk.Hash]; !seen {
			baseChunks[chunk.Hash] = span{offset: offset, length: len(chunk.Data)}
		}
		offset += len(chunk.Data)
	}

	// Accumulate instructions first, merging contiguous copies and
	// runs of literals, then serialize once at the end.
	type instruction struct {
		isCopy  bool
		offset  int
		length  int
		literal []byte
	}
	var instructions []instruction

	for _, chunk := range chunker.All(src) {
		match, ok := baseChunks[chunk.Hash]
		if ok {
			if n := len(instructions); n > 0 && instructions[n-1].isCopy &&
				instructions[n-1].offset+instructions[n-1].length == match.offset {
				instructions[n-1].length += match.length
				continue
			}
			instructions = append(instructions, instruction{
				isCopy: true, offset: match.offset, length: match.length,
			})
			continue
		}
		if n := len(instructions); n > 0 && !instructions[n-1].isCopy {
			instructions[n-1].literal = append(instructions[n-1].literal, chunk.Data...)
			continue
		}
		instructions = append(instructions, instruction{
			literal: append([]byte(nil), chunk.Data...),
		})
	}

	delta := make([]byte, 0, len(src)/2)
	for _, instr := range instructions {
		if instr.isCopy {
			delta = append(delta, opCopy)
			delta = binary.AppendUvarint(delta, uint64(instr.offset))
			delta = binary.AppendUvarint(delta, uint64(instr.length))
		} else {
			delta = append(delta, opInsert)
			delta = binary.AppendUvarint(delta, uint64(len(instr.literal)))
			delta = append(delta, instr.literal...)
		}
		if len(delta) >= len(src) {
			return nil, kerr.New(kerr.NoGain, "delta not smaller than source",
				kerr.F("srcSize", len(src)))
		}
	}

	if len(delta) == 0 {
		return nil, kerr.New(kerr.NoGain, "empty source produced no delta")
	}
	return delta, nil
}

// Decode applies delta to base and returns the reconstructed source.
// It fails with an Integrity error if the instruction stream is
// malformed, references base out of range, or produces output whose
// length differs from declaredSrcSize.
func Decode(base, delta []byte, declaredSrcSize int) ([]byte, error) {
	out := make([]byte, 0, declaredSrcSize)
	position := 0
	for position < len(delta) {
		op := delta[position]
		position++
		switch op {
		case opCopy:
			offset, n := binary.Uvarint(delta[position:])
			if n <= 0 {
				return nil, kerr.New(kerr.Integrity, "truncated copy offset in delta")
			}
			position += n
			length, n := binary.Uvarint(delta[position:])
			if n <= 0 {
				return nil, kerr.New(kerr.Integrity, "truncated copy length in delta")
			}
			position += n
			end := offset + length
			if end > uint64(len(base)) {
				return nil, kerr.New(kerr.Integrity, "copy range exceeds base",
					kerr.F("offset", offset), kerr.F("length", length), kerr.F("baseSize", len(base)))
			}
			out = append(out, base[offset:end]...)
		case opInsert:
			length, n := binary.Uvarint(delta[position:])
			if n <= 0 {
				return nil, kerr.New(kerr.Integrity, "truncated insert length in delta")
			}
			position += n
			if uint64(position)+length > uint64(len(delta)) {
				return nil, kerr.New(kerr.Integrity, "insert literal exceeds delta",
					kerr.F("length", length))
			}
			out = append(out, delta[position:position+int(length)]...)
			position += int(length)
		default:
			return nil, kerr.New(kerr.Integrity, "unknown delta opcode",
				kerr.F("opcode", op))
		}
	}

	if len(out) != declaredSrcSize {
		return nil, kerr.New(kerr.Integrity, "decoded size disagrees with declared source size",
			kerr.F("decoded", len(out)), kerr.F("declared", declaredSrcSize))
	}
	return out, nil
}
