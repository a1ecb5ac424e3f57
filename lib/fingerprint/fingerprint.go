// Copyright 2026 The Shardkeep Authors
// SPDX-License-Identifier: Apache-2.0

// Package fingerprint defines the content hash and key-space layout
// shared by the KV index, the container pool, and the dedup core.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Size is the length in bytes of a Fingerprint (SHA-256 digest).
const Size = sha256.Size

// FP is a 32-byte content hash over a share's payload bytes. Equal
// fingerprints are treated as identical payloads.
type FP [Size]byte

// Zero is the all-zero fingerprint, used for baseFP on deltaDepth==0
// share index entries.
var Zero FP

// IsZero reports whether fp is the all-zero fingerprint.
func (fp FP) IsZero() bool {
	return fp == Zero
}

// String renders the fingerprint as lowercase hex.
func (fp FP) String() string {
	return hex.EncodeToString(fp[:])
}

// Of computes the fingerprint of payload: SHA-256 over the raw bytes.
func Of(payload []byte) FP {
	return FP(sha256.Sum256(payload))
}

// Parse decodes a lowercase hex string into a Fingerprint.
func Parse(s string) (FP, error) {
	var fp FP
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return fp, fmt.Errorf("fingerprint: parsing %q: %w", s, err)
	}
	if len(decoded) != Size {
		return fp, fmt.Errorf("fingerprint: %q decodes to %d bytes, want %d", s, len(decoded), Size)
	}
	copy(fp[:], decoded)
	return fp, nil
}

// Prefix is the one-byte key-space partition tag. A Key is Prefix ‖
// Fingerprint (33 bytes total); the prefix lets one ordered KV store
// serve both the recipe index and the share index.
type Prefix byte

const (
	// Recipe partitions recipe-value keys.
	Recipe Prefix = 0
	// ShareIndex partitions share-index-value keys.
	ShareIndex Prefix = 1
)

// KeySize is the length in bytes of a Key: one prefix byte plus a
// 32-byte fingerprint.
const KeySize = 1 + Size

// Key is the 33-byte composite key used by the KV index.
type Key [KeySize]byte

// NewKey builds a Key from a prefix and a fingerprint.
func NewKey(prefix Prefix, fp FP) Key {
	var k Key
	k[0] = byte(prefix)
	copy(k[1:], fp[:])
	return k
}

// Prefix returns the partition tag of the key.
func (k Key) Prefix() Prefix {
	return Prefix(k[0])
}

// Fingerprint returns the fingerprint portion of the key.
func (k Key) Fingerprint() FP {
	var fp FP
	copy(fp[:], k[1:])
	return fp
}

// Bytes returns the key as a byte slice, suitable for use against an
// ordered KV store.
func (k Key) Bytes() []byte {
	return k[:]
}

// RecipeFingerprint computes the recipe fingerprint for a file owned
// by userID: SHA-256 over the formatted full file name concatenated
// with the little-endian int32 userID.
func RecipeFingerprint(fullFileName string, userID int32) FP {
	var userIDBytes [4]byte
	binary.LittleEndian.PutUint32(userIDBytes[:], uint32(userID))
	h := sha256.New()
	h.Write([]byte(fullFileName))
	h.Write(userIDBytes[:])
	var fp FP
	copy(fp[:], h.Sum(nil))
	return fp
}
