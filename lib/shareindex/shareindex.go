// Copyright 2026 The Shardkeep Authors
// SPDX-License-Identifier: Apache-2.0

// Package shareindex defines the binary value stored in the KV index
// under SHARE_INDEX keys: a fixed head describing where and how the
// share's payload is stored, followed by one user-reference entry per
// owning user.
package shareindex

import (
	"encoding/binary"

	"github.com/shardkeep/shardkeep/lib/container"
	"github.com/shardkeep/shardkeep/lib/fingerprint"
	"github.com/shardkeep/shardkeep/lib/kerr"
)

// HeadSize is the encoded size of Head: shareSize:i32 ‖ numOfUsers:i32
// ‖ deltaDepth:u8 ‖ deltaSize:u64 ‖ baseFP:[32] ‖ containerName:[16] ‖
// offset:u64.
const HeadSize = 4 + 4 + 1 + 8 + fingerprint.Size + container.NameLength + 8

// UserRefEntrySize is the encoded size of one user-reference entry.
const UserRefEntrySize = 4

// Head is the fixed-size head of a share index value.
//
// When DeltaDepth == 0, the payload at (ContainerName, Offset,
// ShareSize) is the raw share bytes, BaseFP is zero, and DeltaSize is
// zero. When DeltaDepth > 0, the payload at (ContainerName, Offset,
// DeltaSize) is a delta against the share identified by BaseFP, and
// ShareSize is the logical size of the decoded share.
type Head struct {
	ShareSize     int32
	NumOfUsers    int32
	DeltaDepth    uint8
	DeltaSize     uint64
	BaseFP        fingerprint.FP
	ContainerName container.Name
	Offset        uint64
}

// Value is a decoded share index value: the head plus the owning user
// IDs, in insertion order.
type Value struct {
	Head  Head
	Users []int32
}

// New builds a fresh single-user value for a share just stored.
func New(head Head, userID int32) Value {
	head.NumOfUsers = 1
	return Value{Head: head, Users: []int32{userID}}
}

// HasUser reports whether userID appears in the user-reference list.
func (v *Value) HasUser(userID int32) bool {
	for _, u := range v.Users {
		if u == userID {
			return true
		}
	}
	return false
}

// AddUser appends a user-reference entry for userID and bumps
// NumOfUsers. The caller is responsible for checking HasUser first —
// the reference list must never contain duplicates.
func (v *Value) AddUser(userID int32) {
	v.Users = append(v.Users, userID)
	v.Head.NumOfUsers = int32(len(v.Users))
}

// Encode serializes the value into its on-disk byte layout.
func (v *Value) Encode() []byte {
	buf := make([]byte, HeadSize+UserRefEntrySize*len(v.Users))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(v.Head.ShareSize))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(v.Users)))
	buf[8] = v.Head.DeltaDepth
	binary.LittleEndian.PutUint64(buf[9:17], v.Head.DeltaSize)
	copy(buf[17:17+fingerprint.Size], v.Head.BaseFP[:])
	copy(buf[49:49+container.NameLength], v.Head.ContainerName[:])
	binary.LittleEndian.PutUint64(buf[65:73], v.Head.Offset)

	offset := HeadSize
	for _, userID := range v.Users {
		binary.LittleEndian.PutUint32(buf[offset:], uint32(userID))
		offset += UserRefEntrySize
	}
	return buf
}

// Parse decodes a share index value. A buffer whose length disagrees
// with the user count its head declares is an Integrity error.
func Parse(buf []byte) (Value, error) {
	var v Value
	if len(buf) < HeadSize {
		return v, kerr.New(kerr.Integrity, "share index value shorter than head",
			kerr.F("size", len(buf)))
	}

	v.Head.ShareSize = int32(binary.LittleEndian.Uint32(buf[0:4]))
	v.Head.NumOfUsers = int32(binary.LittleEndian.Uint32(buf[4:8]))
	v.Head.DeltaDepth = buf[8]
	v.Head.DeltaSize = binary.LittleEndian.Uint64(buf[9:17])
	copy(v.Head.BaseFP[:], buf[17:17+fingerprint.Size])
	copy(v.Head.ContainerName[:], buf[49:49+container.NameLength])
	v.Head.Offset = binary.LittleEndian.Uint64(buf[65:73])

	if v.Head.NumOfUsers < 1 {
		return v, kerr.New(kerr.Integrity, "share index value has no user references",
			kerr.F("numOfUsers", v.Head.NumOfUsers))
	}
	want := HeadSize + UserRefEntrySize*int(v.Head.NumOfUsers)
	if len(buf) != want {
		return v, kerr.New(kerr.Integrity, "share index value size disagrees with head",
			kerr.F("size", len(buf)), kerr.F("want", want))
	}

	v.Users = make([]int32, v.Head.NumOfUsers)
	offset := HeadSize
	for i := range v.Users {
		v.Users[i] = int32(binary.LittleEndian.Uint32(buf[offset:]))
		offset += UserRefEntrySize
	}
	return v, nil
}
