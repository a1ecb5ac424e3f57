// Copyright 2026 The Shardkeep Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the client/server packet framing and the fixed
// binary struct layouts exchanged during upload and download. All
// integers are little-endian; all layouts are packed with no padding.
package wire

import (
	"encoding/binary"

	"github.com/shardkeep/shardkeep/lib/fingerprint"
	"github.com/shardkeep/shardkeep/lib/kerr"
)

// Indicator tags the packet that follows the per-request (userID,
// indicator) header.
type Indicator int32

const (
	// Meta announces a file share metadata packet from an uploading
	// client.
	Meta Indicator = -1
	// Data carries the concatenated payload bytes of the non-duplicate
	// shares announced by the preceding Meta packet.
	Data Indicator = -2
	// Stat is the server's duplicate-status response to a Meta packet:
	// one boolean byte per coming share.
	Stat Indicator = -3
	// RespDownload frames one flush of restored share-file bytes.
	RespDownload Indicator = -5
	// Download requests a file restore by full file name.
	Download Indicator = -7
	// IntraUserShareIdxUpdate asks a peer node to probe intra-user
	// share ownership.
	IntraUserShareIdxUpdate Indicator = -10
	// RespIntraUserShareIdxUpdate carries the one-byte ownership
	// result back.
	RespIntraUserShareIdxUpdate Indicator = -11
	// InterUserShareIdxUpdate asks a peer node to store a share or
	// add a user reference.
	InterUserShareIdxUpdate Indicator = -15
	// RespInterUserShareIdxUpdate acknowledges an inter-user update.
	RespInterUserShareIdxUpdate Indicator = -16
	// RestoreShare asks a peer node for the bytes of one share.
	RestoreShare Indicator = -17
	// RespRestoreShare carries the restored share bytes back.
	RespRestoreShare Indicator = -18
)

// Fixed sizes of the framing primitives.
const (
	UserIDSize       = 4
	IndicatorSize    = 4
	PacketSizeSize   = 4
	PacketHeaderSize = IndicatorSize + PacketSizeSize
)

// PutPacketHeader writes an (indicator, packetSize) header into the
// first PacketHeaderSize bytes of buf.
func PutPacketHeader(buf []byte, indicator Indicator, packetSize uint32) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(indicator))
	binary.LittleEndian.PutUint32(buf[4:8], packetSize)
}

// FileShareMetaHead is the head of a file share metadata buffer. The
// buffer layout is head ‖ fullFileName ‖ ShareMetaEntry × NumOfComingSecrets.
type FileShareMetaHead struct {
	FullNameSize        int32
	FileSize            int64
	NumOfPastSecrets    int32
	SizeOfPastSecrets   int64
	NumOfComingSecrets  int32
	SizeOfComingSecrets int64
}

// FileShareMetaHeadSize is the encoded size of FileShareMetaHead.
const FileShareMetaHeadSize = 4 + 8 + 4 + 8 + 4 + 8

// ShareMetaEntry describes one coming share in an upload fragment.
type ShareMetaEntry struct {
	ShareFP    fingerprint.FP
	SecretID   int32
	SecretSize int32
	ShareSize  int32
}

// ShareMetaEntrySize is the encoded size of ShareMetaEntry.
const ShareMetaEntrySize = fingerprint.Size + 4 + 4 + 4

// ShareFileHead heads a restored share file stream: head ‖
// (ShareEntry ‖ share bytes) × NumOfShares.
type ShareFileHead struct {
	FileSize    int64
	NumOfShares int32
}

// ShareFileHeadSize is the encoded size of ShareFileHead.
const ShareFileHeadSize = 8 + 4

// ShareEntry precedes each restored share's payload bytes.
type ShareEntry struct {
	SecretID   int32
	SecretSize int32
	ShareSize  int32
}

// ShareEntrySize is the encoded size of ShareEntry.
const ShareEntrySize = 4 + 4 + 4

// ParseFileShareMeta decodes a file share metadata buffer into its
// head, the full file name, and the per-share entries. The buffer
// length must agree exactly with the counts the head declares;
// disagreement is a Protocol error.
func ParseFileShareMeta(buf []byte) (FileShareMetaHead, string, []ShareMetaEntry, error) {
	var head FileShareMetaHead
	if len(buf) < FileShareMetaHeadSize {
		return head, "", nil, kerr.New(kerr.Protocol, "share meta buffer shorter than head",
			kerr.F("size", len(buf)))
	}

	head.FullNameSize = int32(binary.LittleEndian.Uint32(buf[0:4]))
	head.FileSize = int64(binary.LittleEndian.Uint64(buf[4:12]))
	head.NumOfPastSecrets = int32(binary.LittleEndian.Uint32(buf[12:16]))
	head.SizeOfPastSecrets = int64(binary.LittleEndian.Uint64(buf[16:24]))
	head.NumOfComingSecrets = int32(binary.LittleEndian.Uint32(buf[24:28]))
	head.SizeOfComingSecrets = int64(binary.LittleEndian.Uint64(buf[28:36]))

	if head.FullNameSize < 0 || head.NumOfComingSecrets < 0 || head.NumOfPastSecrets < 0 {
		return head, "", nil, kerr.New(kerr.Protocol, "negative count in share meta head",
			kerr.F("fullNameSize", head.FullNameSize),
			kerr.F("numOfComingSecrets", head.NumOfComingSecrets),
			kerr.F("numOfPastSecrets", head.NumOfPastSecrets))
	}

	want := FileShareMetaHeadSize + int(head.FullNameSize) + ShareMetaEntrySize*int(head.NumOfComingSecrets)
	if len(buf) != want {
		return head, "", nil, kerr.New(kerr.Protocol, "share meta buffer size disagrees with head",
			kerr.F("size", len(buf)), kerr.F("want", want))
	}

	offset := FileShareMetaHeadSize
	fullFileName := string(buf[offset : offset+int(head.FullNameSize)])
	offset += int(head.FullNameSize)

	entries := make([]ShareMetaEntry, head.NumOfComingSecrets)
	for i := range entries {
		entries[i] = parseShareMetaEntry(buf[offset:])
		offset += ShareMetaEntrySize
	}

	return head, fullFileName, entries, nil
}

func parseShareMetaEntry(buf []byte) ShareMetaEntry {
	var entry ShareMetaEntry
	copy(entry.ShareFP[:], buf[:fingerprint.Size])
	entry.SecretID = int32(binary.LittleEndian.Uint32(buf[fingerprint.Size:]))
	entry.SecretSize = int32(binary.LittleEndian.Uint32(buf[fingerprint.Size+4:]))
	entry.ShareSize = int32(binary.LittleEndian.Uint32(buf[fingerprint.Size+8:]))
	return entry
}

// AppendFileShareMeta encodes a metadata buffer from its parts, the
// inverse of ParseFileShareMeta. Used by tests and by peer framing.
func AppendFileShareMeta(dst []byte, head FileShareMetaHead, fullFileName string, entries []ShareMetaEntry) []byte {
	head.FullNameSize = int32(len(fullFileName))
	head.NumOfComingSecrets = int32(len(entries))

	var headBuf [FileShareMetaHeadSize]byte
	binary.LittleEndian.PutUint32(headBuf[0:4], uint32(head.FullNameSize))
	binary.LittleEndian.PutUint64(headBuf[4:12], uint64(head.FileSize))
	binary.LittleEndian.PutUint32(headBuf[12:16], uint32(head.NumOfPastSecrets))
	binary.LittleEndian.PutUint64(headBuf[16:24], uint64(head.SizeOfPastSecrets))
	binary.LittleEndian.PutUint32(headBuf[24:28], uint32(head.NumOfComingSecrets))
	binary.LittleEndian.PutUint64(headBuf[28:36], uint64(head.SizeOfComingSecrets))

	dst = append(dst, headBuf[:]...)
	dst = append(dst, fullFileName...)
	for _, entry := range entries {
		dst = AppendShareMetaEntry(dst, entry)
	}
	return dst
}

// AppendShareMetaEntry appends the encoding of one ShareMetaEntry.
func AppendShareMetaEntry(dst []byte, entry ShareMetaEntry) []byte {
	var buf [ShareMetaEntrySize]byte
	copy(buf[:fingerprint.Size], entry.ShareFP[:])
	binary.LittleEndian.PutUint32(buf[fingerprint.Size:], uint32(entry.SecretID))
	binary.LittleEndian.PutUint32(buf[fingerprint.Size+4:], uint32(entry.SecretSize))
	binary.LittleEndian.PutUint32(buf[fingerprint.Size+8:], uint32(entry.ShareSize))
	return append(dst, buf[:]...)
}

// PutShareFileHead writes head into the first ShareFileHeadSize bytes
// of buf.
func PutShareFileHead(buf []byte, head ShareFileHead) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(head.FileSize))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(head.NumOfShares))
}

// ParseShareFileHead decodes a ShareFileHead from buf.
func ParseShareFileHead(buf []byte) ShareFileHead {
	return ShareFileHead{
		FileSize:    int64(binary.LittleEndian.Uint64(buf[0:8])),
		NumOfShares: int32(binary.LittleEndian.Uint32(buf[8:12])),
	}
}

// PutShareEntry writes entry into the first ShareEntrySize bytes of
// buf.
func PutShareEntry(buf []byte, entry ShareEntry) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(entry.SecretID))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(entry.SecretSize))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(entry.ShareSize))
}

// ParseShareEntry decodes a ShareEntry from buf.
func ParseShareEntry(buf []byte) ShareEntry {
	return ShareEntry{
		SecretID:   int32(binary.LittleEndian.Uint32(buf[0:4])),
		SecretSize: int32(binary.LittleEndian.Uint32(buf[4:8])),
		ShareSize:  int32(binary.LittleEndian.Uint32(buf[8:12])),
	}
}
