// Copyright 2026 The Shardkeep Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"testing"

	"github.com/shardkeep/shardkeep/lib/fingerprint"
	"github.com/shardkeep/shardkeep/lib/kerr"
)

func TestFileShareMetaRoundTrip(t *testing.T) {
	head := FileShareMetaHead{
		FileSize:            1 << 30,
		NumOfPastSecrets:    3,
		SizeOfPastSecrets:   3 * 4096,
		SizeOfComingSecrets: 2 * 4096,
	}
	entries := []ShareMetaEntry{
		{ShareFP: fingerprint.Of([]byte("a")), SecretID: 3, SecretSize: 16, ShareSize: 4096},
		{ShareFP: fingerprint.Of([]byte("b")), SecretID: 4, SecretSize: 16, ShareSize: 4096},
	}

	buf := AppendFileShareMeta(nil, head, "/path/to/file.bin", entries)

	gotHead, gotName, gotEntries, err := ParseFileShareMeta(buf)
	if err != nil {
		t.Fatalf("ParseFileShareMeta: %v", err)
	}
	if gotName != "/path/to/file.bin" {
		t.Fatalf("full file name = %q", gotName)
	}
	if gotHead.FileSize != head.FileSize || gotHead.NumOfPastSecrets != 3 {
		t.Fatalf("head = %+v", gotHead)
	}
	if gotHead.NumOfComingSecrets != 2 || gotHead.FullNameSize != int32(len("/path/to/file.bin")) {
		t.Fatalf("derived head counts = %+v", gotHead)
	}
	if len(gotEntries) != 2 || gotEntries[1] != entries[1] {
		t.Fatalf("entries = %+v", gotEntries)
	}
}

func TestParseFileShareMetaRejectsShortBuffer(t *testing.T) {
	_, _, _, err := ParseFileShareMeta(make([]byte, FileShareMetaHeadSize-1))
	if !kerr.Is(err, kerr.Protocol) {
		t.Fatalf("short buffer = %v, want Protocol", err)
	}
}

func TestParseFileShareMetaRejectsSizeDisagreement(t *testing.T) {
	buf := AppendFileShareMeta(nil, FileShareMetaHead{}, "/f", []ShareMetaEntry{{ShareSize: 100}})
	_, _, _, err := ParseFileShareMeta(buf[:len(buf)-1])
	if !kerr.Is(err, kerr.Protocol) {
		t.Fatalf("truncated buffer = %v, want Protocol", err)
	}
}

func TestShareFileHeadRoundTrip(t *testing.T) {
	head := ShareFileHead{FileSize: 123456789, NumOfShares: 42}
	buf := make([]byte, ShareFileHeadSize)
	PutShareFileHead(buf, head)
	if got := ParseShareFileHead(buf); got != head {
		t.Fatalf("round trip = %+v, want %+v", got, head)
	}
}

func TestShareEntryRoundTrip(t *testing.T) {
	entry := ShareEntry{SecretID: 7, SecretSize: 16, ShareSize: 4096}
	buf := make([]byte, ShareEntrySize)
	PutShareEntry(buf, entry)
	if got := ParseShareEntry(buf); got != entry {
		t.Fatalf("round trip = %+v, want %+v", got, entry)
	}
}

func TestPacketHeaderLayout(t *testing.T) {
	buf := make([]byte, PacketHeaderSize)
	PutPacketHeader(buf, Stat, 5)

	// STAT is -3: little-endian two's complement.
	if buf[0] != 0xFD || buf[1] != 0xFF || buf[2] != 0xFF || buf[3] != 0xFF {
		t.Fatalf("indicator bytes = % x", buf[:4])
	}
	if buf[4] != 5 || buf[5] != 0 || buf[6] != 0 || buf[7] != 0 {
		t.Fatalf("size bytes = % x", buf[4:])
	}
}
