// Copyright 2026 The Shardkeep Authors
// SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux

package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"math/rand"
	"net"
	"path/filepath"
	"testing"

	"github.com/shardkeep/shardkeep/lib/container"
	"github.com/shardkeep/shardkeep/lib/dedup"
	"github.com/shardkeep/shardkeep/lib/fingerprint"
	"github.com/shardkeep/shardkeep/lib/kvindex"
	"github.com/shardkeep/shardkeep/lib/recipe"
	"github.com/shardkeep/shardkeep/lib/simindex"
	"github.com/shardkeep/shardkeep/lib/wire"
)

func startTestServer(t *testing.T) (string, *dedup.Core) {
	t.Helper()
	dir := t.TempDir()

	kv, err := kvindex.Open(kvindex.Config{Path: filepath.Join(dir, "kv.db")})
	if err != nil {
		t.Fatalf("kvindex.Open: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	pool, err := container.Open(container.Config{Dir: filepath.Join(dir, "containers")})
	if err != nil {
		t.Fatalf("container.Open: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	recipes, err := recipe.Open(recipe.Config{Dir: filepath.Join(dir, "containers"), Flusher: kv})
	if err != nil {
		t.Fatalf("recipe.Open: %v", err)
	}

	core := dedup.New(dedup.Config{
		KV:         kv,
		Containers: pool,
		Recipes:    recipes,
		Similarity: simindex.New(),
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}

	server, err := New(Config{Listener: listener, Core: core, Workers: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return listener.Addr().String(), core
}

func writeInt32(t *testing.T, conn net.Conn, v int32) {
	t.Helper()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	if _, err := conn.Write(buf[:]); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func writeUint32(t *testing.T, conn net.Conn, v uint32) {
	t.Helper()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	if _, err := conn.Write(buf[:]); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readUint32T(t *testing.T, conn net.Conn) uint32 {
	t.Helper()
	var buf [4]byte
	if _, err := io.ReadFull(conn, buf[:]); err != nil {
		t.Fatalf("read: %v", err)
	}
	return binary.LittleEndian.Uint32(buf[:])
}

func randomShare(seed int64, size int) []byte {
	rng := rand.New(rand.NewSource(seed))
	data := make([]byte, size)
	rng.Read(data)
	return data
}

// uploadFile runs the full upload protocol for one single-fragment
// file and returns the STAT duplicate flags.
func uploadFile(t *testing.T, address string, userID int32, fullFileName string, shares [][]byte) []bool {
	t.Helper()

	conn, err := net.Dial("tcp", address)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	entries := make([]wire.ShareMetaEntry, len(shares))
	var fileSize int64
	for i, share := range shares {
		entries[i] = wire.ShareMetaEntry{
			ShareFP:    fingerprint.Of(share),
			SecretID:   int32(i),
			SecretSize: 16,
			ShareSize:  int32(len(share)),
		}
		fileSize += 16
	}
	meta := wire.AppendFileShareMeta(nil, wire.FileShareMetaHead{FileSize: fileSize}, fullFileName, entries)

	writeInt32(t, conn, userID)
	writeInt32(t, conn, int32(wire.Meta))
	writeUint32(t, conn, uint32(4+len(meta)))
	writeUint32(t, conn, uint32(len(shares)))
	if _, err := conn.Write(meta); err != nil {
		t.Fatalf("write meta: %v", err)
	}

	// STAT response.
	if got := int32(readUint32T(t, conn)); got != int32(wire.Stat) {
		t.Fatalf("response indicator = %d, want STAT", got)
	}
	statSize := readUint32T(t, conn)
	if statSize != uint32(len(shares)) {
		t.Fatalf("stat size = %d, want %d", statSize, len(shares))
	}
	statBytes := make([]byte, statSize)
	if _, err := io.ReadFull(conn, statBytes); err != nil {
		t.Fatalf("read stat: %v", err)
	}

	dupStatus := make([]bool, len(shares))
	var data []byte
	for i := range shares {
		dupStatus[i] = statBytes[i] != 0
		if !dupStatus[i] {
			data = append(data, shares[i]...)
		}
	}

	writeInt32(t, conn, userID)
	writeInt32(t, conn, int32(wire.Data))
	writeUint32(t, conn, uint32(len(data)))
	if len(data) > 0 {
		if _, err := conn.Write(data); err != nil {
			t.Fatalf("write data: %v", err)
		}
	}

	// Close without opening another fragment: clean end of session.
	// Give the server a chance to finish the second stage before the
	// connection drops by half-closing the write side first.
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.CloseWrite()
	}
	// The server reads EOF on its next-fragment probe and closes; a
	// read here blocks until then, confirming the second stage ran.
	var probe [1]byte
	conn.Read(probe[:])

	return dupStatus
}

// downloadFile runs the download protocol and returns the
// concatenated payload across all RESP_DOWNLOAD packets.
func downloadFile(t *testing.T, address string, userID int32, fullFileName string) []byte {
	t.Helper()

	conn, err := net.Dial("tcp", address)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	writeInt32(t, conn, userID)
	writeInt32(t, conn, int32(wire.Download))
	writeUint32(t, conn, uint32(len(fullFileName)))
	if _, err := conn.Write([]byte(fullFileName)); err != nil {
		t.Fatalf("write file name: %v", err)
	}

	var out []byte
	for {
		var header [wire.PacketHeaderSize]byte
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			break // server closed after the last packet
		}
		if got := int32(binary.LittleEndian.Uint32(header[0:4])); got != int32(wire.RespDownload) {
			t.Fatalf("download response indicator = %d, want RESP_DOWNLOAD", got)
		}
		size := binary.LittleEndian.Uint32(header[4:8])
		payload := make([]byte, size)
		if _, err := io.ReadFull(conn, payload); err != nil {
			t.Fatalf("read download payload: %v", err)
		}
		out = append(out, payload...)
	}
	return out
}

func TestUploadAndDownloadOverSocket(t *testing.T) {
	address, _ := startTestServer(t)

	shares := [][]byte{randomShare(1, 4096), randomShare(2, 4096)}
	dupStatus := uploadFile(t, address, 1, "/a.bin", shares)
	if dupStatus[0] || dupStatus[1] {
		t.Fatalf("fresh upload flagged duplicate: %v", dupStatus)
	}

	out := downloadFile(t, address, 1, "/a.bin")

	head := wire.ParseShareFileHead(out)
	if head.NumOfShares != 2 || head.FileSize != 32 {
		t.Fatalf("share file head = %+v", head)
	}
	cursor := wire.ShareFileHeadSize
	for i, share := range shares {
		entry := wire.ParseShareEntry(out[cursor:])
		if entry.SecretID != int32(i) {
			t.Fatalf("entry %d = %+v", i, entry)
		}
		cursor += wire.ShareEntrySize
		if !bytes.Equal(out[cursor:cursor+len(share)], share) {
			t.Fatalf("share %d corrupted over the wire", i)
		}
		cursor += len(share)
	}
}

func TestReuploadReportsDuplicates(t *testing.T) {
	address, _ := startTestServer(t)

	shares := [][]byte{randomShare(3, 4096), randomShare(4, 4096)}
	uploadFile(t, address, 1, "/a.bin", shares)

	dupStatus := uploadFile(t, address, 1, "/a.bin", shares)
	if !dupStatus[0] || !dupStatus[1] {
		t.Fatalf("re-upload by owner not flagged duplicate: %v", dupStatus)
	}
}

func TestCrossUserUploadOverSocket(t *testing.T) {
	address, core := startTestServer(t)

	share := randomShare(5, 4096)
	uploadFile(t, address, 1, "/a.bin", [][]byte{share})

	dupStatus := uploadFile(t, address, 2, "/a.bin", [][]byte{share})
	if dupStatus[0] {
		t.Fatalf("user 2 flagged as owner before their upload")
	}

	owned1, err := core.IntraUserIndexUpdate(fingerprint.Of(share), 1)
	if err != nil || !owned1 {
		t.Fatalf("user 1 ownership = (%v, %v)", owned1, err)
	}
	owned2, err := core.IntraUserIndexUpdate(fingerprint.Of(share), 2)
	if err != nil || !owned2 {
		t.Fatalf("user 2 ownership = (%v, %v)", owned2, err)
	}
}

func TestPeerIntraProbeOverSocket(t *testing.T) {
	address, _ := startTestServer(t)

	share := randomShare(6, 4096)
	uploadFile(t, address, 7, "/probe.bin", [][]byte{share})

	conn, err := net.Dial("tcp", address)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	fp := fingerprint.Of(share)
	writeInt32(t, conn, 7)
	writeInt32(t, conn, int32(wire.IntraUserShareIdxUpdate))
	writeUint32(t, conn, fingerprint.Size)
	if _, err := conn.Write(fp[:]); err != nil {
		t.Fatalf("write fp: %v", err)
	}

	if got := int32(readUint32T(t, conn)); got != int32(wire.RespIntraUserShareIdxUpdate) {
		t.Fatalf("response indicator = %d", got)
	}
	if size := readUint32T(t, conn); size != 1 {
		t.Fatalf("response size = %d, want 1", size)
	}
	var status [1]byte
	if _, err := io.ReadFull(conn, status[:]); err != nil {
		t.Fatalf("read status: %v", err)
	}
	if status[0] != 1 {
		t.Fatalf("peer probe returned %d, want 1 for an owned share", status[0])
	}
}

func TestUnknownIndicatorClosesSession(t *testing.T) {
	address, _ := startTestServer(t)

	conn, err := net.Dial("tcp", address)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	writeInt32(t, conn, 1)
	writeInt32(t, conn, 42) // not a valid indicator

	// The server closes the session without writing anything.
	var probe [1]byte
	if n, err := conn.Read(probe[:]); err != io.EOF {
		t.Fatalf("Read = (%d, %v), want EOF on closed session", n, err)
	}
}
