// Copyright 2026 The Shardkeep Authors
// SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux

package container

import (
	"bytes"
	"testing"
)

func openTestPool(t *testing.T, containerSize int64) *Pool {
	t.Helper()
	pool, err := Open(Config{
		Dir:           t.TempDir(),
		ContainerSize: containerSize,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestAppendAndReadRoundTrip(t *testing.T) {
	pool := openTestPool(t, 4096)

	payload := []byte("a small share payload")
	name, offset, err := pool.Append(payload)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if offset != 0 {
		t.Fatalf("first Append offset = %d, want 0", offset)
	}

	out := make([]byte, len(payload))
	if err := pool.Read(name, offset, out); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("Read returned %q, want %q", out, payload)
	}
}

func TestAppendPacksSequentially(t *testing.T) {
	pool := openTestPool(t, 4096)

	a := bytes.Repeat([]byte{0xAA}, 100)
	b := bytes.Repeat([]byte{0xBB}, 200)

	nameA, offsetA, err := pool.Append(a)
	if err != nil {
		t.Fatalf("Append a: %v", err)
	}
	nameB, offsetB, err := pool.Append(b)
	if err != nil {
		t.Fatalf("Append b: %v", err)
	}

	if nameA != nameB {
		t.Fatalf("expected both shares in the same container")
	}
	if offsetB != offsetA+int64(len(a)) {
		t.Fatalf("offsetB = %d, want %d", offsetB, offsetA+int64(len(a)))
	}
}

func TestAppendRollsOverOnOverflow(t *testing.T) {
	pool := openTestPool(t, 128)

	first := bytes.Repeat([]byte{0x01}, 100)
	nameFirst, _, err := pool.Append(first)
	if err != nil {
		t.Fatalf("Append first: %v", err)
	}

	// This share does not fit in the remaining 28 bytes of the first
	// container, so it must land in a new container at offset 0.
	second := bytes.Repeat([]byte{0x02}, 64)
	nameSecond, offsetSecond, err := pool.Append(second)
	if err != nil {
		t.Fatalf("Append second: %v", err)
	}

	if nameSecond == nameFirst {
		t.Fatalf("expected rollover to a new container")
	}
	if offsetSecond != 0 {
		t.Fatalf("offset in new container = %d, want 0", offsetSecond)
	}

	out := make([]byte, len(second))
	if err := pool.Read(nameSecond, offsetSecond, out); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(out, second) {
		t.Fatalf("Read returned wrong bytes after rollover")
	}
}

func TestReadFromSealedContainerAfterReopen(t *testing.T) {
	dir := t.TempDir()
	pool, err := Open(Config{Dir: dir, ContainerSize: 4096})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	payload := []byte("persisted across a restart")
	name, offset, err := pool.Append(payload)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(Config{Dir: dir, ContainerSize: 4096})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	out := make([]byte, len(payload))
	if err := reopened.Read(name, offset, out); err != nil {
		t.Fatalf("Read after reopen: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("Read after reopen returned %q, want %q", out, payload)
	}
}

func TestRejectsPayloadLargerThanContainer(t *testing.T) {
	pool := openTestPool(t, 128)
	_, _, err := pool.Append(bytes.Repeat([]byte{0x00}, 256))
	if err == nil {
		t.Fatalf("Append accepted a payload larger than the container size")
	}
}

func TestReadLRUEvictsUnderCapacity(t *testing.T) {
	pool, err := Open(Config{
		Dir:               t.TempDir(),
		ContainerSize:     64,
		ReadCacheCapacity: 2,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()

	type loc struct {
		name   Name
		offset int64
		data   []byte
	}
	var locations []loc

	// Force several container rollovers so the read LRU has more
	// sealed containers than its capacity.
	for i := 0; i < 5; i++ {
		data := bytes.Repeat([]byte{byte(i)}, 32)
		name, offset, err := pool.Append(data)
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		// A second 32-byte append fills the 64-byte container, so the
		// next iteration's first append seals it and rolls over.
		pool.Append(bytes.Repeat([]byte{0xFF}, 32))
		locations = append(locations, loc{name, offset, data})
	}

	for _, l := range locations {
		out := make([]byte, len(l.data))
		if err := pool.Read(l.name, l.offset, out); err != nil {
			t.Fatalf("Read %s: %v", l.name.String(), err)
		}
		if !bytes.Equal(out, l.data) {
			t.Fatalf("Read %s returned wrong bytes", l.name.String())
		}
	}
}
