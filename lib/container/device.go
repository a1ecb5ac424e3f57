// Copyright 2026 The Shardkeep Authors
// SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux

package container

import (
	"fmt"
	"io"
	"runtime/debug"

	"golang.org/x/sys/unix"
)

// Device is a fixed-size memory-mapped container file. Reads go
// through a read-only memory map; writes use pwrite to avoid the
// read-before-write page faults a writable mapping would trigger.
//
// Device is safe for concurrent use. ReadAt is lock-free. WriteAt must
// be serialized by the caller — the container pool holds exactly one
// writable Device at a time and guards it with a single lock.
type Device struct {
	fd   int
	data []byte // mmap'd MAP_SHARED, PROT_READ
	size int64
}

// Create creates a new container file of exactly size bytes at path.
// Fails if the file already exists — the pool never overwrites a
// sealed container.
func Create(path string, size int64) (*Device, error) {
	if size <= 0 {
		return nil, fmt.Errorf("container: device size must be positive, got %d", size)
	}

	fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("container: creating %s: %w", path, err)
	}

	if err := unix.Ftruncate(fd, size); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("container: truncating %s to %d bytes: %w", path, size, err)
	}

	return mapDevice(fd, size, path)
}

// OpenRead opens an existing container file of exactly size bytes for
// reading. Used by the read LRU on a cache miss.
func OpenRead(path string, size int64) (*Device, error) {
	if size <= 0 {
		return nil, fmt.Errorf("container: device size must be positive, got %d", size)
	}

	fd, err := unix.Open(path, unix.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("container: opening %s: %w", path, err)
	}

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("container: stating %s: %w", path, err)
	}
	if stat.Size != size {
		unix.Close(fd)
		return nil, fmt.Errorf("container: %s is %d bytes, want %d", path, stat.Size, size)
	}

	return mapDevice(fd, size, path)
}

func mapDevice(fd int, size int64, path string) (*Device, error) {
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("container: memory-mapping %s: %w", path, err)
	}

	return &Device{fd: fd, data: data, size: size}, nil
}

// ReadAt copies len(p) bytes starting at offset off into p via the
// memory map.
func (d *Device) ReadAt(p []byte, off int64) (readCount int, err error) {
	if off < 0 || off+int64(len(p)) > d.size {
		return 0, fmt.Errorf("container: read at offset %d length %d exceeds device size %d", off, len(p), d.size)
	}

	// Guard against SIGBUS from I/O errors on the underlying storage
	// surfacing as a page fault while copying out of the mapping.
	old := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(old)
		if r := recover(); r != nil {
			err = fmt.Errorf("container: page fault reading at offset %d: %v", off, r)
		}
	}()

	copy(p, d.data[off:off+int64(len(p))])
	return len(p), nil
}

// WriteAt writes len(p) bytes to the device starting at offset off,
// via pwrite.
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > d.size {
		return 0, fmt.Errorf("container: write at offset %d length %d exceeds device size %d", off, len(p), d.size)
	}

	total := 0
	for len(p) > 0 {
		n, err := unix.Pwrite(d.fd, p, off)
		total += n
		if err != nil {
			return total, fmt.Errorf("container: pwrite at offset %d: %w", off, err)
		}
		p = p[n:]
		off += int64(n)
	}
	return total, nil
}

// Sync flushes pending writes to the underlying storage.
func (d *Device) Sync() error {
	return unix.Fsync(d.fd)
}

// Close unmaps the memory region and closes the file descriptor.
func (d *Device) Close() error {
	var firstErr error
	if err := unix.Munmap(d.data); err != nil {
		firstErr = fmt.Errorf("container: unmapping: %w", err)
	}
	if err := unix.Close(d.fd); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("container: closing fd: %w", err)
	}
	d.data = nil
	d.fd = -1
	return firstErr
}

// Size returns the device size in bytes.
func (d *Device) Size() int64 {
	return d.size
}

var _ io.Closer = (*Device)(nil)
