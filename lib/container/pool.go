// Copyright 2026 The Shardkeep Authors
// SPDX-License-Identifier: Apache-2.0

// Package container implements the append-only container pool: a
// sequence of fixed-size memory-mapped files holding raw share or
// delta payloads, named by a monotonic lexicographic dispenser, with
// constant-time (containerName, offset, length) reads served through
// an LRU of read-only handles.
package container

import (
	"container/list"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/shardkeep/shardkeep/lib/kerr"
)

// DefaultSize is the default container file size.
const DefaultSize = 256 * 1024

// DefaultReadCacheCapacity bounds how many read-only container handles
// the pool keeps memory-mapped at once.
const DefaultReadCacheCapacity = 64

// Config holds the parameters for opening a container pool.
type Config struct {
	// Dir is the directory holding container files. Created if
	// missing.
	Dir string

	// ContainerSize is the fixed size of each container file. Defaults
	// to DefaultSize if zero.
	ContainerSize int64

	// ReadCacheCapacity bounds the read-only container LRU. Defaults
	// to DefaultReadCacheCapacity if zero.
	ReadCacheCapacity int

	// Logger receives lifecycle events (container sealed, allocated).
	Logger *slog.Logger
}

// Pool owns the single writable container and the LRU of read-only
// container handles. The writable container is exclusive to the
// pool's append critical section; once sealed, a container is
// immutable and its offsets are stable for the life of the server.
type Pool struct {
	dir           string
	containerSize int64
	logger        *slog.Logger

	dispenser *Dispenser

	writeMu      sync.Mutex
	writable     *Device
	writableName Name
	writeOffset  int64

	readMu      sync.Mutex
	readLRU     *list.List // of *readEntry, front = most recently used
	readIndex   map[Name]*list.Element
	readCap     int
}

// readEntry is one entry in the read LRU: a shared, reference-counted
// container handle. refcount tracks outstanding Read calls so a
// device is not closed while a reader holds a slice into its mapping.
type readEntry struct {
	name     Name
	device   *Device
	refcount int
	evicted  bool
}

// Open opens (or creates) a container pool rooted at cfg.Dir. If the
// directory already contains container files from a previous run, the
// dispenser resumes after the lexicographically greatest one and a
// fresh writable container is allocated; partially-filled containers
// from the prior run are simply sealed as-is and never reopened for
// writing.
func Open(cfg Config) (*Pool, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("container: Dir is required")
	}
	size := cfg.ContainerSize
	if size <= 0 {
		size = DefaultSize
	}
	cap := cfg.ReadCacheCapacity
	if cap <= 0 {
		cap = DefaultReadCacheCapacity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("container: creating directory %s: %w", cfg.Dir, err)
	}

	dispenser, err := resumeDispenser(cfg.Dir)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		dir:           cfg.Dir,
		containerSize: size,
		logger:        logger,
		dispenser:     dispenser,
		readLRU:       list.New(),
		readIndex:     make(map[Name]*list.Element),
		readCap:       cap,
	}

	if err := p.rollover(); err != nil {
		return nil, err
	}
	return p, nil
}

// resumeDispenser scans dir for existing container files and returns
// a Dispenser that continues after the greatest name found, or a
// fresh one if the directory is empty.
func resumeDispenser(dir string) (*Dispenser, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("container: scanning %s: %w", dir, err)
	}

	var greatest Name
	found := false
	for _, entry := range entries {
		if entry.IsDir() || len(entry.Name()) != NameLength {
			continue
		}
		var name Name
		copy(name[:], entry.Name())
		if !found || greater(name, greatest) {
			greatest = name
			found = true
		}
	}

	if !found {
		return NewDispenser(), nil
	}
	return Resume(greatest), nil
}

func greater(a, b Name) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return false
}

// rollover seals the current writable container (if any) and opens a
// fresh one. Must be called with writeMu held, or during Open before
// the pool is visible to other goroutines.
func (p *Pool) rollover() error {
	name, err := p.dispenser.Next()
	if err != nil {
		return err
	}

	path := filepath.Join(p.dir, name.String())
	device, err := Create(path, p.containerSize)
	if err != nil {
		return kerr.Wrap(kerr.Storage, err, "container: allocating container", kerr.F("name", name.String()))
	}

	p.logger.Info("container allocated", "name", name.String())
	p.writable = device
	p.writableName = name
	p.writeOffset = 0
	return nil
}

// Append writes payload to the current writable container, sealing
// and rolling over to a fresh container first if there is not enough
// remaining space: a share or delta payload is never split across
// containers.
func (p *Pool) Append(payload []byte) (Name, int64, error) {
	if int64(len(payload)) > p.containerSize {
		return Name{}, 0, kerr.New(kerr.Storage, "payload larger than container size",
			kerr.F("payloadSize", len(payload)), kerr.F("containerSize", p.containerSize))
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.containerSize-p.writeOffset < int64(len(payload)) {
		sealedName := p.writableName
		if err := p.writable.Sync(); err != nil {
			return Name{}, 0, kerr.Wrap(kerr.Storage, err, "container: syncing sealed container", kerr.F("name", sealedName.String()))
		}
		if err := p.writable.Close(); err != nil {
			return Name{}, 0, kerr.Wrap(kerr.Storage, err, "container: closing sealed container", kerr.F("name", sealedName.String()))
		}
		p.logger.Info("container sealed", "name", sealedName.String(), "bytesWritten", p.writeOffset)

		if err := p.rollover(); err != nil {
			return Name{}, 0, err
		}
	}

	offset := p.writeOffset
	if _, err := p.writable.WriteAt(payload, offset); err != nil {
		return Name{}, 0, kerr.Wrap(kerr.Storage, err, "container: writing payload", kerr.F("name", p.writableName.String()), kerr.F("offset", offset))
	}
	p.writeOffset += int64(len(payload))

	return p.writableName, offset, nil
}

// Read copies len(out) bytes starting at offset from the named
// container into out. Opens the container (inserting it into the
// read LRU) on a cache miss, including the pool's own current
// writable container for reads of data already appended to it.
func (p *Pool) Read(name Name, offset int64, out []byte) error {
	if name == p.currentWritableName() {
		p.writeMu.Lock()
		device := p.writable
		p.writeMu.Unlock()
		if device != nil {
			_, err := device.ReadAt(out, offset)
			if err == nil {
				return nil
			}
			// Fall through to the read LRU path only if the writable
			// container changed underneath us (rollover raced with
			// this read); re-resolve by name below.
		}
	}

	entry, err := p.acquireReadEntry(name)
	if err != nil {
		return err
	}
	defer p.releaseReadEntry(entry)

	if _, err := entry.device.ReadAt(out, offset); err != nil {
		return kerr.Wrap(kerr.Storage, err, "container: reading", kerr.F("name", name.String()), kerr.F("offset", offset))
	}
	return nil
}

func (p *Pool) currentWritableName() Name {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.writableName
}

// acquireReadEntry returns a reference-counted read entry for name,
// inserting it into the LRU on a miss and evicting the least-recently
// used entry if the LRU is at capacity. The caller must call
// releaseReadEntry exactly once.
func (p *Pool) acquireReadEntry(name Name) (*readEntry, error) {
	p.readMu.Lock()
	if elem, ok := p.readIndex[name]; ok {
		p.readLRU.MoveToFront(elem)
		entry := elem.Value.(*readEntry)
		entry.refcount++
		p.readMu.Unlock()
		return entry, nil
	}
	p.readMu.Unlock()

	// Open outside the lock: mmap is comparatively expensive and must
	// not block other readers.
	path := filepath.Join(p.dir, name.String())
	device, err := OpenRead(path, p.containerSize)
	if err != nil {
		return nil, kerr.Wrap(kerr.Storage, err, "container: opening for read", kerr.F("name", name.String()))
	}

	entry := &readEntry{name: name, device: device, refcount: 1}

	p.readMu.Lock()
	if existing, ok := p.readIndex[name]; ok {
		// Lost the race to another opener; use theirs, discard ours.
		p.readLRU.MoveToFront(existing)
		existingEntry := existing.Value.(*readEntry)
		existingEntry.refcount++
		p.readMu.Unlock()
		device.Close()
		return existingEntry, nil
	}

	elem := p.readLRU.PushFront(entry)
	p.readIndex[name] = elem
	p.evictIfNeededLocked()
	p.readMu.Unlock()

	return entry, nil
}

// releaseReadEntry drops one reference to entry, closing its device
// immediately if it was already evicted and this was the last
// outstanding reader: the LRU only releases a mapping once both its
// eviction and the last outstanding read complete.
func (p *Pool) releaseReadEntry(entry *readEntry) {
	p.readMu.Lock()
	entry.refcount--
	shouldClose := entry.evicted && entry.refcount == 0
	p.readMu.Unlock()

	if shouldClose {
		entry.device.Close()
	}
}

// evictIfNeededLocked evicts the least-recently-used read entry if the
// LRU exceeds capacity. Must be called with readMu held.
func (p *Pool) evictIfNeededLocked() {
	for p.readLRU.Len() > p.readCap {
		oldest := p.readLRU.Back()
		if oldest == nil {
			return
		}
		entry := oldest.Value.(*readEntry)
		p.readLRU.Remove(oldest)
		delete(p.readIndex, entry.name)
		entry.evicted = true
		if entry.refcount == 0 {
			entry.device.Close()
		}
	}
}

// Close seals the writable container and closes every cached read
// handle.
func (p *Pool) Close() error {
	var firstErr error

	p.writeMu.Lock()
	if p.writable != nil {
		if err := p.writable.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := p.writable.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.writeMu.Unlock()

	p.readMu.Lock()
	for elem := p.readLRU.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*readEntry)
		if entry.refcount == 0 {
			if err := entry.device.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	p.readLRU.Init()
	p.readIndex = make(map[Name]*list.Element)
	p.readMu.Unlock()

	return firstErr
}

// WritableName returns the name of the container currently accepting
// writes. Exposed for diagnostics and tests.
func (p *Pool) WritableName() Name {
	return p.currentWritableName()
}
