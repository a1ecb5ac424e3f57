// Copyright 2026 The Shardkeep Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"sync"

	"github.com/shardkeep/shardkeep/lib/kerr"
)

// NameLength is the fixed length of a container name.
const NameLength = 16

// Name is a 16-character lowercase-ASCII container identifier,
// allocated in lexicographically increasing order.
type Name [NameLength]byte

func (n Name) String() string {
	return string(n[:])
}

// Dispenser hands out globally-unique, lexicographically increasing
// container names: 'aaaa…a', 'baaa…a', … with left-to-right carry on
// the leftmost non-'z' position. Exhaustion (all 'z') is fatal to the
// process.
//
// Dispenser is safe for concurrent use; allocation is serialized by an
// exclusive lock.
type Dispenser struct {
	mu      sync.Mutex
	current Name
	done    bool
}

// NewDispenser creates a dispenser starting at 'aaaa…a'.
func NewDispenser() *Dispenser {
	var start Name
	for i := range start {
		start[i] = 'a'
	}
	return &Dispenser{current: start}
}

// Resume creates a dispenser that continues from the given name —
// the next call to Next returns the name that would have followed it.
// Used when restarting a server against an existing container
// directory so offsets already on disk are never reused.
func Resume(last Name) *Dispenser {
	d := &Dispenser{current: last}
	d.advance()
	return d
}

// Next returns the next unused container name. Returns a kerr.Exhaustion
// error once the dispenser has reached 'zzzz…z'; that name itself is
// never handed out.
func (d *Dispenser) Next() (Name, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.done {
		return Name{}, kerr.New(kerr.Exhaustion, "container name dispenser exhausted")
	}

	name := d.current
	d.advance()
	if d.done {
		return Name{}, kerr.New(kerr.Exhaustion, "container name dispenser exhausted")
	}
	return name, nil
}

// advance moves current to the next value: find the leftmost non-'z'
// position (scanning left to right from index 0), increment it, and
// reset every position to its left back to 'a'. This makes index 0
// the fastest-moving position ('aaaa…a' → 'baaa…a' → 'caaa…a' → … →
// 'zaaa…a' → 'abaa…a' → …), the opposite of a conventional big-endian
// counter. Marks the dispenser done if every position is already 'z'.
func (d *Dispenser) advance() {
	for i := 0; i < NameLength; i++ {
		if d.current[i] != 'z' {
			d.current[i]++
			for j := 0; j < i; j++ {
				d.current[j] = 'a'
			}
			return
		}
	}
	// Every position was 'z': no further names exist.
	d.done = true
}
