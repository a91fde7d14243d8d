// Copyright 2025 CloudWeGo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package arena implements the host side of a byte-addressed heap: a single
// region that grows only at its high end and never moves or shrinks.
//
// An Arena plays the role `mem_sbrk`/`mem_heap_lo`/`mem_heap_hi` play for a
// CS:APP-style malloc lab: it is the external collaborator an allocator
// built on top of it treats as given, never as something it manages.
package arena

import (
	"fmt"
	"unsafe"

	"github.com/bytedance/gopkg/lang/dirtmake"
)

// DefaultMaxSize is the default ceiling an Arena reserves up front, matching
// the classic malloc-lab MAX_HEAP bound (20 MiB).
const DefaultMaxSize = 20 << 20

// Arena is a single, monotonically extensible byte region. Extend never
// moves bytes already committed: capacity is reserved once, at New, and
// Extend only grows the logical length of that reservation. This is what
// lets an allocator built on top of an Arena hand out addresses (byte
// offsets) that remain valid for the Arena's whole lifetime.
type Arena struct {
	buf []byte
}

// New reserves an Arena able to grow up to maxSize bytes. Nothing is
// committed yet; Extend must be called (by the allocator's init) before
// any byte of the arena is addressable.
func New(maxSize int) (*Arena, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("arena: maxSize must be positive, got %d", maxSize)
	}

	// dirtmake.Bytes skips Go's default zero-fill. Real heap-extension
	// primitives (sbrk, mmap) make no such promise either. The allocator
	// writes every header, footer and free-list link before reading it
	// back, and payload bytes start out with whatever the reservation
	// held, as with C malloc, so zero-fill up front across the whole
	// reservation would be pure waste.
	return &Arena{buf: dirtmake.Bytes(0, maxSize)}, nil
}

// Extend grows the arena by n bytes and returns the byte offset at which
// the new region begins. ok is false if doing so would exceed the arena's
// reserved capacity — the arena's stand-in for host memory exhaustion.
func (a *Arena) Extend(n int) (base int, ok bool) {
	if n < 0 {
		return 0, false
	}
	base = len(a.buf)
	if base+n > cap(a.buf) {
		return 0, false
	}
	a.buf = a.buf[:base+n]
	return base, true
}

// Lo returns the inclusive lower bound of the committed arena.
func (a *Arena) Lo() int { return 0 }

// Hi returns the inclusive upper bound (last valid byte offset) of the
// committed arena, or -1 if nothing has been committed yet.
func (a *Arena) Hi() int { return len(a.buf) - 1 }

// Len reports how many bytes are currently committed.
func (a *Arena) Len() int { return len(a.buf) }

// Bytes exposes the committed arena for boundary-tag bookkeeping. The
// returned slice aliases the Arena's own storage and must never be
// resliced past its length or appended to by callers; it grows only
// through Extend.
func (a *Arena) Bytes() []byte { return a.buf }

// Offset reports the byte offset, relative to the arena's base, of a slice
// previously carved out of Bytes(). It reads the slice header's data
// pointer directly (rather than &b[0]) so it works even for a zero-length
// slice, the same trick buddy allocators use to recover a block's address
// from the []byte they handed out (see the teacher's BuddyAllocator.Free).
func (a *Arena) Offset(b []byte) int {
	if b == nil || len(a.buf) == 0 {
		return -1
	}
	ptr := *(*uintptr)(unsafe.Pointer(&b))
	base := uintptr(unsafe.Pointer(&a.buf[0]))
	return int(ptr - base)
}
