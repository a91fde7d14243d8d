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

package malloc

import (
	"fmt"

	"github.com/cznic/mathutil"
	"github.com/segfit/segfit/arena"
)

// Heap is a segregated-free-list allocator over a single arena.Arena. The
// zero value is not usable; construct one with New or NewWithArena.
type Heap struct {
	arena   *arena.Arena
	buckets [numBuckets]int
	base    int // block base of the prologue
}

// New reserves a fresh arena of at most maxSize bytes and returns a Heap
// ready to serve allocations from it.
func New(maxSize int) (*Heap, error) {
	a, err := arena.New(maxSize)
	if err != nil {
		return nil, err
	}
	return NewWithArena(a)
}

// NewWithArena builds a Heap on top of a caller-supplied, not-yet-extended
// Arena. Most callers want New; this exists so tests (and hosts with their
// own arena lifecycle) can inject one.
func NewWithArena(a *arena.Arena) (*Heap, error) {
	h := &Heap{arena: a}
	if err := h.init(); err != nil {
		return nil, err
	}
	return h, nil
}

// init lays down the prologue and epilogue sentinels that terminate every
// neighbor walk, then records the prologue's base as the heap's traversal
// anchor.
func (h *Heap) init() error {
	base, ok := h.arena.Extend(wordSize + dwordSize + wordSize)
	if !ok {
		return fmt.Errorf("malloc: arena too small to initialize (need %d bytes)", wordSize+dwordSize+wordSize)
	}
	// Leading pad word: shifts every block by one word so that block
	// payloads start on a dwordSize boundary, and reserves offset 0, which is never a valid block base, as the
	// free-list terminator value.
	h.putWordAt(base, 0)

	prologue := base + wordSize
	h.setTags(prologue, dwordSize, 1)

	epilogue := prologue + dwordSize
	h.putWordAt(epilogue, 1) // size 0, allocated

	h.base = prologue
	return nil
}

// firstBlock returns the base of the first real (non-sentinel) block.
func (h *Heap) firstBlock() int { return h.nextBlock(h.base) }

// Malloc returns a slice of at least size usable bytes, or nil if size is
// not positive or the arena cannot grow enough to satisfy the request.
func (h *Heap) Malloc(size int) []byte {
	if size <= 0 {
		return nil
	}
	asize := adjustedSize(size)

	if base := h.findFit(asize); base != 0 {
		return h.place(base, asize, size)
	}

	grow := asize
	if chunkSize > grow {
		grow = chunkSize
	}
	base, ok := h.growHeap(grow)
	if !ok {
		return nil
	}
	return h.place(base, asize, size)
}

// findFit scans buckets from asize's class upward for the first block
// large enough to satisfy it, detaching it from its free list before
// returning. It returns 0 if no free block anywhere is large enough.
func (h *Heap) findFit(asize int) int {
	for idx := bucketIndex(asize); idx < numBuckets; idx++ {
		for base := h.buckets[idx]; base != 0; base = h.fwdLink(base) {
			if h.size(base) >= asize {
				h.remove(base, idx)
				return base
			}
		}
	}
	return 0
}

// growHeap extends the arena by n bytes, laying down a new free block over
// the extension and a fresh epilogue past it. The new block is
// deliberately left out of any free list and uncoalesced: place is always
// called on it directly next.
//
// The epilogue always sits in the arena's last committed word, so the
// current one is reused as the new block's header rather than left behind
// as a dead word: the new block's base is one word before the arena's
// current end, and only n further bytes need to be committed to cover the
// rest of the block plus the next epilogue.
func (h *Heap) growHeap(n int) (int, bool) {
	n = dwordSize * ((n + dwordSize - 1) / dwordSize) // round up to alignment
	base := h.arena.Len() - wordSize
	if _, ok := h.arena.Extend(n); !ok {
		return 0, false
	}
	h.setTags(base, n, 0)
	h.putWordAt(base+n, 1) // new epilogue
	return base, true
}

// place carves an asize-byte allocated block out of a free block of size
// bsize at base, splitting off and reinserting the remainder when it's
// large enough to stand on its own.
func (h *Heap) place(base, asize, requested int) []byte {
	bsize := h.size(base)
	remain := bsize - asize
	if remain >= minBlockSize {
		h.setTags(base, asize, 1)
		rem := base + asize
		h.setTags(rem, remain, 0)
		h.insert(rem)
	} else {
		h.setTags(base, bsize, 1)
	}
	return h.payloadBytes(base, requested)
}

// Free returns a block previously obtained from Malloc or Realloc to the
// heap, coalescing it with any free neighbors. Passing nil is a no-op.
func (h *Heap) Free(b []byte) {
	if b == nil {
		return
	}
	base := h.blockBaseOf(b)
	h.setTags(base, h.size(base), 0)
	h.coalesce(base)
}

// blockBaseOf recovers a block's base from a slice previously handed out
// as its payload, reading the slice header's data pointer directly so it
// works regardless of the slice's current length.
func (h *Heap) blockBaseOf(b []byte) int {
	off := h.arena.Offset(b)
	return blockBaseOf(off)
}

// Realloc resizes the allocation backing b to size bytes, preserving its
// contents up to the smaller of the old and new sizes. Realloc(nil, n) is
// equivalent to Malloc(n); Realloc(b, 0) is equivalent to Free(b), and
// returns nil. On failure to grow, the original allocation in b is left
// untouched and nil is returned.
func (h *Heap) Realloc(b []byte, size int) []byte {
	if size == 0 {
		h.Free(b)
		return nil
	}
	if b == nil {
		return h.Malloc(size)
	}

	base := h.blockBaseOf(b)
	asize := adjustedSize(size)
	cur := h.size(base)

	if asize < cur {
		return h.reallocShrink(base, asize, size, cur)
	}
	if p := h.reallocGrowRight(base, asize, size, cur); p != nil {
		return p
	}
	if p := h.reallocGrowEpilogue(base, asize, size, cur); p != nil {
		return p
	}
	if p := h.reallocGrowLeft(base, asize, size, cur); p != nil {
		return p
	}
	return h.reallocCopy(b, base, size, cur)
}

// reallocShrink splits off and frees the tail of base when enough of it is
// left over, merging it with a free right neighbor; otherwise the block is
// left exactly as it was.
func (h *Heap) reallocShrink(base, asize, size, cur int) []byte {
	remain := cur - asize
	if remain >= minBlockSize {
		h.setTags(base, asize, 1)
		rem := base + asize
		h.setTags(rem, remain, 0)
		h.coalesce(rem)
	}
	return h.payloadBytes(base, size)
}

// reallocGrowRight extends base in place by absorbing its free right
// neighbor, when that neighbor exists, is free, and is large enough.
func (h *Heap) reallocGrowRight(base, asize, size, cur int) []byte {
	right := h.nextBlock(base)
	if h.size(right) == 0 || h.allocated(right) {
		return nil
	}
	combined := cur + h.size(right)
	if combined < asize {
		return nil
	}
	h.remove(right, -1)
	remain := combined - asize
	if remain >= minBlockSize {
		h.setTags(base, asize, 1)
		rem := base + asize
		h.setTags(rem, remain, 0)
		h.insert(rem)
	} else {
		h.setTags(base, combined, 1)
	}
	return h.payloadBytes(base, size)
}

// reallocGrowEpilogue extends base in place by growing the arena itself,
// applicable only when base is the last real block (its right neighbor is
// the epilogue).
func (h *Heap) reallocGrowEpilogue(base, asize, size, cur int) []byte {
	right := h.nextBlock(base)
	if h.size(right) != 0 {
		return nil
	}
	diff := asize - cur
	if _, ok := h.arena.Extend(diff); !ok {
		return nil
	}
	h.setTags(base, asize, 1)
	h.putWordAt(base+asize, 1) // new epilogue
	return h.payloadBytes(base, size)
}

// reallocGrowLeft extends in place by absorbing a free left neighbor and
// shifting the block's bytes backward into it. Unlike reallocGrowRight,
// the combined block is never split even when it's larger than asize: the
// allocator this one's algorithm is modeled on doesn't bother, on the
// reasoning that a block reached via this path has already relocated once
// and a few wasted bytes are cheaper than a second split-and-insert.
func (h *Heap) reallocGrowLeft(base, asize, size, cur int) []byte {
	left := h.prevBlock(base)
	if h.allocated(left) {
		return nil
	}
	combined := cur + h.size(left)
	if combined < asize {
		return nil
	}
	h.remove(left, -1)

	buf := h.arena.Bytes()
	src := payloadOf(base)
	dst := payloadOf(left)
	// cur bytes, not cur-dwordSize: besides the live payload this copies
	// the old block's own footer and the header word of the block after
	// it. Both reads stay inside the committed arena (a block is always
	// followed by at least the epilogue), and the two copied words land
	// inside the combined block's payload, just past the old payload's
	// end, where they are left as stale contents.
	copy(buf[dst:dst+cur], buf[src:src+cur])

	h.setTags(left, combined, 1)
	return h.payloadBytes(left, size)
}

// reallocCopy is the fallback path: allocate size bytes fresh, copy over
// as much of the old block's content as fits, and free the original.
func (h *Heap) reallocCopy(b []byte, base, size, cur int) []byte {
	newB := h.Malloc(size)
	if newB == nil {
		return nil
	}
	n := mathutil.Min(size, cur-dwordSize)
	buf := h.arena.Bytes()
	src := payloadOf(base)
	copy(newB, buf[src:src+n])
	h.Free(b)
	return newB
}
