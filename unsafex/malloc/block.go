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

import "unsafe"

const (
	// wordSize is W: the machine's pointer width.
	wordSize = int(unsafe.Sizeof(uintptr(0)))
	// dwordSize is D, the allocator's granularity and alignment unit.
	dwordSize = 2 * wordSize
	// minBlockSize is the smallest block a split is allowed to produce:
	// header + two free-list link words + footer.
	minBlockSize = 4 * wordSize
	allocBit = uintptr(1)
	sizeMask = ^uintptr(dwordSize - 1)
)

// chunkSize is the minimum number of bytes requested from the arena on a
// heap extension, regardless of how small the triggering allocation was.
// It is a var, not a const, purely so tests can shrink it to pin down
// exact block layouts without the noise of leftover extension slack.
var chunkSize = 128

// The helpers below address a Heap's arena in terms of "block base"
// offsets: the byte offset of a block's header word. The payload a caller
// sees begins exactly one word after a block's base.

func payloadOf(base int) int    { return base + wordSize }
func blockBaseOf(payload int) int { return payload - wordSize }

func (h *Heap) wordAt(off int) uintptr {
	b := h.arena.Bytes()
	return *(*uintptr)(unsafe.Pointer(&b[off]))
}

func (h *Heap) putWordAt(off int, v uintptr) {
	b := h.arena.Bytes()
	*(*uintptr)(unsafe.Pointer(&b[off])) = v
}

func (h *Heap) header(base int) uintptr { return h.wordAt(base) }

func (h *Heap) size(base int) int { return int(h.header(base) & sizeMask) }

func (h *Heap) allocated(base int) bool { return h.header(base)&allocBit != 0 }

// footerOffset returns the byte offset of a block's footer word.
func (h *Heap) footerOffset(base int) int { return base + h.size(base) - wordSize }

// setTags writes matching header and footer words for a block of the given
// size and allocated state. Every mutation of a block's size or allocated
// bit goes through this so the two boundary tags can never drift apart.
func (h *Heap) setTags(base, size int, alloc uintptr) {
	w := uintptr(size) | (alloc & allocBit)
	h.putWordAt(base, w)
	h.putWordAt(base+size-wordSize, w)
}

// nextBlock returns the base of the block immediately following base,
// which for the last real block is the epilogue (size 0, allocated).
func (h *Heap) nextBlock(base int) int { return base + h.size(base) }

// prevBlock returns the base of the block immediately preceding base, read
// back via that block's own footer. Always well-defined because the
// prologue's footer sits just before the first real block.
func (h *Heap) prevBlock(base int) int {
	prevFooter := base - wordSize
	prevSize := int(h.wordAt(prevFooter) & sizeMask)
	return base - prevSize
}

// payloadBytes returns the n-byte slice a caller should see for a block,
// with its capacity stretching to the block's full usable payload so a
// caller that appends within that room never has to reallocate.
func (h *Heap) payloadBytes(base, n int) []byte {
	usable := h.size(base) - dwordSize
	buf := h.arena.Bytes()
	p := payloadOf(base)
	return buf[p : p+n : p+usable]
}

// adjustedSize rounds a requested payload size up to asize: a multiple of
// dwordSize large enough to hold the request plus header and footer
// overhead, with a floor of 2*dwordSize (the smallest allocated block).
func adjustedSize(size int) int {
	if size <= dwordSize {
		return 2 * dwordSize
	}
	return dwordSize * ((size + dwordSize + dwordSize - 1) / dwordSize)
}
