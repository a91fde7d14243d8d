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

import "github.com/bytedance/gopkg/lang/mcache"

// Report is the outcome of a consistency Check.
type Report struct {
	OK bool
	// BucketCounts[i] is the number of free blocks found threaded into
	// bucket i.
	BucketCounts [numBuckets]int
	AllocBytes   int
	FreeBytes    int
}

// Log is the diagnostic callback a Check reports problems through. It
// receives one finding at a time, printf-style; a nil Log is treated as a
// no-op. This mirrors lldb.Allocator.Verify's log callback, which plays
// the same role for that allocator's own audit.
type Log func(format string, args ...interface{})

func nolog(string, ...interface{}) {}

// Check walks the whole heap and cross-checks its bookkeeping for
// consistency: every block's header must agree with its footer, no two
// free blocks may sit next to each other uncoalesced, every block reached
// from a bucket must actually be free and in the bucket its size maps to,
// and every free block reached by the heap-order walk must be reachable
// from some bucket. It never panics; problems are reported through log
// and reflected in the returned Report's OK field.
func (h *Heap) Check(log Log) Report {
	if log == nil {
		log = nolog
	}
	var rpt Report
	ok := true

	reachable := h.bucketsBitset()
	defer mcache.Free(reachable.words)

	for idx := 0; idx < numBuckets; idx++ {
		seen := map[int]bool{}
		for base := h.buckets[idx]; base != 0; base = h.fwdLink(base) {
			if seen[base] {
				ok = false
				log("bucket %d: cycle detected at block %#x", idx, base)
				break
			}
			seen[base] = true

			if h.allocated(base) {
				ok = false
				log("bucket %d: block %#x is marked allocated", idx, base)
			}
			if base < h.arena.Lo() || base > h.arena.Hi() {
				ok = false
				log("bucket %d: block %#x lies outside the arena", idx, base)
			}
			if want := bucketIndex(h.size(base)); want != idx {
				ok = false
				log("block %#x of size %d belongs in bucket %d, found in %d", base, h.size(base), want, idx)
			}
			rpt.BucketCounts[idx]++
		}
	}

	prevFree := false
	for base := h.firstBlock(); h.size(base) > 0; base = h.nextBlock(base) {
		size := h.size(base)
		if size%dwordSize != 0 {
			ok = false
			log("block %#x has size %d, not a multiple of %d", base, size, dwordSize)
		}
		hdr := h.header(base)
		ftr := h.wordAt(h.footerOffset(base))
		if hdr != ftr {
			ok = false
			log("block %#x header %#x and footer %#x disagree", base, hdr, ftr)
		}

		free := !h.allocated(base)
		if free {
			rpt.FreeBytes += size
			if prevFree {
				ok = false
				log("block %#x and its left neighbor are both free and uncoalesced", base)
			}
			if !reachable.test(base) {
				ok = false
				log("free block %#x is not reachable from any bucket", base)
			}
		} else {
			rpt.AllocBytes += size
		}
		prevFree = free
	}

	rpt.OK = ok
	return rpt
}

// bitset is a scratch reachability bitmap sized to the arena, backed by a
// pooled buffer from mcache rather than a fresh allocation per Check call,
// the same way lldb.Allocator.Verify keeps a scratch bitmap across a
// single verification pass.
type bitset struct {
	words []byte
}

func (h *Heap) bucketsBitset() bitset {
	n := h.arena.Len()/wordSize + 1
	buf := mcache.Malloc(n/8 + 1)
	for i := range buf {
		buf[i] = 0 // mcache buffers are reused and not zeroed
	}
	bs := bitset{words: buf}
	for idx := 0; idx < numBuckets; idx++ {
		seen := map[int]bool{}
		for base := h.buckets[idx]; base != 0 && !seen[base]; base = h.fwdLink(base) {
			seen[base] = true
			bs.set(base)
		}
	}
	return bs
}

func (bs bitset) set(base int) {
	i := base / wordSize
	bs.words[i/8] |= 1 << uint(i%8)
}

func (bs bitset) test(base int) bool {
	i := base / wordSize
	return bs.words[i/8]&(1<<uint(i%8)) != 0
}
