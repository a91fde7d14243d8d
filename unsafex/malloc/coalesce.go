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

// coalesce merges base with any immediately-adjacent free neighbors and
// inserts the resulting block into its bucket, returning the merged
// block's base. It is only ever called from Free: a block just carved out
// of the arena by extension is placed into directly and never coalesced.
// Its left neighbor may be free, but place always allocates the block's
// front, so no two free blocks end up adjacent.
func (h *Heap) coalesce(base int) int {
	left := h.prevBlock(base)
	right := h.nextBlock(base)
	leftFree := !h.allocated(left)
	rightFree := h.size(right) > 0 && !h.allocated(right)
	size := h.size(base)

	switch {
	case !leftFree && !rightFree:
		h.insert(base)
		return base

	case !leftFree && rightFree:
		h.remove(right, -1)
		size += h.size(right)
		h.setTags(base, size, 0)
		h.insert(base)
		return base

	case leftFree && !rightFree:
		h.remove(left, -1)
		size += h.size(left)
		h.setTags(left, size, 0)
		h.insert(left)
		return left

	default: // both neighbors free
		h.remove(left, -1)
		h.remove(right, -1)
		size += h.size(left) + h.size(right)
		h.setTags(left, size, 0)
		h.insert(left)
		return left
	}
}
