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

// Package malloc implements a segregated-free-list allocator over a single
// arena.Arena.
//
// Every block carries a boundary tag: a header word and a matching footer
// word, each packing the block's size (always a multiple of two machine
// words) together with its allocated bit in the low bit. Free blocks thread
// themselves into one of 16 size-class buckets through two extra words
// stored where the payload would otherwise begin. Coalescing of adjacent
// free neighbors happens only when a block is freed, never while the arena
// is extended, so a just-extended block is always placed into directly
// rather than folded into whatever free space preceded it.
//
// None of the exported operations are safe for concurrent use; callers
// needing that must serialize access to a Heap themselves.
package malloc
