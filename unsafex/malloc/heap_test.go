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
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withTightChunks shrinks chunkSize for the duration of a test so each
// heap extension carves out exactly the requesting allocation's asize,
// with no leftover fragment. It lets scenario tests pin down an exact
// block layout without fighting the default extension slack.
func withTightChunks(t *testing.T) {
	t.Helper()
	old := chunkSize
	chunkSize = 1
	t.Cleanup(func() { chunkSize = old })
}

func newTestHeap(t *testing.T, maxSize int) *Heap {
	t.Helper()
	h, err := New(maxSize)
	require.NoError(t, err)
	return h
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

func TestScenario1_FreeThenAuditSingleBucket(t *testing.T) {
	withTightChunks(t)
	h := newTestHeap(t, arenaTestMaxSize)

	p := h.Malloc(1)
	require.NotNil(t, p)
	h.Free(p)

	rpt := h.Check(t.Logf)
	assert.True(t, rpt.OK)

	total := 0
	for _, n := range rpt.BucketCounts {
		total += n
	}
	assert.Equal(t, 1, total, "expected exactly one free block across all buckets")
	assert.Equal(t, 0, rpt.AllocBytes)
	assert.Equal(t, asizeFor(1), rpt.FreeBytes)
}

func TestScenario2_FreeingMiddleBlockDoesNotCoalesce(t *testing.T) {
	withTightChunks(t)
	h := newTestHeap(t, arenaTestMaxSize)

	a := h.Malloc(24)
	b := h.Malloc(24)
	c := h.Malloc(24)
	require.NotNil(t, a)
	require.NotNil(t, b)
	require.NotNil(t, c)

	bBase := h.blockBaseOf(b)
	h.Free(b)

	rpt := h.Check(t.Logf)
	require.True(t, rpt.OK)

	idx := bucketIndex(h.size(bBase))
	assert.Equal(t, 1, rpt.BucketCounts[idx], "b's block should be the sole occupant of its bucket")
	for i, n := range rpt.BucketCounts {
		if i != idx {
			assert.Zero(t, n, "bucket %d should be empty", i)
		}
	}
	assert.Equal(t, asizeFor(24)*2, rpt.AllocBytes)
	assert.Equal(t, asizeFor(24), rpt.FreeBytes)
}

func TestScenario3_FreeingAdjacentBlocksCoalesces(t *testing.T) {
	withTightChunks(t)
	h := newTestHeap(t, arenaTestMaxSize)

	a := h.Malloc(24)
	b := h.Malloc(24)
	require.NotNil(t, a)
	require.NotNil(t, b)

	aBase := h.blockBaseOf(a)
	h.Free(a)
	h.Free(b)

	rpt := h.Check(t.Logf)
	require.True(t, rpt.OK)

	assert.Equal(t, asizeFor(24)*2, h.size(aBase))
	assert.Equal(t, asizeFor(24)*2, rpt.FreeBytes)
	assert.Equal(t, 0, rpt.AllocBytes)
}

func TestScenario4_ReallocGrowsIntoEpilogueInPlace(t *testing.T) {
	withTightChunks(t)
	h := newTestHeap(t, arenaTestMaxSize)

	a := h.Malloc(16)
	require.NotNil(t, a)
	fill(a, 0xAB)

	p := h.Realloc(a, 17)
	require.NotNil(t, p)

	assert.Equal(t, &a[0], &p[0], "growing into the epilogue must not move the block")
	for i := 0; i < 16; i++ {
		assert.Equal(t, byte(0xAB), p[i])
	}

	rpt := h.Check(t.Logf)
	assert.True(t, rpt.OK)
}

func TestScenario5_ReallocGrowsIntoFreeLeftNeighbor(t *testing.T) {
	withTightChunks(t)
	h := newTestHeap(t, arenaTestMaxSize)

	// a is sized so that, once freed, it alone is big enough to absorb
	// b's growth; c pins b's right neighbor as allocated so neither
	// grow-right nor grow-into-epilogue can apply.
	a := h.Malloc(40)
	b := h.Malloc(16)
	c := h.Malloc(16)
	require.NotNil(t, a)
	require.NotNil(t, b)
	require.NotNil(t, c)

	aBase := h.blockBaseOf(a)
	fill(b, 0xCD)
	h.Free(a)

	p := h.Realloc(b, 50)
	require.NotNil(t, p)

	assert.Equal(t, aBase, h.blockBaseOf(p), "growth should have relocated into a's old block")
	for i := 0; i < 16; i++ {
		assert.Equal(t, byte(0xCD), p[i])
	}

	rpt := h.Check(t.Logf)
	assert.True(t, rpt.OK)
}

func TestSoakRandomMallocFreeMaintainsConsistency(t *testing.T) {
	h := newTestHeap(t, arenaTestMaxSize)
	rng := rand.New(rand.NewSource(1))

	var live [][]byte
	for i := 0; i < 1000; i++ {
		if len(live) == 0 || rng.Intn(2) == 0 {
			n := 1 + rng.Intn(4096)
			if b := h.Malloc(n); b != nil {
				live = append(live, b)
			}
		} else {
			j := rng.Intn(len(live))
			h.Free(live[j])
			live[j] = live[len(live)-1]
			live = live[:len(live)-1]
		}

		rpt := h.Check(t.Logf)
		require.True(t, rpt.OK, "iteration %d", i)
		assert.Equal(t, h.arena.Len()-4*wordSize, rpt.AllocBytes+rpt.FreeBytes, "iteration %d", i)
	}
}

func TestMallocZeroOrNegativeReturnsNil(t *testing.T) {
	h := newTestHeap(t, arenaTestMaxSize)
	assert.Nil(t, h.Malloc(0))
	assert.Nil(t, h.Malloc(-1))
}

func TestFreeNilIsNoop(t *testing.T) {
	h := newTestHeap(t, arenaTestMaxSize)
	before := h.arena.Len()
	h.Free(nil)
	assert.Equal(t, before, h.arena.Len())
}

func TestReallocNilIsMalloc(t *testing.T) {
	h := newTestHeap(t, arenaTestMaxSize)
	p := h.Realloc(nil, 32)
	require.NotNil(t, p)
	assert.Len(t, p, 32)
}

func TestReallocZeroFrees(t *testing.T) {
	h := newTestHeap(t, arenaTestMaxSize)
	p := h.Malloc(32)
	require.NotNil(t, p)
	assert.Nil(t, h.Realloc(p, 0))

	rpt := h.Check(t.Logf)
	assert.True(t, rpt.OK)
	assert.Equal(t, 0, rpt.AllocBytes)
}

func TestMallocPayloadIsDAligned(t *testing.T) {
	withTightChunks(t)
	h := newTestHeap(t, arenaTestMaxSize)
	p := h.Malloc(3)
	require.NotNil(t, p)
	off := h.arena.Offset(p)
	assert.Zero(t, off%dwordSize)
}

func TestBucketIndexIsNonDecreasingAndBoundedBySmallSizes(t *testing.T) {
	last := 0
	for size := 1; size <= 8192; size += 7 {
		idx := bucketIndex(size)
		assert.GreaterOrEqual(t, idx, last)
		assert.Less(t, idx, numBuckets)
		last = idx
	}
	assert.Zero(t, bucketIndex(16))
	assert.Zero(t, bucketIndex(32))
}

// arenaTestMaxSize is large enough to absorb the soak test's worst-case
// allocation volume without a real OOM masking a logic bug.
const arenaTestMaxSize = 8 << 20

func asizeFor(size int) int { return adjustedSize(size) }
