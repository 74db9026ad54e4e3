package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHeap(t *testing.T, size int) *Heap {
	t.Helper()
	arena := make([]byte, size)
	h, err := NewHeap(arena)
	require.NoError(t, err)
	return h
}

func TestAlloc_ZeroSizeReturnsNull(t *testing.T) {
	h := newTestHeap(t, 4096)
	ptr, err := h.Alloc(0)
	assert.Error(t, err)
	assert.Equal(t, NullPtr, ptr)
}

func TestAlloc_ExhaustionFails(t *testing.T) {
	h := newTestHeap(t, 256)
	_, err := h.Alloc(4096)
	assert.Error(t, err)
}

// Scenario 3 (§8): heap coalesce. Allocate X=64B, Y=64B, Z=64B; free Y
// then X; one merged free block remains with the combined bytes.
func TestScenario_HeapCoalesce(t *testing.T) {
	h := newTestHeap(t, 4096)

	x, err := h.Alloc(64)
	require.NoError(t, err)
	y, err := h.Alloc(64)
	require.NoError(t, err)
	z, err := h.Alloc(64)
	require.NoError(t, err)
	_ = z

	freeBefore := h.FreeBytes()

	require.NoError(t, h.Free(y))
	require.NoError(t, h.Free(x))

	assert.NoError(t, h.Validate())
	// X and Y merge into one block; the tail remainder block (after Z) is
	// a separate free block, so we expect exactly 2 free blocks: the
	// merged X+Y region and the tail.
	assert.Equal(t, 2, h.FreeBlockCount())
	assert.Equal(t, freeBefore+128+headerSize, h.FreeBytes())
}

func TestFree_DoubleFreeIsNoOp(t *testing.T) {
	h := newTestHeap(t, 4096)
	p, err := h.Alloc(32)
	require.NoError(t, err)
	require.NoError(t, h.Free(p))
	assert.Error(t, h.Free(p))
}

func TestFree_OutOfHeapPointerIsNoOp(t *testing.T) {
	h := newTestHeap(t, 4096)
	assert.Error(t, h.Free(Ptr(1<<20)))
}

// §8 round-trip law: AllocAligned returns p with p mod A == 0, and
// FreeAligned restores the heap.
func TestAllocAligned_RoundTrip(t *testing.T) {
	h := newTestHeap(t, 1 << 16)
	usedBefore := h.UsedSize()

	p, err := h.AllocAligned(100, 4096)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), uint64(p)%4096)

	require.NoError(t, h.FreeAligned(p))
	assert.Equal(t, usedBefore, h.UsedSize())
	assert.NoError(t, h.Validate())
}

func TestAllocAligned_RejectsNonPowerOfTwo(t *testing.T) {
	h := newTestHeap(t, 4096)
	_, err := h.AllocAligned(16, 3)
	assert.Error(t, err)
}

func TestAlloc_Splits(t *testing.T) {
	h := newTestHeap(t, 4096)
	before := h.FreeBlockCount()
	_, err := h.Alloc(64)
	require.NoError(t, err)
	// Remainder is large, so the block should split into used+free.
	assert.Equal(t, before, h.FreeBlockCount())
}

func TestUsedSize_TracksAllocations(t *testing.T) {
	h := newTestHeap(t, 4096)
	p1, _ := h.Alloc(100)
	p2, _ := h.Alloc(200)
	assert.Equal(t, alignUp(100, nativeAlignment)+alignUp(200, nativeAlignment), h.UsedSize())
	require.NoError(t, h.Free(p1))
	require.NoError(t, h.Free(p2))
	assert.Equal(t, uint64(0), h.UsedSize())
}
