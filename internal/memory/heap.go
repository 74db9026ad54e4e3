package memory

import (
	"encoding/binary"
	"math"

	"github.com/embodios/embodios-core/internal/errs"
	"github.com/embodios/embodios-core/internal/logging"
)

// Ptr is a heap payload address expressed as an offset into the heap's
// backing arena — the identity-mapped stand-in for a real pointer (§9).
type Ptr uint64

// NullPtr is the sentinel for "no allocation"; a valid payload can never
// start at offset 0 because the block header always precedes it.
const NullPtr Ptr = 0

const noBlock = ^uint64(0)

// Header layout, 32 bytes, stored inline in the arena immediately before
// the payload (§3 Heap block):
//
//	[0:8)   size (payload bytes, little-endian)
//	[8:16)  used flag (0 or 1)
//	[16:24) prev block header offset, noBlock if none
//	[24:32) next block header offset, noBlock if none
const headerSize = 32

// nativeAlignment is the default payload alignment (§4.2).
const nativeAlignment = 16

// minBlockSize is the minimum payload size worth splitting off a
// remainder into its own free block (§4.2).
const minBlockSize = 64

// pointerWidth is the size in bytes of the raw-pointer field stored by
// the aligned-allocation shim (§3).
const pointerWidth = 8

// Heap is a first-fit, coalescing free-list allocator laid out over a
// single contiguous arena (§4.2). Only the PMM-backed heap is
// implemented; a static-address variant is explicitly out of scope
// (spec.md §9 Open Questions).
type Heap struct {
	arena     []byte
	firstHdr  uint64
	usedBytes uint64
	logger    logging.Sub
}

// NewHeap wraps arena (typically PMM-allocated pages) in a single free
// block spanning its entire length.
func NewHeap(arena []byte) (*Heap, error) {
	if len(arena) <= headerSize {
		return nil, errs.New("memory.NewHeap", errs.KindInvalidArgument, "arena too small for one header")
	}
	h := &Heap{arena: arena, logger: logging.Default().For(logging.SubsystemMemory)}
	h.writeHeader(0, uint64(len(arena)-headerSize), false, noBlock, noBlock)
	return h, nil
}

func (h *Heap) writeHeader(hdr uint64, size uint64, used bool, prev, next uint64) {
	b := h.arena[hdr : hdr+headerSize]
	binary.LittleEndian.PutUint64(b[0:8], size)
	usedFlag := uint64(0)
	if used {
		usedFlag = 1
	}
	binary.LittleEndian.PutUint64(b[8:16], usedFlag)
	binary.LittleEndian.PutUint64(b[16:24], prev)
	binary.LittleEndian.PutUint64(b[24:32], next)
}

func (h *Heap) readHeader(hdr uint64) (size uint64, used bool, prev, next uint64) {
	b := h.arena[hdr : hdr+headerSize]
	size = binary.LittleEndian.Uint64(b[0:8])
	used = binary.LittleEndian.Uint64(b[8:16]) != 0
	prev = binary.LittleEndian.Uint64(b[16:24])
	next = binary.LittleEndian.Uint64(b[24:32])
	return
}

func (h *Heap) setUsed(hdr uint64, used bool) {
	size, _, prev, next := h.readHeader(hdr)
	h.writeHeader(hdr, size, used, prev, next)
}

func (h *Heap) setSize(hdr uint64, size uint64) {
	_, used, prev, next := h.readHeader(hdr)
	h.writeHeader(hdr, size, used, prev, next)
}

func (h *Heap) setLinks(hdr uint64, prev, next uint64) {
	size, used, _, _ := h.readHeader(hdr)
	h.writeHeader(hdr, size, used, prev, next)
}

// alignUp rounds n up to the next multiple of align (align a power of two).
func alignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

// Alloc returns a 16-byte-aligned payload pointer of at least size bytes,
// using first-fit placement and splitting the remainder when it is big
// enough to host another header plus minBlockSize (§4.2).
func (h *Heap) Alloc(size uint64) (Ptr, error) {
	if size == 0 {
		return NullPtr, errs.New("memory.Alloc", errs.KindInvalidArgument, "zero-size allocation")
	}
	need := alignUp(size, nativeAlignment)

	for hdr := h.firstHdr; ; {
		blkSize, used, prev, next := h.readHeader(hdr)
		if !used && blkSize >= need {
			remainder := blkSize - need
			if remainder >= headerSize+minBlockSize {
				newHdr := hdr + headerSize + need
				h.writeHeader(newHdr, remainder-headerSize, false, hdr, next)
				if next != noBlock {
					h.setLinks(next, newHdr, h.nextOf(next))
				}
				h.writeHeader(hdr, need, true, prev, newHdr)
				h.usedBytes += need
			} else {
				h.writeHeader(hdr, blkSize, true, prev, next)
				h.usedBytes += blkSize
			}
			return Ptr(hdr + headerSize), nil
		}
		if next == noBlock {
			break
		}
		hdr = next
	}
	return NullPtr, errs.New("memory.Alloc", errs.KindResourceExhausted, "heap out of memory")
}

func (h *Heap) nextOf(hdr uint64) uint64 {
	_, _, _, next := h.readHeader(hdr)
	return next
}

// inBounds reports whether hdr is a valid header offset inside the arena.
func (h *Heap) inBounds(hdr uint64) bool {
	return hdr+headerSize <= uint64(len(h.arena))
}

// Free releases ptr, coalescing forward then backward with adjacent free
// blocks (§4.2 Coalescing). A pointer outside the heap logs and is a
// no-op (§4.2 Failures).
func (h *Heap) Free(ptr Ptr) error {
	if ptr == NullPtr || uint64(ptr) < headerSize || !h.inBounds(uint64(ptr)-headerSize) {
		h.logger.Warnf("Free called with out-of-heap pointer %#x", ptr)
		return errs.New("memory.Free", errs.KindInvalidArgument, "pointer outside heap")
	}
	hdr := uint64(ptr) - headerSize
	size, used, prev, next := h.readHeader(hdr)
	if !used {
		h.logger.Warnf("double free at %#x", ptr)
		return errs.New("memory.Free", errs.KindInvalidArgument, "double free")
	}
	h.usedBytes -= size
	h.writeHeader(hdr, size, false, prev, next)

	// Coalesce forward.
	if next != noBlock {
		nSize, nUsed, _, nNext := h.readHeader(next)
		if !nUsed {
			size = size + headerSize + nSize
			h.writeHeader(hdr, size, false, prev, nNext)
			if nNext != noBlock {
				h.setLinks(nNext, hdr, h.nextOf(nNext))
			}
			next = nNext
		}
	}
	// Coalesce backward.
	if prev != noBlock {
		pSize, pUsed, pPrev, _ := h.readHeader(prev)
		if !pUsed {
			newSize := pSize + headerSize + size
			h.writeHeader(prev, newSize, false, pPrev, next)
			if next != noBlock {
				h.setLinks(next, prev, h.nextOf(next))
			}
			hdr = prev
		}
	}
	return nil
}

// AllocAligned implements the oversize-and-offset shim (§3) for
// alignments beyond the heap's native 16-byte alignment: it allocates
// size+alignment+pointerWidth, computes the aligned payload within that
// block, and stores the original raw pointer immediately before it.
func (h *Heap) AllocAligned(size uint64, alignment uint64) (Ptr, error) {
	if alignment == 0 || alignment&(alignment-1) != 0 {
		return NullPtr, errs.New("memory.AllocAligned", errs.KindInvalidArgument, "alignment not a power of two")
	}
	if alignment <= nativeAlignment {
		return h.Alloc(size)
	}
	limit := uint64(math.MaxUint64) - alignment - pointerWidth
	if size > limit {
		return NullPtr, errs.New("memory.AllocAligned", errs.KindInvalidArgument, "size would overflow")
	}

	raw, err := h.Alloc(size + alignment + pointerWidth)
	if err != nil {
		return NullPtr, err
	}
	rawAddr := uint64(raw)
	aligned := alignUp(rawAddr+pointerWidth, alignment)
	b := h.arena[aligned-pointerWidth : aligned]
	binary.LittleEndian.PutUint64(b, rawAddr)
	return Ptr(aligned), nil
}

// FreeAligned recovers the raw pointer stored by AllocAligned and frees
// it, validating the recovered pointer lies strictly inside the heap
// (§4.2 invariant (c)).
func (h *Heap) FreeAligned(ptr Ptr) error {
	if uint64(ptr) < pointerWidth {
		return errs.New("memory.FreeAligned", errs.KindInvalidArgument, "pointer too small to have a raw-pointer prefix")
	}
	b := h.arena[uint64(ptr)-pointerWidth : uint64(ptr)]
	raw := binary.LittleEndian.Uint64(b)
	if raw < headerSize || !h.inBounds(raw-headerSize) {
		h.logger.Warnf("FreeAligned recovered out-of-heap raw pointer %#x", raw)
		return errs.New("memory.FreeAligned", errs.KindInvalidArgument, "recovered pointer outside heap")
	}
	return h.Free(Ptr(raw))
}

// Bytes returns a slice view of size bytes at ptr's payload, for reading
// or writing allocated memory.
func (h *Heap) Bytes(ptr Ptr, size uint64) []byte {
	return h.arena[uint64(ptr) : uint64(ptr)+size]
}

// UsedSize reports the sum of the payload sizes of all used blocks; block
// headers are not counted. TotalSize reports the arena length in bytes.
func (h *Heap) UsedSize() uint64  { return h.usedBytes }
func (h *Heap) TotalSize() uint64 { return uint64(len(h.arena)) }

// Validate walks the block list checking invariant (a): no two adjacent
// free blocks. Returns an error describing the first violation found.
func (h *Heap) Validate() error {
	for hdr := h.firstHdr; ; {
		_, used, _, next := h.readHeader(hdr)
		if next == noBlock {
			break
		}
		_, nUsed, _, _ := h.readHeader(next)
		if !used && !nUsed {
			return errs.New("memory.Validate", errs.KindInvalidArgument, "adjacent free blocks were not coalesced")
		}
		hdr = next
	}
	return nil
}

// FreeBlockCount counts free blocks, used by heap coalescing tests (§8
// scenario 3).
func (h *Heap) FreeBlockCount() int {
	count := 0
	for hdr := h.firstHdr; ; {
		_, used, _, next := h.readHeader(hdr)
		if !used {
			count++
		}
		if next == noBlock {
			break
		}
		hdr = next
	}
	return count
}

// FreeBytes sums payload bytes across all free blocks.
func (h *Heap) FreeBytes() uint64 {
	var total uint64
	for hdr := h.firstHdr; ; {
		size, used, _, next := h.readHeader(hdr)
		if !used {
			total += size
		}
		if next == noBlock {
			break
		}
		hdr = next
	}
	return total
}
