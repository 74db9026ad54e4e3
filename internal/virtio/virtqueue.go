package virtio

import (
	"encoding/binary"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/embodios/embodios-core/internal/errs"
	"github.com/embodios/embodios-core/internal/memory"
)

const (
	availHeaderSize = 4 // flags(2) + idx(2)
	availEntrySize  = 2
	availTrailer    = 2 // used_event

	usedHeaderSize = 4 // flags(2) + idx(2)
	usedEntrySize  = 8 // id(4) + len(4)
	usedTrailer    = 2 // avail_event
)

// queueLayout is the §6 virtqueue memory layout: descriptor table, then
// the available ring, padded up to the next page boundary, then the used
// ring — a single page-aligned allocation per queue.
type queueLayout struct {
	descOffset  uint64
	availOffset uint64
	usedOffset  uint64
	totalBytes  uint64
}

func computeLayout(queueSize uint16) queueLayout {
	descBytes := uint64(queueSize) * descriptorSize
	availBytes := uint64(availHeaderSize) + uint64(queueSize)*availEntrySize + availTrailer

	usedOffset := alignUp(descBytes+availBytes, memory.PageSize)
	usedBytes := uint64(usedHeaderSize) + uint64(queueSize)*usedEntrySize + usedTrailer

	total := alignUp(usedOffset+usedBytes, memory.PageSize)
	return queueLayout{
		descOffset:  0,
		availOffset: descBytes,
		usedOffset:  usedOffset,
		totalBytes:  total,
	}
}

func alignUp(n, align uint64) uint64 { return (n + align - 1) &^ (align - 1) }

// VirtQueue is one split virtqueue: a descriptor table, an available
// ring the driver writes and the device reads, a used ring the device
// writes and the driver reads, and a driver-owned free list threaded
// through the descriptor table's Next field (§4.3, §6).
type VirtQueue struct {
	mem       []byte // backing page-aligned arena
	base      uint64 // bus address of mem[0]
	size      uint16
	layout    queueLayout
	freeHead  uint16
	freeCount uint16
	lastUsed  uint16 // last used.idx the driver has consumed
}

// NewVirtQueue lays out a queue of size descriptors over dma-coherent
// memory, chaining every descriptor into the free list (§4.3
// "allocate the contiguous virtqueue block").
func NewVirtQueue(dma *memory.DMA, size uint16) (*VirtQueue, error) {
	if size == 0 || size&(size-1) != 0 {
		return nil, errs.New("virtio.NewVirtQueue", errs.KindInvalidArgument, "queue size must be a nonzero power of two")
	}
	layout := computeLayout(size)

	alloc, err := dma.AllocCoherent(layout.totalBytes)
	if err != nil {
		return nil, errs.Wrap("virtio.NewVirtQueue", errs.KindResourceExhausted, err)
	}

	q := &VirtQueue{
		mem:    dma.Bytes(alloc),
		base:   alloc.Bus,
		size:   size,
		layout: layout,
	}
	for i := uint16(0); i < size; i++ {
		next := i + 1
		if i == size-1 {
			next = 0xFFFF
		}
		q.writeDesc(i, descriptor{Next: next})
	}
	q.freeHead = 0
	q.freeCount = size
	return q, nil
}

func (q *VirtQueue) descSlice(idx uint16) []byte {
	off := q.layout.descOffset + uint64(idx)*descriptorSize
	return q.mem[off : off+descriptorSize]
}

func (q *VirtQueue) writeDesc(idx uint16, d descriptor) { putDescriptor(q.descSlice(idx), d) }
func (q *VirtQueue) readDesc(idx uint16) descriptor     { return getDescriptor(q.descSlice(idx)) }

// allocChain pulls n descriptors off the free list and links them
// head-to-tail in the order given, returning the head index.
func (q *VirtQueue) allocChain(n int) (uint16, error) {
	if int(q.freeCount) < n {
		return 0, errs.New("virtio.allocChain", errs.KindResourceExhausted, "virtqueue descriptor free list exhausted")
	}
	head := q.freeHead
	idx := head
	for i := 0; i < n; i++ {
		d := q.readDesc(idx)
		q.freeCount--
		if i == n-1 {
			q.freeHead = d.Next
			break
		}
		idx = d.Next
	}
	return head, nil
}

// freeChain walks a descriptor chain starting at head and returns every
// descriptor in it to the free list (§4.3 "free the chain descriptors").
func (q *VirtQueue) freeChain(head uint16) {
	idx := head
	for {
		d := q.readDesc(idx)
		hasNext := d.Flags&descFlagNext != 0
		next := d.Next
		q.writeDesc(idx, descriptor{Next: q.freeHead})
		q.freeHead = idx
		q.freeCount++
		if !hasNext {
			break
		}
		idx = next
	}
}

func (q *VirtQueue) availRing() []byte {
	return q.mem[q.layout.availOffset:q.layout.usedOffset]
}

func (q *VirtQueue) usedRing() []byte {
	return q.mem[q.layout.usedOffset:]
}

// headerWord reinterprets a ring's 4-byte flags+idx header as a single
// uint32 (little-endian: flags occupy the low 16 bits, idx the high 16)
// so the running index can be loaded and stored with sync/atomic instead
// of a plain unordered write — this is what actually backs the write/read
// barrier spec.md §5 requires around virtqueue index publication.
func headerWord(ring []byte) *uint32 {
	return (*uint32)(unsafe.Pointer(&ring[0]))
}

func (q *VirtQueue) availIdx() uint16 {
	return uint16(atomic.LoadUint32(headerWord(q.availRing())) >> 16)
}

func (q *VirtQueue) setAvailIdx(v uint16) {
	ring := q.availRing()
	flags := uint32(binary.LittleEndian.Uint16(ring[0:2]))
	atomic.StoreUint32(headerWord(ring), flags|uint32(v)<<16)
	runtime.KeepAlive(q.mem)
}

func (q *VirtQueue) usedIdx() uint16 {
	return uint16(atomic.LoadUint32(headerWord(q.usedRing())) >> 16)
}

func (q *VirtQueue) setUsedIdx(v uint16) {
	ring := q.usedRing()
	flags := uint32(binary.LittleEndian.Uint16(ring[0:2]))
	atomic.StoreUint32(headerWord(ring), flags|uint32(v)<<16)
	runtime.KeepAlive(q.mem)
}

// PublishAvailable writes chainHead into the next available-ring slot and
// then publishes the bumped available index with an atomic store
// (headerWord/setAvailIdx): the descriptor-slot write happens-before the
// index bump becomes visible, the write barrier spec.md §5 requires
// before a reader on the other side of the simulated bus can observe it.
func (q *VirtQueue) PublishAvailable(chainHead uint16) {
	idx := q.availIdx()
	slot := availHeaderSize + (uint64(idx)%uint64(q.size))*availEntrySize
	binary.LittleEndian.PutUint16(q.availRing()[slot:slot+2], chainHead)
	q.setAvailIdx(idx + 1)
}

// PollCompletion reports whether a new used-ring entry is available and,
// if so, the descriptor chain head and byte count the device reported.
// usedIdx's atomic load is the read barrier spec.md §5 requires before
// the used-ring entry below it is inspected.
func (q *VirtQueue) PollCompletion() (head uint16, length uint32, ok bool) {
	if q.lastUsed == q.usedIdx() {
		return 0, 0, false
	}
	slot := usedHeaderSize + (uint64(q.lastUsed)%uint64(q.size))*usedEntrySize
	ring := q.usedRing()
	id := binary.LittleEndian.Uint32(ring[slot : slot+4])
	length = binary.LittleEndian.Uint32(ring[slot+4 : slot+8])
	q.lastUsed++
	return uint16(id), length, true
}

// publishUsed is the simulated device side: Device.processOne calls it
// for every request, standing in for the real virtio-block backend on
// the other side of the bus.
func (q *VirtQueue) publishUsed(head uint16, length uint32) {
	idx := q.usedIdx()
	slot := usedHeaderSize + (uint64(idx)%uint64(q.size))*usedEntrySize
	ring := q.usedRing()
	binary.LittleEndian.PutUint32(ring[slot:slot+4], uint32(head))
	binary.LittleEndian.PutUint32(ring[slot+4:slot+8], length)
	q.setUsedIdx(idx + 1)
}

// FreeCount reports the number of unallocated descriptors, for tests and
// diagnostics.
func (q *VirtQueue) FreeCount() uint16 { return q.freeCount }

// Size reports the queue's descriptor count.
func (q *VirtQueue) Size() uint16 { return q.size }
