package memory

import (
	"github.com/embodios/embodios-core/internal/errs"
	"github.com/embodios/embodios-core/internal/logging"
)

// Direction is the DMA transfer direction, used to pick the cache
// operation map_single/unmap_single must perform (§4.2).
type Direction int

const (
	DirDeviceRead  Direction = iota // CPU wrote, device will read: flush
	DirCPURead                      // device wrote, CPU will read: invalidate
	DirBidirectional                // both directions: flush and invalidate
)

// Allocation is a DMA allocation record (§3): on current (identity-mapped)
// platforms Bus always equals Virt; the fields are kept distinct so the
// abstraction survives a non-identity mapping without callers changing.
type Allocation struct {
	Virt     Ptr
	Size     uint64
	Bus      uint64
	Coherent bool
}

// DMA is the facade described in §4.2: alloc_coherent/free_coherent,
// map_single/unmap_single, and scatter-gather list translation, layered
// over a Heap.
type DMA struct {
	heap   *Heap
	logger logging.Sub

	flushOps      uint64
	invalidateOps uint64
}

func NewDMA(heap *Heap) *DMA {
	return &DMA{heap: heap, logger: logging.Default().For(logging.SubsystemMemory)}
}

// AllocCoherent returns a coherent {virt, bus} pair with size rounded up
// to the page size.
func (d *DMA) AllocCoherent(size uint64) (*Allocation, error) {
	rounded := alignUp(size, PageSize)
	ptr, err := d.heap.AllocAligned(rounded, PageSize)
	if err != nil {
		return nil, errs.Wrap("memory.AllocCoherent", errs.KindResourceExhausted, err)
	}
	return &Allocation{Virt: ptr, Size: rounded, Bus: uint64(ptr), Coherent: true}, nil
}

// FreeCoherent releases a coherent allocation's virtual and bus mapping.
func (d *DMA) FreeCoherent(a *Allocation) error {
	if a == nil {
		return errs.New("memory.FreeCoherent", errs.KindInvalidArgument, "nil allocation")
	}
	return d.heap.FreeAligned(a.Virt)
}

// Bytes returns a byte slice view of a coherent allocation's backing
// memory, for callers (e.g. the virtio queue layout) that need to read
// and write the device-visible bytes directly rather than go through
// per-field Heap accessors.
func (d *DMA) Bytes(a *Allocation) []byte {
	return d.heap.Bytes(a.Virt, a.Size)
}

// ResolveBus returns the bytes at a bus address previously handed out by
// MapSingle/AllocCoherent. Bus addresses are identity-mapped to heap
// offsets on every platform this simulation targets (§4.2), so this is
// the same lookup as Bytes keyed by the raw address instead of an
// Allocation record — used by the simulated device side of a transport
// to dereference a descriptor's Addr field.
func (d *DMA) ResolveBus(addr uint64, size uint64) []byte {
	return d.heap.Bytes(Ptr(addr), size)
}

// MapSingle returns a bus address for virt and performs the cache
// operation appropriate to direction: flush before a device read,
// invalidate before a CPU read, both when bidirectional.
func (d *DMA) MapSingle(virt Ptr, size uint64, dir Direction) (uint64, error) {
	switch dir {
	case DirDeviceRead:
		d.flushOps++
	case DirCPURead:
		d.invalidateOps++
	case DirBidirectional:
		d.flushOps++
		d.invalidateOps++
	default:
		return 0, errs.New("memory.MapSingle", errs.KindInvalidArgument, "unknown direction")
	}
	// Identity mapping: bus address equals the virtual offset. A
	// non-identity platform would translate here without changing this
	// signature (§4.2).
	return uint64(virt), nil
}

// UnmapSingle reverses MapSingle. On an identity-mapped platform there is
// nothing further to release; kept for symmetry and for a non-identity
// implementation to hook into.
func (d *DMA) UnmapSingle(bus uint64, size uint64, dir Direction) error {
	return nil
}

// SGEntry is one scatter-gather list entry (§3).
type SGEntry struct {
	Bus  uint64
	Len  uint32
	Virt Ptr
}

// SGList is a bounded scatter-gather list with a mapped-direction marker.
type SGList struct {
	Entries   []SGEntry
	Direction Direction
	mapped    bool
}

// NewSGList creates an empty scatter-gather list for the given direction.
func NewSGList(dir Direction) *SGList {
	return &SGList{Direction: dir}
}

// AddEntry appends a {virt, length} pair; Bus is filled in by SGMap.
func (l *SGList) AddEntry(virt Ptr, length uint32) {
	l.Entries = append(l.Entries, SGEntry{Virt: virt, Len: length})
}

// SGMap translates every entry's virtual address to a bus address in one
// pass (§4.2).
func (d *DMA) SGMap(l *SGList) error {
	for i := range l.Entries {
		bus, err := d.MapSingle(l.Entries[i].Virt, uint64(l.Entries[i].Len), l.Direction)
		if err != nil {
			return err
		}
		l.Entries[i].Bus = bus
	}
	l.mapped = true
	return nil
}

// SGUnmap reverses SGMap for every entry.
func (d *DMA) SGUnmap(l *SGList) error {
	for _, e := range l.Entries {
		if err := d.UnmapSingle(e.Bus, uint64(e.Len), l.Direction); err != nil {
			return err
		}
	}
	l.mapped = false
	return nil
}
