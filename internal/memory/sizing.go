package memory

import "github.com/embodios/embodios-core/internal/logging"

const (
	minHeapSize = 16 << 20  // 16 MiB
	maxHeapSize = 256 << 20 // 256 MiB
)

// ComputeHeapSize applies the §4.2 heap sizing policy: 50% of reported
// available memory, clamped to [16MiB, 256MiB], rounded down to a page
// multiple.
func ComputeHeapSize(availableBytes uint64) uint64 {
	size := availableBytes / 2
	if size < minHeapSize {
		size = minHeapSize
	}
	if size > maxHeapSize {
		size = maxHeapSize
	}
	return size - (size % PageSize)
}

// NewHeapFromPMM carves the sized heap out of pmm, falling back to the
// minimum size on first-try failure (§4.2).
func NewHeapFromPMM(pmm *PMM) (*Heap, error) {
	logger := logging.Default().For(logging.SubsystemMemory)
	size := ComputeHeapSize(pmm.BytesAvailable())
	pages := int(size / PageSize)

	_, arena, err := pmm.AllocPages(pages)
	if err != nil {
		logger.Warnf("heap alloc of %d bytes failed (%v), retrying at minimum size", size, err)
		pages = minHeapSize / PageSize
		_, arena, err = pmm.AllocPages(pages)
		if err != nil {
			return nil, err
		}
	}
	return NewHeap(arena)
}
