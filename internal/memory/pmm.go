// Package memory implements the two-tier memory subsystem of spec.md
// §4.2: a page-level physical allocator feeding a coalescing free-list
// heap that also honours aligned-allocation requests, plus the DMA
// facade §4.2 layers above it.
//
// The core runs a single address space with identity or trivially-mapped
// memory (a stated Non-goal is virtual-memory isolation), so "physical"
// memory here is a single mmap'd arena and a physical address is just an
// offset into it — the same identity-mapping assumption the design notes
// (§9) call out explicitly.
package memory

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/embodios/embodios-core/internal/errs"
	"github.com/embodios/embodios-core/internal/logging"
)

// PageSize is the physical page grain (§3 Physical page allocator).
const PageSize = 4096

// PMM is the physical page frame allocator. Clients own pages until an
// explicit free (§3).
type PMM struct {
	arena      []byte
	totalPages int
	free       []bool // true = free

	logger logging.Sub
}

// NewPMM creates a physical allocator backing totalBytes of simulated RAM,
// rounded down to a whole number of pages. The arena is an anonymous
// mmap mapping rather than a Go slice from make() so its address is
// stable for the lifetime of the allocator, mirroring the teacher's use
// of mmap'd regions for structures whose address must not move under GC
// (internal/queue/runner.go).
func NewPMM(totalBytes uint64) (*PMM, error) {
	pages := int(totalBytes / PageSize)
	if pages <= 0 {
		return nil, errs.New("memory.NewPMM", errs.KindInvalidArgument, "totalBytes too small for one page")
	}
	size := pages * PageSize
	arena, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errs.Wrap("memory.NewPMM", errs.KindResourceExhausted, err)
	}
	free := make([]bool, pages)
	for i := range free {
		free[i] = true
	}
	return &PMM{arena: arena, totalPages: pages, free: free, logger: logging.Default().For(logging.SubsystemMemory)}, nil
}

// Close releases the backing mapping. Only meant for test/teardown use;
// a booted kernel never unmaps its own physical memory.
func (p *PMM) Close() error {
	return unix.Munmap(p.arena)
}

// TotalPages reports the arena's page count.
func (p *PMM) TotalPages() int { return p.totalPages }

// AllocPages hands out n contiguous, 4 KiB aligned pages using a
// first-fit scan of the free bitmap. Returns the base physical address
// (a page-aligned offset into the arena) and a slice viewing that memory.
// Returns an error on exhaustion (§4.2), never partial state.
func (p *PMM) AllocPages(n int) (base uint64, mem []byte, err error) {
	if n <= 0 {
		return 0, nil, errs.New("memory.AllocPages", errs.KindInvalidArgument, "n must be positive")
	}
	run := 0
	start := -1
	for i := 0; i < p.totalPages; i++ {
		if p.free[i] {
			if run == 0 {
				start = i
			}
			run++
			if run == n {
				for j := start; j < start+n; j++ {
					p.free[j] = false
				}
				base = uint64(start) * PageSize
				mem = p.arena[base : base+uint64(n)*PageSize]
				return base, mem, nil
			}
		} else {
			run = 0
		}
	}
	return 0, nil, errs.New("memory.AllocPages", errs.KindResourceExhausted,
		fmt.Sprintf("no contiguous run of %d pages available", n))
}

// FreePage releases a single page previously returned (possibly as part
// of a multi-page run) by AllocPages.
func (p *PMM) FreePage(addr uint64) error {
	if addr%PageSize != 0 {
		return errs.New("memory.FreePage", errs.KindInvalidArgument, "address is not page aligned")
	}
	idx := int(addr / PageSize)
	if idx < 0 || idx >= p.totalPages {
		p.logger.Warnf("FreePage address %#x out of range", addr)
		return errs.New("memory.FreePage", errs.KindInvalidArgument, "address out of range")
	}
	if p.free[idx] {
		p.logger.Warnf("FreePage double free at %#x", addr)
		return errs.New("memory.FreePage", errs.KindInvalidArgument, "double free")
	}
	p.free[idx] = true
	return nil
}

// FreePages frees an entire n-page run starting at addr, for callers that
// allocated and want to release the whole run at once (the heap's
// PMM-backed sizing path does this).
func (p *PMM) FreePages(addr uint64, n int) error {
	for i := 0; i < n; i++ {
		if err := p.FreePage(addr + uint64(i)*PageSize); err != nil {
			return err
		}
	}
	return nil
}

// BytesAvailable reports free bytes remaining in the arena.
func (p *PMM) BytesAvailable() uint64 {
	free := 0
	for _, f := range p.free {
		if f {
			free++
		}
	}
	return uint64(free) * PageSize
}

// Arena exposes the backing bytes so the heap can be laid out directly
// over physical pages without a copy.
func (p *PMM) Arena() []byte { return p.arena }
