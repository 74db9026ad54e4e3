package virtio

import "github.com/embodios/embodios-core/internal/errs"

const sectorSize = 512

// Backend is the simulated far side of the bus: the virtio-block target
// a real driver would talk to over PCI/MMIO. In this hosted simulation
// the "device" runs in-process too (DESIGN.md, implementation stance),
// so Backend stands in for actual storage hardware.
type Backend interface {
	ReadAt(sector uint64, buf []byte) error
	WriteAt(sector uint64, buf []byte) error
	Flush() error
	TotalSectors() uint64
	ReadOnly() bool
}

// MemBackend is a Backend over a plain byte slice, used by the demo
// entry point and by tests in place of a real block device image.
type MemBackend struct {
	data     []byte
	readOnly bool
}

// NewMemBackend allocates a zero-filled backend of totalSectors sectors.
func NewMemBackend(totalSectors uint64, readOnly bool) *MemBackend {
	return &MemBackend{data: make([]byte, totalSectors*sectorSize), readOnly: readOnly}
}

func (m *MemBackend) bounds(sector uint64, n int) error {
	start := sector * sectorSize
	if start+uint64(n) > uint64(len(m.data)) {
		return errs.New("virtio.MemBackend", errs.KindInvalidArgument, "request beyond device capacity")
	}
	return nil
}

func (m *MemBackend) ReadAt(sector uint64, buf []byte) error {
	if err := m.bounds(sector, len(buf)); err != nil {
		return err
	}
	copy(buf, m.data[sector*sectorSize:])
	return nil
}

func (m *MemBackend) WriteAt(sector uint64, buf []byte) error {
	if m.readOnly {
		return errs.New("virtio.MemBackend", errs.KindInvalidArgument, "write to read-only device")
	}
	if err := m.bounds(sector, len(buf)); err != nil {
		return err
	}
	copy(m.data[sector*sectorSize:], buf)
	return nil
}

func (m *MemBackend) Flush() error           { return nil }
func (m *MemBackend) TotalSectors() uint64   { return uint64(len(m.data)) / sectorSize }
func (m *MemBackend) ReadOnly() bool         { return m.readOnly }
