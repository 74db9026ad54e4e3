// Package blockdev layers a byte-addressable read_bytes/write_bytes API
// (spec.md §4.3) over a sector-granular virtio.Device, splicing through a
// bounce buffer whenever an offset or size isn't sector-aligned.
package blockdev

import (
	"github.com/embodios/embodios-core/internal/errs"
	"github.com/embodios/embodios-core/internal/virtio"
)

const sectorSize = 512

// SectorDevice is the subset of virtio.Device's surface blockdev needs;
// narrowing to an interface keeps this package independent of the
// concrete transport/backend wiring and testable against a fake.
type SectorDevice interface {
	ReadSectors(sector uint64, buf []byte) error
	WriteSectors(sector uint64, buf []byte) error
	CapacitySectors() uint64
	ReadOnly() bool
}

var _ SectorDevice = (*virtio.Device)(nil)

// BlockDevice exposes byte-addressable reads and writes over a
// sector-granular device (§4.3 byte-level API above blocks).
type BlockDevice struct {
	dev SectorDevice
}

// New wraps dev for byte-level access.
func New(dev SectorDevice) *BlockDevice {
	return &BlockDevice{dev: dev}
}

func (b *BlockDevice) totalBytes() uint64 { return b.dev.CapacitySectors() * sectorSize }

// ReadBytes reads size bytes at offset into buf (len(buf) must be >=
// size), splicing through a bounce buffer when offset or size is not a
// sector multiple.
func (b *BlockDevice) ReadBytes(offset, size uint64, buf []byte) error {
	if offset+size > b.totalBytes() {
		return errs.New("blockdev.ReadBytes", errs.KindInvalidArgument, "request beyond device capacity")
	}
	if uint64(len(buf)) < size {
		return errs.New("blockdev.ReadBytes", errs.KindInvalidArgument, "buffer too small")
	}
	if offset%sectorSize == 0 && size%sectorSize == 0 {
		return b.dev.ReadSectors(offset/sectorSize, buf[:size])
	}

	firstSector := offset / sectorSize
	lastSector := (offset + size - 1) / sectorSize
	span := lastSector - firstSector + 1

	bounce := make([]byte, span*sectorSize)
	if err := b.dev.ReadSectors(firstSector, bounce); err != nil {
		return err
	}
	start := offset - firstSector*sectorSize
	copy(buf[:size], bounce[start:start+size])
	return nil
}

// WriteBytes writes size bytes from buf at offset, read-modify-writing
// the overlapping sectors through a bounce buffer when offset or size is
// not a sector multiple.
func (b *BlockDevice) WriteBytes(offset, size uint64, buf []byte) error {
	if b.dev.ReadOnly() {
		return errs.New("blockdev.WriteBytes", errs.KindInvalidArgument, "write to read-only device")
	}
	if offset+size > b.totalBytes() {
		return errs.New("blockdev.WriteBytes", errs.KindInvalidArgument, "request beyond device capacity")
	}
	if uint64(len(buf)) < size {
		return errs.New("blockdev.WriteBytes", errs.KindInvalidArgument, "buffer too small")
	}
	if offset%sectorSize == 0 && size%sectorSize == 0 {
		return b.dev.WriteSectors(offset/sectorSize, buf[:size])
	}

	firstSector := offset / sectorSize
	lastSector := (offset + size - 1) / sectorSize
	span := lastSector - firstSector + 1

	bounce := make([]byte, span*sectorSize)
	if err := b.dev.ReadSectors(firstSector, bounce); err != nil {
		return err
	}
	start := offset - firstSector*sectorSize
	copy(bounce[start:start+size], buf[:size])
	return b.dev.WriteSectors(firstSector, bounce)
}

// TotalBytes reports the device's total addressable byte capacity.
func (b *BlockDevice) TotalBytes() uint64 { return b.totalBytes() }
