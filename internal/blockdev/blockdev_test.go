package blockdev

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSectorDevice is an in-memory SectorDevice for exercising the
// bounce-buffer splicing logic without a real virtio.Device.
type fakeSectorDevice struct {
	data     []byte
	readOnly bool
}

func newFake(sectors int, readOnly bool) *fakeSectorDevice {
	return &fakeSectorDevice{data: make([]byte, sectors*sectorSize), readOnly: readOnly}
}

func (f *fakeSectorDevice) ReadSectors(sector uint64, buf []byte) error {
	copy(buf, f.data[sector*sectorSize:])
	return nil
}

func (f *fakeSectorDevice) WriteSectors(sector uint64, buf []byte) error {
	copy(f.data[sector*sectorSize:], buf)
	return nil
}

func (f *fakeSectorDevice) CapacitySectors() uint64 { return uint64(len(f.data)) / sectorSize }
func (f *fakeSectorDevice) ReadOnly() bool          { return f.readOnly }

func TestReadBytes_SectorAlignedPassesThrough(t *testing.T) {
	fake := newFake(4, false)
	for i := range fake.data {
		fake.data[i] = byte(i)
	}
	b := New(fake)

	buf := make([]byte, sectorSize)
	require.NoError(t, b.ReadBytes(sectorSize, sectorSize, buf))
	assert.Equal(t, fake.data[sectorSize:2*sectorSize], buf)
}

func TestWriteBytes_UnalignedSplicesThroughBounceBuffer(t *testing.T) {
	fake := newFake(4, false)
	b := New(fake)

	payload := []byte("hello, unaligned write")
	offset := uint64(100)
	require.NoError(t, b.WriteBytes(offset, uint64(len(payload)), payload))

	got := make([]byte, len(payload))
	require.NoError(t, b.ReadBytes(offset, uint64(len(payload)), got))
	assert.Equal(t, payload, got)

	// Bytes outside the written span are untouched.
	assert.Equal(t, byte(0), fake.data[offset-1])
}

func TestWriteBytes_RejectsReadOnlyDevice(t *testing.T) {
	fake := newFake(2, true)
	b := New(fake)
	err := b.WriteBytes(0, sectorSize, make([]byte, sectorSize))
	assert.Error(t, err)
}

func TestReadBytes_RejectsBeyondCapacity(t *testing.T) {
	fake := newFake(2, false)
	b := New(fake)
	err := b.ReadBytes(sectorSize, sectorSize*2, make([]byte, sectorSize*2))
	assert.Error(t, err)
}

func TestReadBytes_SpanningMultipleSectorsUnaligned(t *testing.T) {
	fake := newFake(4, false)
	for i := range fake.data {
		fake.data[i] = byte(i % 200)
	}
	b := New(fake)

	offset := uint64(sectorSize - 10)
	size := uint64(20)
	got := make([]byte, size)
	require.NoError(t, b.ReadBytes(offset, size, got))
	assert.Equal(t, fake.data[offset:offset+size], got)
}
