package virtio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embodios/embodios-core/internal/memory"
)

func newTestDMA(t *testing.T) *memory.DMA {
	t.Helper()
	pmm, err := memory.NewPMM(32 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { pmm.Close() })

	heap, err := memory.NewHeapFromPMM(pmm)
	require.NoError(t, err)
	return memory.NewDMA(heap)
}

func newTestDevice(t *testing.T, transport Transport, totalSectors uint64, readOnly bool) *Device {
	t.Helper()
	dma := newTestDMA(t)
	backend := NewMemBackend(totalSectors, readOnly)
	dev, err := NewDevice(transport, dma, backend)
	require.NoError(t, err)
	return dev
}

// Scenario 4 (§8): virtio-block round trip — write then read back sectors.
func TestScenario_VirtioBlockRoundTrip(t *testing.T) {
	transport := NewPCILegacyTransport(FeatureBlockSize|FeatureFlush, 64, 1024)
	dev := newTestDevice(t, transport, 1024, false)

	want := make([]byte, sectorSize*2)
	for i := range want {
		want[i] = byte(i % 251)
	}
	require.NoError(t, dev.WriteSectors(10, want))

	got := make([]byte, sectorSize*2)
	require.NoError(t, dev.ReadSectors(10, got))
	assert.Equal(t, want, got)

	snap := dev.Metrics().Snapshot()
	assert.Equal(t, uint64(1), snap.ReadOps)
	assert.Equal(t, uint64(1), snap.WriteOps)
}

func TestDevice_ReadOnlyRejectsWrite(t *testing.T) {
	transport := NewPCILegacyTransport(FeatureReadOnly, 64, 1024)
	dev := newTestDevice(t, transport, 1024, true)
	assert.True(t, dev.ReadOnly())

	err := dev.WriteSectors(0, make([]byte, sectorSize))
	assert.Error(t, err)
}

func TestDevice_BeyondCapacityFails(t *testing.T) {
	transport := NewPCILegacyTransport(FeatureBlockSize, 64, 4)
	dev := newTestDevice(t, transport, 4, false)

	err := dev.ReadSectors(3, make([]byte, sectorSize*2))
	assert.Error(t, err)
}

func TestDevice_FlushSucceeds(t *testing.T) {
	transport := NewMMIOTransport(QueueVersionSplitAddr, FeatureFlush, 32, 100)
	dev := newTestDevice(t, transport, 100, false)
	assert.NoError(t, dev.Flush())
}

func TestMMIOv2_RejectsFeaturesOKWhenDriverWantsMoreThanOffered(t *testing.T) {
	transport := NewMMIOTransport(QueueVersionSplitAddr, FeatureReadOnly, 32, 10)
	// Bypass NegotiateFeatures to simulate a driver that asks for more than
	// the device offered, exercising the FEATURES_OK verification directly.
	transport.regs.driverFeatures = FeatureFlush
	err := transport.SetStatus(StatusFeaturesOK)
	assert.Error(t, err)
}

func TestVirtQueue_FreeListRoundTrips(t *testing.T) {
	dma := newTestDMA(t)
	q, err := NewVirtQueue(dma, 8)
	require.NoError(t, err)
	assert.Equal(t, uint16(8), q.FreeCount())

	head, err := q.allocChain(3)
	require.NoError(t, err)
	assert.Equal(t, uint16(5), q.FreeCount())

	q.writeDesc(head, descriptor{Flags: descFlagNext, Next: head + 1})
	q.writeDesc(head+1, descriptor{Flags: descFlagNext, Next: head + 2})
	q.writeDesc(head+2, descriptor{Flags: 0})
	q.freeChain(head)
	assert.Equal(t, uint16(8), q.FreeCount())
}

func TestVirtQueue_RejectsNonPowerOfTwoSize(t *testing.T) {
	dma := newTestDMA(t)
	_, err := NewVirtQueue(dma, 5)
	assert.Error(t, err)
}

func TestDevice_MMIOv1PublishesLegacyPFN(t *testing.T) {
	transport := NewMMIOTransport(QueueVersionLegacyPFN, FeatureBlockSize, 16, 50)
	dev := newTestDevice(t, transport, 50, false)
	assert.NotZero(t, dev.queue.base)
	assert.Equal(t, dev.queue.base/memory.PageSize, transport.regs.queuePFN)
}
