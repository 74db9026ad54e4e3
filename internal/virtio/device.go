package virtio

import (
	"encoding/binary"
	"time"

	"github.com/embodios/embodios-core/internal/errs"
	"github.com/embodios/embodios-core/internal/logging"
	"github.com/embodios/embodios-core/internal/memory"
	"github.com/embodios/embodios-core/internal/metrics"
)

// pollTimeout is the §4.3/§5 completion-poll budget ("≈1 s busy-wait").
const pollTimeout = time.Second

// pollInterval is the short inner delay between poll attempts.
const pollInterval = 100 * time.Microsecond

// wantedFeatures is what this driver negotiates for (§4.3: "driver
// accepts read-only flag, block size, flush if offered").
const wantedFeatures = FeatureReadOnly | FeatureBlockSize | FeatureFlush

// Device drives a virtio-block target through a Transport, following the
// §4.3 initialisation sequence and three-descriptor request protocol. The
// "device" it talks to is a Backend processed synchronously by submit
// right after Notify returns, since this whole driver runs in a hosted simulation rather than
// against real silicon (DESIGN.md).
type Device struct {
	transport Transport
	dma       *memory.DMA
	backend   Backend
	queue     *VirtQueue
	logger    logging.Sub
	metrics   *metrics.IOMetrics

	reqHdrAlloc *memory.Allocation
	statusAlloc *memory.Allocation

	lastAvailSeen uint16
	capacity      uint64
	readOnly      bool
	features      uint32
}

// NewDevice runs the §4.3 initialisation sequence against transport and
// backend, returning a ready-to-use Device.
func NewDevice(transport Transport, dma *memory.DMA, backend Backend) (*Device, error) {
	logger := logging.Default().For(logging.SubsystemVirtio)
	d := &Device{transport: transport, dma: dma, backend: backend, logger: logger, metrics: metrics.NewIOMetrics()}

	if err := transport.Reset(); err != nil {
		return nil, errs.Wrap("virtio.NewDevice", errs.KindHardware, err)
	}
	if err := transport.SetStatus(StatusAcknowledge); err != nil {
		return nil, errs.Wrap("virtio.NewDevice", errs.KindHardware, err)
	}
	if err := transport.SetStatus(StatusDriver); err != nil {
		return nil, errs.Wrap("virtio.NewDevice", errs.KindHardware, err)
	}

	accepted, err := transport.NegotiateFeatures(wantedFeatures)
	if err != nil {
		return nil, errs.Wrap("virtio.NewDevice", errs.KindHardware, err)
	}
	d.features = accepted
	d.readOnly = accepted&FeatureReadOnly != 0

	if transport.QueueVersion() == QueueVersionSplitAddr {
		if err := transport.SetStatus(StatusFeaturesOK); err != nil {
			return nil, errs.Wrap("virtio.NewDevice", errs.KindHardware, err)
		}
		status, err := transport.Status()
		if err != nil {
			return nil, errs.Wrap("virtio.NewDevice", errs.KindHardware, err)
		}
		if status&StatusFeaturesOK == 0 {
			return nil, errs.New("virtio.NewDevice", errs.KindProtocolViolation, "device rejected FEATURES_OK")
		}
	}

	maxSize, err := transport.QueueMaxSize(0)
	if err != nil {
		return nil, errs.Wrap("virtio.NewDevice", errs.KindHardware, err)
	}
	queueSize := clampQueueSize(maxSize)

	queue, err := NewVirtQueue(dma, queueSize)
	if err != nil {
		return nil, errs.Wrap("virtio.NewDevice", errs.KindResourceExhausted, err)
	}
	d.queue = queue

	if transport.QueueVersion() == QueueVersionLegacyPFN {
		err = transport.SetQueueAddress(0, queue.base/memory.PageSize, 0, 0, 0)
	} else {
		err = transport.SetQueueAddress(0, 0,
			queue.base+queue.layout.descOffset,
			queue.base+queue.layout.availOffset,
			queue.base+queue.layout.usedOffset)
	}
	if err != nil {
		return nil, errs.Wrap("virtio.NewDevice", errs.KindHardware, err)
	}

	reqHdr, err := dma.AllocCoherent(requestHeaderSize)
	if err != nil {
		return nil, errs.Wrap("virtio.NewDevice", errs.KindResourceExhausted, err)
	}
	status, err := dma.AllocCoherent(1)
	if err != nil {
		return nil, errs.Wrap("virtio.NewDevice", errs.KindResourceExhausted, err)
	}
	d.reqHdrAlloc = reqHdr
	d.statusAlloc = status

	if err := transport.SetStatus(StatusDriverOK); err != nil {
		return nil, errs.Wrap("virtio.NewDevice", errs.KindHardware, err)
	}

	capacity, err := transport.ReadCapacitySectors()
	if err != nil {
		return nil, errs.Wrap("virtio.NewDevice", errs.KindHardware, err)
	}
	d.capacity = capacity

	logger.Debugf("device ready: queue_size=%d capacity_sectors=%d read_only=%v", queueSize, capacity, d.readOnly)
	return d, nil
}

func clampQueueSize(maxSize uint16) uint16 {
	const preferred = 128
	if maxSize == 0 {
		return preferred
	}
	size := uint16(1)
	for size*2 <= maxSize && size*2 <= preferred {
		size *= 2
	}
	return size
}

// CapacitySectors returns the device's reported total sector count.
func (d *Device) CapacitySectors() uint64 { return d.capacity }

// ReadOnly reports whether the negotiated feature set marks the device
// read-only.
func (d *Device) ReadOnly() bool { return d.readOnly }

// Metrics returns the device's I/O statistics (§4.3 "update statistics").
func (d *Device) Metrics() *metrics.IOMetrics { return d.metrics }

// submit builds the three-descriptor chain for one request and publishes
// it to the available ring (§4.3 request protocol).
func (d *Device) submit(reqType RequestType, sector uint64, buf []byte) (uint16, error) {
	if reqType != RequestFlush {
		if sector+uint64(len(buf))/sectorSize > d.capacity {
			return 0, errs.New("virtio.submit", errs.KindInvalidArgument, "request beyond total_sectors")
		}
	}
	if reqType == RequestWrite && d.readOnly {
		return 0, errs.New("virtio.submit", errs.KindInvalidArgument, "write to read-only device")
	}

	dataAlloc, err := d.dma.AllocCoherent(uint64(max(len(buf), 1)))
	if err != nil {
		return 0, errs.Wrap("virtio.submit", errs.KindResourceExhausted, err)
	}
	dataBytes := d.dma.Bytes(dataAlloc)[:len(buf)]
	if reqType == RequestWrite {
		copy(dataBytes, buf)
	}

	hdr := RequestHeader{Type: reqType, StartSector: sector}
	copy(d.dma.Bytes(d.reqHdrAlloc), hdr.Marshal())

	head, err := d.queue.allocChain(3)
	if err != nil {
		d.freeDataAlloc(dataAlloc)
		return 0, err
	}
	hdrDesc := d.queue.readDesc(head)
	dataIdx := hdrDesc.Next
	statusIdx := d.queue.readDesc(dataIdx).Next

	dataFlags := descFlagNext
	if reqType == RequestRead {
		dataFlags |= descFlagWrite
	}
	d.queue.writeDesc(head, descriptor{Addr: d.reqHdrAlloc.Bus, Len: requestHeaderSize, Flags: descFlagNext, Next: dataIdx})
	d.queue.writeDesc(dataIdx, descriptor{Addr: dataAlloc.Bus, Len: uint32(len(dataBytes)), Flags: dataFlags, Next: statusIdx})
	d.queue.writeDesc(statusIdx, descriptor{Addr: d.statusAlloc.Bus, Len: 1, Flags: descFlagWrite, Next: 0})

	d.queue.PublishAvailable(head)
	if err := d.transport.Notify(0); err != nil {
		return 0, errs.Wrap("virtio.submit", errs.KindHardware, err)
	}
	d.processOne(reqType, sector, dataAlloc, buf)
	d.freeDataAlloc(dataAlloc)
	return head, nil
}

func (d *Device) freeDataAlloc(a *memory.Allocation) {
	if err := d.dma.FreeCoherent(a); err != nil {
		d.logger.Warnf("failed to free data buffer: %v", err)
	}
}

// processOne is the simulated device side: since Backend lives in this
// same process rather than across a real bus, the request is serviced
// immediately instead of being picked up asynchronously by a separate
// device thread (DESIGN.md, implementation stance).
func (d *Device) processOne(reqType RequestType, sector uint64, dataAlloc *memory.Allocation, originalBuf []byte) {
	dataBytes := d.dma.Bytes(dataAlloc)[:len(originalBuf)]
	status := StatusOK
	var opErr error
	switch reqType {
	case RequestRead:
		opErr = d.backend.ReadAt(sector, dataBytes)
	case RequestWrite:
		opErr = d.backend.WriteAt(sector, dataBytes)
	case RequestFlush:
		opErr = d.backend.Flush()
	default:
		status = StatusUnsupport
	}
	if opErr != nil {
		status = StatusIOError
	}
	statusBytes := d.dma.Bytes(d.statusAlloc)
	statusBytes[0] = byte(status)

	availSlotIdx := d.lastAvailSeen
	slotOffset := availHeaderSize + (uint64(availSlotIdx) % uint64(d.queue.size) * availEntrySize)
	chainHead := binary.LittleEndian.Uint16(d.queue.availRing()[slotOffset : slotOffset+2])
	d.lastAvailSeen++

	d.queue.publishUsed(chainHead, uint32(len(dataBytes)))

	if reqType == RequestRead && status == StatusOK {
		copy(originalBuf, dataBytes)
	}
}

// completeAndFree polls for the next used-ring entry with the §4.3/§5
// ~1 s timeout budget, frees the chain's descriptors, and returns the
// status byte the device wrote.
func (d *Device) completeAndFree(reqType RequestType) (Status, error) {
	deadline := time.Now().Add(pollTimeout)
	for {
		head, _, ok := d.queue.PollCompletion()
		if ok {
			d.queue.freeChain(head)
			status := Status(d.dma.Bytes(d.statusAlloc)[0])
			d.record(reqType, status, nil)
			return status, nil
		}
		if time.Now().After(deadline) {
			d.metrics.RecordTimeout()
			return 0, errs.New("virtio.completeAndFree", errs.KindTimeout, "completion poll timed out")
		}
		time.Sleep(pollInterval)
	}
}

func (d *Device) record(reqType RequestType, status Status, ioErr error) {
	ok := status == StatusOK && ioErr == nil
	switch reqType {
	case RequestRead:
		d.metrics.RecordRead(sectorSize, 0, ok)
	case RequestWrite:
		d.metrics.RecordWrite(sectorSize, 0, ok)
	case RequestFlush:
		d.metrics.RecordFlush(0, ok)
	}
}

// ReadSectors reads len(buf)/sectorSize sectors starting at sector into
// buf, which must be a sector-size multiple.
func (d *Device) ReadSectors(sector uint64, buf []byte) error {
	if len(buf)%sectorSize != 0 {
		return errs.New("virtio.ReadSectors", errs.KindInvalidArgument, "buffer must be a sector-size multiple")
	}
	if _, err := d.submit(RequestRead, sector, buf); err != nil {
		return err
	}
	status, err := d.completeAndFree(RequestRead)
	if err != nil {
		return err
	}
	return statusToError("virtio.ReadSectors", status)
}

// WriteSectors writes buf (a sector-size multiple) starting at sector.
func (d *Device) WriteSectors(sector uint64, buf []byte) error {
	if len(buf)%sectorSize != 0 {
		return errs.New("virtio.WriteSectors", errs.KindInvalidArgument, "buffer must be a sector-size multiple")
	}
	if _, err := d.submit(RequestWrite, sector, buf); err != nil {
		return err
	}
	status, err := d.completeAndFree(RequestWrite)
	if err != nil {
		return err
	}
	return statusToError("virtio.WriteSectors", status)
}

// Flush issues a flush request.
func (d *Device) Flush() error {
	if _, err := d.submit(RequestFlush, 0, nil); err != nil {
		return err
	}
	status, err := d.completeAndFree(RequestFlush)
	if err != nil {
		return err
	}
	return statusToError("virtio.Flush", status)
}

func statusToError(op string, status Status) error {
	switch status {
	case StatusOK:
		return nil
	case StatusUnsupport:
		return errs.New(op, errs.KindInvalidArgument, "device reported unsupported")
	default:
		return errs.New(op, errs.KindHardware, "device reported I/O error")
	}
}
