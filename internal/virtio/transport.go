package virtio

import "github.com/embodios/embodios-core/internal/errs"

// QueueVersion selects how queue addresses are published during
// initialisation (§4.3): legacy transports and MMIO version 1 publish a
// single page-frame number; MMIO version 2+ publishes three separate
// 64-bit descriptor/available/used addresses.
type QueueVersion int

const (
	QueueVersionLegacyPFN QueueVersion = iota
	QueueVersionSplitAddr
)

// Feature bits the driver may negotiate (§4.3 "driver accepts read-only
// flag, block size, flush if offered").
const (
	FeatureReadOnly uint32 = 1 << 0
	FeatureBlockSize uint32 = 1 << 1
	FeatureFlush     uint32 = 1 << 2
)

// Transport abstracts the two wire-level ways a driver talks to a
// virtio-block device (§4.3): PCI legacy I/O ports and MMIO registers.
// Both share the same virtqueue layout and request protocol; only
// feature negotiation, queue-address publication, and notification
// differ, which is exactly what this interface captures.
type Transport interface {
	// Reset returns the device to its initial state.
	Reset() error
	// SetStatus ORs bits into the device status register.
	SetStatus(bits uint8) error
	// Status reads the device status register.
	Status() (uint8, error)
	// NegotiateFeatures ANDs the device's offered features with wanted
	// and returns the accepted subset.
	NegotiateFeatures(wanted uint32) (uint32, error)
	// QueueVersion reports how this transport expects queue addresses
	// to be published.
	QueueVersion() QueueVersion
	// SetQueueAddress publishes the queue location: for
	// QueueVersionLegacyPFN, pfn holds the page-frame number and desc/
	// avail/used are ignored; for QueueVersionSplitAddr, pfn is ignored.
	SetQueueAddress(queue uint16, pfn uint64, desc, avail, used uint64) error
	// QueueMaxSize reports the device's maximum queue size for queue 0.
	QueueMaxSize(queue uint16) (uint16, error)
	// Notify tells the device new descriptors are available on queue.
	Notify(queue uint16) error
	// ReadCapacitySectors reads the device's reported capacity from
	// config space.
	ReadCapacitySectors() (uint64, error)
}

// Device status register bits (virtio spec).
const (
	StatusAcknowledge uint8 = 1 << 0
	StatusDriver      uint8 = 1 << 1
	StatusDriverOK    uint8 = 1 << 2
	StatusFeaturesOK  uint8 = 1 << 3
	StatusFailed      uint8 = 1 << 7
)

// simRegisters is the shared register-bank simulation both transport
// variants below build on: addressable bytes standing in for I/O ports
// or MMIO registers, per DESIGN.md's implementation stance.
type simRegisters struct {
	status        uint8
	deviceFeatures uint32
	driverFeatures uint32
	queueMaxSize  uint16
	queuePFN      uint64
	queueDescAddr uint64
	queueAvailAddr uint64
	queueUsedAddr uint64
	capacitySectors uint64
	notifyCount   uint32
}

func (r *simRegisters) reset() {
	*r = simRegisters{deviceFeatures: r.deviceFeatures, queueMaxSize: r.queueMaxSize, capacitySectors: r.capacitySectors}
}

// PCILegacyTransport simulates a virtio-block device reached over PCI
// legacy I/O ports: feature negotiation is a single read/write, and the
// queue address is always published as a page-frame number (§4.3).
type PCILegacyTransport struct {
	regs simRegisters
}

// NewPCILegacyTransport constructs a simulated device offering
// deviceFeatures and queueMaxSize descriptors per queue.
func NewPCILegacyTransport(deviceFeatures uint32, queueMaxSize uint16, capacitySectors uint64) *PCILegacyTransport {
	return &PCILegacyTransport{regs: simRegisters{deviceFeatures: deviceFeatures, queueMaxSize: queueMaxSize, capacitySectors: capacitySectors}}
}

func (t *PCILegacyTransport) Reset() error       { t.regs.reset(); return nil }
func (t *PCILegacyTransport) SetStatus(bits uint8) error {
	t.regs.status |= bits
	return nil
}
func (t *PCILegacyTransport) Status() (uint8, error) { return t.regs.status, nil }

func (t *PCILegacyTransport) NegotiateFeatures(wanted uint32) (uint32, error) {
	accepted := t.regs.deviceFeatures & wanted
	t.regs.driverFeatures = accepted
	return accepted, nil
}

func (t *PCILegacyTransport) QueueVersion() QueueVersion { return QueueVersionLegacyPFN }

func (t *PCILegacyTransport) SetQueueAddress(queue uint16, pfn uint64, desc, avail, used uint64) error {
	t.regs.queuePFN = pfn
	return nil
}

func (t *PCILegacyTransport) QueueMaxSize(queue uint16) (uint16, error) {
	return t.regs.queueMaxSize, nil
}

func (t *PCILegacyTransport) Notify(queue uint16) error {
	t.regs.notifyCount++
	return nil
}

func (t *PCILegacyTransport) ReadCapacitySectors() (uint64, error) {
	return t.regs.capacitySectors, nil
}

// MMIOTransport simulates a virtio-mmio device at a fixed register base
// (§4.3): version selects whether queue addresses publish as a single
// PFN (v1) or as three split 64-bit addresses (v2+), and FEATURES_OK must
// be set and verified before queue setup on v2+.
type MMIOTransport struct {
	regs    simRegisters
	version QueueVersion
}

// NewMMIOTransport constructs a simulated MMIO virtio-block device.
func NewMMIOTransport(version QueueVersion, deviceFeatures uint32, queueMaxSize uint16, capacitySectors uint64) *MMIOTransport {
	return &MMIOTransport{
		regs:    simRegisters{deviceFeatures: deviceFeatures, queueMaxSize: queueMaxSize, capacitySectors: capacitySectors},
		version: version,
	}
}

func (t *MMIOTransport) Reset() error           { t.regs.reset(); return nil }
func (t *MMIOTransport) SetStatus(bits uint8) error {
	t.regs.status |= bits
	if t.version == QueueVersionSplitAddr && bits&StatusFeaturesOK != 0 {
		if t.regs.driverFeatures&^t.regs.deviceFeatures != 0 {
			t.regs.status &^= StatusFeaturesOK
			return errs.New("virtio.SetStatus", errs.KindProtocolViolation, "FEATURES_OK rejected: driver requested unoffered features")
		}
	}
	return nil
}
func (t *MMIOTransport) Status() (uint8, error) { return t.regs.status, nil }

func (t *MMIOTransport) NegotiateFeatures(wanted uint32) (uint32, error) {
	accepted := t.regs.deviceFeatures & wanted
	t.regs.driverFeatures = accepted
	return accepted, nil
}

func (t *MMIOTransport) QueueVersion() QueueVersion { return t.version }

func (t *MMIOTransport) SetQueueAddress(queue uint16, pfn uint64, desc, avail, used uint64) error {
	if t.version == QueueVersionLegacyPFN {
		t.regs.queuePFN = pfn
		return nil
	}
	t.regs.queueDescAddr = desc
	t.regs.queueAvailAddr = avail
	t.regs.queueUsedAddr = used
	return nil
}

func (t *MMIOTransport) QueueMaxSize(queue uint16) (uint16, error) {
	return t.regs.queueMaxSize, nil
}

func (t *MMIOTransport) Notify(queue uint16) error {
	t.regs.notifyCount++
	return nil
}

func (t *MMIOTransport) ReadCapacitySectors() (uint64, error) {
	return t.regs.capacitySectors, nil
}
