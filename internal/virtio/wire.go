// Package virtio implements the split-virtqueue submission/completion
// protocol and the PCI-legacy/MMIO transport variants of spec.md §4.3,
// against a simulated device: "hardware" is an addressable byte arena
// rather than real bus-mapped memory (see DESIGN.md, implementation
// stance).
package virtio

import (
	"encoding/binary"
	"unsafe"
)

// descriptorSize is the wire size of one virtqueue descriptor (§6):
// 64-bit address, 32-bit length, 16-bit flags, 16-bit next.
const descriptorSize = 16

// Descriptor flag bits (virtio spec, VRING_DESC_F_*).
const (
	descFlagNext  uint16 = 1 << 0 // descriptor continues via Next
	descFlagWrite uint16 = 1 << 1 // device writes into this buffer
)

// descriptor is the in-memory shape of one virtqueue descriptor table
// entry; reads and writes always go through the byte-level accessors
// below since the real storage is a shared byte arena, not a typed slice.
type descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

var _ [descriptorSize]byte = [unsafe.Sizeof(descriptor{})]byte{}

func putDescriptor(b []byte, d descriptor) {
	binary.LittleEndian.PutUint64(b[0:8], d.Addr)
	binary.LittleEndian.PutUint32(b[8:12], d.Len)
	binary.LittleEndian.PutUint16(b[12:14], d.Flags)
	binary.LittleEndian.PutUint16(b[14:16], d.Next)
}

func getDescriptor(b []byte) descriptor {
	return descriptor{
		Addr:  binary.LittleEndian.Uint64(b[0:8]),
		Len:   binary.LittleEndian.Uint32(b[8:12]),
		Flags: binary.LittleEndian.Uint16(b[12:14]),
		Next:  binary.LittleEndian.Uint16(b[14:16]),
	}
}

// RequestType is the §6 virtio-block request header's type field.
type RequestType uint32

const (
	RequestRead  RequestType = 0
	RequestWrite RequestType = 1
	RequestFlush RequestType = 4
)

// requestHeaderSize is the wire size of the header descriptor's payload
// (§6): 32-bit type, 32-bit reserved, 64-bit starting sector.
const requestHeaderSize = 16

// RequestHeader is the first descriptor of every virtio-block request.
type RequestHeader struct {
	Type          RequestType
	Reserved      uint32
	StartSector   uint64
}

// Marshal writes h's wire form into a fresh requestHeaderSize buffer,
// following the teacher's manual binary.LittleEndian marshal idiom
// (internal/uapi/marshal.go) rather than unsafe struct reinterpretation.
func (h RequestHeader) Marshal() []byte {
	buf := make([]byte, requestHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Type))
	binary.LittleEndian.PutUint32(buf[4:8], h.Reserved)
	binary.LittleEndian.PutUint64(buf[8:16], h.StartSector)
	return buf
}

// Status is the single status byte the device writes back (§6).
type Status uint8

const (
	StatusOK        Status = 0
	StatusIOError   Status = 1
	StatusUnsupport Status = 2
)
