package weights

import (
	"encoding/binary"
	"math"

	"github.com/embodios/embodios-core/internal/errs"
)

// ggufMagic is "GGUF" read little-endian, per spec.md §6.
const ggufMagic uint32 = 0x46554747

// ggufAlignment is the tensor-data-region alignment (§4.4).
const ggufAlignment = 256

// GGUF value type tags (ggml's metadata value-type enumeration).
const (
	ggufTypeUint8 uint32 = iota
	ggufTypeInt8
	ggufTypeUint16
	ggufTypeInt16
	ggufTypeUint32
	ggufTypeInt32
	ggufTypeFloat32
	ggufTypeBool
	ggufTypeString
	ggufTypeArray
	ggufTypeUint64
	ggufTypeInt64
	ggufTypeFloat64
)

// ParseGGUF parses a GGUF file image per spec.md §4.4/§6: magic, version,
// tensor/kv counts, a metadata section whose values are kept in the
// Store's metadata map, then tensor descriptors, with the weights region
// starting at the next 256-byte-aligned offset after the descriptors.
func ParseGGUF(data []byte) (*Store, error) {
	r := &byteReader{data: data}

	magic, err := r.u32()
	if err != nil || magic != ggufMagic {
		return nil, errs.New("weights.ParseGGUF", errs.KindProtocolViolation, "bad GGUF magic")
	}
	version, err := r.u32()
	if err != nil {
		return nil, errs.Wrap("weights.ParseGGUF", errs.KindProtocolViolation, err)
	}
	if version != 1 && version != 2 && version != 3 {
		return nil, errs.New("weights.ParseGGUF", errs.KindProtocolViolation, "unsupported GGUF version")
	}
	tensorCount, err := r.u64()
	if err != nil {
		return nil, errs.Wrap("weights.ParseGGUF", errs.KindProtocolViolation, err)
	}
	kvCount, err := r.u64()
	if err != nil {
		return nil, errs.Wrap("weights.ParseGGUF", errs.KindProtocolViolation, err)
	}

	metadata := make(map[string]any, kvCount)
	for i := uint64(0); i < kvCount; i++ {
		key, err := r.string()
		if err != nil {
			return nil, errs.Wrap("weights.ParseGGUF", errs.KindProtocolViolation, err)
		}
		typeTag, err := r.u32()
		if err != nil {
			return nil, errs.Wrap("weights.ParseGGUF", errs.KindProtocolViolation, err)
		}
		val, err := r.value(typeTag)
		if err != nil {
			return nil, errs.Wrap("weights.ParseGGUF", errs.KindProtocolViolation, err)
		}
		metadata[key] = val
	}

	tensors := make([]TensorDescriptor, 0, tensorCount)
	for i := uint64(0); i < tensorCount; i++ {
		name, err := r.string()
		if err != nil {
			return nil, errs.Wrap("weights.ParseGGUF", errs.KindProtocolViolation, err)
		}
		ndim, err := r.u32()
		if err != nil {
			return nil, errs.Wrap("weights.ParseGGUF", errs.KindProtocolViolation, err)
		}
		dims := make([]uint64, ndim)
		for d := range dims {
			dims[d], err = r.u64()
			if err != nil {
				return nil, errs.Wrap("weights.ParseGGUF", errs.KindProtocolViolation, err)
			}
		}
		dtype, err := r.u32()
		if err != nil {
			return nil, errs.Wrap("weights.ParseGGUF", errs.KindProtocolViolation, err)
		}
		offset, err := r.u64()
		if err != nil {
			return nil, errs.Wrap("weights.ParseGGUF", errs.KindProtocolViolation, err)
		}
		tensors = append(tensors, TensorDescriptor{
			Name:   name,
			DType:  DType(dtype),
			Dims:   dims,
			Offset: offset,
		})
	}

	weightsBase := alignUp64(uint64(r.pos), ggufAlignment)
	if weightsBase > uint64(len(data)) {
		return nil, errs.New("weights.ParseGGUF", errs.KindProtocolViolation, "tensor data region starts beyond file")
	}
	fillTensorSizes(tensors, uint64(len(data))-weightsBase)

	for _, t := range tensors {
		if t.Offset+t.Size > uint64(len(data))-weightsBase {
			return nil, errs.New("weights.ParseGGUF", errs.KindProtocolViolation, "tensor data lies outside file")
		}
	}

	return &Store{
		data:        data,
		tensors:     tensors,
		weightsBase: weightsBase,
		metadata:    metadata,
	}, nil
}

// fillTensorSizes derives each descriptor's byte Size from the tensor
// offsets, since GGUF tensor descriptors carry only an offset: the
// size is the gap to the next tensor's offset, or to the end of the
// weights region for the last one.
func fillTensorSizes(tensors []TensorDescriptor, weightsLen uint64) {
	for i := range tensors {
		end := weightsLen
		if i+1 < len(tensors) {
			end = tensors[i+1].Offset
		}
		tensors[i].Size = end - tensors[i].Offset
	}
}

func alignUp64(n, align uint64) uint64 { return (n + align - 1) &^ (align - 1) }

// byteReader is a small cursor over a GGUF/EMB byte image; it exists so
// the sequential little-endian field reads in ParseGGUF read naturally
// instead of threading an offset through every call site.
type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) need(n int) error {
	if r.pos+n > len(r.data) {
		return errs.New("weights.byteReader", errs.KindProtocolViolation, "unexpected end of file")
	}
	return nil
}

func (r *byteReader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *byteReader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.data[r.pos : r.pos+8])
	r.pos += 8
	return v, nil
}

func (r *byteReader) i64() (int64, error) {
	v, err := r.u64()
	return int64(v), err
}

func (r *byteReader) f32() (float32, error) {
	v, err := r.u32()
	return math.Float32frombits(v), err
}

func (r *byteReader) f64() (float64, error) {
	v, err := r.u64()
	return math.Float64frombits(v), err
}

func (r *byteReader) bytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// string reads a GGUF length-prefixed string: a uint64 length followed
// by that many raw bytes.
func (r *byteReader) string() (string, error) {
	n, err := r.u64()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// value decodes one metadata value per its type tag, recursing into
// array element types as needed (§4.4 "arrays carry element type and
// count and are walked recursively").
func (r *byteReader) value(typeTag uint32) (any, error) {
	switch typeTag {
	case ggufTypeUint8, ggufTypeInt8, ggufTypeBool:
		b, err := r.bytes(1)
		if err != nil {
			return nil, err
		}
		return b[0], nil
	case ggufTypeUint16, ggufTypeInt16:
		b, err := r.bytes(2)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.Uint16(b), nil
	case ggufTypeUint32:
		return r.u32()
	case ggufTypeInt32:
		v, err := r.u32()
		return int32(v), err
	case ggufTypeFloat32:
		return r.f32()
	case ggufTypeUint64:
		return r.u64()
	case ggufTypeInt64:
		return r.i64()
	case ggufTypeFloat64:
		return r.f64()
	case ggufTypeString:
		return r.string()
	case ggufTypeArray:
		elemType, err := r.u32()
		if err != nil {
			return nil, err
		}
		count, err := r.u64()
		if err != nil {
			return nil, err
		}
		out := make([]any, count)
		for i := range out {
			out[i], err = r.value(elemType)
			if err != nil {
				return nil, err
			}
		}
		return out, nil
	default:
		return nil, errs.New("weights.value", errs.KindProtocolViolation, "unknown metadata value type")
	}
}
