// Package weights implements the §4.4 quantized weight store: GGUF and
// EMB model file parsing, tensor lookup by name, and on-demand
// dequantization of F32/Q8_0/Q4_K tensors to Q16.16.
package weights

// DType identifies a tensor's on-disk quantization, shared by both the
// GGUF and EMB formats (the numeric values follow GGUF's own ggml_type
// enumeration, since EMB's quantization field is defined against the
// same set of supported encodings in spec.md §4.4/§6).
type DType uint32

const (
	DTypeF32 DType = 0
	DTypeQ8_0 DType = 8
	DTypeQ4K  DType = 12
)

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	case DTypeQ8_0:
		return "q8_0"
	case DTypeQ4K:
		return "q4_k"
	default:
		return "unknown"
	}
}

// TensorDescriptor is the format-independent shape both parsers produce:
// a name, its on-disk type, its logical dimensions, and the byte range
// of its data within the weights region (§4.4 "Tensor lookup").
type TensorDescriptor struct {
	Name   string
	DType  DType
	Dims   []uint64
	Offset uint64 // relative to the start of the weights region
	Size   uint64
}

// ElementCount returns the product of Dims, the tensor's logical element
// count (independent of how many bytes that occupies on disk).
func (t TensorDescriptor) ElementCount() uint64 {
	if len(t.Dims) == 0 {
		return 0
	}
	n := uint64(1)
	for _, d := range t.Dims {
		n *= d
	}
	return n
}
