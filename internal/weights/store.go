package weights

import (
	"github.com/embodios/embodios-core/internal/errs"
	"github.com/embodios/embodios-core/internal/fixedpoint"
)

// Store is the format-agnostic view GGUF and EMB parsing both produce:
// a byte image, a flat tensor descriptor list, the absolute offset at
// which the weights region begins within data, and any metadata KV pairs
// the source format carried.
type Store struct {
	data        []byte
	tensors     []TensorDescriptor
	weightsBase uint64
	metadata    map[string]any
}

// Load parses data as either GGUF or EMB, sniffing the format from its
// magic number, using the default (reject-on-mismatch) checksum policy.
func Load(data []byte) (*Store, error) {
	return LoadWithOptions(data, DefaultOptions())
}

// LoadWithOptions is Load with an explicit Options, e.g. to opt into
// warn-only EMB checksum handling.
func LoadWithOptions(data []byte, opts Options) (*Store, error) {
	if len(data) < 4 {
		return nil, errs.New("weights.Load", errs.KindProtocolViolation, "file too short to identify format")
	}
	switch {
	case leU32(data) == ggufMagic:
		return ParseGGUF(data)
	case leU32(data) == embMagic:
		return ParseEMB(data, opts)
	default:
		return nil, errs.New("weights.Load", errs.KindProtocolViolation, "unrecognized model file magic")
	}
}

func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// Lookup returns the descriptor for the named tensor.
func (s *Store) Lookup(name string) (*TensorDescriptor, error) {
	for i := range s.tensors {
		if s.tensors[i].Name == name {
			return &s.tensors[i], nil
		}
	}
	return nil, errs.New("weights.Lookup", errs.KindInvalidArgument, "tensor not found: "+name)
}

// Tensors returns every tensor descriptor in the store.
func (s *Store) Tensors() []TensorDescriptor {
	return s.tensors
}

// Metadata returns the source format's metadata KV map (empty for EMB:
// ParseEMB does not read the region named by the header's metadata
// offset and size).
func (s *Store) Metadata() map[string]any {
	return s.metadata
}

// RawBytes returns the named tensor's raw on-disk bytes, unconverted.
func (s *Store) RawBytes(name string) ([]byte, error) {
	t, err := s.Lookup(name)
	if err != nil {
		return nil, err
	}
	start := s.weightsBase + t.Offset
	end := start + t.Size
	if end > uint64(len(s.data)) {
		return nil, errs.New("weights.RawBytes", errs.KindProtocolViolation, "tensor data out of bounds")
	}
	return s.data[start:end], nil
}

// Dequantize returns the named tensor's values converted to Q16.16.
func (s *Store) Dequantize(name string) ([]fixedpoint.Fixed, error) {
	t, err := s.Lookup(name)
	if err != nil {
		return nil, err
	}
	raw, err := s.RawBytes(name)
	if err != nil {
		return nil, err
	}
	out, err := Dequantize(t.DType, raw, t.ElementCount())
	if err != nil {
		return nil, errs.Wrap("weights.Dequantize", errs.KindInvalidArgument, err)
	}
	return out, nil
}
