package weights

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildGGUF assembles a minimal valid GGUF byte image: one string metadata
// KV pair and one F32 tensor holding values, so the round trip exercises
// header parsing, KV walking, tensor descriptor parsing and alignment.
func buildGGUF(t *testing.T, values []float32) []byte {
	t.Helper()
	var buf bytes.Buffer

	require.NoError(t, binary.Write(&buf, binary.LittleEndian, ggufMagic))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(3)))  // version
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(1))) // tensor count
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(1))) // kv count

	writeGGUFString(t, &buf, "general.name")
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, ggufTypeString))
	writeGGUFString(t, &buf, "test-model")

	writeGGUFString(t, &buf, "weight.0")
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(1))) // ndim
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(len(values))))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(DTypeF32)))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(0))) // offset

	headerLen := buf.Len()
	weightsBase := int(alignUp64(uint64(headerLen), ggufAlignment))
	buf.Write(make([]byte, weightsBase-headerLen))

	for _, v := range values {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, v))
	}
	return buf.Bytes()
}

func writeGGUFString(t *testing.T, buf *bytes.Buffer, s string) {
	t.Helper()
	require.NoError(t, binary.Write(buf, binary.LittleEndian, uint64(len(s))))
	buf.WriteString(s)
}

func TestScenario_GGUFLoadAndDequantizeF32(t *testing.T) {
	values := []float32{1.0, -2.5, 0.25, 100.0}
	data := buildGGUF(t, values)

	store, err := Load(data)
	require.NoError(t, err)

	desc, err := store.Lookup("weight.0")
	require.NoError(t, err)
	assert.Equal(t, DTypeF32, desc.DType)
	assert.Equal(t, uint64(len(values)), desc.ElementCount())

	got, err := store.Dequantize("weight.0")
	require.NoError(t, err)
	require.Len(t, got, len(values))
	for i, v := range values {
		assert.InDelta(t, float64(v), got[i].Float64(), 1e-3)
	}
}

func TestGGUF_RejectsBadMagic(t *testing.T) {
	_, err := Load([]byte{0, 0, 0, 0, 0, 0, 0, 0})
	assert.Error(t, err)
}

func TestGGUF_MetadataSurfacesStringValue(t *testing.T) {
	data := buildGGUF(t, []float32{1.0})
	store, err := Load(data)
	require.NoError(t, err)
	assert.Equal(t, "test-model", store.Metadata()["general.name"])
}

func TestGGUF_LookupUnknownTensorFails(t *testing.T) {
	data := buildGGUF(t, []float32{1.0})
	store, err := Load(data)
	require.NoError(t, err)
	_, err = store.Lookup("does.not.exist")
	assert.Error(t, err)
}

// buildEMB assembles a minimal valid EMB image: a 256-byte header, one
// tensor descriptor, and its weights, with the checksum computed over
// the post-header bytes (descriptor + weights).
func buildEMB(t *testing.T, name string, dtype DType, dims []uint64, raw []byte) []byte {
	t.Helper()
	header := make([]byte, embHeaderSize)
	binary.LittleEndian.PutUint32(header[embOffMagic:embOffMagic+4], embMagic)
	binary.LittleEndian.PutUint32(header[embOffVersion:embOffVersion+4], embVersion)
	binary.LittleEndian.PutUint32(header[embOffCompression:embOffCompression+4], uint32(CompressionNone))
	binary.LittleEndian.PutUint32(header[embOffQuantization:embOffQuantization+4], uint32(QuantizationF32))
	binary.LittleEndian.PutUint32(header[embOffTensorCount:embOffTensorCount+4], 1)
	binary.LittleEndian.PutUint32(header[embOffMetadataOffset:embOffMetadataOffset+4], 0)
	binary.LittleEndian.PutUint32(header[embOffMetadataSize:embOffMetadataSize+4], 0)
	// The weights region starts right after the one fixed-size tensor
	// descriptor entry that follows the header.
	weightsOffset := uint32(embHeaderSize + embTensorDescSize)
	binary.LittleEndian.PutUint32(header[embOffWeightsOffset:embOffWeightsOffset+4], weightsOffset)
	binary.LittleEndian.PutUint32(header[embOffWeightsSize:embOffWeightsSize+4], uint32(len(raw)))

	desc := make([]byte, embTensorDescSize)
	copy(desc[:embTensorNameSize], name)
	binary.LittleEndian.PutUint32(desc[embDescDTypeOff:embDescDTypeOff+4], uint32(dtype))
	binary.LittleEndian.PutUint32(desc[embDescNDimOff:embDescNDimOff+4], uint32(len(dims)))
	for i, d := range dims {
		off := embDescDimsOff + i*8
		binary.LittleEndian.PutUint64(desc[off:off+8], d)
	}
	binary.LittleEndian.PutUint32(desc[embDescOffsetOff:embDescOffsetOff+4], 0) // offset within weights
	binary.LittleEndian.PutUint32(desc[embDescSizeOff:embDescSizeOff+4], uint32(len(raw)))

	postHeader := append(append([]byte{}, desc...), raw...)
	var sum uint32
	i := 0
	for ; i+4 <= len(postHeader); i += 4 {
		sum ^= binary.LittleEndian.Uint32(postHeader[i : i+4])
	}
	if rem := len(postHeader) - i; rem > 0 {
		var tail [4]byte
		copy(tail[:], postHeader[i:])
		sum ^= binary.LittleEndian.Uint32(tail[:])
	}
	binary.LittleEndian.PutUint32(header[embOffChecksum:embOffChecksum+4], sum)

	out := append([]byte{}, header...)
	out = append(out, postHeader...)
	return out
}

func TestScenario_EMBLoadAndDequantizeQ8_0(t *testing.T) {
	scale := int16(1 << 8) // 1.0 in Q8.8
	samples := make([]byte, q8BlockSize)
	binary.LittleEndian.PutUint16(samples[0:2], uint16(scale))
	for i := 0; i < q8BlockElems; i++ {
		samples[2+i] = byte(int8(i - 16))
	}

	data := buildEMB(t, "blk.0.weight", DTypeQ8_0, []uint64{q8BlockElems}, samples)

	store, err := Load(data)
	require.NoError(t, err)

	got, err := store.Dequantize("blk.0.weight")
	require.NoError(t, err)
	require.Len(t, got, q8BlockElems)
	for i := 0; i < q8BlockElems; i++ {
		assert.InDelta(t, float64(int8(i-16)), got[i].Float64(), 0.01)
	}
}

func TestEMB_RejectsBadChecksum(t *testing.T) {
	data := buildEMB(t, "t", DTypeF32, []uint64{1}, []byte{0, 0, 0, 0})
	data[embOffChecksum] ^= 0xFF // corrupt the stored checksum
	_, err := Load(data)
	assert.Error(t, err)
}

func TestEMB_WarnOnlyPolicyToleratesBadChecksum(t *testing.T) {
	data := buildEMB(t, "t", DTypeF32, []uint64{1}, []byte{0, 0, 0, 0})
	data[embOffChecksum] ^= 0xFF
	store, err := LoadWithOptions(data, Options{ChecksumPolicy: ChecksumWarnOnly})
	require.NoError(t, err)
	assert.NotNil(t, store)
}

func TestEMB_RejectsBadMagic(t *testing.T) {
	data := buildEMB(t, "t", DTypeF32, []uint64{1}, []byte{0, 0, 0, 0})
	data[0] ^= 0xFF
	_, err := Load(data)
	assert.Error(t, err)
}

func TestDequantize_RejectsUnknownType(t *testing.T) {
	_, err := Dequantize(DType(99), []byte{0, 0, 0, 0}, 1)
	assert.Error(t, err)
}

func TestDequantizeF32_RoundTripsExactFloats(t *testing.T) {
	var buf bytes.Buffer
	vals := []float32{0, 1, -1, 3.5}
	for _, v := range vals {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, v))
	}
	out, err := DequantizeF32(buf.Bytes(), uint64(len(vals)))
	require.NoError(t, err)
	for i, v := range vals {
		assert.InDelta(t, float64(v), out[i].Float64(), 1e-4)
	}
}

func TestDequantizeF32_RejectsShortBuffer(t *testing.T) {
	_, err := DequantizeF32([]byte{0, 0}, 1)
	assert.Error(t, err)
}

func TestDequantizeQ4K_ZeroBlockDecodesToZero(t *testing.T) {
	block := make([]byte, q4KBlockSize)
	binary.LittleEndian.PutUint16(block[0:2], uint16(1<<8)) // d = 1.0
	binary.LittleEndian.PutUint16(block[2:4], uint16(0))    // dmin = 0
	// leave scales/mins zero, nibbles zero: every value should decode to 0.
	out, err := DequantizeQ4K(block, q4KBlockElems)
	require.NoError(t, err)
	require.Len(t, out, q4KBlockElems)
	for _, v := range out {
		assert.Equal(t, float64(0), v.Float64())
	}
}
