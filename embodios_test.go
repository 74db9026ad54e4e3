package embodios

import (
	"encoding/binary"
	"math"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embodios/embodios-core/internal/inference"
	"github.com/embodios/embodios-core/internal/virtio"
	"github.com/embodios/embodios-core/internal/weights"
)

// buildEMBImage assembles a minimal valid EMB image (§6) carrying one F32
// tensor per weight name required by inference.LoadModel for cfg, each
// tensor filled with constant values so the transformer step is cheap to
// hand-verify. The byte layout mirrors internal/weights' own EMB parser.
func buildEMBImage(t *testing.T, cfg inference.Config) []byte {
	t.Helper()

	type tensor struct {
		name string
		vals []float32
	}
	var tensors []tensor
	tensors = append(tensors, tensor{"token_embd.weight", make([]float32, cfg.VocabSize*cfg.HiddenSize)})
	for l := 0; l < cfg.NumLayers; l++ {
		p := func(suffix string) string { return tname(l, suffix) }
		tensors = append(tensors,
			tensor{p("attn_norm.weight"), ones(cfg.HiddenSize)},
			tensor{p("attn_q.weight"), identity(cfg.HiddenSize)},
			tensor{p("attn_k.weight"), identity(cfg.HiddenSize)},
			tensor{p("attn_v.weight"), identity(cfg.HiddenSize)},
			tensor{p("attn_output.weight"), identity(cfg.HiddenSize)},
			tensor{p("ffn_norm.weight"), ones(cfg.HiddenSize)},
			tensor{p("ffn_up.weight"), make([]float32, cfg.FFNSize*cfg.HiddenSize)},
			tensor{p("ffn_down.weight"), make([]float32, cfg.HiddenSize*cfg.FFNSize)},
		)
	}
	tensors = append(tensors,
		tensor{"output_norm.weight", ones(cfg.HiddenSize)},
		tensor{"output.weight", identity(cfg.HiddenSize)},
	)

	const headerSize = 256
	const descSize = 152
	const nameSize = 64

	descTable := make([]byte, 0, len(tensors)*descSize)
	var weightsData []byte
	var cursor uint32
	for _, tn := range tensors {
		desc := make([]byte, descSize)
		copy(desc[:nameSize], tn.name)
		binary.LittleEndian.PutUint32(desc[nameSize:nameSize+4], uint32(weights.DTypeF32))
		binary.LittleEndian.PutUint32(desc[nameSize+4:nameSize+8], 1) // ndim
		binary.LittleEndian.PutUint64(desc[nameSize+8:nameSize+16], uint64(len(tn.vals)))
		binary.LittleEndian.PutUint32(desc[nameSize+72:nameSize+76], cursor) // offset within weights region
		size := uint32(len(tn.vals) * 4)
		binary.LittleEndian.PutUint32(desc[nameSize+76:nameSize+80], size)
		descTable = append(descTable, desc...)

		buf := make([]byte, size)
		for i, v := range tn.vals {
			binary.LittleEndian.PutUint32(buf[i*4:i*4+4], math.Float32bits(v))
		}
		weightsData = append(weightsData, buf...)
		cursor += size
	}

	weightsOffset := uint32(headerSize) + uint32(len(descTable))
	postHeader := append(append([]byte{}, descTable...), weightsData...)

	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header[0:4], 0x454D424F)  // magic "EMBO"
	binary.LittleEndian.PutUint32(header[4:8], 0x0100)       // version
	binary.LittleEndian.PutUint32(header[8:12], 0)           // compression: none
	binary.LittleEndian.PutUint32(header[12:16], 0)          // quantization: f32
	binary.LittleEndian.PutUint32(header[16:20], uint32(len(tensors)))
	binary.LittleEndian.PutUint32(header[20:24], 0) // metadata offset
	binary.LittleEndian.PutUint32(header[24:28], 0) // metadata size
	binary.LittleEndian.PutUint32(header[28:32], weightsOffset)
	binary.LittleEndian.PutUint32(header[32:36], uint32(len(weightsData)))

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
	binary.LittleEndian.PutUint32(header[36:40], sum)

	return append(header, postHeader...)
}

func tname(layer int, suffix string) string {
	return "blk." + strconv.Itoa(layer) + "." + suffix
}

func ones(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

func identity(n int) []float32 {
	out := make([]float32, n*n)
	for i := 0; i < n; i++ {
		out[i*n+i] = 1
	}
	return out
}

func testConfig() inference.Config {
	return inference.Config{
		VocabSize:  4,
		HiddenSize: 4,
		NumLayers:  1,
		NumHeads:   2,
		FFNSize:    8,
		MaxSeqLen:  8,
	}
}

func TestScenario_BootLoadModelAndStep(t *testing.T) {
	cfg := testConfig()
	image := buildEMBImage(t, cfg)

	k, err := New(Config{
		MemoryBytes: 32 << 20,
		Cmdline:     "embodios.model=tiny embodios.verbose",
		ModelConfig: cfg,
	})
	require.NoError(t, err)
	k.Boot()
	assert.Equal(t, "tiny", k.BootParams.Model)
	assert.True(t, k.BootParams.Verbose)

	totalSectors := (uint64(len(image)) + 511) / 512
	backend := virtio.NewMemBackend(totalSectors, false)
	transport := virtio.NewMMIOTransport(virtio.QueueVersionSplitAddr,
		virtio.FeatureBlockSize|virtio.FeatureFlush, 64, totalSectors)
	require.NoError(t, k.AttachBlockDevice(transport, backend))
	require.NoError(t, k.Block.WriteBytes(0, uint64(len(image)), image))

	require.NoError(t, k.LoadModel(weights.DefaultOptions()))
	assert.NotNil(t, k.Model)
	assert.NotNil(t, k.Cache)

	logits, err := k.Step(1)
	require.NoError(t, err)
	require.Len(t, logits, cfg.VocabSize)
}

func TestStep_FailsWithoutLoadedModel(t *testing.T) {
	k, err := New(Config{MemoryBytes: 32 << 20, ModelConfig: testConfig()})
	require.NoError(t, err)
	_, err = k.Step(0)
	assert.Error(t, err)
}

func TestLoadModel_FailsWithoutBlockDevice(t *testing.T) {
	k, err := New(Config{MemoryBytes: 32 << 20, ModelConfig: testConfig()})
	require.NoError(t, err)
	err = k.LoadModel(weights.DefaultOptions())
	assert.Error(t, err)
}
