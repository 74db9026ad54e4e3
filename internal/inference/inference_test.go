package inference

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embodios/embodios-core/internal/fixedpoint"
)

// tinyConfig is small enough that every tensor fits in a handful of
// lines, so tests can hand-build a Model without a weights.Store.
func tinyConfig() Config {
	return Config{
		VocabSize:  4,
		HiddenSize: 4,
		NumLayers:  2,
		NumHeads:   2,
		FFNSize:    8,
		MaxSeqLen:  8,
	}
}

// identityModel builds a Model whose every projection matrix is the
// identity, whose norm weights are all ones and whose FFN matrices are
// zero, so Step's output is traceable by hand: RMSNorm against a weight
// of all-ones divides each element by the mean square of the vector,
// attention over a single cached position returns that
// position's value projection unchanged (softmax of one score is 1.0),
// and the FFN contributes zero when its up-projection is zero.
func identityModel(t *testing.T, cfg Config) *Model {
	t.Helper()
	n := cfg.HiddenSize

	identity := func(size int) []fixedpoint.Fixed {
		m := make([]fixedpoint.Fixed, size*size)
		for i := 0; i < size; i++ {
			m[i*size+i] = fixedpoint.One
		}
		return m
	}
	ones := func(size int) []fixedpoint.Fixed {
		v := make([]fixedpoint.Fixed, size)
		for i := range v {
			v[i] = fixedpoint.One
		}
		return v
	}

	layers := make([]LayerWeights, cfg.NumLayers)
	for i := range layers {
		layers[i] = LayerWeights{
			AttnNormWeight: ones(n),
			WQ:             identity(n),
			WK:             identity(n),
			WV:             identity(n),
			WO:             identity(n),
			FFNNormWeight:  ones(n),
			WUp:            make([]fixedpoint.Fixed, cfg.FFNSize*n),
			WDown:          make([]fixedpoint.Fixed, n*cfg.FFNSize),
		}
	}

	embedding := make([]fixedpoint.Fixed, cfg.VocabSize*n)
	for tok := 0; tok < cfg.VocabSize; tok++ {
		for i := 0; i < n; i++ {
			embedding[tok*n+i] = fixedpoint.FromInt(int32(tok + 1))
		}
	}

	return &Model{
		cfg:             cfg,
		embedding:       embedding,
		layers:          layers,
		finalNormWeight: ones(n),
		outputProj:      identity(n),
		attnScale:       fixedpoint.One,
		backend:         fixedpoint.Scalar,
	}
}

func TestStep_ProducesVocabSizedLogits(t *testing.T) {
	cfg := tinyConfig()
	m := identityModel(t, cfg)
	cache := NewKVCache(cfg)

	logits, err := Step(m, cache, 0)
	require.NoError(t, err)
	assert.Len(t, logits, cfg.VocabSize)
	assert.Equal(t, 1, cache.Len())
}

func TestStep_AdvancesCacheAcrossMultipleTokens(t *testing.T) {
	cfg := tinyConfig()
	m := identityModel(t, cfg)
	cache := NewKVCache(cfg)

	for i, tok := range []int{0, 1, 2} {
		_, err := Step(m, cache, tok)
		require.NoError(t, err)
		assert.Equal(t, i+1, cache.Len())
	}
}

func TestStep_RejectsTokenOutOfRange(t *testing.T) {
	cfg := tinyConfig()
	m := identityModel(t, cfg)
	cache := NewKVCache(cfg)
	_, err := Step(m, cache, cfg.VocabSize)
	assert.Error(t, err)
}

func TestStep_CacheExhaustionFailsCleanly(t *testing.T) {
	cfg := tinyConfig()
	cfg.MaxSeqLen = 1
	m := identityModel(t, cfg)
	cache := NewKVCache(cfg)

	_, err := Step(m, cache, 0)
	require.NoError(t, err)

	_, err = Step(m, cache, 0)
	assert.Error(t, err)
}

func TestStep_ParallelHeadsMatchesSequential(t *testing.T) {
	cfg := tinyConfig()

	seqModel := identityModel(t, cfg)
	parModel := identityModel(t, cfg)
	parModel.cfg.ParallelHeads = true

	seqCache := NewKVCache(cfg)
	parCache := NewKVCache(cfg)

	for _, tok := range []int{0, 1, 2} {
		seqLogits, err := Step(seqModel, seqCache, tok)
		require.NoError(t, err)
		parLogits, err := Step(parModel, parCache, tok)
		require.NoError(t, err)
		assert.Equal(t, seqLogits, parLogits)
	}
}

func TestKVCache_KeysUpToGrowsWithAppend(t *testing.T) {
	cfg := tinyConfig()
	cache := NewKVCache(cfg)
	assert.Equal(t, 0, len(cache.KeysUpTo(0)))

	k := make([]fixedpoint.Fixed, cfg.HiddenSize)
	require.NoError(t, cache.Append(0, k, k))
	cache.Advance()
	assert.Equal(t, cfg.HiddenSize, len(cache.KeysUpTo(0)))
}

func TestAttention_SinglePositionReturnsItsValueUnchanged(t *testing.T) {
	cfg := Config{HiddenSize: 4, NumHeads: 2}
	q := []fixedpoint.Fixed{fixedpoint.One, fixedpoint.One, fixedpoint.One, fixedpoint.One}
	keys := []fixedpoint.Fixed{fixedpoint.One, fixedpoint.One, fixedpoint.One, fixedpoint.One}
	values := []fixedpoint.Fixed{
		fixedpoint.FromInt(3), fixedpoint.FromInt(5),
		fixedpoint.FromInt(7), fixedpoint.FromInt(11),
	}
	out, err := attention(cfg, fixedpoint.Scalar, q, keys, values, fixedpoint.One)
	require.NoError(t, err)
	for i, v := range values {
		assert.InDelta(t, v.Float64(), out[i].Float64(), 1e-3)
	}
}

func TestAttention_RejectsEmptyCache(t *testing.T) {
	cfg := Config{HiddenSize: 4, NumHeads: 2}
	q := make([]fixedpoint.Fixed, 4)
	_, err := attention(cfg, fixedpoint.Scalar, q, nil, nil, fixedpoint.One)
	assert.Error(t, err)
}

func TestConfig_ValidateRejectsUnevenHeadSplit(t *testing.T) {
	cfg := Config{VocabSize: 1, HiddenSize: 5, NumLayers: 1, NumHeads: 2, FFNSize: 1, MaxSeqLen: 1}
	assert.Error(t, cfg.Validate())
}

func TestConfig_HeadDim(t *testing.T) {
	cfg := Config{HiddenSize: 16, NumHeads: 4}
	assert.Equal(t, 4, cfg.HeadDim())
}
