package inference

import (
	"fmt"
	"math"

	"github.com/embodios/embodios-core/internal/errs"
	"github.com/embodios/embodios-core/internal/fixedpoint"
	"github.com/embodios/embodios-core/internal/weights"
)

// LayerWeights holds one transformer block's dequantized parameters, all
// in Q16.16, matrices stored row-major.
type LayerWeights struct {
	AttnNormWeight []fixedpoint.Fixed // [HiddenSize]

	WQ []fixedpoint.Fixed // [HiddenSize x HiddenSize]
	WK []fixedpoint.Fixed
	WV []fixedpoint.Fixed
	WO []fixedpoint.Fixed

	FFNNormWeight []fixedpoint.Fixed // [HiddenSize]

	WUp   []fixedpoint.Fixed // [FFNSize x HiddenSize]
	WDown []fixedpoint.Fixed // [HiddenSize x FFNSize]
}

// Model is a fully loaded, ready-to-run transformer: the embedding
// table, one LayerWeights per block, and the final norm + output
// projection, dequantized once at load time rather than on every step.
type Model struct {
	cfg Config

	embedding []fixedpoint.Fixed // [VocabSize x HiddenSize]
	layers    []LayerWeights

	finalNormWeight []fixedpoint.Fixed // [HiddenSize]
	outputProj      []fixedpoint.Fixed // [VocabSize x HiddenSize]

	attnScale fixedpoint.Fixed // 1/sqrt(HeadDim), computed once at load
	backend   fixedpoint.Backend
}

// tensorName follows the llama.cpp/GGUF naming convention the reference
// format table (spec.md §6) describes model files as compatible with.
func tensorName(layer int, suffix string) string {
	return fmt.Sprintf("blk.%d.%s", layer, suffix)
}

// LoadModel dequantizes every tensor store names per cfg's topology into
// an in-memory Model. Missing tensors or a dimension mismatch against
// cfg both fail with invalid-argument (§4.5 "Failures").
func LoadModel(store *weights.Store, cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Model{
		cfg:       cfg,
		layers:    make([]LayerWeights, cfg.NumLayers),
		attnScale: fixedpoint.FromFloat64(1.0 / math.Sqrt(float64(cfg.HeadDim()))),
		backend:   fixedpoint.Default(),
	}

	var err error
	if m.embedding, err = dequantSized(store, "token_embd.weight", cfg.VocabSize*cfg.HiddenSize); err != nil {
		return nil, err
	}
	if m.finalNormWeight, err = dequantSized(store, "output_norm.weight", cfg.HiddenSize); err != nil {
		return nil, err
	}
	if m.outputProj, err = dequantSized(store, "output.weight", cfg.VocabSize*cfg.HiddenSize); err != nil {
		return nil, err
	}

	for i := 0; i < cfg.NumLayers; i++ {
		l := &m.layers[i]
		if l.AttnNormWeight, err = dequantSized(store, tensorName(i, "attn_norm.weight"), cfg.HiddenSize); err != nil {
			return nil, err
		}
		if l.WQ, err = dequantSized(store, tensorName(i, "attn_q.weight"), cfg.HiddenSize*cfg.HiddenSize); err != nil {
			return nil, err
		}
		if l.WK, err = dequantSized(store, tensorName(i, "attn_k.weight"), cfg.HiddenSize*cfg.HiddenSize); err != nil {
			return nil, err
		}
		if l.WV, err = dequantSized(store, tensorName(i, "attn_v.weight"), cfg.HiddenSize*cfg.HiddenSize); err != nil {
			return nil, err
		}
		if l.WO, err = dequantSized(store, tensorName(i, "attn_output.weight"), cfg.HiddenSize*cfg.HiddenSize); err != nil {
			return nil, err
		}
		if l.FFNNormWeight, err = dequantSized(store, tensorName(i, "ffn_norm.weight"), cfg.HiddenSize); err != nil {
			return nil, err
		}
		if l.WUp, err = dequantSized(store, tensorName(i, "ffn_up.weight"), cfg.FFNSize*cfg.HiddenSize); err != nil {
			return nil, err
		}
		if l.WDown, err = dequantSized(store, tensorName(i, "ffn_down.weight"), cfg.HiddenSize*cfg.FFNSize); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func dequantSized(store *weights.Store, name string, wantLen int) ([]fixedpoint.Fixed, error) {
	out, err := store.Dequantize(name)
	if err != nil {
		return nil, errs.Wrap("inference.LoadModel", errs.KindInvalidArgument, err)
	}
	if len(out) != wantLen {
		return nil, errs.New("inference.LoadModel", errs.KindInvalidArgument,
			fmt.Sprintf("tensor %q has %d elements, want %d", name, len(out), wantLen))
	}
	return out, nil
}

// EmbeddingRow returns the embedding vector for tokenID.
func (m *Model) EmbeddingRow(tokenID int) ([]fixedpoint.Fixed, error) {
	if tokenID < 0 || tokenID >= m.cfg.VocabSize {
		return nil, errs.New("inference.EmbeddingRow", errs.KindInvalidArgument, "token id out of range")
	}
	start := tokenID * m.cfg.HiddenSize
	return m.embedding[start : start+m.cfg.HiddenSize], nil
}

// Config returns the model's topology.
func (m *Model) Config() Config { return m.cfg }
