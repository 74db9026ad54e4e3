package inference

import (
	"github.com/embodios/embodios-core/internal/errs"
	"github.com/embodios/embodios-core/internal/fixedpoint"
)

// Step runs one transformer forward pass for tokenID against cache,
// returning logits over the vocabulary (§4.5 "Given a token id and a
// model ... produce logits"). The cache is advanced by exactly one
// position on success.
func Step(m *Model, cache *KVCache, tokenID int) ([]fixedpoint.Fixed, error) {
	x, err := m.EmbeddingRow(tokenID)
	if err != nil {
		return nil, err
	}
	// x is aliased into the embedding table; copy before mutating via
	// residual adds so repeated calls with the same token don't corrupt
	// the table.
	hidden := append([]fixedpoint.Fixed(nil), x...)

	backend := m.backend
	n := m.cfg.HiddenSize

	for i := range m.layers {
		layer := &m.layers[i]

		normed := make([]fixedpoint.Fixed, n)
		if err := backend.RMSNorm(hidden, layer.AttnNormWeight, normed); err != nil {
			return nil, errs.Wrap("inference.Step", errs.KindInvalidArgument, err)
		}

		q := make([]fixedpoint.Fixed, n)
		k := make([]fixedpoint.Fixed, n)
		v := make([]fixedpoint.Fixed, n)
		if err := backend.MatVec(layer.WQ, n, n, normed, q); err != nil {
			return nil, err
		}
		if err := backend.MatVec(layer.WK, n, n, normed, k); err != nil {
			return nil, err
		}
		if err := backend.MatVec(layer.WV, n, n, normed, v); err != nil {
			return nil, err
		}

		if err := cache.Append(i, k, v); err != nil {
			return nil, err
		}

		attnOut, err := attention(m.cfg, backend, q, cache.KeysUpTo(i), cache.ValuesUpTo(i), m.attnScale)
		if err != nil {
			return nil, err
		}

		projected := make([]fixedpoint.Fixed, n)
		if err := backend.MatVec(layer.WO, n, n, attnOut, projected); err != nil {
			return nil, err
		}
		if err := backend.ElemAdd(hidden, projected, hidden); err != nil {
			return nil, err
		}

		normed2 := make([]fixedpoint.Fixed, n)
		if err := backend.RMSNorm(hidden, layer.FFNNormWeight, normed2); err != nil {
			return nil, err
		}
		ffnOut, err := feedForward(backend, layer, m.cfg, normed2)
		if err != nil {
			return nil, err
		}
		if err := backend.ElemAdd(hidden, ffnOut, hidden); err != nil {
			return nil, err
		}
	}

	cache.Advance()

	final := make([]fixedpoint.Fixed, n)
	if err := backend.RMSNorm(hidden, m.finalNormWeight, final); err != nil {
		return nil, err
	}

	logits := make([]fixedpoint.Fixed, m.cfg.VocabSize)
	if err := backend.MatVec(m.outputProj, m.cfg.VocabSize, n, final, logits); err != nil {
		return nil, err
	}
	return logits, nil
}

// feedForward applies a single ReLU-activated hidden layer: up-project
// to FFNSize, rectify, down-project back to HiddenSize (§4.5 "FFN";
// spec.md leaves the activation unspecified, so the simplest one
// consistent with "per-layer ... FFN" is used).
func feedForward(backend fixedpoint.Backend, layer *LayerWeights, cfg Config, x []fixedpoint.Fixed) ([]fixedpoint.Fixed, error) {
	up := make([]fixedpoint.Fixed, cfg.FFNSize)
	if err := backend.MatVec(layer.WUp, cfg.FFNSize, cfg.HiddenSize, x, up); err != nil {
		return nil, err
	}
	relu(up)

	down := make([]fixedpoint.Fixed, cfg.HiddenSize)
	if err := backend.MatVec(layer.WDown, cfg.HiddenSize, cfg.FFNSize, up, down); err != nil {
		return nil, err
	}
	return down, nil
}

func relu(x []fixedpoint.Fixed) {
	for i, v := range x {
		if v < 0 {
			x[i] = 0
		}
	}
}
