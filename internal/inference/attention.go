package inference

import (
	"sync"

	"github.com/embodios/embodios-core/internal/errs"
	"github.com/embodios/embodios-core/internal/fixedpoint"
)

// attention computes causal single-token multi-head attention: q is the
// current position's query (HiddenSize), keys/values hold every cached
// position up to and including the current one (seqLen x HiddenSize).
// Per spec.md §4.5, the parallel framework may dispatch per-head work;
// cfg.ParallelHeads selects that path, otherwise heads run sequentially
// in the same goroutine (the engine is single-threaded per step by
// default).
func attention(cfg Config, backend fixedpoint.Backend, q, keys, values []fixedpoint.Fixed, scale fixedpoint.Fixed) ([]fixedpoint.Fixed, error) {
	headDim := cfg.HeadDim()
	seqLen := len(keys) / cfg.HiddenSize
	if seqLen == 0 {
		return nil, errs.New("inference.attention", errs.KindInvalidArgument, "empty key/value cache")
	}

	out := make([]fixedpoint.Fixed, cfg.HiddenSize)
	headErrs := make([]error, cfg.NumHeads)

	runHead := func(h int) {
		headErrs[h] = attentionHead(backend, headDim, seqLen, cfg.HiddenSize, h, q, keys, values, scale, out)
	}

	if cfg.ParallelHeads && cfg.NumHeads > 1 {
		var wg sync.WaitGroup
		wg.Add(cfg.NumHeads)
		for h := 0; h < cfg.NumHeads; h++ {
			h := h
			go func() {
				defer wg.Done()
				runHead(h)
			}()
		}
		wg.Wait()
	} else {
		for h := 0; h < cfg.NumHeads; h++ {
			runHead(h)
		}
	}

	for _, err := range headErrs {
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// attentionHead computes one head's scaled-dot-product attention output
// and writes it into out at the head's slice of the concatenated result.
// Each head writes a disjoint region of out, so concurrent calls across
// heads are race-free without further synchronization.
func attentionHead(backend fixedpoint.Backend, headDim, seqLen, hiddenSize, head int, q, keys, values []fixedpoint.Fixed, scale fixedpoint.Fixed, out []fixedpoint.Fixed) error {
	headOff := head * headDim
	qHead := q[headOff : headOff+headDim]

	scores := make([]fixedpoint.Fixed, seqLen)
	for t := 0; t < seqLen; t++ {
		kRow := keys[t*hiddenSize+headOff : t*hiddenSize+headOff+headDim]
		dot, err := backend.VecDot(qHead, kRow)
		if err != nil {
			return err
		}
		scores[t] = fixedpoint.Mul(dot, scale)
	}

	if err := backend.Softmax(scores); err != nil {
		return err
	}

	acc := make([]fixedpoint.Fixed, headDim)
	weighted := make([]fixedpoint.Fixed, headDim)
	for t := 0; t < seqLen; t++ {
		vRow := values[t*hiddenSize+headOff : t*hiddenSize+headOff+headDim]
		for i := 0; i < headDim; i++ {
			weighted[i] = fixedpoint.Mul(scores[t], vRow[i])
		}
		if err := backend.ElemAdd(acc, weighted, acc); err != nil {
			return err
		}
	}
	copy(out[headOff:headOff+headDim], acc)
	return nil
}
