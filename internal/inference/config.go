// Package inference implements the §4.5 transformer step: embedding
// lookup, per-layer {RMSNorm, Q/K/V projections, attention, output
// projection, RMSNorm, FFN}, and a final projection to logits, over
// Q16.16 tensors supplied by internal/weights.
package inference

import "github.com/embodios/embodios-core/internal/errs"

// Config describes a model's static topology — the shapes every loaded
// tensor must agree with (§4.5 "static MLP/transformer topologies
// only").
type Config struct {
	VocabSize  int
	HiddenSize int
	NumLayers  int
	NumHeads   int
	FFNSize    int
	MaxSeqLen  int

	// ParallelHeads dispatches the per-head attention loop across
	// goroutines instead of running heads sequentially within a step;
	// the engine itself otherwise runs single-threaded per step (§4.5).
	ParallelHeads bool
}

// HeadDim is HiddenSize/NumHeads.
func (c Config) HeadDim() int { return c.HiddenSize / c.NumHeads }

// Validate checks the topology is internally consistent and nonzero.
func (c Config) Validate() error {
	if c.VocabSize <= 0 || c.HiddenSize <= 0 || c.NumLayers <= 0 || c.NumHeads <= 0 || c.FFNSize <= 0 || c.MaxSeqLen <= 0 {
		return errs.New("inference.Config.Validate", errs.KindInvalidArgument, "all dimensions must be positive")
	}
	if c.HiddenSize%c.NumHeads != 0 {
		return errs.New("inference.Config.Validate", errs.KindInvalidArgument, "hidden size must divide evenly by head count")
	}
	return nil
}
