package inference

import (
	"github.com/embodios/embodios-core/internal/errs"
	"github.com/embodios/embodios-core/internal/fixedpoint"
)

// KVCache holds the accumulated per-layer key/value projections across a
// generation run, up to Config.MaxSeqLen positions, so each step's
// attention attends over every prior token without recomputing its K/V.
type KVCache struct {
	cfg    Config
	keys   [][]fixedpoint.Fixed // per layer, [MaxSeqLen x HiddenSize]
	values [][]fixedpoint.Fixed
	pos    int
}

// NewKVCache allocates an empty cache sized for cfg.
func NewKVCache(cfg Config) *KVCache {
	c := &KVCache{
		cfg:    cfg,
		keys:   make([][]fixedpoint.Fixed, cfg.NumLayers),
		values: make([][]fixedpoint.Fixed, cfg.NumLayers),
	}
	for i := range c.keys {
		c.keys[i] = make([]fixedpoint.Fixed, cfg.MaxSeqLen*cfg.HiddenSize)
		c.values[i] = make([]fixedpoint.Fixed, cfg.MaxSeqLen*cfg.HiddenSize)
	}
	return c
}

// Len reports how many positions have been appended so far.
func (c *KVCache) Len() int { return c.pos }

// Append writes k and v as the next position's entry for layer, shared
// across all layers' calls within one step (the caller advances pos once
// per step via Advance, not once per layer).
func (c *KVCache) Append(layer int, k, v []fixedpoint.Fixed) error {
	if c.pos >= c.cfg.MaxSeqLen {
		return errs.New("inference.KVCache.Append", errs.KindResourceExhausted, "sequence length exceeds cache capacity")
	}
	start := c.pos * c.cfg.HiddenSize
	copy(c.keys[layer][start:start+c.cfg.HiddenSize], k)
	copy(c.values[layer][start:start+c.cfg.HiddenSize], v)
	return nil
}

// Advance moves the cache to the next position, to be called exactly
// once per completed step after every layer has appended its K/V.
func (c *KVCache) Advance() {
	c.pos++
}

// KeysUpTo returns layer's cached keys for positions [0, c.pos), the
// window the current step's query may attend over.
func (c *KVCache) KeysUpTo(layer int) []fixedpoint.Fixed {
	return c.keys[layer][:c.pos*c.cfg.HiddenSize]
}

// ValuesUpTo returns layer's cached values for positions [0, c.pos).
func (c *KVCache) ValuesUpTo(layer int) []fixedpoint.Fixed {
	return c.values[layer][:c.pos*c.cfg.HiddenSize]
}
