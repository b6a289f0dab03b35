package model

import (
	"fmt"

	"github.com/samcharles93/sabi/internal/tensor"
)

// IgnoreIndex marks target positions that do not contribute to the loss.
const IgnoreIndex = -100

// LayerNormEpsilon matches the epsilon used when the checkpoints were trained.
const LayerNormEpsilon = 1e-5

// Config is the immutable architecture description of a decoder stack.
// It mirrors the keys of the checkpoint's config.json.
type Config struct {
	BlockSize    int     `json:"block_size"`
	VocabSize    int     `json:"vocab_size"`
	NumLayers    int     `json:"n_layer"`
	NumHeads     int     `json:"n_heads"`
	EmbedDim     int     `json:"n_embd"`
	Dropout      float32 `json:"dropout"`
	MaxBatchSize int     `json:"max_batch_size"`
	UseKVCache   bool    `json:"use_kv_cache"`
	Bias         bool    `json:"bias"`
	KVCacheDType string  `json:"kv_cache_dtype"`
}

// DefaultConfig returns the 125M parameter configuration.
func DefaultConfig() Config {
	return Config{
		BlockSize:    32768 * 2,
		VocabSize:    52050,
		NumLayers:    12,
		NumHeads:     12,
		EmbedDim:     768,
		Dropout:      0,
		MaxBatchSize: 1,
		UseKVCache:   true,
		Bias:         false,
		KVCacheDType: "float32",
	}
}

// HeadDim returns the per-head width.
func (c Config) HeadDim() int {
	if c.NumHeads == 0 {
		return 0
	}
	return c.EmbedDim / c.NumHeads
}

// CacheDType returns the element type used by attention caches.
// Validate reports unknown names; here they fall back to float32.
func (c Config) CacheDType() tensor.DType {
	d, err := tensor.ParseDType(c.KVCacheDType)
	if err != nil {
		return tensor.F32
	}
	return d
}

// Validate checks every invariant the decoder relies on.
func (c Config) Validate() error {
	switch {
	case c.BlockSize <= 0:
		return configErr("block_size", "must be positive, got %d", c.BlockSize)
	case c.VocabSize <= 0:
		return configErr("vocab_size", "must be positive, got %d", c.VocabSize)
	case c.NumLayers <= 0:
		return configErr("n_layer", "must be positive, got %d", c.NumLayers)
	case c.NumHeads <= 0:
		return configErr("n_heads", "must be positive, got %d", c.NumHeads)
	case c.EmbedDim <= 0:
		return configErr("n_embd", "must be positive, got %d", c.EmbedDim)
	case c.EmbedDim%c.NumHeads != 0:
		return configErr("n_embd", "%d is not divisible by n_heads=%d", c.EmbedDim, c.NumHeads)
	case c.Dropout < 0 || c.Dropout >= 1:
		return configErr("dropout", "must be in [0, 1), got %g", c.Dropout)
	case c.MaxBatchSize <= 0:
		return configErr("max_batch_size", "must be positive, got %d", c.MaxBatchSize)
	}
	if _, err := tensor.ParseDType(c.KVCacheDType); err != nil {
		return configErr("kv_cache_dtype", "%v", err)
	}
	return nil
}

func (c Config) String() string {
	return fmt.Sprintf("block=%d vocab=%d layers=%d heads=%d embd=%d bias=%t kv_cache=%t/%s",
		c.BlockSize, c.VocabSize, c.NumLayers, c.NumHeads, c.EmbedDim, c.Bias, c.UseKVCache, c.CacheDType())
}
