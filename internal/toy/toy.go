// Package toy builds randomly initialised models for tests, benchmarks and
// local experiments without a checkpoint on disk.
package toy

import (
	"fmt"
	"maps"
	"slices"

	"github.com/samcharles93/sabi/internal/model"
)

var presets = map[string]model.Config{
	"tiny": {
		BlockSize: 64, VocabSize: 32, NumLayers: 2, NumHeads: 2, EmbedDim: 16,
		MaxBatchSize: 4, UseKVCache: true, KVCacheDType: "float32",
	},
	"small": {
		BlockSize: 256, VocabSize: 512, NumLayers: 4, NumHeads: 4, EmbedDim: 64,
		MaxBatchSize: 4, UseKVCache: true, KVCacheDType: "float32",
	},
	"sabiyarn-125m": model.DefaultConfig(),
}

// Names returns the preset names in sorted order.
func Names() []string {
	return slices.Sorted(maps.Keys(presets))
}

// Config returns the configuration of a preset.
func Config(name string) (model.Config, error) {
	cfg, ok := presets[name]
	if !ok {
		return model.Config{}, fmt.Errorf("unknown toy model %q (have %v)", name, Names())
	}
	return cfg, nil
}

// New returns a preset model with GPT-2 style initialisation from seed.
func New(name string, seed int64) (*model.Model, error) {
	cfg, err := Config(name)
	if err != nil {
		return nil, err
	}
	return model.NewRandom(cfg, seed)
}
