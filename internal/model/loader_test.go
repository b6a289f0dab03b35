package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/samcharles93/sabi/internal/safetensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointRoundTrip(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig()
	cfg.Bias = true
	m := newTestModel(t, cfg)
	m.Weights().Layers[1].QKV.B[3] = 0.25

	dir := t.TempDir()
	require.NoError(t, SaveCheckpoint(dir, m))
	assert.True(t, IsCheckpointDir(dir))

	loaded, err := LoadCheckpoint(dir)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded.Config())
	assert.Equal(t, fullLogits(t, m, []int{1, 2, 3}), fullLogits(t, loaded, []int{1, 2, 3}))
}

func TestReadConfigDefaults(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), ConfigFile)
	require.NoError(t, os.WriteFile(path, []byte(`{"block_size": 32, "vocab_size": 10, "n_layer": 1, "n_heads": 2, "n_embd": 4}`), 0o644))

	cfg, err := ReadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.BlockSize)
	assert.True(t, cfg.UseKVCache)
	assert.Equal(t, 1, cfg.MaxBatchSize)
	assert.Equal(t, "float32", cfg.KVCacheDType)

	require.NoError(t, os.WriteFile(path, []byte(`{"n_embd": 10, "n_heads": 3}`), 0o644))
	_, err = ReadConfig(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadRejectsUntiedHead(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig()
	m := newTestModel(t, cfg)
	dir := t.TempDir()
	require.NoError(t, SaveCheckpoint(dir, m))

	refs := m.Weights().tensorRefs()
	tensors := make([]safetensors.Tensor, 0, len(refs)+1)
	for _, ref := range refs {
		tensors = append(tensors, safetensors.Tensor{Name: ref.name, Shape: ref.shape, Data: ref.data})
	}
	head := make([]float32, cfg.VocabSize*cfg.EmbedDim)
	tensors = append(tensors, safetensors.Tensor{Name: lmHeadName, Shape: []int{cfg.VocabSize, cfg.EmbedDim}, Data: head})
	require.NoError(t, safetensors.Write(filepath.Join(dir, WeightsFile), tensors, nil))

	_, err := LoadCheckpoint(dir)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	tensors[len(tensors)-1].Data = m.Weights().TokenEmbedding().Data
	require.NoError(t, safetensors.Write(filepath.Join(dir, WeightsFile), tensors, nil))
	_, err = LoadCheckpoint(dir)
	assert.NoError(t, err)
}

func TestLoadMissingTensor(t *testing.T) {
	t.Parallel()
	m := newTestModel(t, tinyConfig())
	dir := t.TempDir()
	require.NoError(t, SaveCheckpoint(dir, m))
	require.NoError(t, safetensors.Write(filepath.Join(dir, WeightsFile), []safetensors.Tensor{
		{Name: "transformer.wte.weight", Shape: []int{11, 8}, Data: make([]float32, 88)},
	}, nil))

	_, err := LoadCheckpoint(dir)
	assert.ErrorIs(t, err, safetensors.ErrTensorNotFound)
	assert.False(t, IsCheckpointDir(t.TempDir()))
}
