package model

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	json "github.com/goccy/go-json"
	"github.com/samcharles93/sabi/internal/safetensors"
	"github.com/samcharles93/sabi/internal/tensor"
)

// Checkpoint file names inside a model directory.
const (
	ConfigFile  = "config.json"
	WeightsFile = "model.safetensors"
)

const lmHeadName = "lm_head.weight"

// ReadConfig decodes config.json. Keys that are absent keep the values of
// DefaultConfig.
func ReadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// tensorRef binds a checkpoint name to the destination buffer.
type tensorRef struct {
	name  string
	shape []int
	data  []float32
}

func matRef(name string, m *tensor.Mat) tensorRef {
	return tensorRef{name: name, shape: []int{m.R, m.C}, data: m.Data[:m.R*m.C]}
}

func vecRef(name string, v []float32) tensorRef {
	return tensorRef{name: name, shape: []int{len(v)}, data: v}
}

// tensorRefs lists every parameter under the names used by the training
// code. Bias entries appear only when the model has biases.
func (w *WeightSet) tensorRefs() []tensorRef {
	refs := []tensorRef{
		matRef("transformer.wte.weight", &w.embedding),
		matRef("transformer.wpe.weight", &w.Position),
	}
	norm := func(name string, n Norm) {
		refs = append(refs, vecRef(name+".weight", n.Weight))
		if n.Bias != nil {
			refs = append(refs, vecRef(name+".bias", n.Bias))
		}
	}
	linear := func(name string, l *Linear) {
		refs = append(refs, matRef(name+".weight", &l.W))
		if l.B != nil {
			refs = append(refs, vecRef(name+".bias", l.B))
		}
	}
	for i := range w.Layers {
		l := &w.Layers[i]
		p := fmt.Sprintf("transformer.h.%d.", i)
		norm(p+"ln_1", l.AttnNorm)
		norm(p+"j", l.ResidNorm)
		linear(p+"attn.c_attn", &l.QKV)
		linear(p+"attn.c_proj", &l.AttnOut)
		norm(p+"ln_2", l.FfnNorm)
		linear(p+"mlp.c_fc", &l.FfnUp)
		linear(p+"mlp.c_proj", &l.FfnDown)
	}
	norm("transformer.ln_f", w.FinalNorm)
	return refs
}

// LoadCheckpoint reads config.json and model.safetensors from dir. An
// lm_head.weight entry is accepted only when it equals the token embedding.
func LoadCheckpoint(dir string) (*Model, error) {
	cfg, err := ReadConfig(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, err
	}
	sf, err := safetensors.Open(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, err
	}
	defer func() { _ = sf.Close() }()

	w := NewWeightSet(cfg)
	for _, ref := range w.tensorRefs() {
		data, info, err := sf.ReadTensorF32(ref.name)
		if err != nil {
			return nil, err
		}
		if !slices.Equal(info.Shape, ref.shape) {
			return nil, fmt.Errorf("%w: %s is %v, want %v", ErrShapeMismatch, ref.name, info.Shape, ref.shape)
		}
		copy(ref.data, data)
	}

	if _, ok := sf.Tensor(lmHeadName); ok {
		head, _, err := sf.ReadTensorF32(lmHeadName)
		if err != nil {
			return nil, err
		}
		if !tensor.AllClose(head, w.embedding.Data, 0, 0) {
			return nil, fmt.Errorf("%w: %s differs from the token embedding", ErrShapeMismatch, lmHeadName)
		}
	}
	return New(cfg, w)
}

// SaveCheckpoint writes the model configuration and weights to dir.
func SaveCheckpoint(dir string, m *Model) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(m.cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), raw, 0o644); err != nil {
		return err
	}
	refs := m.weights.tensorRefs()
	tensors := make([]safetensors.Tensor, 0, len(refs))
	for _, ref := range refs {
		tensors = append(tensors, safetensors.Tensor{Name: ref.name, Shape: ref.shape, Data: ref.data})
	}
	return safetensors.Write(filepath.Join(dir, WeightsFile), tensors, map[string]string{"format": "pt"})
}

// IsCheckpointDir reports whether dir holds both checkpoint files.
func IsCheckpointDir(dir string) bool {
	for _, name := range []string{ConfigFile, WeightsFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return false
		}
	}
	return true
}
