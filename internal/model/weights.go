package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/samcharles93/sabi/internal/tensor"
)

// Norm holds LayerNorm parameters. Bias is nil when the model has no biases.
type Norm struct {
	Weight []float32
	Bias   []float32
}

// Linear is a dense projection with weights in [out x in] layout.
type Linear struct {
	W tensor.Mat
	B []float32
}

// LayerWeights are the parameters of one decoder block.
type LayerWeights struct {
	AttnNorm  Norm // ln_1
	ResidNorm Norm // j, applied to the ln_1 output
	FfnNorm   Norm // ln_2

	QKV     Linear // [3C x C]
	AttnOut Linear // [C x C]
	FfnUp   Linear // [4C x C]
	FfnDown Linear // [C x 4C]
}

// WeightSet owns every parameter of a model. The token embedding table is
// also the output projection: both accessors return the same matrix, so an
// update through one is visible through the other.
type WeightSet struct {
	embedding tensor.Mat
	Position  tensor.Mat // [block_size x C]
	Layers    []LayerWeights
	FinalNorm Norm
}

// NewWeightSet allocates parameters for cfg. Norm weights start at one and
// everything else at zero.
func NewWeightSet(cfg Config) *WeightSet {
	c := cfg.EmbedDim
	w := &WeightSet{
		embedding: tensor.NewMat(cfg.VocabSize, c),
		Position:  tensor.NewMat(cfg.BlockSize, c),
		Layers:    make([]LayerWeights, cfg.NumLayers),
		FinalNorm: newNorm(c, cfg.Bias),
	}
	for i := range w.Layers {
		w.Layers[i] = LayerWeights{
			AttnNorm:  newNorm(c, cfg.Bias),
			ResidNorm: newNorm(c, cfg.Bias),
			FfnNorm:   newNorm(c, cfg.Bias),
			QKV:       newLinear(3*c, c, cfg.Bias),
			AttnOut:   newLinear(c, c, cfg.Bias),
			FfnUp:     newLinear(4*c, c, cfg.Bias),
			FfnDown:   newLinear(c, 4*c, cfg.Bias),
		}
	}
	return w
}

func newNorm(n int, bias bool) Norm {
	nrm := Norm{Weight: make([]float32, n)}
	for i := range nrm.Weight {
		nrm.Weight[i] = 1
	}
	if bias {
		nrm.Bias = make([]float32, n)
	}
	return nrm
}

func newLinear(out, in int, bias bool) Linear {
	l := Linear{W: tensor.NewMat(out, in)}
	if bias {
		l.B = make([]float32, out)
	}
	return l
}

// TokenEmbedding returns the [vocab x C] embedding table.
func (w *WeightSet) TokenEmbedding() *tensor.Mat { return &w.embedding }

// OutputProjection returns the matrix used to produce logits. It is the
// token embedding table.
func (w *WeightSet) OutputProjection() *tensor.Mat { return &w.embedding }

// InitGPT2 draws every matrix from N(0, 0.02) and scales the residual output
// projections by 1/sqrt(2*n_layer). Biases are zeroed and norms reset to one.
func (w *WeightSet) InitGPT2(seed int64) {
	rng := rand.New(rand.NewSource(seed))
	const std = 0.02
	residStd := std / math.Sqrt(2*float64(len(w.Layers)))

	tensor.FillNormal(&w.embedding, rng, std)
	tensor.FillNormal(&w.Position, rng, std)
	for i := range w.Layers {
		l := &w.Layers[i]
		tensor.FillNormal(&l.QKV.W, rng, std)
		tensor.FillNormal(&l.AttnOut.W, rng, residStd)
		tensor.FillNormal(&l.FfnUp.W, rng, std)
		tensor.FillNormal(&l.FfnDown.W, rng, residStd)
		for _, lin := range []*Linear{&l.QKV, &l.AttnOut, &l.FfnUp, &l.FfnDown} {
			clear(lin.B)
		}
		for _, n := range []*Norm{&l.AttnNorm, &l.ResidNorm, &l.FfnNorm} {
			resetNorm(n)
		}
	}
	resetNorm(&w.FinalNorm)
}

func resetNorm(n *Norm) {
	for i := range n.Weight {
		n.Weight[i] = 1
	}
	clear(n.Bias)
}

// NumParams counts parameters. The tied embedding is counted once; with
// nonEmbedding set the position table is excluded as well.
func (w *WeightSet) NumParams(nonEmbedding bool) int {
	n := w.embedding.Len() + w.Position.Len() + normLen(w.FinalNorm)
	for _, l := range w.Layers {
		n += normLen(l.AttnNorm) + normLen(l.ResidNorm) + normLen(l.FfnNorm)
		n += linearLen(l.QKV) + linearLen(l.AttnOut) + linearLen(l.FfnUp) + linearLen(l.FfnDown)
	}
	if nonEmbedding {
		n -= w.Position.Len()
	}
	return n
}

func normLen(n Norm) int     { return len(n.Weight) + len(n.Bias) }
func linearLen(l Linear) int { return l.W.Len() + len(l.B) }

// validate checks that every tensor has the shape cfg implies.
func (w *WeightSet) validate(cfg Config) error {
	c := cfg.EmbedDim
	if err := checkMat("wte", &w.embedding, cfg.VocabSize, c); err != nil {
		return err
	}
	if err := checkMat("wpe", &w.Position, cfg.BlockSize, c); err != nil {
		return err
	}
	if len(w.Layers) != cfg.NumLayers {
		return fmt.Errorf("%w: have %d layers, config wants %d", ErrShapeMismatch, len(w.Layers), cfg.NumLayers)
	}
	if err := checkNorm("ln_f", w.FinalNorm, c, cfg.Bias); err != nil {
		return err
	}
	for i, l := range w.Layers {
		p := fmt.Sprintf("h.%d.", i)
		checks := []error{
			checkNorm(p+"ln_1", l.AttnNorm, c, cfg.Bias),
			checkNorm(p+"j", l.ResidNorm, c, cfg.Bias),
			checkNorm(p+"ln_2", l.FfnNorm, c, cfg.Bias),
			checkLinear(p+"attn.c_attn", l.QKV, 3*c, c, cfg.Bias),
			checkLinear(p+"attn.c_proj", l.AttnOut, c, c, cfg.Bias),
			checkLinear(p+"mlp.c_fc", l.FfnUp, 4*c, c, cfg.Bias),
			checkLinear(p+"mlp.c_proj", l.FfnDown, c, 4*c, cfg.Bias),
		}
		for _, err := range checks {
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func checkMat(name string, m *tensor.Mat, r, c int) error {
	if m.R != r || m.C != c || len(m.Data) < r*c {
		return fmt.Errorf("%w: %s is [%d x %d], want [%d x %d]", ErrShapeMismatch, name, m.R, m.C, r, c)
	}
	return nil
}

func checkVec(name string, v []float32, n int, want bool) error {
	if !want {
		if v != nil {
			return fmt.Errorf("%w: %s present but model has no bias", ErrShapeMismatch, name)
		}
		return nil
	}
	if len(v) != n {
		return fmt.Errorf("%w: %s has %d elements, want %d", ErrShapeMismatch, name, len(v), n)
	}
	return nil
}

func checkNorm(name string, n Norm, c int, bias bool) error {
	if err := checkVec(name+".weight", n.Weight, c, true); err != nil {
		return err
	}
	return checkVec(name+".bias", n.Bias, c, bias)
}

func checkLinear(name string, l Linear, out, in int, bias bool) error {
	if err := checkMat(name+".weight", &l.W, out, in); err != nil {
		return err
	}
	return checkVec(name+".bias", l.B, out, bias)
}
