package logits

import (
	"math"
	"math/rand/v2"

	"github.com/samcharles93/sabi/internal/tensor"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// SamplerConfig configures the filters and the selection rule of a Sampler.
type SamplerConfig struct {
	Seed              uint64
	DoSample          bool
	Temperature       float32
	TopK              int
	TopP              float32
	RepetitionPenalty float32
}

// Sampler turns the logits of one position into a token id. It is not safe
// for concurrent use.
type Sampler struct {
	cfg     SamplerConfig
	src     *rand.PCG
	penalty Penalizer
	probs   []float64
}

// NewSampler returns a sampler seeded from cfg.Seed. The same seed always
// produces the same stream of samples.
func NewSampler(cfg SamplerConfig) *Sampler {
	if cfg.RepetitionPenalty == 0 {
		cfg.RepetitionPenalty = 1
	}
	return &Sampler{
		cfg: cfg,
		src: rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15),
	}
}

// Greedy reports whether selection is a plain argmax.
func (s *Sampler) Greedy() bool {
	return !s.cfg.DoSample || s.cfg.Temperature <= 0
}

// Filter applies, in order, temperature, the repetition penalty against
// history, top-k and top-p. logits is modified in place.
func (s *Sampler) Filter(logits []float32, history []int) {
	ApplyTemperature(logits, s.cfg.Temperature)
	s.penalty.Apply(logits, history, s.cfg.RepetitionPenalty)
	TopK(logits, s.cfg.TopK)
	TopP(logits, s.cfg.TopP)
}

// Select samples from softmax(logits) when sampling is enabled and returns
// the argmax otherwise. A distribution with no mass falls back to argmax.
func (s *Sampler) Select(logits []float32) int {
	if s.Greedy() {
		return tensor.Argmax(logits)
	}
	if cap(s.probs) < len(logits) {
		s.probs = make([]float64, len(logits))
	}
	probs := s.probs[:len(logits)]
	maxv := float64(logits[tensor.Argmax(logits)])
	if math.IsInf(maxv, -1) || math.IsNaN(maxv) {
		return tensor.Argmax(logits)
	}
	for i, l := range logits {
		probs[i] = math.Exp(float64(l) - maxv)
	}
	w := sampleuv.NewWeighted(probs, s.src)
	if idx, ok := w.Take(); ok {
		return idx
	}
	return tensor.Argmax(logits)
}

// Next filters logits against history and selects a token.
func (s *Sampler) Next(logits []float32, history []int) int {
	s.Filter(logits, history)
	return s.Select(logits)
}
