package model

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"weak"

	"github.com/samcharles93/sabi/internal/tensor"
	"gonum.org/v1/gonum/floats"
)

// Model is a decoder-only transformer with learned absolute positions and a
// tied output projection. Forward passes that use different sessions may run
// concurrently; CropBlockSize must not race with them.
type Model struct {
	cfg     Config
	weights *WeightSet
	masks   *MaskTable

	poolOnce sync.Once
	pool     *headPool

	rngMu sync.Mutex
	rng   *rand.Rand

	sessMu   sync.Mutex
	sessions []weak.Pointer[Session]
}

// New validates cfg and the weight shapes and returns a model that uses the
// given weights without copying them.
func New(cfg Config, weights *WeightSet) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if weights == nil {
		return nil, fmt.Errorf("%w: nil weight set", ErrShapeMismatch)
	}
	if err := weights.validate(cfg); err != nil {
		return nil, err
	}
	return &Model{
		cfg:     cfg,
		weights: weights,
		masks:   NewMaskTable(cfg.BlockSize),
		rng:     rand.New(rand.NewSource(1)),
	}, nil
}

// NewRandom builds a model with GPT-2 style initialisation drawn from seed.
func NewRandom(cfg Config, seed int64) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w := NewWeightSet(cfg)
	w.InitGPT2(seed)
	m, err := New(cfg, w)
	if err != nil {
		return nil, err
	}
	m.rng = rand.New(rand.NewSource(seed))
	return m, nil
}

func (m *Model) Config() Config        { return m.cfg }
func (m *Model) Weights() *WeightSet   { return m.weights }
func (m *Model) MaskTable() *MaskTable { return m.masks }

// NumParams reports the parameter count, optionally without the position
// table.
func (m *Model) NumParams(nonEmbedding bool) int {
	return m.weights.NumParams(nonEmbedding)
}

// CropBlockSize shrinks the context window to n. The position table is
// truncated, memoized masks are dropped and the caches of every live session
// are freed.
func (m *Model) CropBlockSize(n int) error {
	if n <= 0 || n > m.cfg.BlockSize {
		return configErr("block_size", "cannot crop %d to %d", m.cfg.BlockSize, n)
	}
	m.weights.Position.Truncate(n)
	m.cfg.BlockSize = n
	m.masks.reset(n)

	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	live := m.sessions[:0]
	for _, wp := range m.sessions {
		s := wp.Value()
		if s == nil {
			continue
		}
		s.Free()
		s.reset(m.cfg)
		live = append(live, wp)
	}
	clear(m.sessions[len(live):])
	m.sessions = live
	return nil
}

// ForwardRequest is the input of one forward pass.
type ForwardRequest struct {
	// Tokens is a rectangular [batch x seqLen] matrix of token ids.
	Tokens [][]int
	// StartPos is the absolute position of Tokens[b][0].
	StartPos int
	// Targets, when set, has the shape of Tokens. IgnoreIndex entries are
	// skipped by the loss.
	Targets [][]int
	// Mask replaces the causal mask. Its shape must be
	// [1 or batch] x seqLen x keyLen.
	Mask *AttentionMask
	// Session supplies the attention caches. Without one, or when the
	// model has caching disabled, attention covers only Tokens.
	Session *Session
	// Train enables dropout and bypasses the caches.
	Train bool
	// AllLogits returns logits for every position instead of the last.
	AllLogits bool
}

// ForwardResult holds the logits of a forward pass.
type ForwardResult struct {
	// Logits is [batch x positions x vocab]. positions is seqLen when all
	// logits were requested or targets were given, otherwise one.
	Logits [][][]float32
	// Loss is the mean cross entropy over non-ignored targets. It is NaN
	// when every target is ignored.
	Loss    float64
	HasLoss bool
}

// Last returns the logits of the final position of sequence b.
func (r *ForwardResult) Last(b int) []float32 {
	rows := r.Logits[b]
	return rows[len(rows)-1]
}

// Forward runs the decoder over req.Tokens.
func (m *Model) Forward(req ForwardRequest) (*ForwardResult, error) {
	cfg := m.cfg
	batch, seqLen, err := checkIDs(req.Tokens, cfg.VocabSize, false)
	if err != nil {
		return nil, err
	}
	if req.StartPos < 0 {
		return nil, fmt.Errorf("%w: negative start position %d", ErrShapeMismatch, req.StartPos)
	}
	if req.StartPos+seqLen > cfg.BlockSize {
		return nil, &SequenceTooLongError{StartPos: req.StartPos, Length: seqLen, Capacity: cfg.BlockSize}
	}
	if req.Targets != nil {
		tb, tt, err := checkIDs(req.Targets, cfg.VocabSize, true)
		if err != nil {
			return nil, err
		}
		if tb != batch || tt != seqLen {
			return nil, fmt.Errorf("%w: targets are [%d x %d], tokens are [%d x %d]", ErrShapeMismatch, tb, tt, batch, seqLen)
		}
	}

	p := &pass{batch: batch, seqLen: seqLen, startPos: req.StartPos, keyLen: seqLen}
	if req.Session != nil && cfg.UseKVCache && !req.Train {
		s := req.Session
		if err := s.acquire(); err != nil {
			return nil, err
		}
		defer s.release()
		if s.owner != m {
			return nil, fmt.Errorf("%w: session belongs to another model", ErrShapeMismatch)
		}
		if batch > cfg.MaxBatchSize {
			return nil, fmt.Errorf("%w: batch %d, max %d", ErrBatchTooLarge, batch, cfg.MaxBatchSize)
		}
		if req.StartPos > s.Len() {
			return nil, fmt.Errorf("%w: start %d, cached %d", ErrCacheGap, req.StartPos, s.Len())
		}
		s.reserve(req.StartPos + seqLen)
		p.session = s
		p.keyLen = req.StartPos + seqLen
		p.queryOffset = req.StartPos
	}
	if req.Mask != nil {
		if err := req.Mask.check(batch, seqLen, p.keyLen); err != nil {
			return nil, err
		}
		p.mask = req.Mask
	} else {
		if p.causal, err = m.masks.Get(p.keyLen); err != nil {
			return nil, err
		}
	}
	if req.Train && cfg.Dropout > 0 {
		m.rngMu.Lock()
		defer m.rngMu.Unlock()
		p.rng, p.dropout = m.rng, cfg.Dropout
	}

	act := newActivations(batch*seqLen, cfg.EmbedDim)
	m.embed(req.Tokens, p, act)
	for layer := range cfg.NumLayers {
		m.runBlock(layer, p, act)
	}

	res := &ForwardResult{Logits: m.project(act, p, req.AllLogits || req.Targets != nil)}
	if req.Targets != nil {
		res.Loss, res.HasLoss = crossEntropy(res.Logits, req.Targets), true
	}
	return res, nil
}

func (m *Model) embed(tokens [][]int, p *pass, act *activations) {
	wte := m.weights.TokenEmbedding()
	for b, row := range tokens {
		for t, id := range row {
			x := act.row(act.x, b*p.seqLen+t)
			copy(x, wte.Row(id))
			tensor.Add(x, m.weights.Position.Row(p.startPos+t))
			m.dropout(x, p)
		}
	}
}

func (m *Model) project(act *activations, p *pass, all bool) [][][]float32 {
	first := p.seqLen - 1
	if all {
		first = 0
	}
	out := m.weights.OutputProjection()
	norm := make([]float32, act.embd)
	logits := make([][][]float32, p.batch)
	for b := range p.batch {
		logits[b] = make([][]float32, 0, p.seqLen-first)
		for t := first; t < p.seqLen; t++ {
			tensor.LayerNorm(norm, act.row(act.x, b*p.seqLen+t), m.weights.FinalNorm.Weight, m.weights.FinalNorm.Bias, LayerNormEpsilon)
			row := make([]float32, m.cfg.VocabSize)
			tensor.MatVec(row, out, norm)
			logits[b] = append(logits[b], row)
		}
	}
	return logits
}

// crossEntropy averages -log softmax(logits)[target] over kept targets.
func crossEntropy(logits [][][]float32, targets [][]int) float64 {
	var sum float64
	n := 0
	var buf []float64
	for b, row := range targets {
		for t, target := range row {
			if target == IgnoreIndex {
				continue
			}
			l := logits[b][t]
			if cap(buf) < len(l) {
				buf = make([]float64, len(l))
			}
			buf = buf[:len(l)]
			for i, v := range l {
				buf[i] = float64(v)
			}
			sum += floats.LogSumExp(buf) - buf[target]
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// CheckTokens validates a rectangular batch of token ids against the
// vocabulary and returns its shape.
func CheckTokens(ids [][]int, vocab int) (batch, seqLen int, err error) {
	return checkIDs(ids, vocab, false)
}

// checkIDs validates a rectangular id matrix and returns its shape.
func checkIDs(ids [][]int, vocab int, allowIgnore bool) (int, int, error) {
	if len(ids) == 0 || len(ids[0]) == 0 {
		return 0, 0, fmt.Errorf("%w: empty input", ErrShapeMismatch)
	}
	seqLen := len(ids[0])
	for b, row := range ids {
		if len(row) != seqLen {
			return 0, 0, fmt.Errorf("%w: row %d has %d tokens, row 0 has %d", ErrShapeMismatch, b, len(row), seqLen)
		}
		for t, id := range row {
			if allowIgnore && id == IgnoreIndex {
				continue
			}
			if id < 0 || id >= vocab {
				return 0, 0, fmt.Errorf("%w: id %d at [%d,%d], vocab size %d", ErrTokenOutOfRange, id, b, t, vocab)
			}
		}
	}
	return len(ids), seqLen, nil
}
