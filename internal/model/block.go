package model

import (
	"math/rand"

	"github.com/samcharles93/sabi/internal/tensor"
)

// activations holds the per-pass buffers shared by every block.
type activations struct {
	rows, embd int
	x          []float32 // residual stream
	norm       []float32 // ln_1 output, then ln_2 output
	resid      []float32 // j(ln_1) output
	qkv        []float32
	q, k, v    []float32
	att        []float32
	proj       []float32
	hidden     []float32
}

func newActivations(rows, embd int) *activations {
	return &activations{
		rows:   rows,
		embd:   embd,
		x:      make([]float32, rows*embd),
		norm:   make([]float32, rows*embd),
		resid:  make([]float32, rows*embd),
		qkv:    make([]float32, 3*embd),
		q:      make([]float32, rows*embd),
		k:      make([]float32, rows*embd),
		v:      make([]float32, rows*embd),
		att:    make([]float32, rows*embd),
		proj:   make([]float32, rows*embd),
		hidden: make([]float32, 4*embd),
	}
}

func (a *activations) row(buf []float32, r int) []float32 {
	return buf[r*a.embd : (r+1)*a.embd]
}

// pass carries the geometry of one forward call through the blocks.
type pass struct {
	batch, seqLen int
	startPos      int
	keyLen        int
	queryOffset   int

	session *Session
	causal  *CausalMask
	mask    *AttentionMask
	rng     *rand.Rand
	dropout float32
}

// runBlock applies one decoder block in place on act.x:
//
//	a = ln_1(x)
//	x = x + attn(a) + j(a)
//	x = x + mlp(ln_2(x))
func (m *Model) runBlock(layer int, p *pass, act *activations) {
	lw := &m.weights.Layers[layer]
	c := act.embd

	for r := range act.rows {
		a := act.row(act.norm, r)
		tensor.LayerNorm(a, act.row(act.x, r), lw.AttnNorm.Weight, lw.AttnNorm.Bias, LayerNormEpsilon)
		tensor.LayerNorm(act.row(act.resid, r), a, lw.ResidNorm.Weight, lw.ResidNorm.Bias, LayerNormEpsilon)
		tensor.Linear(act.qkv, &lw.QKV.W, a, lw.QKV.B)
		copy(act.row(act.q, r), act.qkv[:c])
		copy(act.row(act.k, r), act.qkv[c:2*c])
		copy(act.row(act.v, r), act.qkv[2*c:])
	}

	job := newAttnJob(m.cfg)
	job.q, job.k, job.v, job.out = act.q, act.k, act.v, act.att
	job.batch, job.seqLen = p.batch, p.seqLen
	job.keyLen, job.queryOffset = p.keyLen, p.queryOffset
	job.causal, job.mask = p.causal, p.mask
	if p.rng != nil && p.dropout > 0 {
		job.rng, job.dropout = p.rng, p.dropout
	}
	if p.session != nil {
		cache := p.session.caches[layer]
		hd := job.headDim
		for b := range p.batch {
			for t := range p.seqLen {
				r := b*p.seqLen + t
				k, v := act.row(act.k, r), act.row(act.v, r)
				for h := range job.heads {
					cache.store(b, h, p.startPos+t, k[h*hd:(h+1)*hd], v[h*hd:(h+1)*hd])
				}
			}
		}
		cache.advance(p.startPos + p.seqLen)
		job.cache = cache
	}
	m.attend(job)

	for r := range act.rows {
		proj := act.row(act.proj, r)
		tensor.Linear(proj, &lw.AttnOut.W, act.row(act.att, r), lw.AttnOut.B)
		m.dropout(proj, p)
		x := act.row(act.x, r)
		tensor.Add(x, proj)
		tensor.Add(x, act.row(act.resid, r))
	}

	for r := range act.rows {
		a := act.row(act.norm, r)
		tensor.LayerNorm(a, act.row(act.x, r), lw.FfnNorm.Weight, lw.FfnNorm.Bias, LayerNormEpsilon)
		tensor.Linear(act.hidden, &lw.FfnUp.W, a, lw.FfnUp.B)
		tensor.GELU(act.hidden)
		proj := act.row(act.proj, r)
		tensor.Linear(proj, &lw.FfnDown.W, act.hidden, lw.FfnDown.B)
		m.dropout(proj, p)
		tensor.Add(act.row(act.x, r), proj)
	}
}

func (m *Model) dropout(x []float32, p *pass) {
	if p.rng != nil && p.dropout > 0 {
		tensor.Dropout(x, p.dropout, p.rng)
	}
}
