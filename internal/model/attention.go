package model

import (
	"math"
	"math/rand"
	"runtime"

	"github.com/samcharles93/sabi/internal/tensor"
)

// parallelAttnThreshold is the number of score multiply-adds below which
// heads are computed on the calling goroutine.
const parallelAttnThreshold = 1 << 14

// attnJob describes the attention of one layer over a batch.
type attnJob struct {
	q, k, v []float32 // [batch*seqLen x C]
	out     []float32 // [batch*seqLen x C]
	cache   *AttentionCache

	batch, seqLen, keyLen, queryOffset int
	heads, headDim, embd               int
	scale                              float32

	causal  *CausalMask
	mask    *AttentionMask
	dropout float32
	rng     *rand.Rand
}

func (j *attnJob) visible(b, i, k int) bool {
	if j.mask != nil {
		return j.mask.Allowed(b, i, k)
	}
	return j.causal.Allowed(j.queryOffset+i, k)
}

type headScratch struct {
	scores, keys, values []float32
}

func (s *headScratch) ensure(keyLen, headDim int) {
	if cap(s.scores) < keyLen {
		s.scores = make([]float32, keyLen)
		s.keys = make([]float32, keyLen*headDim)
		s.values = make([]float32, keyLen*headDim)
	}
	s.scores = s.scores[:keyLen]
	s.keys = s.keys[:keyLen*headDim]
	s.values = s.values[:keyLen*headDim]
}

// runHeads computes the (sequence, head) pairs in [rs, re).
func runHeads(j *attnJob, s *headScratch, rs, re int) {
	hd := j.headDim
	s.ensure(j.keyLen, hd)
	for idx := rs; idx < re; idx++ {
		b, h := idx/j.heads, idx%j.heads
		if j.cache != nil {
			j.cache.load(s.keys, s.values, b, h, j.keyLen)
		} else {
			for t := range j.keyLen {
				off := (b*j.seqLen+t)*j.embd + h*hd
				copy(s.keys[t*hd:(t+1)*hd], j.k[off:off+hd])
				copy(s.values[t*hd:(t+1)*hd], j.v[off:off+hd])
			}
		}
		for i := range j.seqLen {
			off := (b*j.seqLen+i)*j.embd + h*hd
			q := j.q[off : off+hd]
			for t := range j.keyLen {
				if !j.visible(b, i, t) {
					s.scores[t] = float32(math.Inf(-1))
					continue
				}
				s.scores[t] = tensor.Dot(q, s.keys[t*hd:(t+1)*hd]) * j.scale
			}
			tensor.Softmax(s.scores)
			if j.rng != nil {
				tensor.Dropout(s.scores, j.dropout, j.rng)
			}
			out := j.out[off : off+hd]
			clear(out)
			for t, p := range s.scores {
				if p == 0 {
					continue
				}
				val := s.values[t*hd : (t+1)*hd]
				for d := range out {
					out[d] += p * val[d]
				}
			}
		}
	}
}

type headTask struct {
	job    *attnJob
	rs, re int
	done   chan struct{}
}

// headPool runs attention heads on long-lived workers. Each worker owns its
// scratch buffers, and each head is reduced by exactly one worker.
type headPool struct {
	size      int
	tasks     chan headTask
	doneSlots chan chan struct{}
}

func headWorkersFor(heads int) int {
	workers := runtime.GOMAXPROCS(0)
	if heads > 0 && workers > heads {
		workers = heads
	}
	return max(workers, 1)
}

func newHeadPool(workers int) *headPool {
	workers = max(workers, 1)
	p := &headPool{
		size:      workers,
		tasks:     make(chan headTask, workers*2),
		doneSlots: make(chan chan struct{}, workers),
	}
	for range workers {
		p.doneSlots <- make(chan struct{}, workers)
	}
	for range workers {
		go func() {
			var scratch headScratch
			for task := range p.tasks {
				runHeads(task.job, &scratch, task.rs, task.re)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

func (m *Model) heads() *headPool {
	m.poolOnce.Do(func() {
		m.pool = newHeadPool(headWorkersFor(m.cfg.NumHeads))
	})
	return m.pool
}

// attend fills job.out. Dropout runs serially so the random stream stays
// reproducible.
func (m *Model) attend(job *attnJob) {
	total := job.batch * job.heads
	work := job.seqLen * job.keyLen * job.headDim * total
	if job.rng != nil || total == 1 || work < parallelAttnThreshold {
		var scratch headScratch
		runHeads(job, &scratch, 0, total)
		return
	}

	pool := m.heads()
	workers := min(pool.size, total)
	chunk := (total + workers - 1) / workers
	done := <-pool.doneSlots
	active := 0
	for rs := 0; rs < total; rs += chunk {
		pool.tasks <- headTask{job: job, rs: rs, re: min(rs+chunk, total), done: done}
		active++
	}
	for range active {
		<-done
	}
	pool.doneSlots <- done
}

func newAttnJob(cfg Config) *attnJob {
	hd := cfg.HeadDim()
	return &attnJob{
		heads:   cfg.NumHeads,
		headDim: hd,
		embd:    cfg.EmbedDim,
		scale:   float32(1 / math.Sqrt(float64(hd))),
	}
}
