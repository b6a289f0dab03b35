package logits

import (
	"cmp"
	"math"
	"slices"

	pq "github.com/emirpasic/gods/v2/queues/priorityqueue"
	"gonum.org/v1/gonum/floats"
)

// RepetitionWindow is the number of most recent tokens of a sequence that
// the repetition penalty looks at.
const RepetitionWindow = 50

var negInf = float32(math.Inf(-1))

// ApplyTemperature divides logits by t in place. t <= 0 leaves them
// unchanged; callers treat that case as greedy selection.
func ApplyTemperature(logits []float32, t float32) {
	if t <= 0 || t == 1 {
		return
	}
	inv := 1 / t
	for i := range logits {
		logits[i] *= inv
	}
}

// Penalizer applies the repetition penalty. It keeps its bookkeeping between
// calls so repeated use does not allocate.
type Penalizer struct {
	seenMark  []uint32
	seenEpoch uint32
	seenList  []int
}

// Apply penalizes every distinct id among the last RepetitionWindow entries
// of history: positive logits are divided by penalty, others multiplied.
// A penalty of one is a no-op.
func (p *Penalizer) Apply(logits []float32, history []int, penalty float32) {
	if penalty == 1 || penalty <= 0 || len(history) == 0 {
		return
	}
	window := history[max(len(history)-RepetitionWindow, 0):]

	if len(p.seenMark) < len(logits) {
		p.seenMark = make([]uint32, len(logits))
	}
	p.seenEpoch++
	if p.seenEpoch == 0 {
		clear(p.seenMark)
		p.seenEpoch = 1
	}
	p.seenList = p.seenList[:0]
	for _, id := range window {
		if id >= 0 && id < len(logits) && p.seenMark[id] != p.seenEpoch {
			p.seenMark[id] = p.seenEpoch
			p.seenList = append(p.seenList, id)
		}
	}

	for _, id := range p.seenList {
		if logits[id] > 0 {
			logits[id] /= penalty
		} else {
			logits[id] *= penalty
		}
	}
}

// Candidate is a token id and its logit.
type Candidate struct {
	ID    int     `json:"id"`
	Logit float32 `json:"logit"`
}

// worstFirst orders candidates so the queue head is the one to evict: the
// lowest logit, and among equal logits the highest id.
func worstFirst(a, b Candidate) int {
	if c := cmp.Compare(a.Logit, b.Logit); c != 0 {
		return c
	}
	return cmp.Compare(b.ID, a.ID)
}

// TopCandidates returns the k highest logits in descending order. Ties are
// broken towards the lower id.
func TopCandidates(logits []float32, k int) []Candidate {
	k = min(k, len(logits))
	if k <= 0 {
		return nil
	}
	q := pq.NewWith(worstFirst)
	for i, l := range logits {
		c := Candidate{ID: i, Logit: l}
		if q.Size() == k {
			head, _ := q.Peek()
			if worstFirst(c, head) <= 0 {
				continue
			}
			q.Dequeue()
		}
		q.Enqueue(c)
	}
	out := make([]Candidate, q.Size())
	for i := len(out) - 1; i >= 0; i-- {
		out[i], _ = q.Dequeue()
	}
	return out
}

// TopK keeps exactly min(k, len(logits)) entries and sets the rest to -Inf.
// k <= 0 disables the filter.
func TopK(logits []float32, k int) {
	if k <= 0 || k >= len(logits) {
		return
	}
	keep := TopCandidates(logits, k)
	kept := make([]float32, len(keep))
	for i, c := range keep {
		kept[i] = logits[c.ID]
	}
	for i := range logits {
		logits[i] = negInf
	}
	for i, c := range keep {
		logits[c.ID] = kept[i]
	}
}

// TopP keeps the smallest prefix of logits, sorted in descending order,
// whose cumulative probability exceeds p. The highest logit always
// survives. p outside (0, 1) disables the filter.
func TopP(logits []float32, p float32) {
	if p <= 0 || p >= 1 || len(logits) == 0 {
		return
	}
	order := make([]int, len(logits))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(logits[b], logits[a])
	})

	sorted := make([]float64, len(order))
	for i, id := range order {
		sorted[i] = float64(logits[id])
	}
	lse := floats.LogSumExp(sorted)
	if math.IsInf(lse, 0) || math.IsNaN(lse) {
		return
	}

	var cum float64
	for i, id := range order {
		if i > 0 && cum > float64(p) {
			logits[id] = negInf
			continue
		}
		cum += math.Exp(sorted[i] - lse)
	}
}
