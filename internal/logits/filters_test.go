package logits

import (
	"math"
	"slices"
	"testing"

	"github.com/samcharles93/sabi/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isNegInf(v float32) bool { return math.IsInf(float64(v), -1) }

func TestApplyTemperature(t *testing.T) {
	t.Parallel()
	l := []float32{2, -4, 0}
	ApplyTemperature(l, 0.5)
	assert.Equal(t, []float32{4, -8, 0}, l)

	ApplyTemperature(l, 0)
	assert.Equal(t, []float32{4, -8, 0}, l)
}

func TestRepetitionPenaltyIsAsymmetric(t *testing.T) {
	t.Parallel()
	l := []float32{2, -2, 1, 0.5}
	var p Penalizer
	p.Apply(l, []int{0, 1, 0, 1}, 2)
	assert.Equal(t, []float32{1, -4, 1, 0.5}, l)
}

func TestRepetitionPenaltyUnseenTokenIsNoop(t *testing.T) {
	t.Parallel()
	l := []float32{2, -2, 1}
	var p Penalizer
	p.Apply(l, []int{0}, 1.5)
	p.Apply(l, []int{0}, 1.5)
	assert.Equal(t, float32(-2), l[1])
	assert.Equal(t, float32(1), l[2])

	neutral := []float32{2, -2, 1}
	p.Apply(neutral, []int{0, 1, 2}, 1)
	assert.Equal(t, []float32{2, -2, 1}, neutral)
}

func TestRepetitionPenaltyChangesRank(t *testing.T) {
	t.Parallel()
	l := []float32{3, 2.5, 1}
	require.Equal(t, 0, tensor.Argmax(l))
	var p Penalizer
	p.Apply(l, []int{0}, 1.5)
	assert.Equal(t, 1, tensor.Argmax(l))
}

func TestRepetitionPenaltyWindow(t *testing.T) {
	t.Parallel()
	history := make([]int, RepetitionWindow+1)
	history[0] = 0
	for i := 1; i < len(history); i++ {
		history[i] = 1
	}
	l := []float32{2, 2}
	var p Penalizer
	p.Apply(l, history, 2)
	assert.Equal(t, []float32{2, 1}, l)
}

func TestTopKKeepsExactlyK(t *testing.T) {
	t.Parallel()
	for _, k := range []int{1, 2, 3, 5, 9} {
		l := []float32{0.1, 5, 3, 3, -1}
		TopK(l, k)
		kept := 0
		for _, v := range l {
			if !isNegInf(v) {
				kept++
			}
		}
		assert.Equal(t, min(k, 5), kept, "k=%d", k)

		probs := slices.Clone(l)
		tensor.Softmax(probs)
		for i, v := range l {
			if isNegInf(v) {
				assert.Zero(t, probs[i])
			}
		}
	}

	l := []float32{0.1, 5, 3, 3, -1}
	TopK(l, 2)
	assert.Equal(t, float32(5), l[1])
	assert.Equal(t, float32(3), l[2])
	assert.True(t, isNegInf(l[3]), "ties keep the lower id")
}

func TestTopCandidatesOrder(t *testing.T) {
	t.Parallel()
	got := TopCandidates([]float32{1, 4, 4, -2, 3}, 3)
	assert.Equal(t, []Candidate{{ID: 1, Logit: 4}, {ID: 2, Logit: 4}, {ID: 4, Logit: 3}}, got)
	assert.Len(t, TopCandidates([]float32{1, 2}, 10), 2)
	assert.Empty(t, TopCandidates([]float32{1, 2}, 0))
}

func TestTopPSurvivors(t *testing.T) {
	t.Parallel()
	for _, p := range []float32{0.01, 0.3, 0.5, 0.8, 0.95} {
		l := []float32{1, 2.5, 0.3, 2, -1, 0.7}
		orig := slices.Clone(l)
		TopP(l, p)

		probs := slices.Clone(orig)
		tensor.Softmax(probs)
		order := []int{1, 3, 0, 5, 2, 4}
		var cum float64
		survivors := 0
		for _, id := range order {
			if isNegInf(l[id]) {
				continue
			}
			survivors++
			if survivors > 1 {
				assert.LessOrEqual(t, cum, float64(p)+1e-6, "p=%g", p)
			}
			cum += float64(probs[id])
		}
		assert.GreaterOrEqual(t, survivors, 1)
		assert.False(t, isNegInf(l[1]), "highest logit always survives")
	}
}

func TestTopPDisabled(t *testing.T) {
	t.Parallel()
	l := []float32{1, 2, 3}
	TopP(l, 1)
	TopP(l, 0)
	assert.Equal(t, []float32{1, 2, 3}, l)

	inf := float32(math.Inf(-1))
	all := []float32{inf, inf}
	TopP(all, 0.5)
	assert.True(t, isNegInf(all[0]) && isNegInf(all[1]))
}
