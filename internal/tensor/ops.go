package tensor

import (
	"math"
	"math/rand"
)

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// LayerNorm normalises src to zero mean and unit variance, then applies the
// learned scale and, when bias is non-nil, shift.  Variance is the biased
// (population) estimate.
func LayerNorm(dst, src, weight, bias []float32, eps float32) {
	n := float64(len(src))
	var mean float64
	for _, v := range src {
		mean += float64(v)
	}
	mean /= n
	var variance float64
	for _, v := range src {
		d := float64(v) - mean
		variance += d * d
	}
	variance /= n
	inv := 1.0 / math.Sqrt(variance+float64(eps))
	for i := range src {
		y := float32((float64(src[i]) - mean) * inv)
		y *= weight[i]
		if bias != nil {
			y += bias[i]
		}
		dst[i] = y
	}
}

// GELU applies the exact (erf based) Gaussian error linear unit in place.
func GELU(x []float32) {
	for i, v := range x {
		x[i] = float32(0.5 * float64(v) * (1 + math.Erf(float64(v)/math.Sqrt2)))
	}
}

// Softmax applies the softmax function to x in place.  Entries equal to -Inf
// receive zero probability.  A row with no finite entry is set to all zeros.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := float32(math.Inf(-1))
	for _, v := range x {
		if v > maxv {
			maxv = v
		}
	}
	if math.IsInf(float64(maxv), -1) {
		for i := range x {
			x[i] = 0
		}
		return
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// Argmax returns the index of the largest value. Ties resolve to the lowest
// index. It panics on an empty slice.
func Argmax(x []float32) int {
	if len(x) == 0 {
		panic("argmax: empty slice")
	}
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}

// Dropout zeroes each element with probability p and rescales survivors by
// 1/(1-p).  p <= 0 is a no-op.
func Dropout(x []float32, p float32, rng *rand.Rand) {
	if p <= 0 {
		return
	}
	if p >= 1 {
		for i := range x {
			x[i] = 0
		}
		return
	}
	keep := 1 / (1 - p)
	for i := range x {
		if rng.Float32() < p {
			x[i] = 0
		} else {
			x[i] *= keep
		}
	}
}
