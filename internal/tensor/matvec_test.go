package tensor

import (
	"math/rand"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func matVecNaive(dst []float32, w *Mat, x []float32) {
	for i := 0; i < w.R; i++ {
		row := w.Data[i*w.Stride : i*w.Stride+w.C]
		var sum float32
		for j := 0; j < w.C; j++ {
			sum += row[j] * x[j]
		}
		dst[i] = sum
	}
}

func matVecParWaitGroup(dst []float32, w *Mat, x []float32) {
	workers := min(runtime.GOMAXPROCS(0), w.R)
	var wg sync.WaitGroup
	chunk := (w.R + workers - 1) / workers
	for i := range workers {
		rs := i * chunk
		re := min(rs+chunk, w.R)
		if rs >= re {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			matVecRange(dst, w, x, rs, re)
		}()
	}
	wg.Wait()
}

func TestMatVecMatchesNaive(t *testing.T) {
	t.Parallel()
	for _, shape := range [][2]int{{1, 1}, {3, 5}, {17, 33}, {256, 300}} {
		w := NewMat(shape[0], shape[1])
		FillRand(&w, int64(shape[0]*shape[1]))
		x := make([]float32, shape[1])
		rng := rand.New(rand.NewSource(3))
		for i := range x {
			x[i] = rng.Float32() - 0.5
		}
		got := make([]float32, shape[0])
		want := make([]float32, shape[0])
		MatVec(got, &w, x)
		matVecNaive(want, &w, x)
		require.True(t, AllClose(got, want, 1e-5, 1e-6), "shape %v", shape)
	}
}

func TestMatVecParallelIsDeterministic(t *testing.T) {
	t.Parallel()
	w := NewMat(512, 128)
	FillRand(&w, 9)
	x := make([]float32, 128)
	for i := range x {
		x[i] = float32(i%7) - 3
	}
	a := make([]float32, 512)
	b := make([]float32, 512)
	MatVec(a, &w, x)
	matVecRange(b, &w, x, 0, w.R)
	require.Equal(t, b, a)
}

func TestMatVecPoolConcurrentCallers(t *testing.T) {
	t.Parallel()
	w := NewMat(4096, 64)
	FillRand(&w, 5)
	x := make([]float32, 64)
	for i := range x {
		x[i] = float32(i%5) - 2
	}
	want := make([]float32, w.R)
	matVecRange(want, &w, x, 0, w.R)

	for _, size := range []int{8, 16} {
		pool := newMatVecPool(size)
		finished := make(chan struct{})
		go func() {
			defer close(finished)
			var wg sync.WaitGroup
			for range 32 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					dst := make([]float32, w.R)
					for range 100 {
						pool.matVec(dst, &w, x)
					}
					assert.Equal(t, want, dst)
				}()
			}
			wg.Wait()
		}()
		select {
		case <-finished:
		case <-time.After(30 * time.Second):
			t.Fatalf("pool of %d workers stalled under concurrent callers", size)
		}
	}
}

func TestLinearAddsBias(t *testing.T) {
	t.Parallel()
	w := NewMatFromData(2, 2, []float32{1, 2, 3, 4})
	dst := make([]float32, 2)
	Linear(dst, &w, []float32{1, 1}, []float32{10, 20})
	require.Equal(t, []float32{13, 27}, dst)

	Linear(dst, &w, []float32{1, 0}, nil)
	require.Equal(t, []float32{1, 3}, dst)
}

func TestMatVecShapeMismatchPanics(t *testing.T) {
	t.Parallel()
	w := NewMat(2, 3)
	require.Panics(t, func() { MatVec(make([]float32, 1), &w, make([]float32, 3)) })
}

func BenchmarkMatVecNaive(b *testing.B) {
	w := NewMat(2048, 2048)
	x := make([]float32, 2048)
	dst := make([]float32, 2048)
	FillRand(&w, 1)
	for b.Loop() {
		matVecNaive(dst, &w, x)
	}
}

func BenchmarkMatVecParWG(b *testing.B) {
	w := NewMat(2048, 2048)
	x := make([]float32, 2048)
	dst := make([]float32, 2048)
	FillRand(&w, 1)
	for b.Loop() {
		matVecParWaitGroup(dst, &w, x)
	}
}

func BenchmarkMatVecPool(b *testing.B) {
	w := NewMat(2048, 2048)
	x := make([]float32, 2048)
	dst := make([]float32, 2048)
	FillRand(&w, 1)
	for b.Loop() {
		MatVec(dst, &w, x)
	}
}
